// Package storage is the PostgreSQL persistence layer.  All methods
// take a context and return wrapped errors; callers test for the
// sentinel errors below with errors.Is.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// ErrNotFound reports a missing row.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicate reports a unique-constraint conflict, used by the
// pipeline to detect replayed positions.
var ErrDuplicate = errors.New("storage: duplicate")

// Store wraps the database handle.
type Store struct {
	db *sql.DB
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "storage: open")
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "storage: ping")
	}
	return &Store{db: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Migrate creates the schema.  Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "storage: migrate")
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		admin BOOLEAN NOT NULL DEFAULT FALSE,
		channels JSONB NOT NULL DEFAULT '[]',
		push_endpoints JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS devices (
		id BIGSERIAL PRIMARY KEY,
		identifier TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		protocol TEXT NOT NULL,
		vehicle_type TEXT NOT NULL DEFAULT '',
		license_plate TEXT NOT NULL DEFAULT '',
		total_odometer DOUBLE PRECISION NOT NULL DEFAULT 0,
		config JSONB NOT NULL DEFAULT '{}',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (identifier, protocol)
	)`,
	`CREATE TABLE IF NOT EXISTS user_device_access (
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		device_id BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		access_level TEXT NOT NULL DEFAULT 'viewer',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, device_id)
	)`,
	`CREATE INDEX IF NOT EXISTS user_device_access_device_idx
		ON user_device_access (device_id)`,
	`CREATE TABLE IF NOT EXISTS positions (
		id BIGSERIAL PRIMARY KEY,
		device_id BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		device_time TIMESTAMPTZ NOT NULL,
		server_time TIMESTAMPTZ NOT NULL DEFAULT now(),
		latitude DOUBLE PRECISION NOT NULL,
		longitude DOUBLE PRECISION NOT NULL,
		altitude DOUBLE PRECISION NOT NULL DEFAULT 0,
		speed DOUBLE PRECISION NOT NULL DEFAULT 0,
		course DOUBLE PRECISION NOT NULL DEFAULT 0,
		satellites INT NOT NULL DEFAULT 0,
		valid BOOLEAN NOT NULL DEFAULT TRUE,
		ignition BOOLEAN,
		sensors JSONB NOT NULL DEFAULT '{}',
		trip_id BIGINT,
		UNIQUE (device_id, device_time)
	)`,
	`CREATE INDEX IF NOT EXISTS positions_device_time_idx
		ON positions (device_id, device_time DESC)`,
	`CREATE TABLE IF NOT EXISTS trips (
		id BIGSERIAL PRIMARY KEY,
		device_id BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ,
		start_position_id BIGINT NOT NULL,
		end_position_id BIGINT,
		distance_km DOUBLE PRECISION NOT NULL DEFAULT 0,
		duration_min DOUBLE PRECISION NOT NULL DEFAULT 0,
		open BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS device_states (
		device_id BIGINT PRIMARY KEY REFERENCES devices(id) ON DELETE CASCADE,
		last_seen TIMESTAMPTZ,
		online BOOLEAN NOT NULL DEFAULT FALSE,
		ignition_on BOOLEAN NOT NULL DEFAULT FALSE,
		total_odometer DOUBLE PRECISION NOT NULL DEFAULT 0,
		active_trip_id BIGINT,
		anchor JSONB
	)`,
	`CREATE TABLE IF NOT EXISTS alert_rules (
		id BIGSERIAL PRIMARY KEY,
		device_id BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		params JSONB NOT NULL DEFAULT '{}',
		schedule JSONB,
		channels JSONB NOT NULL DEFAULT '[]',
		name TEXT NOT NULL DEFAULT '',
		expression TEXT NOT NULL DEFAULT '',
		enabled BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id BIGSERIAL PRIMARY KEY,
		device_id BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		rule_id BIGINT NOT NULL,
		kind TEXT NOT NULL,
		severity TEXT NOT NULL,
		message TEXT NOT NULL,
		metadata JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		read BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS geofences (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		points JSONB NOT NULL DEFAULT '[]',
		color TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		corridor_m DOUBLE PRECISION NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS commands (
		id BIGSERIAL PRIMARY KEY,
		device_id BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		retries INT NOT NULL DEFAULT 0,
		key TEXT NOT NULL DEFAULT '',
		response TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		sent_at TIMESTAMPTZ,
		acked_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS commands_device_status_idx
		ON commands (device_id, status, created_at)`,
}

// isUniqueViolation recognises the PostgreSQL duplicate-key error.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// marshal renders v as JSON for a JSONB column; nil maps become {}.
func marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil || v == nil {
		return []byte("{}")
	}
	return data
}

func unmarshalMap(data []byte) map[string]any {
	m := map[string]any{}
	if len(data) > 0 {
		json.Unmarshal(data, &m)
	}
	return m
}

func scanOne(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(ErrNotFound, what)
	}
	return errors.Wrap(err, what)
}
