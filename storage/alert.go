package storage

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/fleetlink/fleetlink/model"
)

// RulesForDevice lists the enabled alert rules attached to a device.
func (s *Store) RulesForDevice(ctx context.Context, deviceID int64) ([]*model.AlertRule, error) {
	return s.queryRules(ctx,
		`SELECT id, device_id, user_id, kind, params, schedule, channels,
			name, expression, enabled, created_at
		 FROM alert_rules WHERE device_id = $1 AND enabled ORDER BY id`, deviceID)
}

// Rules lists every enabled rule, used to warm the engine on startup.
func (s *Store) Rules(ctx context.Context) ([]*model.AlertRule, error) {
	return s.queryRules(ctx,
		`SELECT id, device_id, user_id, kind, params, schedule, channels,
			name, expression, enabled, created_at
		 FROM alert_rules WHERE enabled ORDER BY id`)
}

func (s *Store) queryRules(ctx context.Context, query string, args ...any) ([]*model.AlertRule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "rules")
	}
	defer rows.Close()

	var rules []*model.AlertRule
	for rows.Next() {
		var r model.AlertRule
		var params, schedule, channels []byte
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.UserID, &r.Kind, &params,
			&schedule, &channels, &r.Name, &r.Expression, &r.Enabled,
			&r.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "rules scan")
		}
		r.Params = unmarshalMap(params)
		if len(schedule) > 0 && string(schedule) != "null" {
			var sched model.Schedule
			if json.Unmarshal(schedule, &sched) == nil {
				r.Schedule = &sched
			}
		}
		json.Unmarshal(channels, &r.Channels)
		rules = append(rules, &r)
	}
	return rules, errors.Wrap(rows.Err(), "rules")
}

// Rule fetches one alert rule by id.
func (s *Store) Rule(ctx context.Context, id int64) (*model.AlertRule, error) {
	rules, err := s.queryRules(ctx,
		`SELECT id, device_id, user_id, kind, params, schedule, channels,
			name, expression, enabled, created_at
		 FROM alert_rules WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, errors.Wrap(ErrNotFound, "rule")
	}
	return rules[0], nil
}

// UpdateRuleParams replaces a rule's parameter map.
func (s *Store) UpdateRuleParams(ctx context.Context, ruleID int64, params map[string]any) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alert_rules SET params = $2 WHERE id = $1`, ruleID, marshal(params))
	if err != nil {
		return errors.Wrap(err, "update rule params")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrap(ErrNotFound, "update rule params")
	}
	return nil
}

// CreateRule inserts an alert rule.
func (s *Store) CreateRule(ctx context.Context, r *model.AlertRule) (int64, error) {
	var schedule any
	if r.Schedule != nil {
		schedule, _ = json.Marshal(r.Schedule)
	}
	channels, _ := json.Marshal(r.Channels)
	if r.Channels == nil {
		channels = []byte("[]")
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO alert_rules (device_id, user_id, kind, params, schedule, channels, name, expression, enabled)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		r.DeviceID, r.UserID, r.Kind, marshal(r.Params), schedule, channels,
		r.Name, r.Expression, r.Enabled).Scan(&r.ID)
	return r.ID, errors.Wrap(err, "create rule")
}

// InsertAlert records a fired alert.
func (s *Store) InsertAlert(ctx context.Context, a *model.Alert) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO alerts (device_id, rule_id, kind, severity, message, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		a.DeviceID, a.RuleID, a.Kind, a.Severity, a.Message,
		marshal(a.Metadata), a.CreatedAt).Scan(&a.ID)
	return errors.Wrap(err, "insert alert")
}

// Alert fetches one alert by id.
func (s *Store) Alert(ctx context.Context, id int64) (*model.Alert, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, device_id, rule_id, kind, severity, message, metadata, created_at, read
		 FROM alerts WHERE id = $1`, id)
	var a model.Alert
	var metadata []byte
	err := row.Scan(&a.ID, &a.DeviceID, &a.RuleID, &a.Kind, &a.Severity,
		&a.Message, &metadata, &a.CreatedAt, &a.Read)
	if err != nil {
		return nil, scanOne(err, "alert")
	}
	a.Metadata = unmarshalMap(metadata)
	return &a, nil
}

// Alerts lists recent alerts for a device, newest first.
func (s *Store) Alerts(ctx context.Context, deviceID int64, limit int) ([]*model.Alert, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_id, rule_id, kind, severity, message, metadata, created_at, read
		 FROM alerts WHERE device_id = $1 ORDER BY created_at DESC LIMIT $2`,
		deviceID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "alerts")
	}
	defer rows.Close()

	var alerts []*model.Alert
	for rows.Next() {
		var a model.Alert
		var metadata []byte
		if err := rows.Scan(&a.ID, &a.DeviceID, &a.RuleID, &a.Kind, &a.Severity,
			&a.Message, &metadata, &a.CreatedAt, &a.Read); err != nil {
			return nil, errors.Wrap(err, "alerts scan")
		}
		a.Metadata = unmarshalMap(metadata)
		alerts = append(alerts, &a)
	}
	return alerts, errors.Wrap(rows.Err(), "alerts")
}

// MarkAlertRead acknowledges an alert.
func (s *Store) MarkAlertRead(ctx context.Context, alertID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET read = TRUE WHERE id = $1`, alertID)
	if err != nil {
		return errors.Wrap(err, "mark alert read")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrap(ErrNotFound, "mark alert read")
	}
	return nil
}

// Geofence fetches one fence by id.
func (s *Store) Geofence(ctx context.Context, id int64) (*model.Geofence, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, kind, points, color, description, corridor_m
		 FROM geofences WHERE id = $1`, id)
	var g model.Geofence
	var points []byte
	err := row.Scan(&g.ID, &g.UserID, &g.Name, &g.Kind, &points, &g.Color,
		&g.Description, &g.CorridorM)
	if err != nil {
		return nil, scanOne(err, "geofence")
	}
	json.Unmarshal(points, &g.Points)
	return &g, nil
}

// CreateGeofence inserts a fence.
func (s *Store) CreateGeofence(ctx context.Context, g *model.Geofence) (int64, error) {
	points, _ := json.Marshal(g.Points)
	if g.Points == nil {
		points = []byte("[]")
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO geofences (user_id, name, kind, points, color, description, corridor_m)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		g.UserID, g.Name, g.Kind, points, g.Color, g.Description, g.CorridorM).Scan(&g.ID)
	return g.ID, errors.Wrap(err, "create geofence")
}
