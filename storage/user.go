package storage

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/fleetlink/fleetlink/model"
)

func scanUser(row interface{ Scan(...any) error }) (*model.User, error) {
	var u model.User
	var channels, pushes []byte
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Admin,
		&channels, &pushes, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	json.Unmarshal(channels, &u.Channels)
	json.Unmarshal(pushes, &u.PushEndpoints)
	return &u, nil
}

// UserByUsername fetches a user for login.
func (s *Store) UserByUsername(ctx context.Context, username string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, admin, channels, push_endpoints, created_at
		 FROM users WHERE username = $1`, username)
	u, err := scanUser(row)
	if err != nil {
		return nil, scanOne(err, "user by username")
	}
	return u, nil
}

// User fetches a user by id.
func (s *Store) User(ctx context.Context, id int64) (*model.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, admin, channels, push_endpoints, created_at
		 FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if err != nil {
		return nil, scanOne(err, "user")
	}
	return u, nil
}

// CreateUser inserts a user.
func (s *Store) CreateUser(ctx context.Context, u *model.User) (int64, error) {
	channels, _ := json.Marshal(u.Channels)
	if u.Channels == nil {
		channels = []byte("[]")
	}
	pushes, _ := json.Marshal(u.PushEndpoints)
	if u.PushEndpoints == nil {
		pushes = []byte("[]")
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO users (username, password_hash, admin, channels, push_endpoints)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		u.Username, u.PasswordHash, u.Admin, channels, pushes).Scan(&u.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, errors.Wrap(ErrDuplicate, "create user")
		}
		return 0, errors.Wrap(err, "create user")
	}
	return u.ID, nil
}
