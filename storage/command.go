package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/fleetlink/fleetlink/model"
)

const commandColumns = `id, device_id, kind, payload, status, retries,
	key, response, created_at, sent_at, acked_at`

func scanCommand(row interface{ Scan(...any) error }) (*model.Command, error) {
	var c model.Command
	err := row.Scan(&c.ID, &c.DeviceID, &c.Kind, &c.Payload, &c.Status,
		&c.Retries, &c.Key, &c.Response, &c.CreatedAt, &c.SentAt, &c.AckedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// EnqueueCommand inserts a pending command.
func (s *Store) EnqueueCommand(ctx context.Context, c *model.Command) (int64, error) {
	c.Status = model.CommandPending
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO commands (device_id, kind, payload, status)
		 VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		c.DeviceID, c.Kind, c.Payload, c.Status).Scan(&c.ID, &c.CreatedAt)
	return c.ID, errors.Wrap(err, "enqueue command")
}

// Command fetches one command by id.
func (s *Store) Command(ctx context.Context, id int64) (*model.Command, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE id = $1`, id)
	c, err := scanCommand(row)
	if err != nil {
		return nil, scanOne(err, "command")
	}
	return c, nil
}

// OldestPendingCommand returns the next command to send for a device.
func (s *Store) OldestPendingCommand(ctx context.Context, deviceID int64) (*model.Command, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM commands
		 WHERE device_id = $1 AND status = 'pending'
		 ORDER BY created_at LIMIT 1`, deviceID)
	c, err := scanCommand(row)
	if err != nil {
		return nil, scanOne(err, "oldest pending command")
	}
	return c, nil
}

// OldestSentCommand returns the in-flight command an anonymous ack is
// matched against.
func (s *Store) OldestSentCommand(ctx context.Context, deviceID int64) (*model.Command, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM commands
		 WHERE device_id = $1 AND status = 'sent'
		 ORDER BY sent_at LIMIT 1`, deviceID)
	c, err := scanCommand(row)
	if err != nil {
		return nil, scanOne(err, "oldest sent command")
	}
	return c, nil
}

// SentCommandByKey matches an ack carrying a correlation key.
func (s *Store) SentCommandByKey(ctx context.Context, deviceID int64, key string) (*model.Command, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM commands
		 WHERE device_id = $1 AND status = 'sent' AND key = $2
		 ORDER BY sent_at LIMIT 1`, deviceID, key)
	c, err := scanCommand(row)
	if err != nil {
		return nil, scanOne(err, "sent command by key")
	}
	return c, nil
}

// SentCommands lists every in-flight command, for the timeout sweep.
func (s *Store) SentCommands(ctx context.Context) ([]*model.Command, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE status = 'sent' ORDER BY sent_at`)
	if err != nil {
		return nil, errors.Wrap(err, "sent commands")
	}
	defer rows.Close()

	var cmds []*model.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sent commands scan")
		}
		cmds = append(cmds, c)
	}
	return cmds, errors.Wrap(rows.Err(), "sent commands")
}

// MarkCommandSent records a dispatch attempt with its correlation key.
func (s *Store) MarkCommandSent(ctx context.Context, id int64, key string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE commands SET status = 'sent', key = $2, sent_at = $3, retries = retries + 1
		 WHERE id = $1`, id, key, at)
	return errors.Wrap(err, "mark command sent")
}

// RequeueCommand puts a timed-out command back in the queue.
func (s *Store) RequeueCommand(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE commands SET status = 'pending', sent_at = NULL WHERE id = $1`, id)
	return errors.Wrap(err, "requeue command")
}

// ResolveCommand moves a command to a terminal state.
func (s *Store) ResolveCommand(ctx context.Context, id int64, status model.CommandStatus, response string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE commands SET status = $2, response = $3, acked_at = $4 WHERE id = $1`,
		id, status, response, at)
	return errors.Wrap(err, "resolve command")
}

// CommandsForDevice lists a device's commands, newest first.
func (s *Store) CommandsForDevice(ctx context.Context, deviceID int64, limit int) ([]*model.Command, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+commandColumns+` FROM commands
		 WHERE device_id = $1 ORDER BY created_at DESC LIMIT $2`, deviceID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "commands")
	}
	defer rows.Close()

	var cmds []*model.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, errors.Wrap(err, "commands scan")
		}
		cmds = append(cmds, c)
	}
	return cmds, errors.Wrap(rows.Err(), "commands")
}
