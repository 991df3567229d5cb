package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/fleetlink/fleetlink/model"
)

const positionColumns = `id, device_id, device_time, server_time, latitude,
	longitude, altitude, speed, course, satellites, valid, ignition, sensors, trip_id`

func scanPosition(row interface{ Scan(...any) error }) (*model.Position, error) {
	var p model.Position
	var sensors []byte
	err := row.Scan(&p.ID, &p.DeviceID, &p.DeviceTime, &p.ServerTime, &p.Latitude,
		&p.Longitude, &p.Altitude, &p.Speed, &p.Course, &p.Satellites,
		&p.Valid, &p.Ignition, &sensors, &p.TripID)
	if err != nil {
		return nil, err
	}
	p.Sensors = unmarshalMap(sensors)
	return &p, nil
}

// InsertPosition persists one sample.  A replay of an already stored
// (device, device_time) pair returns ErrDuplicate.
func (s *Store) InsertPosition(ctx context.Context, p *model.Position) error {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO positions (device_id, device_time, server_time, latitude, longitude,
			altitude, speed, course, satellites, valid, ignition, sensors, trip_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING id`,
		p.DeviceID, p.DeviceTime, p.ServerTime, p.Latitude, p.Longitude,
		p.Altitude, p.Speed, p.Course, p.Satellites, p.Valid, p.Ignition,
		marshal(p.Sensors), p.TripID).Scan(&p.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrap(ErrDuplicate, "insert position")
		}
		return errors.Wrap(err, "insert position")
	}
	return nil
}

// LastPosition fetches the newest sample for a device.
func (s *Store) LastPosition(ctx context.Context, deviceID int64) (*model.Position, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE device_id = $1 ORDER BY device_time DESC LIMIT 1`, deviceID)
	p, err := scanPosition(row)
	if err != nil {
		return nil, scanOne(err, "last position")
	}
	return p, nil
}

// Positions lists samples for a device inside [from, to], oldest first.
func (s *Store) Positions(ctx context.Context, deviceID int64, from, to time.Time) ([]*model.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE device_id = $1 AND device_time BETWEEN $2 AND $3
		 ORDER BY device_time`, deviceID, from, to)
	if err != nil {
		return nil, errors.Wrap(err, "positions")
	}
	defer rows.Close()

	var positions []*model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, errors.Wrap(err, "positions scan")
		}
		positions = append(positions, p)
	}
	return positions, errors.Wrap(rows.Err(), "positions")
}

// SetPositionTrip stamps a stored sample with the trip it belongs to.
func (s *Store) SetPositionTrip(ctx context.Context, positionID, tripID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE positions SET trip_id = $2 WHERE id = $1`, positionID, tripID)
	return errors.Wrap(err, "set position trip")
}

// OpenTrip starts a trip at the given position.
func (s *Store) OpenTrip(ctx context.Context, t *model.Trip) (int64, error) {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO trips (device_id, start_time, start_position_id, open)
		 VALUES ($1, $2, $3, TRUE) RETURNING id`,
		t.DeviceID, t.StartTime, t.StartPositionID).Scan(&t.ID)
	return t.ID, errors.Wrap(err, "open trip")
}

// CloseTrip finalises a trip with its totals.  The start position id
// is written here too: the opening position is only assigned an id
// after the trip row exists.
func (s *Store) CloseTrip(ctx context.Context, t *model.Trip) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE trips SET start_position_id = $2, end_time = $3,
			end_position_id = $4, distance_km = $5, duration_min = $6,
			open = FALSE
		 WHERE id = $1`,
		t.ID, t.StartPositionID, t.EndTime, t.EndPositionID,
		t.DistanceKm, t.DurationMin)
	return errors.Wrap(err, "close trip")
}

// Trips lists a device's trips, newest first.
func (s *Store) Trips(ctx context.Context, deviceID int64, limit int) ([]*model.Trip, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device_id, start_time, COALESCE(end_time, start_time),
			start_position_id, COALESCE(end_position_id, 0),
			distance_km, duration_min, open
		 FROM trips WHERE device_id = $1 ORDER BY start_time DESC LIMIT $2`,
		deviceID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "trips")
	}
	defer rows.Close()

	var trips []*model.Trip
	for rows.Next() {
		var t model.Trip
		if err := rows.Scan(&t.ID, &t.DeviceID, &t.StartTime, &t.EndTime,
			&t.StartPositionID, &t.EndPositionID, &t.DistanceKm,
			&t.DurationMin, &t.Open); err != nil {
			return nil, errors.Wrap(err, "trips scan")
		}
		trips = append(trips, &t)
	}
	return trips, errors.Wrap(rows.Err(), "trips")
}
