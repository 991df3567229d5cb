package storage

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/fleetlink/fleetlink/model"
)

const deviceColumns = `id, identifier, name, protocol, vehicle_type,
	license_plate, total_odometer, config, active, created_at`

func scanDevice(row interface{ Scan(...any) error }) (*model.Device, error) {
	var d model.Device
	var config []byte
	err := row.Scan(&d.ID, &d.Identifier, &d.Name, &d.Protocol, &d.VehicleType,
		&d.LicensePlate, &d.TotalOdometer, &config, &d.Active, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	d.Config = unmarshalMap(config)
	return &d, nil
}

// DeviceByIdentifier resolves the device a session belongs to.  The
// protocol is part of the key: two vendors may issue the same id.
func (s *Store) DeviceByIdentifier(ctx context.Context, identifier, protocol string) (*model.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE identifier = $1 AND protocol = $2`,
		identifier, protocol)
	d, err := scanDevice(row)
	if err != nil {
		return nil, scanOne(err, "device by identifier")
	}
	return d, nil
}

// Device fetches a device by id.
func (s *Store) Device(ctx context.Context, id int64) (*model.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = $1`, id)
	d, err := scanDevice(row)
	if err != nil {
		return nil, scanOne(err, "device")
	}
	return d, nil
}

// Devices lists all devices.
func (s *Store) Devices(ctx context.Context) ([]*model.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "devices")
	}
	defer rows.Close()

	var devices []*model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, errors.Wrap(err, "devices scan")
		}
		devices = append(devices, d)
	}
	return devices, errors.Wrap(rows.Err(), "devices")
}

// DevicesForUser lists the devices assigned to a user.  Admins bypass
// this and list all devices.
func (s *Store) DevicesForUser(ctx context.Context, userID int64) ([]*model.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices
		 WHERE id IN (SELECT device_id FROM user_device_access WHERE user_id = $1)
		 ORDER BY id`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "devices for user")
	}
	defer rows.Close()

	var devices []*model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, errors.Wrap(err, "devices for user scan")
		}
		devices = append(devices, d)
	}
	return devices, errors.Wrap(rows.Err(), "devices for user")
}

// UsersForDevice lists the users a device is assigned to, read by the
// position fan-out.
func (s *Store) UsersForDevice(ctx context.Context, deviceID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM user_device_access WHERE device_id = $1 ORDER BY user_id`,
		deviceID)
	if err != nil {
		return nil, errors.Wrap(err, "users for device")
	}
	defer rows.Close()

	var users []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "users for device scan")
		}
		users = append(users, id)
	}
	return users, errors.Wrap(rows.Err(), "users for device")
}

// HasDeviceAccess reports whether the device is assigned to the user.
func (s *Store) HasDeviceAccess(ctx context.Context, userID, deviceID int64) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_device_access
		 WHERE user_id = $1 AND device_id = $2)`, userID, deviceID).Scan(&ok)
	return ok, errors.Wrap(err, "device access")
}

// AssignDevice grants a user access to a device.  Idempotent.
func (s *Store) AssignDevice(ctx context.Context, userID, deviceID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_device_access (user_id, device_id)
		 VALUES ($1, $2) ON CONFLICT DO NOTHING`, userID, deviceID)
	return errors.Wrap(err, "assign device")
}

// UnassignDevice revokes a user's access to a device.
func (s *Store) UnassignDevice(ctx context.Context, userID, deviceID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM user_device_access WHERE user_id = $1 AND device_id = $2`,
		userID, deviceID)
	return errors.Wrap(err, "unassign device")
}

// CreateDevice inserts a device and returns its id.
func (s *Store) CreateDevice(ctx context.Context, d *model.Device) (int64, error) {
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO devices (identifier, name, protocol, vehicle_type, license_plate, config, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		d.Identifier, d.Name, d.Protocol, d.VehicleType, d.LicensePlate,
		marshal(d.Config), d.Active).Scan(&d.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, errors.Wrap(ErrDuplicate, "create device")
		}
		return 0, errors.Wrap(err, "create device")
	}
	return d.ID, nil
}

// UpdateDeviceOdometer writes the accumulated odometer through.
func (s *Store) UpdateDeviceOdometer(ctx context.Context, deviceID int64, km float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET total_odometer = $2 WHERE id = $1`, deviceID, km)
	return errors.Wrap(err, "update odometer")
}

// SaveDeviceState writes the live state snapshot through to its row.
func (s *Store) SaveDeviceState(ctx context.Context, st *model.DeviceState) error {
	var anchor []byte
	if st.Anchor != nil {
		anchor, _ = json.Marshal(st.Anchor)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_states (device_id, last_seen, online, ignition_on, total_odometer, active_trip_id, anchor)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (device_id) DO UPDATE SET
			last_seen = EXCLUDED.last_seen,
			online = EXCLUDED.online,
			ignition_on = EXCLUDED.ignition_on,
			total_odometer = EXCLUDED.total_odometer,
			active_trip_id = EXCLUDED.active_trip_id,
			anchor = EXCLUDED.anchor`,
		st.DeviceID, st.LastSeen, st.Online, st.IgnitionOn,
		st.TotalOdometer, st.ActiveTripID, anchor)
	return errors.Wrap(err, "save device state")
}

// DeviceStates loads every persisted state snapshot, used to warm the
// pipeline on startup.
func (s *Store) DeviceStates(ctx context.Context) ([]*model.DeviceState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id, last_seen, online, ignition_on, total_odometer, active_trip_id, anchor
		 FROM device_states`)
	if err != nil {
		return nil, errors.Wrap(err, "device states")
	}
	defer rows.Close()

	var states []*model.DeviceState
	for rows.Next() {
		var st model.DeviceState
		var anchor []byte
		if err := rows.Scan(&st.DeviceID, &st.LastSeen, &st.Online, &st.IgnitionOn,
			&st.TotalOdometer, &st.ActiveTripID, &anchor); err != nil {
			return nil, errors.Wrap(err, "device states scan")
		}
		if len(anchor) > 0 {
			var pos model.Position
			if json.Unmarshal(anchor, &pos) == nil {
				st.Anchor = &pos
			}
		}
		states = append(states, &st)
	}
	return states, errors.Wrap(rows.Err(), "device states")
}
