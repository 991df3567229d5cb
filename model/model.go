// Package model defines the entities shared by the gateway, pipeline,
// alert engine and storage layer.  All times are UTC.  Distances are
// kilometres and speeds km/h unless a field name says otherwise.
package model

import (
	"time"
)

// Device is one tracker unit.  Identifier is the opaque id the hardware
// announces at login (an IMEI for most protocols).  A device is resolved
// by (Identifier, Protocol), and has at most one live gateway session.
type Device struct {
	ID           int64
	Identifier   string
	Name         string
	Protocol     string
	VehicleType  string
	LicensePlate string

	// TotalOdometer is monotonic non-decreasing, in kilometres.
	TotalOdometer float64

	// Config is a free-form blob of per-device settings (maintenance
	// intervals, timezone, protocol quirks).  Keys used by the core are
	// read through the helpers below.
	Config map[string]any

	Active    bool
	CreatedAt time.Time
}

// Timezone returns the device's configured IANA timezone, or UTC.
func (d *Device) Timezone() *time.Location {
	if d.Config != nil {
		if tz, ok := d.Config["timezone"].(string); ok && tz != "" {
			if loc, err := time.LoadLocation(tz); err == nil {
				return loc
			}
		}
	}
	return time.UTC
}

// Position is one immutable geolocation sample.  (DeviceID, DeviceTime)
// is unique.
type Position struct {
	ID         int64
	DeviceID   int64
	DeviceTime time.Time
	ServerTime time.Time
	Latitude   float64
	Longitude  float64
	Altitude   float64
	Speed      float64 // km/h, >= 0
	Course     float64 // degrees, 0-360
	Satellites int
	Valid      bool

	// Ignition is nil when the protocol did not report it.
	Ignition *bool

	// Sensors maps protocol sensor keys (battery_voltage, rpm, ...) to
	// scalar values.
	Sensors map[string]any

	// TripID is set while the position belongs to an open or closed
	// trip, nil between trips.
	TripID *int64
}

// IgnitionOn reports the ignition flag, treating unknown as off.
func (p *Position) IgnitionOn() bool {
	return p.Ignition != nil && *p.Ignition
}

// SensorFloat fetches a sensor value as float64.
func (p *Position) SensorFloat(key string) (float64, bool) {
	v, ok := p.Sensors[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// Trip is a contiguous run of motion, derived by the pipeline.
type Trip struct {
	ID              int64
	DeviceID        int64
	StartTime       time.Time
	EndTime         time.Time
	StartPositionID int64
	EndPositionID   int64
	DistanceKm      float64
	DurationMin     float64
	Open            bool
}

// DeviceState is the live per-device record maintained by the pipeline.
// It is written through to storage at coarse cadence and read by the
// alert engine, hub and HTTP surface as a snapshot.
type DeviceState struct {
	DeviceID   int64
	LastSeen   time.Time
	Online     bool
	IgnitionOn bool

	LastPosition *Position

	// Anchor is the position captured at the last ignition on->off
	// transition, used by the towing rule.  Nil until such a
	// transition has been seen.
	Anchor *Position

	TotalOdometer float64
	ActiveTripID  *int64
}

// Clone returns a copy safe to hand to readers in other goroutines.
func (s *DeviceState) Clone() *DeviceState {
	c := *s
	return &c
}

// AlertKind enumerates the closed set of watchable conditions.
type AlertKind string

const (
	KindSpeeding          AlertKind = "speeding"
	KindIdling            AlertKind = "idling"
	KindGeofenceEnter     AlertKind = "geofence_enter"
	KindGeofenceExit      AlertKind = "geofence_exit"
	KindOffline           AlertKind = "offline"
	KindTowing            AlertKind = "towing"
	KindLowBattery        AlertKind = "low_battery"
	KindHarshBraking      AlertKind = "harsh_braking"
	KindHarshAcceleration AlertKind = "harsh_acceleration"
	KindMaintenance       AlertKind = "maintenance"
	KindCustom            AlertKind = "custom"
)

// Severity of a fired alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Schedule restricts when a rule may fire, in the device's local time.
// Days holds time.Weekday values.  Hours are inclusive on both ends.
type Schedule struct {
	Days      []time.Weekday `json:"days"`
	HourStart int            `json:"hour_start"`
	HourEnd   int            `json:"hour_end"`
}

// Active reports whether t (already in device-local time) is inside the
// schedule window.
func (s *Schedule) Active(t time.Time) bool {
	if s == nil {
		return true
	}
	dayOK := len(s.Days) == 0
	for _, d := range s.Days {
		if t.Weekday() == d {
			dayOK = true
			break
		}
	}
	h := t.Hour()
	return dayOK && s.HourStart <= h && h <= s.HourEnd
}

// AlertRule is one watchable condition attached to a device.
type AlertRule struct {
	ID       int64
	DeviceID int64
	UserID   int64
	Kind     AlertKind

	// Params carries the kind-specific parameter schema, e.g.
	// {"threshold_kmh": 85, "duration_s": 30} for speeding.
	Params map[string]any

	Schedule *Schedule

	// Channels lists notification channel names belonging to the
	// owning user.
	Channels []string

	// Custom rules only.
	Name       string
	Expression string

	Enabled   bool
	CreatedAt time.Time
}

// ParamFloat fetches a numeric rule parameter with a default.
func (r *AlertRule) ParamFloat(key string, def float64) float64 {
	if r.Params == nil {
		return def
	}
	switch v := r.Params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// ParamString fetches a string rule parameter.
func (r *AlertRule) ParamString(key string) string {
	if r.Params == nil {
		return ""
	}
	s, _ := r.Params[key].(string)
	return s
}

// Alert is a fired alert instance.
type Alert struct {
	ID        int64
	DeviceID  int64
	RuleID    int64
	Kind      AlertKind
	Severity  Severity
	Message   string
	Metadata  map[string]any
	CreatedAt time.Time
	Read      bool
}

// GeofenceKind distinguishes area fences from corridor fences.
type GeofenceKind string

const (
	GeofencePolygon  GeofenceKind = "polygon"
	GeofencePolyline GeofenceKind = "polyline"
)

// LatLng is one WGS-84 vertex.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Geofence is a named polygon or polyline owned by a user.
type Geofence struct {
	ID          int64
	UserID      int64
	Name        string
	Kind        GeofenceKind
	Points      []LatLng
	Color       string
	Description string

	// CorridorM is the half-width in metres for polyline fences.
	CorridorM float64
}

// NotificationChannel is a named dispatch URL owned by a user.  The URL
// scheme selects the transport (tgram://, discord://, mailto://, ...)
// and is opaque to the core.
type NotificationChannel struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// User owns devices (by assignment), channels and geofences.
type User struct {
	ID            int64
	Username      string
	PasswordHash  string
	Admin         bool
	Channels      []NotificationChannel
	PushEndpoints []string
	CreatedAt     time.Time
}

// ChannelURL resolves a channel name to its dispatch URL.
func (u *User) ChannelURL(name string) (string, bool) {
	for _, c := range u.Channels {
		if c.Name == name {
			return c.URL, true
		}
	}
	return "", false
}

// CommandStatus is the lifecycle state of a queued command.
// Acknowledged and Failed are terminal.
type CommandStatus string

const (
	CommandPending      CommandStatus = "pending"
	CommandSent         CommandStatus = "sent"
	CommandAcknowledged CommandStatus = "acknowledged"
	CommandFailed       CommandStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s CommandStatus) Terminal() bool {
	return s == CommandAcknowledged || s == CommandFailed
}

// Command is a queued outbound instruction for a device.
type Command struct {
	ID        int64
	DeviceID  int64
	Kind      string
	Payload   string
	Status    CommandStatus
	Retries   int
	Key       string // correlation key for ack matching, may be empty
	Response  string
	CreatedAt time.Time
	SentAt    *time.Time
	AckedAt   *time.Time
}
