package alert

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlink/fleetlink/hub"
	"github.com/fleetlink/fleetlink/model"
)

type fakeStore struct {
	rules    []*model.AlertRule
	fences   map[int64]*model.Geofence
	users    map[int64]*model.User
	devices  map[int64]*model.Device
	inserted []*model.Alert
}

func (f *fakeStore) RulesForDevice(context.Context, int64) ([]*model.AlertRule, error) {
	return f.rules, nil
}

func (f *fakeStore) InsertAlert(_ context.Context, a *model.Alert) error {
	a.ID = int64(len(f.inserted) + 1)
	f.inserted = append(f.inserted, a)
	return nil
}

func (f *fakeStore) Alert(_ context.Context, id int64) (*model.Alert, error) {
	for _, a := range f.inserted {
		if a.ID == id {
			return a, nil
		}
	}
	return nil, errors.New("alert not found")
}

func (f *fakeStore) Rule(_ context.Context, id int64) (*model.AlertRule, error) {
	for _, r := range f.rules {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, errors.New("rule not found")
}

func (f *fakeStore) UpdateRuleParams(_ context.Context, ruleID int64, params map[string]any) error {
	for _, r := range f.rules {
		if r.ID == ruleID {
			r.Params = params
			return nil
		}
	}
	return errors.New("rule not found")
}

func (f *fakeStore) Geofence(_ context.Context, id int64) (*model.Geofence, error) {
	return f.fences[id], nil
}

func (f *fakeStore) User(_ context.Context, id int64) (*model.User, error) {
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return &model.User{ID: id}, nil
}

func (f *fakeStore) Device(_ context.Context, id int64) (*model.Device, error) {
	if d, ok := f.devices[id]; ok {
		return d, nil
	}
	return &model.Device{ID: id, Name: "test"}, nil
}

type fakeNotifier struct {
	sent []string
}

func (f *fakeNotifier) Dispatch(_ context.Context, _, title, _ string, _ model.Severity) {
	f.sent = append(f.sent, title)
}

type fakeHub struct {
	published []hub.Message
}

func (f *fakeHub) Publish(_ int64, msg hub.Message) {
	f.published = append(f.published, msg)
}

func newTestEngine(rules ...*model.AlertRule) (*Engine, *fakeStore, *fakeNotifier, *fakeHub) {
	store := &fakeStore{
		rules:   rules,
		fences:  map[int64]*model.Geofence{},
		users:   map[int64]*model.User{},
		devices: map[int64]*model.Device{},
	}
	notifier := &fakeNotifier{}
	h := &fakeHub{}
	e := New(zerolog.Nop(), store, notifier, h)
	return e, store, notifier, h
}

var testDevice = &model.Device{ID: 1, Name: "Truck 1", Active: true}

func pos(at time.Time, speed float64) *model.Position {
	return &model.Position{DeviceID: 1, DeviceTime: at, Speed: speed, Valid: true,
		Latitude: 10, Longitude: 20}
}

func TestSpeedingDebounce(t *testing.T) {
	rule := &model.AlertRule{ID: 1, DeviceID: 1, UserID: 1, Kind: model.KindSpeeding,
		Params: map[string]any{"threshold_kmh": float64(85), "duration_s": float64(30)}}
	e, store, _, _ := newTestEngine(rule)

	start := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	speeds := []float64{50, 90, 95, 98, 90, 92, 94}
	for i, speed := range speeds {
		at := start.Add(time.Duration(i) * 7500 * time.Millisecond)
		e.Evaluate(context.Background(), testDevice, nil, pos(at, speed))
	}

	// One fire, on the first position at >= 30 s of continuous violation.
	require.Len(t, store.inserted, 1)
	assert.Equal(t, model.KindSpeeding, store.inserted[0].Kind)
	assert.Equal(t, model.SeverityWarning, store.inserted[0].Severity)

	// Still violating: no re-fire.
	e.Evaluate(context.Background(), testDevice, nil,
		pos(start.Add(time.Minute), 96))
	assert.Len(t, store.inserted, 1)

	// Clear, then violate for the debounce window again: re-fires.
	e.Evaluate(context.Background(), testDevice, nil, pos(start.Add(2*time.Minute), 40))
	e.Evaluate(context.Background(), testDevice, nil, pos(start.Add(3*time.Minute), 95))
	e.Evaluate(context.Background(), testDevice, nil, pos(start.Add(3*time.Minute+35*time.Second), 95))
	assert.Len(t, store.inserted, 2)
}

func TestGeofenceTransitions(t *testing.T) {
	fence := &model.Geofence{ID: 5, Name: "Depot", Kind: model.GeofencePolygon,
		Points: []model.LatLng{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 1}, {Lat: 1, Lng: 1}, {Lat: 1, Lng: 0}}}
	exitRule := &model.AlertRule{ID: 1, DeviceID: 1, UserID: 1, Kind: model.KindGeofenceExit,
		Params: map[string]any{"geofence_id": float64(5)}}
	enterRule := &model.AlertRule{ID: 2, DeviceID: 1, UserID: 1, Kind: model.KindGeofenceEnter,
		Params: map[string]any{"geofence_id": float64(5)}}
	e, store, _, _ := newTestEngine(exitRule, enterRule)
	store.fences[5] = fence

	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	coords := [][2]float64{{0.5, 0.5}, {0.5, 0.5}, {2, 2}, {0.5, 0.5}}
	var kinds []model.AlertKind
	for i, c := range coords {
		p := pos(at.Add(time.Duration(i)*time.Minute), 20)
		p.Latitude, p.Longitude = c[0], c[1]
		before := len(store.inserted)
		e.Evaluate(context.Background(), testDevice, nil, p)
		for _, a := range store.inserted[before:] {
			kinds = append(kinds, a.Kind)
		}
	}

	// Prime on first (no fire), exit fires on third, enter on fourth.
	assert.Equal(t, []model.AlertKind{model.KindGeofenceExit, model.KindGeofenceEnter}, kinds)
}

func TestTowing(t *testing.T) {
	rule := &model.AlertRule{ID: 1, DeviceID: 1, UserID: 1, Kind: model.KindTowing,
		Params: map[string]any{"threshold_m": float64(100)}}
	e, store, _, _ := newTestEngine(rule)

	anchor := &model.Position{Latitude: 10, Longitude: 20}
	live := &model.DeviceState{DeviceID: 1, Anchor: anchor}
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	off := false
	// About 1 degree latitude = 111 km, so 0.00045 deg ~ 50 m.
	for i, delta := range []float64{0.00045, 0.00081, 0.00108} {
		p := pos(at.Add(time.Duration(i)*time.Minute), 0)
		p.Latitude = 10 + delta
		p.Ignition = &off
		e.Evaluate(context.Background(), testDevice, live, p)
	}

	require.Len(t, store.inserted, 1)
	assert.Equal(t, model.KindTowing, store.inserted[0].Kind)
	assert.Equal(t, model.SeverityCritical, store.inserted[0].Severity)

	// Further drift with ignition still off: no re-fire.
	p := pos(at.Add(10*time.Minute), 0)
	p.Latitude = 10.01
	p.Ignition = &off
	e.Evaluate(context.Background(), testDevice, live, p)
	assert.Len(t, store.inserted, 1)
}

type staticStates []*model.DeviceState

func (s staticStates) Snapshot() []*model.DeviceState { return s }

func TestOfflineSweep(t *testing.T) {
	rule := &model.AlertRule{ID: 1, DeviceID: 1, UserID: 1, Kind: model.KindOffline,
		Params: map[string]any{"threshold_hours": float64(24)}}
	e, store, _, _ := newTestEngine(rule)

	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	live := &model.DeviceState{DeviceID: 1, LastSeen: now.Add(-25 * time.Hour)}
	states := staticStates{live}

	e.Sweep(context.Background(), states)
	require.Len(t, store.inserted, 1)
	assert.Equal(t, model.KindOffline, store.inserted[0].Kind)

	// Repeated sweeps do not re-fire.
	e.Sweep(context.Background(), states)
	e.Sweep(context.Background(), states)
	assert.Len(t, store.inserted, 1)

	// Device reconnects, goes silent again: re-fires.
	live.LastSeen = now
	e.Sweep(context.Background(), states)
	now = now.Add(26 * time.Hour)
	e.Sweep(context.Background(), states)
	assert.Len(t, store.inserted, 2)
}

func TestIdlingDebounce(t *testing.T) {
	rule := &model.AlertRule{ID: 1, DeviceID: 1, UserID: 1, Kind: model.KindIdling,
		Params: map[string]any{"duration_s": float64(300)}}
	e, store, _, _ := newTestEngine(rule)

	on := true
	idle := func(at time.Time, speed float64) *model.Position {
		p := pos(at, speed)
		p.Ignition = &on
		return p
	}

	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	// Stationary with ignition on, one position a minute.
	for i := 0; i < 4; i++ {
		e.Evaluate(context.Background(), testDevice, nil, idle(at.Add(time.Duration(i)*time.Minute), 0))
	}
	assert.Empty(t, store.inserted, "under five minutes should not fire")

	e.Evaluate(context.Background(), testDevice, nil, idle(at.Add(5*time.Minute), 0))
	require.Len(t, store.inserted, 1)
	assert.Equal(t, model.KindIdling, store.inserted[0].Kind)

	// Still idle: no re-fire.
	e.Evaluate(context.Background(), testDevice, nil, idle(at.Add(8*time.Minute), 1))
	assert.Len(t, store.inserted, 1)

	// Drive off, then idle for five minutes again: re-fires.
	e.Evaluate(context.Background(), testDevice, nil, idle(at.Add(10*time.Minute), 40))
	e.Evaluate(context.Background(), testDevice, nil, idle(at.Add(12*time.Minute), 0))
	e.Evaluate(context.Background(), testDevice, nil, idle(at.Add(17*time.Minute), 0))
	assert.Len(t, store.inserted, 2)
}

func TestLowBattery(t *testing.T) {
	rule := &model.AlertRule{ID: 1, DeviceID: 1, UserID: 1, Kind: model.KindLowBattery,
		Params: map[string]any{"threshold_v": float64(3.5)}}
	e, store, _, _ := newTestEngine(rule)

	volt := func(at time.Time, v float64) *model.Position {
		p := pos(at, 10)
		p.Sensors = map[string]any{"battery_voltage": v}
		return p
	}

	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	e.Evaluate(context.Background(), testDevice, nil, volt(at, 3.9))
	assert.Empty(t, store.inserted)

	// Default duration is zero: fires on the first reading below threshold.
	e.Evaluate(context.Background(), testDevice, nil, volt(at.Add(time.Minute), 3.3))
	require.Len(t, store.inserted, 1)
	assert.Equal(t, model.KindLowBattery, store.inserted[0].Kind)
	assert.Equal(t, model.SeverityWarning, store.inserted[0].Severity)

	// Stays low: no re-fire.
	e.Evaluate(context.Background(), testDevice, nil, volt(at.Add(2*time.Minute), 3.2))
	assert.Len(t, store.inserted, 1)

	// Recovers, then sags again: re-fires.
	e.Evaluate(context.Background(), testDevice, nil, volt(at.Add(3*time.Minute), 4.1))
	e.Evaluate(context.Background(), testDevice, nil, volt(at.Add(4*time.Minute), 3.4))
	assert.Len(t, store.inserted, 2)

	// Positions without the sensor never fire.
	e.Evaluate(context.Background(), testDevice, nil, pos(at.Add(5*time.Minute), 10))
	assert.Len(t, store.inserted, 2)
}

func TestMaintenanceAckAdvancesThreshold(t *testing.T) {
	rule := &model.AlertRule{ID: 1, DeviceID: 1, UserID: 1, Kind: model.KindMaintenance,
		Params: map[string]any{
			"next_service_km":     float64(10000),
			"service_interval_km": float64(10000),
		}}
	e, store, _, _ := newTestEngine(rule)

	dev := &model.Device{ID: 1, Name: "Truck 1", Active: true, TotalOdometer: 10050}
	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	e.Evaluate(context.Background(), dev, nil, pos(at, 20))
	require.Len(t, store.inserted, 1)
	assert.Equal(t, model.KindMaintenance, store.inserted[0].Kind)

	// Condition still true: no re-fire.
	e.Evaluate(context.Background(), dev, nil, pos(at.Add(time.Minute), 20))
	assert.Len(t, store.inserted, 1)

	// Acknowledging the alert bumps the threshold by one interval.
	require.NoError(t, e.Acknowledge(context.Background(), store.inserted[0].ID))
	assert.InDelta(t, 20000, rule.ParamFloat("next_service_km", 0), 0.001)

	// The odometer is now below the new threshold: quiet.
	e.Evaluate(context.Background(), dev, nil, pos(at.Add(2*time.Minute), 20))
	assert.Len(t, store.inserted, 1)

	// A fresh engine over the same store stays quiet too, so a restart
	// cannot replay the acknowledged service.
	e2 := New(zerolog.Nop(), store, &fakeNotifier{}, &fakeHub{})
	e2.Evaluate(context.Background(), dev, nil, pos(at.Add(3*time.Minute), 20))
	assert.Len(t, store.inserted, 1)

	// The next interval boundary fires again.
	dev.TotalOdometer = 20100
	e.Evaluate(context.Background(), dev, nil, pos(at.Add(4*time.Minute), 20))
	assert.Len(t, store.inserted, 2)
}

func TestHarshBraking(t *testing.T) {
	rule := &model.AlertRule{ID: 1, DeviceID: 1, UserID: 1, Kind: model.KindHarshBraking,
		Params: map[string]any{"threshold_ms2": float64(4)}}
	e, store, _, _ := newTestEngine(rule)

	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	// 80 km/h to 10 km/h in 4 s is about -4.9 m/s².
	e.Evaluate(context.Background(), testDevice, nil, pos(at, 80))
	e.Evaluate(context.Background(), testDevice, nil, pos(at.Add(4*time.Second), 10))
	require.Len(t, store.inserted, 1)
	assert.Equal(t, model.SeverityCritical, store.inserted[0].Severity)

	// Gentle deceleration does not fire.
	e.Evaluate(context.Background(), testDevice, nil, pos(at.Add(20*time.Second), 5))
	assert.Len(t, store.inserted, 1)
}

func TestCustomRuleAndDispatch(t *testing.T) {
	rule := &model.AlertRule{ID: 1, DeviceID: 1, UserID: 7, Kind: model.KindCustom,
		Name:       "overrev",
		Expression: "rpm > 4000 and speed < 20",
		Channels:   []string{"ops"}}
	e, store, notifier, h := newTestEngine(rule)
	store.users[7] = &model.User{ID: 7, Channels: []model.NotificationChannel{
		{Name: "ops", URL: "https://example.com/hook"}}}

	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	p := pos(at, 10)
	p.Sensors = map[string]any{"rpm": float64(4500)}
	e.Evaluate(context.Background(), testDevice, nil, p)

	require.Len(t, store.inserted, 1)
	assert.Equal(t, model.KindCustom, store.inserted[0].Kind)
	require.Len(t, h.published, 1)
	assert.Equal(t, "alert", h.published[0].Type)
	require.Len(t, notifier.sent, 1)
	assert.Contains(t, notifier.sent[0], "Truck 1")
}

func TestScheduleGate(t *testing.T) {
	rule := &model.AlertRule{ID: 1, DeviceID: 1, UserID: 1, Kind: model.KindSpeeding,
		Params:   map[string]any{"threshold_kmh": float64(50)},
		Schedule: &model.Schedule{Days: []time.Weekday{time.Monday}, HourStart: 9, HourEnd: 17}}
	e, store, _, _ := newTestEngine(rule)

	// 2025-06-01 is a Sunday: gated.
	sunday := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	e.Evaluate(context.Background(), testDevice, nil, pos(sunday, 90))
	assert.Empty(t, store.inserted)

	// Monday inside the window: fires.
	monday := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	e.Evaluate(context.Background(), testDevice, nil, pos(monday, 90))
	assert.Len(t, store.inserted, 1)
}

func TestBadExpressionSkipsRule(t *testing.T) {
	rule := &model.AlertRule{ID: 1, DeviceID: 1, UserID: 1, Kind: model.KindCustom,
		Expression: "speed +++ 5"}
	e, store, _, _ := newTestEngine(rule)

	at := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	e.Evaluate(context.Background(), testDevice, nil, pos(at, 90))
	assert.Empty(t, store.inserted)
}
