// Package pipeline processes normalized positions in arrival order:
// clock sanity, de-duplication, odometer accumulation, trip
// segmentation, persistence and hand-off to the alert engine and the
// broadcast hub.  Each device has a single writer; other components
// read cloned snapshots.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/fleetlink/fleetlink/geomath"
	"github.com/fleetlink/fleetlink/hub"
	"github.com/fleetlink/fleetlink/model"
	"github.com/fleetlink/fleetlink/storage"
)

const (
	// Clock sanity bounds.
	maxFutureDrift = 24 * time.Hour
	maxPastDrift   = 30 * 24 * time.Hour

	// Odometer glitch gate: a jump beyond this distance in under the
	// window is discarded as a GPS glitch.
	glitchDistanceKm = 500
	glitchWindow     = 5 * time.Minute

	// Odometer accumulation only links positions this close in time.
	odometerWindow = 12 * time.Hour

	// assignTTL bounds how stale the device-to-user fan-out set may be.
	assignTTL = 30 * time.Second

	// Trip segmentation.
	movementSpeedKmh = 5.0
	movementHold     = 60 * time.Second
	stopHold         = 60 * time.Second
	tripIdleGap      = 15 * time.Minute
)

// Store is the persistence surface the pipeline needs.
type Store interface {
	InsertPosition(ctx context.Context, p *model.Position) error
	UpdateDeviceOdometer(ctx context.Context, deviceID int64, km float64) error
	SaveDeviceState(ctx context.Context, st *model.DeviceState) error
	OpenTrip(ctx context.Context, t *model.Trip) (int64, error)
	CloseTrip(ctx context.Context, t *model.Trip) error
	UsersForDevice(ctx context.Context, deviceID int64) ([]int64, error)
}

// Evaluator is the alert engine seam, called synchronously.
type Evaluator interface {
	Evaluate(ctx context.Context, dev *model.Device, live *model.DeviceState, pos *model.Position)
}

// Broadcaster is the hub seam, called without blocking the pipeline.
// Position updates go only to the users the device is assigned to.
type Broadcaster interface {
	Publish(userID int64, msg hub.Message)
}

// track is the single-writer per-device record.
type track struct {
	mu    sync.Mutex
	state *model.DeviceState

	// trip segmentation bookkeeping
	trip       *model.Trip
	moveStart  time.Time // when sustained movement began
	stopStart  time.Time // when sustained stop began
	lastMotion time.Time
}

// Pipeline owns live device state and position processing.
type Pipeline struct {
	log    zerolog.Logger
	store  Store
	engine Evaluator
	hub    Broadcaster

	mu     sync.RWMutex
	tracks map[int64]*track

	assignMu sync.Mutex
	assigns  map[int64]cachedUsers
}

type cachedUsers struct {
	users   []int64
	fetched time.Time
}

// New builds a pipeline.
func New(log zerolog.Logger, store Store, engine Evaluator, broadcaster Broadcaster) *Pipeline {
	return &Pipeline{
		log:     log.With().Str("component", "pipeline").Logger(),
		store:   store,
		engine:  engine,
		hub:     broadcaster,
		tracks:  map[int64]*track{},
		assigns: map[int64]cachedUsers{},
	}
}

// Warm seeds live state from persisted snapshots on startup.
func (p *Pipeline) Warm(states []*model.DeviceState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, st := range states {
		p.tracks[st.DeviceID] = &track{state: st}
	}
}

func (p *Pipeline) trackFor(deviceID int64, odometer float64) *track {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.tracks[deviceID]
	if t == nil {
		t = &track{state: &model.DeviceState{DeviceID: deviceID, TotalOdometer: odometer}}
		p.tracks[deviceID] = t
	}
	return t
}

// State returns a snapshot of one device's live state, or nil.
func (p *Pipeline) State(deviceID int64) *model.DeviceState {
	p.mu.RLock()
	t := p.tracks[deviceID]
	p.mu.RUnlock()
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Clone()
}

// Snapshot returns snapshots of every device's live state.
func (p *Pipeline) Snapshot() []*model.DeviceState {
	p.mu.RLock()
	tracks := make([]*track, 0, len(p.tracks))
	for _, t := range p.tracks {
		tracks = append(tracks, t)
	}
	p.mu.RUnlock()

	states := make([]*model.DeviceState, 0, len(tracks))
	for _, t := range tracks {
		t.mu.Lock()
		states = append(states, t.state.Clone())
		t.mu.Unlock()
	}
	return states
}

// Touch records device contact without a position (heartbeats).
func (p *Pipeline) Touch(ctx context.Context, deviceID int64) {
	t := p.trackFor(deviceID, 0)
	t.mu.Lock()
	t.state.LastSeen = time.Now().UTC()
	t.state.Online = true
	t.mu.Unlock()
}

// Forget drops a device's live state, called on device delete.
func (p *Pipeline) Forget(deviceID int64) {
	p.mu.Lock()
	delete(p.tracks, deviceID)
	p.mu.Unlock()
	p.assignMu.Lock()
	delete(p.assigns, deviceID)
	p.assignMu.Unlock()
}

// InvalidateAssignments forces a reload of a device's user set on the
// next position, called after assignment edits.
func (p *Pipeline) InvalidateAssignments(deviceID int64) {
	p.assignMu.Lock()
	delete(p.assigns, deviceID)
	p.assignMu.Unlock()
}

// usersFor resolves the users a device is assigned to, cached briefly
// so the lookup stays off the per-position hot path.
func (p *Pipeline) usersFor(ctx context.Context, deviceID int64) []int64 {
	p.assignMu.Lock()
	cached, ok := p.assigns[deviceID]
	p.assignMu.Unlock()
	if ok && time.Since(cached.fetched) < assignTTL {
		return cached.users
	}
	users, err := p.store.UsersForDevice(ctx, deviceID)
	if err != nil {
		p.log.Warn().Err(err).Int64("device_id", deviceID).Msg("loading device assignments")
		return cached.users
	}
	p.assignMu.Lock()
	p.assigns[deviceID] = cachedUsers{users: users, fetched: time.Now()}
	p.assignMu.Unlock()
	return users
}

// Process runs one position through the pipeline.  Persistence
// failure aborts the alert and broadcast hand-offs.
func (p *Pipeline) Process(ctx context.Context, dev *model.Device, pos *model.Position) error {
	now := time.Now().UTC()
	pos.DeviceID = dev.ID
	pos.ServerTime = now

	// Clock sanity.
	if pos.DeviceTime.After(now.Add(maxFutureDrift)) || pos.DeviceTime.Before(now.Add(-maxPastDrift)) {
		p.log.Warn().
			Int64("device_id", dev.ID).
			Time("device_time", pos.DeviceTime).
			Msg("rejecting position with implausible timestamp")
		return nil
	}

	t := p.trackFor(dev.ID, dev.TotalOdometer)
	t.mu.Lock()
	defer t.mu.Unlock()

	// Fast-path de-duplication against the last seen sample; the
	// unique index catches replays of older history.
	if last := t.state.LastPosition; last != nil && last.DeviceTime.Equal(pos.DeviceTime) {
		return nil
	}

	deltaKm := p.odometerDelta(t, pos)
	trip := t.trip // the trip the travelled segment belongs to
	p.segmentTrips(ctx, t, pos, deltaKm)

	if err := p.store.InsertPosition(ctx, pos); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil
		}
		return errors.Wrap(err, "pipeline: persist")
	}

	// Live state mutates only once the position is persisted, so a
	// failed write retried later cannot double-count distance.
	t.state.TotalOdometer += deltaKm
	if trip != nil && trip == t.trip {
		trip.DistanceKm += deltaKm
	}

	// Ignition-off anchor: captured on the on->off edge.
	if pos.Ignition != nil {
		if t.state.IgnitionOn && !*pos.Ignition {
			t.state.Anchor = pos
		}
		t.state.IgnitionOn = *pos.Ignition
	}

	t.state.LastPosition = pos
	t.state.LastSeen = now
	t.state.Online = true
	if t.trip != nil {
		if t.trip.StartPositionID == 0 {
			t.trip.StartPositionID = pos.ID
		}
		t.trip.EndPositionID = pos.ID
	}

	if err := p.store.SaveDeviceState(ctx, t.state); err != nil {
		p.log.Warn().Err(err).Int64("device_id", dev.ID).Msg("saving device state")
	}
	if t.state.TotalOdometer > dev.TotalOdometer {
		dev.TotalOdometer = t.state.TotalOdometer
		if err := p.store.UpdateDeviceOdometer(ctx, dev.ID, t.state.TotalOdometer); err != nil {
			p.log.Warn().Err(err).Int64("device_id", dev.ID).Msg("saving odometer")
		}
	}

	// Alert evaluation is synchronous so it sees positions in
	// persistence order; the dashboard push must not block decoding.
	p.engine.Evaluate(ctx, dev, t.state, pos)
	msg := hub.Message{Type: "position_update", DeviceID: dev.ID, Data: pos}
	for _, userID := range p.usersFor(ctx, dev.ID) {
		p.hub.Publish(userID, msg)
	}
	return nil
}

// odometerDelta computes the great-circle distance from the previous
// sample, guarding against GPS glitches.  The caller adds it to the
// running totals once the position is persisted; the odometer never
// decreases.
func (p *Pipeline) odometerDelta(t *track, pos *model.Position) float64 {
	last := t.state.LastPosition
	if last == nil || !last.Valid || !pos.Valid {
		return 0
	}
	elapsed := pos.DeviceTime.Sub(last.DeviceTime)
	if elapsed <= 0 || elapsed > odometerWindow {
		return 0
	}
	km := geomath.Distance(last.Latitude, last.Longitude, pos.Latitude, pos.Longitude) / 1000
	if km > glitchDistanceKm && elapsed < glitchWindow {
		p.log.Warn().
			Int64("device_id", pos.DeviceID).
			Float64("jump_km", km).
			Dur("elapsed", elapsed).
			Msg("odometer jump discarded as GPS glitch")
		return 0
	}
	return km
}

// segmentTrips opens and closes trips per the motion rules and stamps
// the position with the open trip id.  deltaKm is the distance of the
// segment ending at pos, folded into a trip that closes here.
func (p *Pipeline) segmentTrips(ctx context.Context, t *track, pos *model.Position, deltaKm float64) {
	moving := pos.Speed > movementSpeedKmh
	if moving {
		t.lastMotion = pos.DeviceTime
		t.stopStart = time.Time{}
		if t.moveStart.IsZero() {
			t.moveStart = pos.DeviceTime
		}
	} else {
		t.moveStart = time.Time{}
		if pos.Speed == 0 && t.stopStart.IsZero() {
			t.stopStart = pos.DeviceTime
		}
	}

	if t.trip == nil {
		if p.shouldOpenTrip(t, pos) {
			t.trip = &model.Trip{
				DeviceID:  pos.DeviceID,
				StartTime: pos.DeviceTime,
				Open:      true,
			}
			// The start position is persisted right after this call;
			// the id is backfilled once known.
			if id, err := p.store.OpenTrip(ctx, t.trip); err != nil {
				p.log.Warn().Err(err).Int64("device_id", pos.DeviceID).Msg("opening trip")
				t.trip = nil
			} else {
				t.state.ActiveTripID = &id
			}
		}
	} else if p.shouldCloseTrip(t, pos) {
		t.trip.DistanceKm += deltaKm
		p.closeTrip(ctx, t, pos.DeviceTime)
	}

	if t.trip != nil {
		pos.TripID = &t.trip.ID
	} else {
		pos.TripID = nil
	}
}

// shouldOpenTrip: ignition on with any speed, or sustained movement
// when ignition is unknown.
func (p *Pipeline) shouldOpenTrip(t *track, pos *model.Position) bool {
	if pos.Ignition != nil {
		return *pos.Ignition && pos.Speed > 0
	}
	return !t.moveStart.IsZero() && pos.DeviceTime.Sub(t.moveStart) >= movementHold
}

// shouldCloseTrip: ignition off with a sustained stop.  The idle-gap
// closure runs in the sweep.
func (p *Pipeline) shouldCloseTrip(t *track, pos *model.Position) bool {
	ignitionOff := pos.Ignition != nil && !*pos.Ignition
	stopped := !t.stopStart.IsZero() && pos.DeviceTime.Sub(t.stopStart) >= stopHold
	return ignitionOff && stopped
}

func (p *Pipeline) closeTrip(ctx context.Context, t *track, end time.Time) {
	trip := t.trip
	trip.EndTime = end
	trip.DurationMin = end.Sub(trip.StartTime).Minutes()
	trip.Open = false
	if err := p.store.CloseTrip(ctx, trip); err != nil {
		p.log.Warn().Err(err).Int64("trip_id", trip.ID).Msg("closing trip")
	}
	t.trip = nil
	t.state.ActiveTripID = nil
}

// Sweep closes trips whose devices have gone quiet and flips devices
// offline after the configured silence.  Runs on the shared ticker.
func (p *Pipeline) Sweep(ctx context.Context, offlineAfter time.Duration) {
	now := time.Now().UTC()
	p.mu.RLock()
	tracks := make([]*track, 0, len(p.tracks))
	for _, t := range p.tracks {
		tracks = append(tracks, t)
	}
	p.mu.RUnlock()

	for _, t := range tracks {
		t.mu.Lock()
		if t.trip != nil && t.state.LastPosition != nil &&
			now.Sub(t.state.LastPosition.DeviceTime) > tripIdleGap {
			// The trip ends at the last observed position of the run.
			p.closeTrip(ctx, t, t.state.LastPosition.DeviceTime)
			if err := p.store.SaveDeviceState(ctx, t.state); err != nil {
				p.log.Warn().Err(err).Int64("device_id", t.state.DeviceID).Msg("saving device state")
			}
		}
		if t.state.Online && now.Sub(t.state.LastSeen) > offlineAfter {
			t.state.Online = false
			if err := p.store.SaveDeviceState(ctx, t.state); err != nil {
				p.log.Warn().Err(err).Int64("device_id", t.state.DeviceID).Msg("saving device state")
			}
		}
		t.mu.Unlock()
	}
}
