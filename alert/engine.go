// Package alert evaluates the rule list for a device on every
// position and fires alerts with per-episode debounce.  All mutable
// rule state lives in memory; a restart primes every rule to
// not-firing so historical conditions cannot re-fire.
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetlink/fleetlink/hub"
	"github.com/fleetlink/fleetlink/model"
)

// Store is the persistence surface the engine needs.
type Store interface {
	RulesForDevice(ctx context.Context, deviceID int64) ([]*model.AlertRule, error)
	InsertAlert(ctx context.Context, a *model.Alert) error
	Alert(ctx context.Context, id int64) (*model.Alert, error)
	Rule(ctx context.Context, id int64) (*model.AlertRule, error)
	UpdateRuleParams(ctx context.Context, ruleID int64, params map[string]any) error
	Geofence(ctx context.Context, id int64) (*model.Geofence, error)
	User(ctx context.Context, id int64) (*model.User, error)
	Device(ctx context.Context, id int64) (*model.Device, error)
}

// Notifier is the outbound notification seam.
type Notifier interface {
	Dispatch(ctx context.Context, channelURL, title, body string, severity model.Severity)
}

// Broadcaster pushes fired alerts to dashboards.
type Broadcaster interface {
	Publish(userID int64, msg hub.Message)
}

// StateSource exposes the pipeline's live state for the offline sweep.
type StateSource interface {
	Snapshot() []*model.DeviceState
}

// ruleCacheTTL bounds how stale the per-device rule list may be.
const ruleCacheTTL = 30 * time.Second

// Engine owns all alert evaluation.
type Engine struct {
	log      zerolog.Logger
	store    Store
	notifier Notifier
	hub      Broadcaster

	mu      sync.Mutex
	devices map[int64]*deviceRuleState

	cacheMu   sync.Mutex
	ruleCache map[int64]cachedRules
	fenceCache map[int64]cachedFence

	// now is replaceable in tests.
	now func() time.Time
}

type cachedRules struct {
	rules   []*model.AlertRule
	fetched time.Time
}

type cachedFence struct {
	fence   *model.Geofence
	fetched time.Time
}

// deviceRuleState holds per-device evaluation state.
type deviceRuleState struct {
	prev  *model.Position // previous position, for harsh rules
	rules map[int64]*ruleState
}

// ruleState is the in-memory debounce record for one (device, rule).
type ruleState struct {
	// episodeStart is when the condition began holding; zero when it
	// does not hold.
	episodeStart time.Time

	// firing marks an episode that has already fired.  A new fire
	// requires the condition to clear first.
	firing bool

	// Geofence containment tracking.  primed is false until the first
	// evaluation, which records containment without firing.
	inside bool
	primed bool
}

// New builds an engine.
func New(log zerolog.Logger, store Store, notifier Notifier, broadcaster Broadcaster) *Engine {
	return &Engine{
		log:        log.With().Str("component", "alert").Logger(),
		store:      store,
		notifier:   notifier,
		hub:        broadcaster,
		devices:    map[int64]*deviceRuleState{},
		ruleCache:  map[int64]cachedRules{},
		fenceCache: map[int64]cachedFence{},
		now:        time.Now,
	}
}

// Evaluate runs every enabled rule for the device against a fresh
// position.  The pipeline calls it synchronously, so evaluation for a
// device is serialised in position order.
func (e *Engine) Evaluate(ctx context.Context, dev *model.Device, live *model.DeviceState, pos *model.Position) {
	rules, err := e.rulesFor(ctx, dev.ID)
	if err != nil {
		e.log.Error().Err(err).Int64("device_id", dev.ID).Msg("loading rules")
		return
	}

	e.mu.Lock()
	ds := e.devices[dev.ID]
	if ds == nil {
		ds = &deviceRuleState{rules: map[int64]*ruleState{}}
		e.devices[dev.ID] = ds
	}
	prev := ds.prev
	ds.prev = pos
	e.mu.Unlock()

	for _, rule := range rules {
		if rule.Kind == model.KindOffline {
			// Driven by the sweep, not by positions.
			continue
		}
		st := e.stateFor(dev.ID, rule.ID)
		outcome := e.evaluateRule(ctx, rule, st, dev, live, pos, prev)
		if outcome.fire && e.scheduleAllows(rule, dev, pos.DeviceTime) {
			e.fire(ctx, rule, dev, outcome)
		}
	}
}

// Sweep runs the time-driven rules (offline detection) over the live
// state of every device.  Intended to run every 60 seconds.
func (e *Engine) Sweep(ctx context.Context, states StateSource) {
	now := e.now()
	for _, live := range states.Snapshot() {
		rules, err := e.rulesFor(ctx, live.DeviceID)
		if err != nil {
			continue
		}
		for _, rule := range rules {
			if rule.Kind != model.KindOffline {
				continue
			}
			st := e.stateFor(live.DeviceID, rule.ID)
			outcome := evalOffline(rule, st, live, now)
			if !outcome.fire {
				continue
			}
			dev, err := e.store.Device(ctx, live.DeviceID)
			if err != nil {
				continue
			}
			if e.scheduleAllows(rule, dev, now) {
				e.fire(ctx, rule, dev, outcome)
			}
		}
	}
}

// Forget drops all in-memory state for a device, called on device
// delete.
func (e *Engine) Forget(deviceID int64) {
	e.mu.Lock()
	delete(e.devices, deviceID)
	e.mu.Unlock()
	e.cacheMu.Lock()
	delete(e.ruleCache, deviceID)
	e.cacheMu.Unlock()
}

// InvalidateRules forces a reload of a device's rule list on the next
// evaluation, called after rule edits.
func (e *Engine) InvalidateRules(deviceID int64) {
	e.cacheMu.Lock()
	delete(e.ruleCache, deviceID)
	e.cacheMu.Unlock()
}

// Acknowledge applies the side effects of a user marking an alert
// read.  For a maintenance alert the rule's next_service_km advances
// by one service interval, so the rule arms for the next service
// rather than re-firing on the same threshold.
func (e *Engine) Acknowledge(ctx context.Context, alertID int64) error {
	a, err := e.store.Alert(ctx, alertID)
	if err != nil {
		return err
	}
	if a.Kind != model.KindMaintenance || a.RuleID == 0 {
		return nil
	}
	rule, err := e.store.Rule(ctx, a.RuleID)
	if err != nil {
		return err
	}
	interval := rule.ParamFloat("service_interval_km", 0)
	if interval <= 0 {
		return nil
	}
	if rule.Params == nil {
		rule.Params = map[string]any{}
	}
	rule.Params["next_service_km"] = rule.ParamFloat("next_service_km", 0) + interval
	if err := e.store.UpdateRuleParams(ctx, rule.ID, rule.Params); err != nil {
		return err
	}
	e.InvalidateRules(rule.DeviceID)
	e.mu.Lock()
	if ds := e.devices[rule.DeviceID]; ds != nil {
		if st := ds.rules[rule.ID]; st != nil {
			st.firing = false
		}
	}
	e.mu.Unlock()
	e.log.Info().
		Int64("device_id", rule.DeviceID).
		Int64("rule_id", rule.ID).
		Float64("next_service_km", rule.ParamFloat("next_service_km", 0)).
		Msg("maintenance acknowledged")
	return nil
}

func (e *Engine) stateFor(deviceID, ruleID int64) *ruleState {
	e.mu.Lock()
	defer e.mu.Unlock()
	ds := e.devices[deviceID]
	if ds == nil {
		ds = &deviceRuleState{rules: map[int64]*ruleState{}}
		e.devices[deviceID] = ds
	}
	st := ds.rules[ruleID]
	if st == nil {
		st = &ruleState{}
		ds.rules[ruleID] = st
	}
	return st
}

func (e *Engine) rulesFor(ctx context.Context, deviceID int64) ([]*model.AlertRule, error) {
	e.cacheMu.Lock()
	cached, ok := e.ruleCache[deviceID]
	e.cacheMu.Unlock()
	if ok && e.now().Sub(cached.fetched) < ruleCacheTTL {
		return cached.rules, nil
	}
	rules, err := e.store.RulesForDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	e.cacheMu.Lock()
	e.ruleCache[deviceID] = cachedRules{rules: rules, fetched: e.now()}
	e.cacheMu.Unlock()
	return rules, nil
}

func (e *Engine) geofence(ctx context.Context, id int64) (*model.Geofence, error) {
	e.cacheMu.Lock()
	cached, ok := e.fenceCache[id]
	e.cacheMu.Unlock()
	if ok && e.now().Sub(cached.fetched) < ruleCacheTTL {
		return cached.fence, nil
	}
	fence, err := e.store.Geofence(ctx, id)
	if err != nil {
		return nil, err
	}
	e.cacheMu.Lock()
	e.fenceCache[id] = cachedFence{fence: fence, fetched: e.now()}
	e.cacheMu.Unlock()
	return fence, nil
}

// scheduleAllows applies the rule's schedule window in the device's
// local time.
func (e *Engine) scheduleAllows(rule *model.AlertRule, dev *model.Device, at time.Time) bool {
	if rule.Schedule == nil {
		return true
	}
	return rule.Schedule.Active(at.In(dev.Timezone()))
}

// fire persists the alert, pushes it to the hub and dispatches the
// rule's channels.
func (e *Engine) fire(ctx context.Context, rule *model.AlertRule, dev *model.Device, o outcome) {
	alert := &model.Alert{
		DeviceID:  dev.ID,
		RuleID:    rule.ID,
		Kind:      rule.Kind,
		Severity:  o.severity,
		Message:   o.message,
		Metadata:  o.metadata,
		CreatedAt: e.now().UTC(),
	}
	if err := e.store.InsertAlert(ctx, alert); err != nil {
		e.log.Error().Err(err).
			Int64("device_id", dev.ID).
			Str("kind", string(rule.Kind)).
			Msg("persisting alert")
		return
	}

	e.log.Info().
		Int64("device_id", dev.ID).
		Str("kind", string(rule.Kind)).
		Str("severity", string(o.severity)).
		Msg(o.message)

	e.hub.Publish(rule.UserID, hub.Message{Type: "alert", DeviceID: dev.ID, Data: alert})

	if len(rule.Channels) == 0 {
		return
	}
	user, err := e.store.User(ctx, rule.UserID)
	if err != nil {
		e.log.Warn().Err(err).Int64("user_id", rule.UserID).Msg("resolving channels")
		return
	}
	title := fmt.Sprintf("%s - %s", dev.Name, rule.Kind)
	for _, name := range rule.Channels {
		url, ok := user.ChannelURL(name)
		if !ok {
			e.log.Warn().Str("channel", name).Int64("user_id", user.ID).Msg("unknown channel")
			continue
		}
		e.notifier.Dispatch(ctx, url, title, o.message, o.severity)
	}
}
