package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fleetlink/fleetlink/alert/expr"
	"github.com/fleetlink/fleetlink/geomath"
	"github.com/fleetlink/fleetlink/model"
)

// outcome is the result of evaluating one rule against one position.
type outcome struct {
	fire     bool
	severity model.Severity
	message  string
	metadata map[string]any
}

func fired(severity model.Severity, message string, metadata map[string]any) outcome {
	return outcome{fire: true, severity: severity, message: message, metadata: metadata}
}

// evaluateRule dispatches on the rule kind.  It mutates st according
// to the kind's episode semantics and reports whether to fire.
func (e *Engine) evaluateRule(ctx context.Context, rule *model.AlertRule, st *ruleState,
	dev *model.Device, live *model.DeviceState, pos, prev *model.Position) outcome {

	switch rule.Kind {
	case model.KindSpeeding:
		threshold := rule.ParamFloat("threshold_kmh", 90)
		holds := pos.Speed > threshold
		if e.debounce(st, holds, pos.DeviceTime, rule.ParamFloat("duration_s", 0)) {
			return fired(model.SeverityWarning,
				fmt.Sprintf("Speed %.0f km/h exceeded limit of %.0f km/h", pos.Speed, threshold),
				map[string]any{"speed": pos.Speed, "threshold_kmh": threshold})
		}

	case model.KindIdling:
		holds := pos.IgnitionOn() && pos.Speed < 3
		if e.debounce(st, holds, pos.DeviceTime, rule.ParamFloat("duration_s", 300)) {
			return fired(model.SeverityWarning,
				fmt.Sprintf("Idling for over %.0f seconds", rule.ParamFloat("duration_s", 300)),
				map[string]any{"speed": pos.Speed})
		}

	case model.KindGeofenceEnter, model.KindGeofenceExit:
		return e.evalGeofence(ctx, rule, st, pos)

	case model.KindTowing:
		threshold := rule.ParamFloat("threshold_m", 100)
		if pos.IgnitionOn() {
			st.firing = false
			return outcome{}
		}
		if live == nil || live.Anchor == nil {
			return outcome{}
		}
		dist := geomath.Distance(live.Anchor.Latitude, live.Anchor.Longitude,
			pos.Latitude, pos.Longitude)
		if dist > threshold && !st.firing {
			st.firing = true
			return fired(model.SeverityCritical,
				fmt.Sprintf("Moved %.0f m from parking position with ignition off", dist),
				map[string]any{"distance_m": dist, "threshold_m": threshold})
		}

	case model.KindLowBattery:
		threshold := rule.ParamFloat("threshold_v", 3.5)
		voltage, ok := pos.SensorFloat("battery_voltage")
		holds := ok && voltage < threshold
		if e.debounce(st, holds, pos.DeviceTime, rule.ParamFloat("duration_s", 0)) {
			return fired(model.SeverityWarning,
				fmt.Sprintf("Battery voltage %.2f V below %.2f V", voltage, threshold),
				map[string]any{"battery_voltage": voltage})
		}

	case model.KindHarshBraking, model.KindHarshAcceleration:
		return evalHarsh(rule, st, pos, prev)

	case model.KindMaintenance:
		next := rule.ParamFloat("next_service_km", 0)
		if next <= 0 {
			return outcome{}
		}
		due := dev.TotalOdometer >= next
		if due && !st.firing {
			st.firing = true
			return fired(model.SeverityInfo,
				fmt.Sprintf("Service due: odometer %.0f km reached %.0f km", dev.TotalOdometer, next),
				map[string]any{"odometer_km": dev.TotalOdometer, "next_service_km": next})
		}
		if !due {
			st.firing = false
		}

	case model.KindCustom:
		return e.evalCustom(rule, st, pos)
	}
	return outcome{}
}

// debounce implements episode semantics: the condition must hold
// continuously for durationS before firing, and fires once per
// episode.  Time is measured on device timestamps so replayed history
// debounces correctly.
func (e *Engine) debounce(st *ruleState, holds bool, at time.Time, durationS float64) bool {
	if !holds {
		st.episodeStart = time.Time{}
		st.firing = false
		return false
	}
	if st.firing {
		return false
	}
	if st.episodeStart.IsZero() {
		st.episodeStart = at
	}
	if at.Sub(st.episodeStart) >= time.Duration(durationS*float64(time.Second)) {
		st.firing = true
		return true
	}
	return false
}

func (e *Engine) evalGeofence(ctx context.Context, rule *model.AlertRule, st *ruleState, pos *model.Position) outcome {
	fenceID := int64(rule.ParamFloat("geofence_id", 0))
	if fenceID == 0 {
		return outcome{}
	}
	fence, err := e.geofence(ctx, fenceID)
	if err != nil {
		e.log.Warn().Err(err).Int64("geofence_id", fenceID).Int64("rule_id", rule.ID).Msg("loading geofence")
		return outcome{}
	}
	inside := geomath.InGeofence(fence, pos.Latitude, pos.Longitude)

	// First evaluation records containment without firing.
	if !st.primed {
		st.primed = true
		st.inside = inside
		return outcome{}
	}
	was := st.inside
	st.inside = inside

	if rule.Kind == model.KindGeofenceEnter && !was && inside {
		return fired(model.SeverityInfo,
			fmt.Sprintf("Entered geofence %s", fence.Name),
			map[string]any{"geofence_id": fence.ID, "geofence": fence.Name})
	}
	if rule.Kind == model.KindGeofenceExit && was && !inside {
		return fired(model.SeverityInfo,
			fmt.Sprintf("Left geofence %s", fence.Name),
			map[string]any{"geofence_id": fence.ID, "geofence": fence.Name})
	}
	return outcome{}
}

// evalHarsh fires on a speed delta between two valid positions less
// than 30 seconds apart.
func evalHarsh(rule *model.AlertRule, st *ruleState, pos, prev *model.Position) outcome {
	if prev == nil || !prev.Valid || !pos.Valid {
		st.firing = false
		return outcome{}
	}
	elapsed := pos.DeviceTime.Sub(prev.DeviceTime).Seconds()
	if elapsed <= 0 || elapsed >= 30 {
		st.firing = false
		return outcome{}
	}
	// km/h to m/s, then delta per second.
	accel := (pos.Speed - prev.Speed) / 3.6 / elapsed
	threshold := rule.ParamFloat("threshold_ms2", 4)

	var qualifies bool
	if rule.Kind == model.KindHarshBraking {
		qualifies = accel < -threshold
	} else {
		qualifies = accel > threshold
	}
	if !qualifies {
		st.firing = false
		return outcome{}
	}
	if st.firing {
		return outcome{}
	}
	st.firing = true
	verb := "acceleration"
	if rule.Kind == model.KindHarshBraking {
		verb = "braking"
	}
	return fired(model.SeverityCritical,
		fmt.Sprintf("Harsh %s: %.1f m/s²", verb, accel),
		map[string]any{"acceleration_ms2": accel, "threshold_ms2": threshold})
}

// compiled expressions are cached per rule; a rule edit changes the
// source text and misses the cache.
var (
	exprMu    sync.Mutex
	exprCache = map[string]*expr.Expr{}
)

func compile(src string) (*expr.Expr, error) {
	exprMu.Lock()
	defer exprMu.Unlock()
	if e, ok := exprCache[src]; ok {
		return e, nil
	}
	e, err := expr.Parse(src)
	if err != nil {
		return nil, err
	}
	exprCache[src] = e
	return e, nil
}

func (e *Engine) evalCustom(rule *model.AlertRule, st *ruleState, pos *model.Position) outcome {
	compiled, err := compile(rule.Expression)
	if err != nil {
		// The rule is skipped for this position only; creation-time
		// validation should have caught this.
		e.log.Warn().Err(err).Int64("rule_id", rule.ID).Msg("bad custom expression")
		return outcome{}
	}
	var ignition any
	if pos.Ignition != nil {
		ignition = *pos.Ignition
	}
	vars := expr.Context(pos.Speed, ignition, pos.Satellites, pos.Altitude, pos.Sensors)
	holds := compiled.Eval(vars)
	if e.debounce(st, holds, pos.DeviceTime, rule.ParamFloat("duration_s", 0)) {
		name := rule.Name
		if name == "" {
			name = "custom rule"
		}
		return fired(model.SeverityInfo,
			fmt.Sprintf("%s matched", name),
			map[string]any{"rule_name": name, "expression": rule.Expression})
	}
	return outcome{}
}

// evalOffline is sweep-driven: fires once when silence crosses the
// threshold, clears when the device is seen again.
func evalOffline(rule *model.AlertRule, st *ruleState, live *model.DeviceState, now time.Time) outcome {
	threshold := time.Duration(rule.ParamFloat("threshold_hours", 24) * float64(time.Hour))
	if live.LastSeen.IsZero() {
		return outcome{}
	}
	silent := now.Sub(live.LastSeen)
	if silent <= threshold {
		st.firing = false
		return outcome{}
	}
	if st.firing {
		return outcome{}
	}
	st.firing = true
	return fired(model.SeverityWarning,
		fmt.Sprintf("No contact for %.1f hours", silent.Hours()),
		map[string]any{"last_seen": live.LastSeen, "threshold_hours": threshold.Hours()})
}
