// Package rules evaluates anomaly events against sliding-window policies,
// emits alerts, and maintains the decaying per-session risk score. The same
// evaluation logic backs the synchronous inline hook in admission and the
// asynchronous stream consumer.
package rules

import (
	"time"

	"github.com/proctorhub/backend/internal/core"
)

// windowHardCap bounds the sliding-window sorted sets regardless of the
// per-type evaluation window.
const windowHardCap = 10 * time.Minute

// windowTTL keeps window state alive across restarts well past the cap.
const windowTTL = 4 * time.Hour

// typePolicy is one row of the severity table.
type typePolicy struct {
	// window is the evaluation window; zero means the rule is immediate.
	window time.Duration
	// threshold is the window count at which severity escalates; zero
	// means the rule fires on every event.
	threshold int64
	// onFire is the severity when the rule fires.
	onFire core.Severity
	// belowThreshold is the computed severity when the window rule does
	// not fire; empty means none.
	belowThreshold core.Severity
}

var policies = map[core.EventType]typePolicy{
	core.EventMultiPerson:      {onFire: core.SeverityCritical},
	core.EventFaceMissing:      {window: 5 * time.Minute, threshold: 3, onFire: core.SeverityHigh, belowThreshold: core.SeverityLow},
	core.EventCameraBlocked:    {window: 5 * time.Minute, threshold: 3, onFire: core.SeverityHigh, belowThreshold: core.SeverityLow},
	core.EventTabSwitch:        {window: 5 * time.Minute, threshold: 2, onFire: core.SeverityMedium},
	core.EventLookAway:         {window: 5 * time.Minute, threshold: 5, onFire: core.SeverityMedium},
	core.EventSuspiciousObject: {onFire: core.SeverityMedium},
	// LOW_LIGHT is recorded only; no policy row means no alert.
}

// riskBase is the per-type contribution to the risk score before
// confidence weighting. Unknown types contribute 1.
var riskBase = map[core.EventType]float64{
	core.EventMultiPerson:      50,
	core.EventSuspiciousObject: 20,
	core.EventFaceMissing:      15,
	core.EventCameraBlocked:    15,
	core.EventLookAway:         5,
	core.EventLowLight:         2,
}

// RiskDelta computes the score contribution of one event:
// base(type) × confidence, with absent confidence counting as 1.
func RiskDelta(eventType core.EventType, confidence *float64) float64 {
	base, ok := riskBase[eventType]
	if !ok {
		base = 1
	}
	if confidence != nil {
		return base * *confidence
	}
	return base
}

// decision is the outcome of evaluating one event against its policy.
type decision struct {
	// alert is true when an alert should be emitted (before cooldown).
	alert bool
	// severity is the alert severity; the higher of the event's declared
	// severity and the computed severity.
	severity core.Severity
}

// evaluatePolicy applies the severity table given the current window count
// (including this event). windowCount is ignored for immediate rules.
func evaluatePolicy(ev *core.AnomalyEvent, windowCount int64) decision {
	d := decision{severity: ev.Severity}

	// Inherent severity alone warrants an alert at HIGH or above.
	if ev.Severity == core.SeverityCritical || ev.Severity == core.SeverityHigh {
		d.alert = true
	}

	p, ok := policies[ev.EventType]
	if !ok {
		// LOW_LIGHT and unknown types: recorded, never alerted on their
		// own merit.
		return d
	}

	fired := p.threshold == 0 || windowCount >= p.threshold
	if fired {
		d.alert = true
		d.severity = core.MaxSeverity(d.severity, p.onFire)
	} else if p.belowThreshold != "" {
		d.severity = core.MaxSeverity(d.severity, p.belowThreshold)
	}
	return d
}

// evaluationWindow returns the policy window for a type, defaulting to the
// hard cap for immediate and unknown types.
func evaluationWindow(eventType core.EventType) time.Duration {
	if p, ok := policies[eventType]; ok && p.window > 0 {
		return p.window
	}
	return windowHardCap
}
