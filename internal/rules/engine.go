package rules

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/proctorhub/backend/internal/core"
	"github.com/proctorhub/backend/internal/ephemeral"
	"github.com/proctorhub/backend/internal/metrics"
)

// Repository is the slice of the durable store the engine mutates.
type Repository interface {
	ApplyRiskDelta(ctx context.Context, sessionID string, decay, delta float64) (float64, error)
	InsertAlert(ctx context.Context, a *core.Alert) error
	InsertSnapshot(ctx context.Context, snap *core.RiskScoreSnapshot) error
	LatestSnapshotTime(ctx context.Context, sessionID string) (time.Time, error)
}

// AlertSink receives emitted alerts for live fan-out. Implementations must
// not block; the engine calls it on the hot path.
type AlertSink interface {
	Notify(tenantID string, alert core.Alert)
}

// Config carries the tunables the engine consumes.
type Config struct {
	AlertCooldown time.Duration
	DecayFactor   float64
	// SnapshotInterval is the minimum spacing between risk snapshots of
	// one session.
	SnapshotInterval time.Duration
	// SeenTTL guards idempotent re-evaluation across the two paths; it
	// matches the admission replay TTL.
	SeenTTL time.Duration
}

// Engine evaluates events. It is safe for concurrent use; all shared
// mutable state lives in the ephemeral store or behind snapMu.
type Engine struct {
	eph  ephemeral.Store
	repo Repository
	cfg  Config
	sink AlertSink
	now  func() time.Time

	// snapMu guards the per-session snapshot bookkeeping used to space
	// snapshots without a store round-trip per event.
	snapMu    sync.Mutex
	lastSnap  map[string]time.Time
	lastScore map[string]float64
}

func NewEngine(eph ephemeral.Store, repo Repository, cfg Config) *Engine {
	if cfg.AlertCooldown <= 0 {
		cfg.AlertCooldown = 5 * time.Minute
	}
	if cfg.DecayFactor <= 0 || cfg.DecayFactor >= 1 {
		cfg.DecayFactor = 0.98
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = time.Minute
	}
	if cfg.SeenTTL <= 0 {
		cfg.SeenTTL = time.Hour
	}
	return &Engine{
		eph:       eph,
		repo:      repo,
		cfg:       cfg,
		now:       time.Now,
		lastSnap:  map[string]time.Time{},
		lastScore: map[string]float64{},
	}
}

// SetAlertSink attaches the live fan-out target. Wired once at boot.
func (e *Engine) SetAlertSink(sink AlertSink) { e.sink = sink }

// Evaluate runs the full rule pass for one event: sliding window, severity,
// alert emission under cooldown, risk score, and snapshot spacing. The
// tenant id travels alongside for live fan-out scoping.
//
// Evaluation is idempotent on event_id: whichever path gets here first
// wins, the other path sees the seen-marker and returns without mutating
// anything.
func (e *Engine) Evaluate(ctx context.Context, tenantID string, ev *core.AnomalyEvent) error {
	fresh, err := e.eph.SetIfAbsent(ctx, ephemeral.RulesSeenKey(ev.EventID), e.cfg.SeenTTL)
	if err != nil {
		return err
	}
	if !fresh {
		return nil
	}

	windowCount, err := e.updateWindow(ctx, ev)
	if err != nil {
		// Release the seen-marker so the stream path can retry the whole
		// evaluation later.
		_ = e.eph.Delete(ctx, ephemeral.RulesSeenKey(ev.EventID))
		return err
	}

	d := evaluatePolicy(ev, windowCount)

	score, err := e.repo.ApplyRiskDelta(ctx, ev.SessionID, e.cfg.DecayFactor, RiskDelta(ev.EventType, ev.Confidence))
	if err != nil {
		slog.Error("risk score update failed", "session_id", ev.SessionID, "error", err)
	} else {
		e.maybeSnapshot(ctx, ev.SessionID, score)
	}

	if d.alert {
		e.emitAlert(ctx, tenantID, ev, d.severity)
	}
	return nil
}

// updateWindow inserts the event into its sliding window and returns the
// count over the type's evaluation window, this event included.
func (e *Engine) updateWindow(ctx context.Context, ev *core.AnomalyEvent) (int64, error) {
	key := ephemeral.WindowKey(ev.SessionID, string(ev.EventType))
	from := ev.EventTime.Add(-evaluationWindow(ev.EventType))
	cutoff := ev.EventTime.Add(-windowHardCap)
	return e.eph.WindowAdd(ctx, key, ev.EventID, ev.EventTime, from, cutoff, windowTTL)
}

// emitAlert writes the alert unless the per-(session,type) cooldown epoch
// already produced one. The short-window counter carries the cooldown as
// its TTL, so a sustained condition emits exactly one alert per epoch.
func (e *Engine) emitAlert(ctx context.Context, tenantID string, ev *core.AnomalyEvent, severity core.Severity) {
	countKey := ephemeral.AlertCountKey(ev.SessionID, string(ev.EventType))
	n, err := e.eph.Increment(ctx, countKey, e.cfg.AlertCooldown)
	if err != nil {
		slog.Error("alert cooldown check failed", "session_id", ev.SessionID, "error", err)
		return
	}
	if n > 1 {
		metrics.AlertsSuppressed.WithLabelValues(string(ev.EventType)).Inc()
		return
	}

	eventID := ev.EventID
	alert := core.Alert{
		ID:                uuid.NewString(),
		SessionID:         ev.SessionID,
		Type:              ev.EventType,
		Severity:          severity,
		TriggeringEventID: &eventID,
		EvidenceID:        ev.EvidenceID,
		Details: map[string]interface{}{
			"eventId": ev.EventID,
			"details": orEmptyMap(ev.Details),
		},
		CreatedAt: e.now(),
	}
	if ev.Confidence != nil {
		alert.Details["confidence"] = *ev.Confidence
	}

	if err := e.repo.InsertAlert(ctx, &alert); err != nil {
		slog.Error("alert insert failed", "session_id", ev.SessionID, "type", ev.EventType, "error", err)
		return
	}
	metrics.AlertsEmitted.WithLabelValues(string(ev.EventType), string(severity)).Inc()
	slog.Info("alert emitted",
		"session_id", ev.SessionID,
		"type", ev.EventType,
		"severity", severity,
		"event_id", ev.EventID)

	if e.sink != nil {
		e.sink.Notify(tenantID, alert)
	}
}

// maybeSnapshot appends a risk snapshot when at least SnapshotInterval has
// passed since the session's previous one. Failures are logged and retried
// naturally on the next event.
func (e *Engine) maybeSnapshot(ctx context.Context, sessionID string, score float64) {
	now := e.now()

	e.snapMu.Lock()
	last, known := e.lastSnap[sessionID]
	e.lastScore[sessionID] = score
	e.snapMu.Unlock()

	if !known {
		stored, err := e.repo.LatestSnapshotTime(ctx, sessionID)
		if err != nil {
			slog.Error("snapshot time lookup failed", "session_id", sessionID, "error", err)
			return
		}
		last = stored
		e.snapMu.Lock()
		e.lastSnap[sessionID] = last
		e.snapMu.Unlock()
	}

	if now.Sub(last) < e.cfg.SnapshotInterval {
		return
	}
	e.writeSnapshot(ctx, sessionID, score, now)
}

func (e *Engine) writeSnapshot(ctx context.Context, sessionID string, score float64, now time.Time) {
	snap := core.RiskScoreSnapshot{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Score:     score,
		Details:   map[string]interface{}{},
		CreatedAt: now,
	}
	switch err := e.repo.InsertSnapshot(ctx, &snap); {
	case err == nil:
		metrics.RiskSnapshots.Inc()
	case core.IsKind(err, core.KindDuplicate):
		// Another worker snapshotted this session in the same tick.
	default:
		slog.Error("snapshot insert failed", "session_id", sessionID, "error", err)
		return
	}
	e.snapMu.Lock()
	e.lastSnap[sessionID] = now
	e.snapMu.Unlock()
}

// Flush writes a final snapshot for every session whose score moved since
// its last snapshot. Called on cooperative shutdown of the consumer.
func (e *Engine) Flush(ctx context.Context) {
	e.snapMu.Lock()
	pending := make(map[string]float64, len(e.lastScore))
	for sessionID, score := range e.lastScore {
		pending[sessionID] = score
	}
	e.snapMu.Unlock()

	now := e.now()
	for sessionID, score := range pending {
		e.snapMu.Lock()
		last := e.lastSnap[sessionID]
		e.snapMu.Unlock()
		if !last.Before(now) {
			continue
		}
		e.writeSnapshot(ctx, sessionID, score, now)
	}
}

func orEmptyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
