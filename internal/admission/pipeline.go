// Package admission validates and admits batches of anomaly events: size
// guard, identity binding, replay suppression, time-skew and rate checks,
// durable persistence, and thumbnail evidence capture. Per-event outcomes
// travel in the batch result; only request-wide failures surface as errors.
package admission

import (
	"context"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/proctorhub/backend/internal/blob"
	"github.com/proctorhub/backend/internal/core"
	"github.com/proctorhub/backend/internal/ephemeral"
	"github.com/proctorhub/backend/internal/metrics"
)

// maxThumbnailBytes is the per-event soft cap on evidence blobs.
const maxThumbnailBytes = 10 * 1024

// rateKeyTTL outlives the minute the counter covers so a straggling write
// at the minute boundary still lands on the right counter.
const rateKeyTTL = 2 * time.Minute

// SessionResolver resolves the session a batch claims to belong to.
type SessionResolver interface {
	Lookup(ctx context.Context, sessionID string) (*core.Session, error)
}

// EventStore is the slice of the durable store the pipeline writes.
type EventStore interface {
	InsertEvent(ctx context.Context, ev *core.AnomalyEvent) error
	AttachEvidence(ctx context.Context, ev *core.Evidence, eventID string, thumbMeta map[string]interface{}) error
}

// Evaluator is the inline rule hook. Failures are logged, never surfaced;
// the async consumer re-evaluates from the stream.
type Evaluator interface {
	Evaluate(ctx context.Context, tenantID string, ev *core.AnomalyEvent) error
}

// Publisher hands an admitted event to the stream for the async rules
// path. A nil Publisher disables publishing.
type Publisher interface {
	Publish(ctx context.Context, tenantID string, ev *core.AnomalyEvent) error
}

// Config carries the admission limits.
type Config struct {
	MaxBatchBytes      int
	MaxEventsPerMinute int
	ReplayTTL          time.Duration
	TimeSkew           time.Duration
}

// Pipeline admits event batches. Safe for concurrent use; all mutable
// state lives in the ephemeral and durable stores.
type Pipeline struct {
	sessions  SessionResolver
	events    EventStore
	eph       ephemeral.Store
	blobs     blob.Store
	rules     Evaluator
	publisher Publisher
	cfg       Config
	now       func() time.Time
}

func NewPipeline(sessions SessionResolver, events EventStore, eph ephemeral.Store, blobs blob.Store, rules Evaluator, cfg Config) *Pipeline {
	if cfg.MaxBatchBytes <= 0 {
		cfg.MaxBatchBytes = 65536
	}
	if cfg.MaxEventsPerMinute <= 0 {
		cfg.MaxEventsPerMinute = 600
	}
	if cfg.ReplayTTL <= 0 {
		cfg.ReplayTTL = time.Hour
	}
	if cfg.TimeSkew <= 0 {
		cfg.TimeSkew = 300 * time.Second
	}
	return &Pipeline{
		sessions: sessions,
		events:   events,
		eph:      eph,
		blobs:    blobs,
		rules:    rules,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetPublisher attaches the stream publisher. Wired once at boot.
func (p *Pipeline) SetPublisher(pub Publisher) { p.publisher = pub }

// EventInput is one event record on the wire.
type EventInput struct {
	EventID    string                 `json:"eventId"`
	Type       string                 `json:"type"`
	Timestamp  time.Time              `json:"timestamp"`
	Confidence *float64               `json:"confidence,omitempty"`
	Severity   string                 `json:"severity,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// ThumbnailInput is one thumbnail record on the wire.
type ThumbnailInput struct {
	EventID     string `json:"eventId"`
	ContentType string `json:"contentType"`
	DataBase64  string `json:"dataBase64"`
	SizeBytes   int    `json:"sizeBytes"`
}

// BatchRequest is the ingest payload for one sub-batch.
type BatchRequest struct {
	SessionID  string           `json:"sessionId"`
	Events     []EventInput     `json:"events"`
	Thumbnails []ThumbnailInput `json:"thumbnails,omitempty"`
}

// BatchResult reports per-event outcomes in client order.
type BatchResult struct {
	AcceptedEventIDs []string          `json:"acceptedEventIds"`
	RejectedEventIDs []string          `json:"rejectedEventIds"`
	ReasonByEventID  map[string]string `json:"reasonByEventId"`
}

// Admit runs the full admission algorithm for one batch. rawSize is the
// serialized request size in bytes, measured before decoding. Request-wide
// failures (size, identity, lifecycle) return an error; everything
// per-event lands in the result.
func (p *Pipeline) Admit(ctx context.Context, claims core.Identity, req *BatchRequest, rawSize int) (*BatchResult, error) {
	timer := prometheus.NewTimer(metrics.BatchDuration)
	defer timer.ObserveDuration()

	if rawSize > p.cfg.MaxBatchBytes {
		return nil, core.Fail(core.KindBatchTooLarge, "batch is %d bytes, limit %d", rawSize, p.cfg.MaxBatchBytes)
	}

	sess, err := p.sessions.Lookup(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.Identity != claims {
		return nil, core.Fail(core.KindIdentityMismatch, "session %s is not owned by the presented credential", req.SessionID)
	}
	if sess.Status == core.SessionEnded {
		return nil, core.Fail(core.KindSessionEnded, "session %s is ended", req.SessionID)
	}

	res := &BatchResult{
		AcceptedEventIDs: []string{},
		RejectedEventIDs: []string{},
		ReasonByEventID:  map[string]string{},
	}
	accepted := map[string]*core.AnomalyEvent{}

	for i := range req.Events {
		in := &req.Events[i]
		if in.EventID == "" {
			continue
		}
		ev, reason := p.admitEvent(ctx, sess, in)
		metrics.EventsAdmitted.WithLabelValues(reason).Inc()
		if ev == nil {
			res.RejectedEventIDs = append(res.RejectedEventIDs, in.EventID)
			res.ReasonByEventID[in.EventID] = reason
			continue
		}
		res.AcceptedEventIDs = append(res.AcceptedEventIDs, in.EventID)
		accepted[in.EventID] = ev

		if p.publisher != nil {
			if err := p.publisher.Publish(ctx, claims.TenantID, ev); err != nil {
				slog.Error("stream publish failed", "event_id", ev.EventID, "error", err)
			}
		}
		if err := p.rules.Evaluate(ctx, claims.TenantID, ev); err != nil {
			slog.Error("inline rule evaluation failed", "event_id", ev.EventID, "error", err)
		}
	}

	p.attachThumbnails(ctx, sess, req.Thumbnails, accepted)
	return res, nil
}

const reasonAccepted = "accepted"

// admitEvent runs the per-event checks in order and persists the event.
// It returns the stored event on acceptance, or nil plus the stable
// rejection reason.
func (p *Pipeline) admitEvent(ctx context.Context, sess *core.Session, in *EventInput) (*core.AnomalyEvent, string) {
	now := p.now()

	fresh, err := p.eph.SetIfAbsent(ctx, ephemeral.ReplayKey(in.EventID), p.cfg.ReplayTTL)
	if err != nil {
		slog.Error("replay check failed", "event_id", in.EventID, "error", err)
		return nil, string(core.KindInternal)
	}
	if !fresh {
		return nil, string(core.KindDuplicate)
	}

	if skew := now.Sub(in.Timestamp); skew > p.cfg.TimeSkew || skew < -p.cfg.TimeSkew {
		// The marker only stands for a stored event. Release it so the
		// client can resubmit the same event id once its clock is fixed.
		_ = p.eph.Delete(ctx, ephemeral.ReplayKey(in.EventID))
		return nil, string(core.KindTimestampOutOfRange)
	}

	n, err := p.eph.Increment(ctx, ephemeral.RateKey(sess.ID, now.Unix()/60), rateKeyTTL)
	if err != nil {
		slog.Error("rate counter failed", "session_id", sess.ID, "error", err)
		_ = p.eph.Delete(ctx, ephemeral.ReplayKey(in.EventID))
		return nil, string(core.KindInternal)
	}
	if n > int64(p.cfg.MaxEventsPerMinute) {
		_ = p.eph.Delete(ctx, ephemeral.ReplayKey(in.EventID))
		return nil, string(core.KindRateLimited)
	}

	ev := &core.AnomalyEvent{
		EventID:    in.EventID,
		SessionID:  sess.ID,
		EventType:  core.EventType(in.Type),
		EventTime:  in.Timestamp,
		Severity:   normalizeSeverity(in.Severity),
		Confidence: in.Confidence,
		Details:    in.Details,
		CreatedAt:  now,
	}
	if err := p.events.InsertEvent(ctx, ev); err != nil {
		if core.IsKind(err, core.KindDuplicate) {
			return nil, string(core.KindDuplicate)
		}
		// Release the replay marker so the client's retry is not rejected
		// as a duplicate of an event that was never stored.
		_ = p.eph.Delete(ctx, ephemeral.ReplayKey(in.EventID))
		slog.Error("event insert failed", "event_id", in.EventID, "error", err)
		return nil, string(core.KindInternal)
	}
	return ev, reasonAccepted
}

// attachThumbnails captures evidence for accepted events. Failures here are
// logged only; the events are already durable.
func (p *Pipeline) attachThumbnails(ctx context.Context, sess *core.Session, thumbs []ThumbnailInput, accepted map[string]*core.AnomalyEvent) {
	for i := range thumbs {
		t := &thumbs[i]
		ev, ok := accepted[t.EventID]
		if !ok {
			continue
		}

		data, err := base64.StdEncoding.DecodeString(t.DataBase64)
		if err != nil {
			slog.Warn("thumbnail decode failed", "event_id", t.EventID, "error", err)
			continue
		}
		if len(data) == 0 || len(data) > maxThumbnailBytes {
			slog.Warn("thumbnail size out of bounds", "event_id", t.EventID, "bytes", len(data))
			continue
		}

		locator := blob.Locator(sess.ID, t.EventID)
		if err := p.blobs.Put(ctx, locator, data); err != nil {
			slog.Error("thumbnail blob write failed", "event_id", t.EventID, "error", err)
			continue
		}

		mime := t.ContentType
		if mime == "" {
			mime = "image/jpeg"
		}
		evd := core.Evidence{
			ID:        uuid.NewString(),
			SessionID: sess.ID,
			ByteSize:  len(data),
			SHA256:    blob.SHA256Hex(data),
			MimeType:  mime,
			Locator:   locator,
			CreatedAt: p.now(),
		}
		meta := map[string]interface{}{
			"contentType": mime,
			"sizeBytes":   len(data),
			"sha256":      evd.SHA256,
		}
		if err := p.events.AttachEvidence(ctx, &evd, t.EventID, meta); err != nil {
			slog.Error("evidence attach failed", "event_id", t.EventID, "error", err)
			continue
		}
		ev.EvidenceID = &evd.ID
		metrics.EvidenceBytes.Observe(float64(len(data)))
	}
}

// normalizeSeverity maps the optional wire severity onto the enum,
// defaulting absent values to LOW. Unknown strings pass through; they rank
// below LOW in severity comparisons and never outrank a computed severity.
func normalizeSeverity(s string) core.Severity {
	if s == "" {
		return core.SeverityLow
	}
	return core.Severity(s)
}
