// Package dashboard serves the operator read model: tenant-scoped alert,
// event and evidence queries, the post-session summary with its derived
// trust score, the risk timeline, and the live alert feed.
package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"github.com/proctorhub/backend/internal/blob"
	"github.com/proctorhub/backend/internal/core"
)

// Repository is the slice of the durable store the read model queries.
type Repository interface {
	GetSession(ctx context.Context, sessionID string) (*core.Session, error)
	ListAlertsBySession(ctx context.Context, sessionID string) ([]core.Alert, error)
	ListEventsBySession(ctx context.Context, sessionID string) ([]core.AnomalyEvent, error)
	ListEvidenceBySession(ctx context.Context, sessionID string) ([]core.Evidence, error)
	ListSnapshotsBySession(ctx context.Context, sessionID string) ([]core.RiskScoreSnapshot, error)
	GetEvidence(ctx context.Context, evidenceID string) (*core.Evidence, error)
	LinkAlertEvidence(ctx context.Context, alertID, evidenceID string) error
}

// Service answers dashboard reads. Every query resolves the owning session
// and compares the caller's tenant; a mismatch reads as not-found so
// probing another tenant's ids leaks nothing.
type Service struct {
	repo  Repository
	blobs blob.Store
}

func NewService(repo Repository, blobs blob.Store) *Service {
	return &Service{repo: repo, blobs: blobs}
}

// session resolves sessionID and enforces tenant scope.
func (s *Service) session(ctx context.Context, tenantID, sessionID string) (*core.Session, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Identity.TenantID != tenantID {
		return nil, core.Fail(core.KindSessionNotFound, "session %s", sessionID)
	}
	return sess, nil
}

// Alerts lists a session's alerts, newest first.
func (s *Service) Alerts(ctx context.Context, tenantID, sessionID string) ([]core.Alert, error) {
	if _, err := s.session(ctx, tenantID, sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListAlertsBySession(ctx, sessionID)
}

// Events lists a session's events in durable insertion order.
func (s *Service) Events(ctx context.Context, tenantID, sessionID string) ([]core.AnomalyEvent, error) {
	if _, err := s.session(ctx, tenantID, sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListEventsBySession(ctx, sessionID)
}

// RiskTimeline returns the session's risk snapshots, oldest first.
func (s *Service) RiskTimeline(ctx context.Context, tenantID, sessionID string) ([]core.RiskScoreSnapshot, error) {
	if _, err := s.session(ctx, tenantID, sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListSnapshotsBySession(ctx, sessionID)
}

// EvidenceBytes returns the blob and mime type for one evidence id, scoped
// to the caller's tenant through the owning session.
func (s *Service) EvidenceBytes(ctx context.Context, tenantID, evidenceID string) ([]byte, string, error) {
	evd, err := s.repo.GetEvidence(ctx, evidenceID)
	if err != nil {
		return nil, "", err
	}
	if _, err := s.session(ctx, tenantID, evd.SessionID); err != nil {
		return nil, "", err
	}
	data, err := s.blobs.Get(ctx, evd.Locator)
	if err != nil {
		return nil, "", core.Wrap(core.KindInternal, err, "read evidence %s", evidenceID)
	}
	return data, evd.MimeType, nil
}

// EvidenceItem is one evidence entry on the summary.
type EvidenceItem struct {
	ID        string    `json:"id"`
	ByteSize  int       `json:"byteSize"`
	MimeType  string    `json:"mimeType"`
	CreatedAt time.Time `json:"createdAt"`
}

// Summary is the post-session operator view.
type Summary struct {
	SessionID        string                 `json:"sessionId"`
	TenantID         string                 `json:"tenantId"`
	ExamScheduleID   string                 `json:"examScheduleId"`
	UserID           string                 `json:"userId"`
	AttemptNo        int                    `json:"attemptNo"`
	Username         string                 `json:"username"`
	DeviceInfo       map[string]interface{} `json:"deviceInfo,omitempty"`
	Status           core.SessionStatus     `json:"status"`
	StartedAt        time.Time              `json:"startedAt"`
	EndedAt          *time.Time             `json:"endedAt,omitempty"`
	TrustScore       int                    `json:"trustScore"`
	CurrentRiskScore float64                `json:"currentRiskScore"`
	AlertCounts      map[string]int         `json:"alertCountsByType"`
	Evidence         []EvidenceItem         `json:"evidence"`
}

// Summary builds the post-session view: identity and timestamps, the trust
// score, grouped alert counts, and the ordered evidence list. The first
// request also repairs alerts that never got an evidence link.
func (s *Service) Summary(ctx context.Context, tenantID, sessionID string) (*Summary, error) {
	sess, err := s.session(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}

	alerts, err := s.repo.ListAlertsBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	evidence, err := s.repo.ListEvidenceBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	s.repairEvidenceLinks(ctx, alerts, evidence)

	counts := map[string]int{}
	for _, a := range alerts {
		counts[string(a.Type)]++
	}

	items := make([]EvidenceItem, 0, len(evidence))
	for _, e := range evidence {
		items = append(items, EvidenceItem{ID: e.ID, ByteSize: e.ByteSize, MimeType: e.MimeType, CreatedAt: e.CreatedAt})
	}

	sum := &Summary{
		SessionID:        sess.ID,
		TenantID:         sess.Identity.TenantID,
		ExamScheduleID:   sess.Identity.ExamScheduleID,
		UserID:           sess.Identity.UserID,
		AttemptNo:        sess.Identity.AttemptNo,
		Username:         usernameFrom(sess),
		DeviceInfo:       snapshotMap(sess.ConfigSnapshot, "deviceInfo"),
		Status:           sess.Status,
		StartedAt:        sess.StartedAt,
		EndedAt:          sess.EndedAt,
		TrustScore:       TrustScore(alerts),
		CurrentRiskScore: sess.CurrentRiskScore,
		AlertCounts:      counts,
		Evidence:         items,
	}
	return sum, nil
}

// repairEvidenceLinks binds every alert without evidence to the
// nearest-in-time evidence of the same session, earlier entry winning
// ties. The repair is persisted; failures are logged and retried on the
// next summary request.
func (s *Service) repairEvidenceLinks(ctx context.Context, alerts []core.Alert, evidence []core.Evidence) {
	if len(evidence) == 0 {
		return
	}
	for i := range alerts {
		a := &alerts[i]
		if a.EvidenceID != nil {
			continue
		}
		best := nearestEvidence(a.CreatedAt, evidence)
		if err := s.repo.LinkAlertEvidence(ctx, a.ID, best.ID); err != nil {
			slog.Error("evidence link repair failed", "alert_id", a.ID, "error", err)
			continue
		}
		id := best.ID
		a.EvidenceID = &id
	}
}

// nearestEvidence picks the entry closest in time to t. evidence is
// ordered by creation time, so on equal distance the earlier entry is
// seen first and kept.
func nearestEvidence(t time.Time, evidence []core.Evidence) *core.Evidence {
	best := &evidence[0]
	bestDist := absDuration(t.Sub(best.CreatedAt))
	for i := 1; i < len(evidence); i++ {
		if d := absDuration(t.Sub(evidence[i].CreatedAt)); d < bestDist {
			best = &evidence[i]
			bestDist = d
		}
	}
	return best
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// TrustScore derives the session trust score from its alerts:
// round(100 × mean(details.confidence)) over alerts carrying a numeric
// confidence. No such alerts means full trust, 100.
func TrustScore(alerts []core.Alert) int {
	var sum float64
	var n int
	for _, a := range alerts {
		if c, ok := numericConfidence(a.Details); ok {
			sum += c
			n++
		}
	}
	if n == 0 {
		return 100
	}
	return int(math.Round(100 * sum / float64(n)))
}

func numericConfidence(details map[string]interface{}) (float64, bool) {
	v, ok := details["confidence"]
	if !ok {
		return 0, false
	}
	switch c := v.(type) {
	case float64:
		return c, true
	case json.Number:
		f, err := c.Float64()
		return f, err == nil
	case int:
		return float64(c), true
	}
	return 0, false
}

// usernameFrom resolves a display name from the config snapshot captured
// at session start, falling back to the identity's user_id.
func usernameFrom(sess *core.Session) string {
	for _, key := range []string{"username", "displayName", "email"} {
		if v, ok := sess.ConfigSnapshot[key].(string); ok && v != "" {
			return v
		}
	}
	return sess.Identity.UserID
}

func snapshotMap(snapshot map[string]interface{}, key string) map[string]interface{} {
	if v, ok := snapshot[key].(map[string]interface{}); ok {
		return v
	}
	return nil
}
