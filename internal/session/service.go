// Package session implements identity resolution and lifecycle for
// proctoring sessions: start, end, heartbeat, lookup, and the background
// sweep of stale sessions.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/proctorhub/backend/internal/core"
)

// Repository is the slice of the durable store the service needs.
type Repository interface {
	CreateSession(ctx context.Context, id core.Identity, config map[string]interface{}, now time.Time) (*core.Session, bool, error)
	GetSession(ctx context.Context, sessionID string) (*core.Session, error)
	GetSessionByIdentity(ctx context.Context, id core.Identity) (*core.Session, error)
	EndSession(ctx context.Context, id core.Identity, now time.Time) (*core.Session, error)
	HeartbeatSession(ctx context.Context, id core.Identity, now time.Time) (*core.Session, error)
	SweepStaleSessions(ctx context.Context, cutoff, now time.Time) (int64, error)
}

// Service enforces single-active-attempt semantics over the repository.
type Service struct {
	repo Repository
	now  func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Start resolves or creates the session for the credential's identity
// tuple. An existing ACTIVE session is returned unchanged, same
// session_id, no field mutated. An ENDED attempt cannot be restarted; the
// client must present a credential with a fresh attempt_no.
func (s *Service) Start(ctx context.Context, id core.Identity, config map[string]interface{}) (*core.Session, error) {
	sess, created, err := s.repo.CreateSession(ctx, id, config, s.now())
	if err != nil {
		return nil, err
	}
	if created {
		slog.Info("session started",
			"session_id", sess.ID,
			"tenant_id", id.TenantID,
			"attempt_no", id.AttemptNo)
		return sess, nil
	}
	if sess.Status == core.SessionEnded {
		return nil, core.Fail(core.KindSessionEnded, "attempt %d already ended", id.AttemptNo)
	}
	return sess, nil
}

// End transitions the identity's session ACTIVE → ENDED. Ending an
// already-ENDED session is a no-op success.
func (s *Service) End(ctx context.Context, id core.Identity) (*core.Session, error) {
	sess, err := s.repo.EndSession(ctx, id, s.now())
	if err != nil {
		return nil, err
	}
	if sess.Status == core.SessionEnded {
		slog.Info("session ended", "session_id", sess.ID, "tenant_id", id.TenantID)
	}
	return sess, nil
}

// Heartbeat refreshes last_heartbeat_at on an ACTIVE session. On an ENDED
// session it returns a session_ended failure.
func (s *Service) Heartbeat(ctx context.Context, id core.Identity) (*core.Session, error) {
	return s.repo.HeartbeatSession(ctx, id, s.now())
}

// Lookup fetches a session by id.
func (s *Service) Lookup(ctx context.Context, sessionID string) (*core.Session, error) {
	return s.repo.GetSession(ctx, sessionID)
}
