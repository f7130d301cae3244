package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/proctorhub/backend/internal/core"
)

const sessionColumns = `id, tenant_id, exam_schedule_id, user_id, attempt_no, status,
	started_at, ended_at, last_heartbeat_at, current_risk_score, config_snapshot`

// CreateSession inserts a new ACTIVE session for the identity tuple. When a
// row for the tuple already exists the existing row is returned with
// created=false; the unique constraint makes concurrent starts collapse to
// one row.
func (s *Store) CreateSession(ctx context.Context, id core.Identity, config map[string]interface{}, now time.Time) (*core.Session, bool, error) {
	cfgJSON, err := json.Marshal(orEmpty(config))
	if err != nil {
		return nil, false, core.Wrap(core.KindPayloadInvalid, err, "encode config snapshot")
	}

	sessionID := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, tenant_id, exam_schedule_id, user_id, attempt_no,
			status, started_at, last_heartbeat_at, current_risk_score, config_snapshot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7, 0, $8)`,
		sessionID, id.TenantID, id.ExamScheduleID, id.UserID, id.AttemptNo,
		core.SessionActive, now, string(cfgJSON),
	)
	if err == nil {
		sess, getErr := s.GetSessionByIdentity(ctx, id)
		return sess, true, getErr
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		sess, getErr := s.GetSessionByIdentity(ctx, id)
		return sess, false, getErr
	}
	return nil, false, core.Wrap(core.KindInternal, err, "insert session")
}

// GetSession looks a session up by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*core.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, sessionID)
	return scanSession(row)
}

// GetSessionByIdentity looks a session up by its identity tuple.
func (s *Store) GetSessionByIdentity(ctx context.Context, id core.Identity) (*core.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE tenant_id = $1 AND exam_schedule_id = $2 AND user_id = $3 AND attempt_no = $4`,
		id.TenantID, id.ExamScheduleID, id.UserID, id.AttemptNo)
	return scanSession(row)
}

// EndSession transitions ACTIVE → ENDED and stamps ended_at. Ending an
// already-ENDED session is a no-op; the stored row is returned either way.
func (s *Store) EndSession(ctx context.Context, id core.Identity, now time.Time) (*core.Session, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = $1, ended_at = $2
		WHERE tenant_id = $3 AND exam_schedule_id = $4 AND user_id = $5 AND attempt_no = $6
		  AND status = $7`,
		core.SessionEnded, now, id.TenantID, id.ExamScheduleID, id.UserID, id.AttemptNo,
		core.SessionActive,
	)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, err, "end session")
	}
	// Zero rows means missing or already ENDED; the lookup disambiguates.
	return s.GetSessionByIdentity(ctx, id)
}

// HeartbeatSession refreshes last_heartbeat_at on an ACTIVE session.
func (s *Store) HeartbeatSession(ctx context.Context, id core.Identity, now time.Time) (*core.Session, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_heartbeat_at = $1
		WHERE tenant_id = $2 AND exam_schedule_id = $3 AND user_id = $4 AND attempt_no = $5
		  AND status = $6`,
		now, id.TenantID, id.ExamScheduleID, id.UserID, id.AttemptNo, core.SessionActive,
	)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, err, "heartbeat session")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		sess, getErr := s.GetSessionByIdentity(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, core.Fail(core.KindSessionEnded, "session %s is ended", sess.ID)
	}
	return s.GetSessionByIdentity(ctx, id)
}

// ApplyRiskDelta folds one event into the session's decaying risk score:
// score = max(0, score*decay + delta), atomically in one statement, and
// returns the new score.
func (s *Store) ApplyRiskDelta(ctx context.Context, sessionID string, decay, delta float64) (float64, error) {
	var score float64
	err := s.db.QueryRowContext(ctx, `
		UPDATE sessions SET current_risk_score = GREATEST(0, current_risk_score * $2 + $3)
		WHERE id = $1
		RETURNING current_risk_score`,
		sessionID, decay, delta,
	).Scan(&score)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, core.Fail(core.KindSessionNotFound, "session %s", sessionID)
	}
	if err != nil {
		return 0, core.Wrap(core.KindInternal, err, "apply risk delta")
	}
	return score, nil
}

// SweepStaleSessions ends ACTIVE sessions whose last heartbeat is older
// than cutoff. Idempotent; returns the number of sessions swept.
func (s *Store) SweepStaleSessions(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = $1, ended_at = $2
		WHERE status = $3 AND last_heartbeat_at < $4`,
		core.SessionEnded, now, core.SessionActive, cutoff,
	)
	if err != nil {
		return 0, core.Wrap(core.KindInternal, err, "sweep stale sessions")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*core.Session, error) {
	var (
		sess    core.Session
		endedAt sql.NullTime
		cfgJSON string
	)
	err := row.Scan(
		&sess.ID,
		&sess.Identity.TenantID,
		&sess.Identity.ExamScheduleID,
		&sess.Identity.UserID,
		&sess.Identity.AttemptNo,
		&sess.Status,
		&sess.StartedAt,
		&endedAt,
		&sess.LastHeartbeatAt,
		&sess.CurrentRiskScore,
		&cfgJSON,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.Fail(core.KindSessionNotFound, "session not found")
	}
	if err != nil {
		return nil, core.Wrap(core.KindInternal, err, "scan session")
	}
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	if err := json.Unmarshal([]byte(cfgJSON), &sess.ConfigSnapshot); err != nil {
		// A corrupt snapshot must not make the session unreadable.
		sess.ConfigSnapshot = map[string]interface{}{}
	}
	return &sess, nil
}

func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func jsonText(m map[string]interface{}) string {
	b, err := json.Marshal(orEmpty(m))
	if err != nil {
		return "{}"
	}
	return string(b)
}
