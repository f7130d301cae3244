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

// InsertEvent persists one anomaly event in its own transaction. A
// pre-existing event_id surfaces as a duplicate failure; the unique
// constraint backs the replay marker.
func (s *Store) InsertEvent(ctx context.Context, ev *core.AnomalyEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO anomaly_events
			(event_id, session_id, event_type, event_time, severity, confidence, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.EventID, ev.SessionID, ev.EventType, ev.EventTime, ev.Severity,
		nullFloat(ev.Confidence), jsonText(ev.Details), ev.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return core.Fail(core.KindDuplicate, "event %s already stored", ev.EventID)
		}
		return core.Wrap(core.KindInternal, err, "insert event %s", ev.EventID)
	}
	return nil
}

// AttachEvidence creates the Evidence row and back-links it onto the owning
// event in one transaction. The evidence_id is set at most once; a second
// attach for the same event is rejected.
func (s *Store) AttachEvidence(ctx context.Context, ev *core.Evidence, eventID string, thumbMeta map[string]interface{}) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Wrap(core.KindInternal, err, "begin attach evidence")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO evidence (id, session_id, byte_size, sha256, mime_type, locator, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.SessionID, ev.ByteSize, ev.SHA256, ev.MimeType, ev.Locator, ev.CreatedAt,
	)
	if err != nil {
		return core.Wrap(core.KindInternal, err, "insert evidence for event %s", eventID)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE anomaly_events SET evidence_id = $1, thumbnail_meta = $2
		WHERE event_id = $3 AND evidence_id IS NULL`,
		ev.ID, jsonText(thumbMeta), eventID,
	)
	if err != nil {
		return core.Wrap(core.KindInternal, err, "link evidence to event %s", eventID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Fail(core.KindDuplicate, "event %s missing or already has evidence", eventID)
	}

	if err := tx.Commit(); err != nil {
		return core.Wrap(core.KindInternal, err, "commit attach evidence")
	}
	return nil
}

// GetEvidence looks up one evidence row.
func (s *Store) GetEvidence(ctx context.Context, evidenceID string) (*core.Evidence, error) {
	var ev core.Evidence
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, byte_size, sha256, mime_type, locator, created_at
		FROM evidence WHERE id = $1`, evidenceID,
	).Scan(&ev.ID, &ev.SessionID, &ev.ByteSize, &ev.SHA256, &ev.MimeType, &ev.Locator, &ev.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.Fail(core.KindSessionNotFound, "evidence %s", evidenceID)
	}
	if err != nil {
		return nil, core.Wrap(core.KindInternal, err, "get evidence %s", evidenceID)
	}
	return &ev, nil
}

// ListEvidenceBySession returns evidence rows ordered by creation time.
func (s *Store) ListEvidenceBySession(ctx context.Context, sessionID string) ([]core.Evidence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, byte_size, sha256, mime_type, locator, created_at
		FROM evidence WHERE session_id = $1 ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, err, "list evidence")
	}
	defer rows.Close()

	var out []core.Evidence
	for rows.Next() {
		var ev core.Evidence
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.ByteSize, &ev.SHA256, &ev.MimeType, &ev.Locator, &ev.CreatedAt); err != nil {
			return nil, core.Wrap(core.KindInternal, err, "scan evidence")
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListEventsBySession returns events in durable insertion order.
func (s *Store) ListEventsBySession(ctx context.Context, sessionID string) ([]core.AnomalyEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, session_id, event_type, event_time, severity, confidence, details, evidence_id, created_at
		FROM anomaly_events WHERE session_id = $1 ORDER BY created_at ASC, event_id ASC`, sessionID)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, err, "list events")
	}
	defer rows.Close()

	var out []core.AnomalyEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

func scanEvent(row rowScanner) (*core.AnomalyEvent, error) {
	var (
		ev          core.AnomalyEvent
		confidence  sql.NullFloat64
		detailsJSON string
		evidenceID  sql.NullString
	)
	err := row.Scan(&ev.EventID, &ev.SessionID, &ev.EventType, &ev.EventTime,
		&ev.Severity, &confidence, &detailsJSON, &evidenceID, &ev.CreatedAt)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, err, "scan event")
	}
	if confidence.Valid {
		c := confidence.Float64
		ev.Confidence = &c
	}
	if evidenceID.Valid {
		id := evidenceID.String
		ev.EvidenceID = &id
	}
	if err := json.Unmarshal([]byte(detailsJSON), &ev.Details); err != nil {
		ev.Details = map[string]interface{}{}
	}
	return &ev, nil
}

// InsertAlert persists one alert row.
func (s *Store) InsertAlert(ctx context.Context, a *core.Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, session_id, type, severity, triggering_event_id, evidence_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.SessionID, a.Type, a.Severity,
		nullStr(a.TriggeringEventID), nullStr(a.EvidenceID), jsonText(a.Details), a.CreatedAt,
	)
	if err != nil {
		return core.Wrap(core.KindInternal, err, "insert alert")
	}
	return nil
}

// ListAlertsBySession returns alerts newest first, the order the operator
// dashboard renders them in.
func (s *Store) ListAlertsBySession(ctx context.Context, sessionID string) ([]core.Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, type, severity, triggering_event_id, evidence_id, details, created_at
		FROM alerts WHERE session_id = $1 ORDER BY created_at DESC, id ASC`, sessionID)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, err, "list alerts")
	}
	defer rows.Close()

	var out []core.Alert
	for rows.Next() {
		var (
			a           core.Alert
			trigEventID sql.NullString
			evidenceID  sql.NullString
			detailsJSON string
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Type, &a.Severity,
			&trigEventID, &evidenceID, &detailsJSON, &a.CreatedAt); err != nil {
			return nil, core.Wrap(core.KindInternal, err, "scan alert")
		}
		if trigEventID.Valid {
			v := trigEventID.String
			a.TriggeringEventID = &v
		}
		if evidenceID.Valid {
			v := evidenceID.String
			a.EvidenceID = &v
		}
		if err := json.Unmarshal([]byte(detailsJSON), &a.Details); err != nil {
			a.Details = map[string]interface{}{}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// LinkAlertEvidence sets evidence_id on an alert that has none. Used by the
// summary builder's post-hoc linkage repair.
func (s *Store) LinkAlertEvidence(ctx context.Context, alertID, evidenceID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET evidence_id = $1 WHERE id = $2 AND evidence_id IS NULL`,
		evidenceID, alertID)
	if err != nil {
		return core.Wrap(core.KindInternal, err, "link alert evidence")
	}
	return nil
}

// InsertSnapshot appends a risk-score snapshot. created_at values are
// strictly increasing per session; the insert refuses to go backwards.
func (s *Store) InsertSnapshot(ctx context.Context, snap *core.RiskScoreSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_score_snapshots (id, session_id, score, details, created_at)
		SELECT $1, $2, $3, $4, $5
		WHERE NOT EXISTS (
			SELECT 1 FROM risk_score_snapshots
			WHERE session_id = $2 AND created_at >= $5
		)`,
		snap.ID, snap.SessionID, snap.Score, jsonText(snap.Details), snap.CreatedAt,
	)
	if err != nil {
		return core.Wrap(core.KindInternal, err, "insert snapshot")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.Fail(core.KindDuplicate, "snapshot for session %s not after latest", snap.SessionID)
	}
	return nil
}

// LatestSnapshotTime returns the created_at of the session's most recent
// snapshot, or the zero time when none exists.
func (s *Store) LatestSnapshotTime(ctx context.Context, sessionID string) (time.Time, error) {
	var t sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT max(created_at) FROM risk_score_snapshots WHERE session_id = $1`, sessionID,
	).Scan(&t)
	if err != nil {
		return time.Time{}, core.Wrap(core.KindInternal, err, "latest snapshot time")
	}
	if !t.Valid {
		return time.Time{}, nil
	}
	return t.Time, nil
}

// ListSnapshotsBySession returns the risk timeline, oldest first.
func (s *Store) ListSnapshotsBySession(ctx context.Context, sessionID string) ([]core.RiskScoreSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, score, details, created_at
		FROM risk_score_snapshots WHERE session_id = $1 ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, err, "list snapshots")
	}
	defer rows.Close()

	var out []core.RiskScoreSnapshot
	for rows.Next() {
		var (
			snap        core.RiskScoreSnapshot
			detailsJSON string
		)
		if err := rows.Scan(&snap.ID, &snap.SessionID, &snap.Score, &detailsJSON, &snap.CreatedAt); err != nil {
			return nil, core.Wrap(core.KindInternal, err, "scan snapshot")
		}
		if err := json.Unmarshal([]byte(detailsJSON), &snap.Details); err != nil {
			snap.Details = map[string]interface{}{}
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullStr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
