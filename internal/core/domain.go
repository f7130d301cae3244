// Package core holds the domain model shared by every component: sessions,
// anomaly events, evidence, alerts, risk snapshots, and the typed failure
// kinds surfaced to clients.
package core

import "time"

// SessionStatus is the lifecycle state of a proctoring session.
// Transitions are monotone: ACTIVE → ENDED.
type SessionStatus string

const (
	SessionActive SessionStatus = "ACTIVE"
	SessionEnded  SessionStatus = "ENDED"
)

// Identity is the logical identity tuple a credential binds to.
// At most one session row exists per tuple.
type Identity struct {
	TenantID       string `json:"tenant_id"`
	ExamScheduleID string `json:"exam_schedule_id"`
	UserID         string `json:"user_id"`
	AttemptNo      int    `json:"attempt_no"`
}

// Session is the one active proctoring context for an identity tuple.
type Session struct {
	ID               string                 `json:"session_id"`
	Identity         Identity               `json:"identity"`
	Status           SessionStatus          `json:"status"`
	StartedAt        time.Time              `json:"started_at"`
	EndedAt          *time.Time             `json:"ended_at,omitempty"`
	LastHeartbeatAt  time.Time              `json:"last_heartbeat_at"`
	CurrentRiskScore float64                `json:"current_risk_score"`
	ConfigSnapshot   map[string]interface{} `json:"config_snapshot,omitempty"`
}

// EventType enumerates the v1 anomaly signals. Unknown types are admitted
// and stored for audit but attract no rule.
type EventType string

const (
	EventMultiPerson      EventType = "MULTI_PERSON"
	EventFaceMissing      EventType = "FACE_MISSING"
	EventCameraBlocked    EventType = "CAMERA_BLOCKED"
	EventTabSwitch        EventType = "TAB_SWITCH"
	EventLookAway         EventType = "LOOK_AWAY"
	EventLowLight         EventType = "LOW_LIGHT"
	EventSuspiciousObject EventType = "SUSPICIOUS_OBJECT"
)

// Severity classifies events and alerts.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// rank orders severities so the higher of declared vs computed wins.
var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// MaxSeverity returns the higher-ranked of a and b. Unknown severities rank
// below LOW so a garbage declared severity never outranks a computed one.
func MaxSeverity(a, b Severity) Severity {
	if severityRank[a] >= severityRank[b] {
		return a
	}
	return b
}

// AnomalyEvent is a client-observed proctoring signal with a globally
// unique, client-assigned id.
type AnomalyEvent struct {
	EventID    string                 `json:"event_id"`
	SessionID  string                 `json:"session_id"`
	EventType  EventType              `json:"event_type"`
	EventTime  time.Time              `json:"event_time"`
	Severity   Severity               `json:"severity"`
	Confidence *float64               `json:"confidence,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	EvidenceID *string                `json:"evidence_id,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Evidence is an immutable thumbnail blob linked to a single event.
type Evidence struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	ByteSize  int       `json:"byte_size"`
	SHA256    string    `json:"sha256"`
	MimeType  string    `json:"mime_type"`
	Locator   string    `json:"locator"`
	CreatedAt time.Time `json:"created_at"`
}

// Alert is a rule-derived, severity-classified operator notification.
type Alert struct {
	ID                string                 `json:"id"`
	SessionID         string                 `json:"session_id"`
	Type              EventType              `json:"type"`
	Severity          Severity               `json:"severity"`
	TriggeringEventID *string                `json:"triggering_event_id,omitempty"`
	EvidenceID        *string                `json:"evidence_id,omitempty"`
	Details           map[string]interface{} `json:"details,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
}

// RiskScoreSnapshot is an append-only point on a session's risk timeline.
type RiskScoreSnapshot struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"session_id"`
	Score     float64                `json:"score"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}
