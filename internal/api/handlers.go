package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/proctorhub/backend/internal/admission"
	"github.com/proctorhub/backend/internal/core"
)

// maxBodyBytes caps request bodies above the batch limit so the size guard
// in admission sees the real serialized size, not a truncation artifact.
const maxBodyBytes = 1 << 20

type startRequest struct {
	ExamConfig map[string]interface{} `json:"examConfig,omitempty"`
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := s.sessions.Start(r.Context(), claimsFrom(r).Identity, req.ExamConfig)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": sess.ID,
		"status":    sess.Status,
	})
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.End(r.Context(), claimsFrom(r).Identity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": sess.ID,
		"status":    sess.Status,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Heartbeat(r.Context(), claimsFrom(r).Identity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId":     sess.ID,
		"lastHeartbeat": sess.LastHeartbeatAt.Format(time.RFC3339Nano),
	})
}

func (s *Server) handleEventsBatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, core.Wrap(core.KindPayloadInvalid, err, "read body"))
		return
	}
	var req admission.BatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, r, core.Wrap(core.KindPayloadInvalid, err, "parse batch"))
		return
	}
	res, err := s.pipeline.Admit(r.Context(), claimsFrom(r).Identity, &req, len(body))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.dash.Alerts(r.Context(), claimsFrom(r).TenantID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []core.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.dash.Events(r.Context(), claimsFrom(r).TenantID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	if events == nil {
		events = []core.AnomalyEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (s *Server) handleGetEvidence(w http.ResponseWriter, r *http.Request) {
	data, mime, err := s.dash.EvidenceBytes(r.Context(), claimsFrom(r).TenantID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", mime)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.dash.Summary(r.Context(), claimsFrom(r).TenantID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleRiskTimeline(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.dash.RiskTimeline(r.Context(), claimsFrom(r).TenantID, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	if snaps == nil {
		snaps = []core.RiskScoreSnapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"snapshots": snaps})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	s.live.ServeWS(w, r, claimsFrom(r).TenantID)
}

type devTokenRequest struct {
	TenantID       string `json:"tenantId,omitempty"`
	ExamScheduleID string `json:"examScheduleId,omitempty"`
	UserID         string `json:"userId,omitempty"`
	AttemptNo      int    `json:"attemptNo,omitempty"`
}

// handleDevToken mints a signed credential for local testing. The route is
// only mounted under the local and docker profiles.
func (s *Server) handleDevToken(w http.ResponseWriter, r *http.Request) {
	var req devTokenRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	token, expiresAt, err := s.issuer.Issue(req.TenantID, req.ExamScheduleID, req.UserID, req.AttemptNo)
	if err != nil {
		writeError(w, r, core.Wrap(core.KindInternal, err, "issue dev token"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":     token,
		"expiresAt": expiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{}
	healthy := true
	for name, p := range s.health {
		if err := p.Ping(r.Context()); err != nil {
			status[name] = err.Error()
			healthy = false
			continue
		}
		status[name] = "ok"
	}
	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"healthy": healthy,
		"checks":  status,
	})
}

// decodeBody parses an optional JSON body. An empty body is fine; garbage
// is payload_invalid.
func decodeBody(r *http.Request, v interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return core.Wrap(core.KindPayloadInvalid, err, "read body")
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return core.Wrap(core.KindPayloadInvalid, err, "parse body")
	}
	return nil
}
