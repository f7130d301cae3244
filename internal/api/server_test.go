package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proctorhub/backend/internal/admission"
	"github.com/proctorhub/backend/internal/auth"
	"github.com/proctorhub/backend/internal/core"
	"github.com/proctorhub/backend/internal/dashboard"
	"github.com/proctorhub/backend/internal/ephemeral"
	"github.com/proctorhub/backend/internal/session"
)

// memStore backs every service with one in-memory state so the handler
// tests exercise the real wiring end to end.
type memStore struct {
	mu         sync.Mutex
	byID       map[string]*core.Session
	byIdentity map[core.Identity]*core.Session
	events     map[string]*core.AnomalyEvent
	evidence   map[string]*core.Evidence
	alerts     map[string][]core.Alert
	snapshots  map[string][]core.RiskScoreSnapshot
}

func newMemStore() *memStore {
	return &memStore{
		byID:       map[string]*core.Session{},
		byIdentity: map[core.Identity]*core.Session{},
		events:     map[string]*core.AnomalyEvent{},
		evidence:   map[string]*core.Evidence{},
		alerts:     map[string][]core.Alert{},
		snapshots:  map[string][]core.RiskScoreSnapshot{},
	}
}

func (m *memStore) CreateSession(_ context.Context, id core.Identity, config map[string]interface{}, now time.Time) (*core.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byIdentity[id]; ok {
		return existing, false, nil
	}
	sess := &core.Session{
		ID:              uuid.NewString(),
		Identity:        id,
		Status:          core.SessionActive,
		StartedAt:       now,
		LastHeartbeatAt: now,
		ConfigSnapshot:  config,
	}
	m.byIdentity[id] = sess
	m.byID[sess.ID] = sess
	return sess, true, nil
}

func (m *memStore) GetSession(_ context.Context, sessionID string) (*core.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.byID[sessionID]
	if !ok {
		return nil, core.Fail(core.KindSessionNotFound, "session %s", sessionID)
	}
	return sess, nil
}

func (m *memStore) GetSessionByIdentity(_ context.Context, id core.Identity) (*core.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.byIdentity[id]
	if !ok {
		return nil, core.Fail(core.KindSessionNotFound, "no session for identity")
	}
	return sess, nil
}

func (m *memStore) EndSession(_ context.Context, id core.Identity, now time.Time) (*core.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.byIdentity[id]
	if !ok {
		return nil, core.Fail(core.KindSessionNotFound, "no session for identity")
	}
	if sess.Status == core.SessionActive {
		sess.Status = core.SessionEnded
		t := now
		sess.EndedAt = &t
	}
	return sess, nil
}

func (m *memStore) HeartbeatSession(_ context.Context, id core.Identity, now time.Time) (*core.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.byIdentity[id]
	if !ok {
		return nil, core.Fail(core.KindSessionNotFound, "no session for identity")
	}
	if sess.Status == core.SessionEnded {
		return nil, core.Fail(core.KindSessionEnded, "session %s is ended", sess.ID)
	}
	sess.LastHeartbeatAt = now
	return sess, nil
}

func (m *memStore) SweepStaleSessions(_ context.Context, cutoff, now time.Time) (int64, error) {
	return 0, nil
}

func (m *memStore) InsertEvent(_ context.Context, ev *core.AnomalyEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[ev.EventID]; ok {
		return core.Fail(core.KindDuplicate, "event %s already stored", ev.EventID)
	}
	copied := *ev
	m.events[ev.EventID] = &copied
	return nil
}

func (m *memStore) AttachEvidence(_ context.Context, ev *core.Evidence, eventID string, _ map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.events[eventID]
	if !ok || owner.EvidenceID != nil {
		return core.Fail(core.KindDuplicate, "event %s missing or already has evidence", eventID)
	}
	id := ev.ID
	owner.EvidenceID = &id
	copied := *ev
	m.evidence[ev.ID] = &copied
	return nil
}

func (m *memStore) ListAlertsBySession(_ context.Context, sessionID string) ([]core.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alerts[sessionID], nil
}

func (m *memStore) ListEventsBySession(_ context.Context, sessionID string) ([]core.AnomalyEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.AnomalyEvent
	for _, ev := range m.events {
		if ev.SessionID == sessionID {
			out = append(out, *ev)
		}
	}
	return out, nil
}

func (m *memStore) ListEvidenceBySession(_ context.Context, sessionID string) ([]core.Evidence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Evidence
	for _, ev := range m.evidence {
		if ev.SessionID == sessionID {
			out = append(out, *ev)
		}
	}
	return out, nil
}

func (m *memStore) ListSnapshotsBySession(_ context.Context, sessionID string) ([]core.RiskScoreSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshots[sessionID], nil
}

func (m *memStore) GetEvidence(_ context.Context, evidenceID string) (*core.Evidence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.evidence[evidenceID]
	if !ok {
		return nil, core.Fail(core.KindSessionNotFound, "evidence %s", evidenceID)
	}
	return ev, nil
}

func (m *memStore) LinkAlertEvidence(_ context.Context, alertID, evidenceID string) error {
	return nil
}

type memBlob struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (b *memBlob) Put(_ context.Context, locator string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		b.data = map[string][]byte{}
	}
	b.data[locator] = data
	return nil
}

func (b *memBlob) Get(_ context.Context, locator string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.data[locator]
	if !ok {
		return nil, fmt.Errorf("no blob at %s", locator)
	}
	return d, nil
}

type noopEvaluator struct{}

func (noopEvaluator) Evaluate(_ context.Context, _ string, _ *core.AnomalyEvent) error { return nil }

type staticKeySource struct{ key *rsa.PublicKey }

func (s staticKeySource) Key(string) (*rsa.PublicKey, error) { return s.key, nil }

type testEnv struct {
	srv   *httptest.Server
	store *memStore
	key   *rsa.PrivateKey
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := newMemStore()
	blobs := &memBlob{}
	sessions := session.NewService(store)
	pipeline := admission.NewPipeline(sessions, store, ephemeral.NewRedisStoreFromClient(rdb), blobs, noopEvaluator{}, admission.Config{MaxBatchBytes: 2048})
	dash := dashboard.NewService(store, blobs)
	verifier := auth.NewVerifier(staticKeySource{&key.PublicKey})

	server := NewServer(sessions, pipeline, dash, dashboard.NewLiveHub(), verifier, opts)
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: store, key: key}
}

func (e *testEnv) token(t *testing.T, id core.Identity) string {
	t.Helper()
	claims := jwt.MapClaims{
		"tenant_id":        id.TenantID,
		"exam_schedule_id": id.ExamScheduleID,
		"user_id":          id.UserID,
		"attempt_no":       id.AttemptNo,
		"exp":              time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(e.key)
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

var identityA = core.Identity{TenantID: "T", ExamScheduleID: "E", UserID: "U", AttemptNo: 1}

func TestAuth_MissingOrInvalidCredential(t *testing.T) {
	env := newTestEnv(t, Options{})

	resp := env.do(t, http.MethodPost, "/proctoring/sessions/start", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/proctoring/sessions/start", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "credential_invalid", decode(t, resp)["error"])
}

func TestLiveFeed_TokenQueryParam(t *testing.T) {
	env := newTestEnv(t, Options{})
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/dashboard/live"

	// Browsers cannot set headers on a websocket dial; the credential
	// travels as a query parameter instead.
	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+env.token(t, identityA), nil)
	require.NoError(t, err)
	conn.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	env := newTestEnv(t, Options{})
	token := env.token(t, identityA)

	resp := env.do(t, http.MethodPost, "/proctoring/sessions/start", token, map[string]interface{}{
		"examConfig": map[string]interface{}{"examName": "Algebra"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	sessionID := body["sessionId"].(string)
	assert.Equal(t, "ACTIVE", body["status"])

	resp = env.do(t, http.MethodPost, "/proctoring/sessions/heartbeat", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, decode(t, resp)["lastHeartbeat"])

	resp = env.do(t, http.MethodPost, "/proctoring/sessions/end", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decode(t, resp)
	assert.Equal(t, sessionID, body["sessionId"])
	assert.Equal(t, "ENDED", body["status"])

	// Heartbeat after end is a client error, not a crash.
	resp = env.do(t, http.MethodPost, "/proctoring/sessions/heartbeat", token, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "session_ended", decode(t, resp)["error"])
}

func TestEventsBatch_AcceptAndReplay(t *testing.T) {
	env := newTestEnv(t, Options{})
	token := env.token(t, identityA)

	resp := env.do(t, http.MethodPost, "/proctoring/sessions/start", token, nil)
	sessionID := decode(t, resp)["sessionId"].(string)

	batch := map[string]interface{}{
		"sessionId": sessionID,
		"events": []map[string]interface{}{{
			"eventId":    "e1",
			"type":       "LOOK_AWAY",
			"timestamp":  time.Now().Format(time.RFC3339Nano),
			"confidence": 0.8,
			"severity":   "MEDIUM",
		}},
	}
	resp = env.do(t, http.MethodPost, "/proctoring/events/batch", token, batch)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, []interface{}{"e1"}, body["acceptedEventIds"])

	resp = env.do(t, http.MethodPost, "/proctoring/events/batch", token, batch)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decode(t, resp)
	assert.Empty(t, body["acceptedEventIds"])
	assert.Equal(t, []interface{}{"e1"}, body["rejectedEventIds"])
	reasons := body["reasonByEventId"].(map[string]interface{})
	assert.Equal(t, "duplicate", reasons["e1"])
}

func TestEventsBatch_TooLargeAndMalformed(t *testing.T) {
	env := newTestEnv(t, Options{})
	token := env.token(t, identityA)

	resp := env.do(t, http.MethodPost, "/proctoring/sessions/start", token, nil)
	sessionID := decode(t, resp)["sessionId"].(string)

	big := map[string]interface{}{
		"sessionId": sessionID,
		"events": []map[string]interface{}{{
			"eventId":   "e1",
			"type":      "LOOK_AWAY",
			"timestamp": time.Now().Format(time.RFC3339Nano),
			"details":   map[string]interface{}{"pad": string(bytes.Repeat([]byte("x"), 4096))},
		}},
	}
	resp = env.do(t, http.MethodPost, "/proctoring/events/batch", token, big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/proctoring/events/batch", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	raw, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestReads_TenantIsolationAnswers404(t *testing.T) {
	env := newTestEnv(t, Options{})
	tokenA := env.token(t, identityA)

	resp := env.do(t, http.MethodPost, "/proctoring/sessions/start", tokenA, nil)
	sessionID := decode(t, resp)["sessionId"].(string)

	other := identityA
	other.TenantID = "T2"
	tokenB := env.token(t, other)

	for _, path := range []string{
		"/proctoring/sessions/" + sessionID + "/alerts",
		"/proctoring/sessions/" + sessionID + "/events",
		"/dashboard/sessions/" + sessionID + "/summary",
		"/dashboard/sessions/" + sessionID + "/risk-timeline",
	} {
		resp := env.do(t, http.MethodGet, path, tokenB, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestEvidenceEndpoint_ServesStoredBytes(t *testing.T) {
	env := newTestEnv(t, Options{})
	token := env.token(t, identityA)

	resp := env.do(t, http.MethodPost, "/proctoring/sessions/start", token, nil)
	sessionID := decode(t, resp)["sessionId"].(string)

	thumb := []byte("tiny jpeg")
	batch := map[string]interface{}{
		"sessionId": sessionID,
		"events": []map[string]interface{}{{
			"eventId":   "e1",
			"type":      "MULTI_PERSON",
			"timestamp": time.Now().Format(time.RFC3339Nano),
		}},
		"thumbnails": []map[string]interface{}{{
			"eventId":     "e1",
			"contentType": "image/jpeg",
			"dataBase64":  base64.StdEncoding.EncodeToString(thumb),
			"sizeBytes":   len(thumb),
		}},
	}
	resp = env.do(t, http.MethodPost, "/proctoring/events/batch", token, batch)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env.store.mu.Lock()
	evidenceID := *env.store.events["e1"].EvidenceID
	env.store.mu.Unlock()

	resp = env.do(t, http.MethodGet, "/proctoring/evidence/"+evidenceID, token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
}

func TestSummaryEndpoint(t *testing.T) {
	env := newTestEnv(t, Options{})
	token := env.token(t, identityA)

	resp := env.do(t, http.MethodPost, "/proctoring/sessions/start", token, nil)
	sessionID := decode(t, resp)["sessionId"].(string)

	resp = env.do(t, http.MethodGet, "/dashboard/sessions/"+sessionID+"/summary", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, sessionID, body["sessionId"])
	assert.Equal(t, float64(100), body["trustScore"], "no alerts means full trust")
}

func TestDevTokenEndpoint_MountedOnlyWhenConfigured(t *testing.T) {
	env := newTestEnv(t, Options{})
	resp := env.do(t, http.MethodPost, "/proctoring/dev/token", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "absent issuer means no route")
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, Options{})
	resp := env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decode(t, resp)["healthy"])
}

func TestMetricsExposed(t *testing.T) {
	env := newTestEnv(t, Options{})
	resp := env.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
