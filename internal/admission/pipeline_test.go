package admission

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proctorhub/backend/internal/blob"
	"github.com/proctorhub/backend/internal/core"
	"github.com/proctorhub/backend/internal/ephemeral"
)

var testIdentity = core.Identity{TenantID: "T", ExamScheduleID: "E", UserID: "U", AttemptNo: 1}

type fakeSessions struct {
	sessions map[string]*core.Session
}

func (f *fakeSessions) Lookup(_ context.Context, sessionID string) (*core.Session, error) {
	sess, ok := f.sessions[sessionID]
	if !ok {
		return nil, core.Fail(core.KindSessionNotFound, "session %s", sessionID)
	}
	return sess, nil
}

type fakeEventStore struct {
	mu       sync.Mutex
	events   map[string]*core.AnomalyEvent
	evidence map[string]*core.Evidence
	failNext bool
}

func newFakeEventStore() *fakeEventStore {
	return &fakeEventStore{
		events:   map[string]*core.AnomalyEvent{},
		evidence: map[string]*core.Evidence{},
	}
}

func (f *fakeEventStore) InsertEvent(_ context.Context, ev *core.AnomalyEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return core.Fail(core.KindInternal, "store down")
	}
	if _, ok := f.events[ev.EventID]; ok {
		return core.Fail(core.KindDuplicate, "event %s already stored", ev.EventID)
	}
	copied := *ev
	f.events[ev.EventID] = &copied
	return nil
}

func (f *fakeEventStore) AttachEvidence(_ context.Context, ev *core.Evidence, eventID string, _ map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	owner, ok := f.events[eventID]
	if !ok || owner.EvidenceID != nil {
		return core.Fail(core.KindDuplicate, "event %s missing or already has evidence", eventID)
	}
	id := ev.ID
	owner.EvidenceID = &id
	f.evidence[ev.ID] = ev
	return nil
}

type memBlob struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memBlob) Put(_ context.Context, locator string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = map[string][]byte{}
	}
	m.data[locator] = data
	return nil
}

func (m *memBlob) Get(_ context.Context, locator string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[locator]
	if !ok {
		return nil, fmt.Errorf("no blob at %s", locator)
	}
	return b, nil
}

type recordingEvaluator struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEvaluator) Evaluate(_ context.Context, _ string, ev *core.AnomalyEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev.EventID)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingPublisher) Publish(_ context.Context, _ string, ev *core.AnomalyEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev.EventID)
	return nil
}

type fixture struct {
	pipeline *Pipeline
	store    *fakeEventStore
	blobs    *memBlob
	eval     *recordingEvaluator
	redis    *miniredis.Miniredis
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	sessions := &fakeSessions{sessions: map[string]*core.Session{
		"S1": {ID: "S1", Identity: testIdentity, Status: core.SessionActive},
		"S2": {ID: "S2", Identity: testIdentity, Status: core.SessionEnded},
	}}
	store := newFakeEventStore()
	blobs := &memBlob{}
	eval := &recordingEvaluator{}

	p := NewPipeline(sessions, store, ephemeral.NewRedisStoreFromClient(rdb), blobs, eval, cfg)
	return &fixture{pipeline: p, store: store, blobs: blobs, eval: eval, redis: mr}
}

func eventIn(id, typ string, ts time.Time) EventInput {
	return EventInput{EventID: id, Type: typ, Timestamp: ts, Severity: "LOW"}
}

func TestAdmit_AcceptsValidBatchInOrder(t *testing.T) {
	fx := newFixture(t, Config{})
	now := time.Now()

	req := &BatchRequest{SessionID: "S1", Events: []EventInput{
		eventIn("e1", "LOOK_AWAY", now),
		eventIn("e2", "TAB_SWITCH", now),
		eventIn("e3", "FACE_MISSING", now),
	}}
	res, err := fx.pipeline.Admit(context.Background(), testIdentity, req, 512)
	require.NoError(t, err)

	assert.Equal(t, []string{"e1", "e2", "e3"}, res.AcceptedEventIDs)
	assert.Empty(t, res.RejectedEventIDs)
	assert.Empty(t, res.ReasonByEventID)
	assert.Equal(t, []string{"e1", "e2", "e3"}, fx.eval.events, "inline hook runs per accepted event")
	assert.Len(t, fx.store.events, 3)
}

func TestAdmit_BatchTooLarge(t *testing.T) {
	fx := newFixture(t, Config{MaxBatchBytes: 1024})

	req := &BatchRequest{SessionID: "S1", Events: []EventInput{eventIn("e1", "LOOK_AWAY", time.Now())}}
	_, err := fx.pipeline.Admit(context.Background(), testIdentity, req, 1025)
	require.Error(t, err)
	assert.Equal(t, core.KindBatchTooLarge, core.KindOf(err))
	assert.Empty(t, fx.store.events, "oversized batches must not write anything")

	// Exactly at the limit is fine.
	_, err = fx.pipeline.Admit(context.Background(), testIdentity, req, 1024)
	require.NoError(t, err)
}

func TestAdmit_IdentityMismatchRejectsBatch(t *testing.T) {
	fx := newFixture(t, Config{})

	other := testIdentity
	other.UserID = "intruder"
	req := &BatchRequest{SessionID: "S1", Events: []EventInput{eventIn("e1", "LOOK_AWAY", time.Now())}}
	_, err := fx.pipeline.Admit(context.Background(), other, req, 128)
	require.Error(t, err)
	assert.Equal(t, core.KindIdentityMismatch, core.KindOf(err))
	assert.Empty(t, fx.store.events)
}

func TestAdmit_EndedSessionRejectsBatch(t *testing.T) {
	fx := newFixture(t, Config{})

	req := &BatchRequest{SessionID: "S2", Events: []EventInput{eventIn("e1", "LOOK_AWAY", time.Now())}}
	_, err := fx.pipeline.Admit(context.Background(), testIdentity, req, 128)
	require.Error(t, err)
	assert.Equal(t, core.KindSessionEnded, core.KindOf(err))
}

func TestAdmit_UnknownSession(t *testing.T) {
	fx := newFixture(t, Config{})

	req := &BatchRequest{SessionID: "nope", Events: []EventInput{eventIn("e1", "LOOK_AWAY", time.Now())}}
	_, err := fx.pipeline.Admit(context.Background(), testIdentity, req, 128)
	require.Error(t, err)
	assert.Equal(t, core.KindSessionNotFound, core.KindOf(err))
}

func TestAdmit_DuplicateWithinBatchFirstWins(t *testing.T) {
	fx := newFixture(t, Config{})
	now := time.Now()

	req := &BatchRequest{SessionID: "S1", Events: []EventInput{
		eventIn("e1", "LOOK_AWAY", now),
		eventIn("e1", "LOOK_AWAY", now),
	}}
	res, err := fx.pipeline.Admit(context.Background(), testIdentity, req, 256)
	require.NoError(t, err)

	assert.Equal(t, []string{"e1"}, res.AcceptedEventIDs)
	assert.Equal(t, []string{"e1"}, res.RejectedEventIDs)
	assert.Equal(t, "duplicate", res.ReasonByEventID["e1"])
	assert.Len(t, fx.store.events, 1)
}

func TestAdmit_ReplayAcrossBatches(t *testing.T) {
	fx := newFixture(t, Config{})
	now := time.Now()

	req := &BatchRequest{SessionID: "S1", Events: []EventInput{eventIn("e1", "LOOK_AWAY", now)}}
	res, err := fx.pipeline.Admit(context.Background(), testIdentity, req, 128)
	require.NoError(t, err)
	require.Equal(t, []string{"e1"}, res.AcceptedEventIDs)

	res, err = fx.pipeline.Admit(context.Background(), testIdentity, req, 128)
	require.NoError(t, err)
	assert.Empty(t, res.AcceptedEventIDs)
	assert.Equal(t, []string{"e1"}, res.RejectedEventIDs)
	assert.Equal(t, "duplicate", res.ReasonByEventID["e1"])
	assert.Len(t, fx.store.events, 1, "replay must not create a second row")
}

func TestAdmit_BlankEventIDSilentlySkipped(t *testing.T) {
	fx := newFixture(t, Config{})
	now := time.Now()

	req := &BatchRequest{SessionID: "S1", Events: []EventInput{
		{EventID: "", Type: "LOOK_AWAY", Timestamp: now},
		eventIn("e1", "LOOK_AWAY", now),
	}}
	res, err := fx.pipeline.Admit(context.Background(), testIdentity, req, 256)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, res.AcceptedEventIDs)
	assert.Empty(t, res.RejectedEventIDs, "blank ids appear in neither list")
}

func TestAdmit_TimestampOutOfRange(t *testing.T) {
	fx := newFixture(t, Config{TimeSkew: 300 * time.Second})
	now := time.Now()

	req := &BatchRequest{SessionID: "S1", Events: []EventInput{
		eventIn("old", "LOOK_AWAY", now.Add(-6*time.Minute)),
		eventIn("future", "LOOK_AWAY", now.Add(6*time.Minute)),
		eventIn("ok", "LOOK_AWAY", now.Add(-4*time.Minute)),
	}}
	res, err := fx.pipeline.Admit(context.Background(), testIdentity, req, 512)
	require.NoError(t, err)

	assert.Equal(t, []string{"ok"}, res.AcceptedEventIDs)
	assert.Equal(t, "timestamp_out_of_range", res.ReasonByEventID["old"])
	assert.Equal(t, "timestamp_out_of_range", res.ReasonByEventID["future"])
}

func TestAdmit_RateLimitPerMinute(t *testing.T) {
	fx := newFixture(t, Config{MaxEventsPerMinute: 3})
	now := time.Now()

	var events []EventInput
	for i := 0; i < 5; i++ {
		events = append(events, eventIn(fmt.Sprintf("e%d", i), "LOOK_AWAY", now))
	}
	res, err := fx.pipeline.Admit(context.Background(), testIdentity, &BatchRequest{SessionID: "S1", Events: events}, 1024)
	require.NoError(t, err)

	assert.Len(t, res.AcceptedEventIDs, 3)
	assert.Equal(t, []string{"e3", "e4"}, res.RejectedEventIDs)
	assert.Equal(t, "rate_limited", res.ReasonByEventID["e3"])
	assert.Equal(t, "rate_limited", res.ReasonByEventID["e4"])
}

func TestAdmit_RateLimitedEventRetrySucceeds(t *testing.T) {
	fx := newFixture(t, Config{MaxEventsPerMinute: 1})
	now := time.Now()

	req := &BatchRequest{SessionID: "S1", Events: []EventInput{
		eventIn("e1", "LOOK_AWAY", now),
		eventIn("e2", "TAB_SWITCH", now),
	}}
	res, err := fx.pipeline.Admit(context.Background(), testIdentity, req, 256)
	require.NoError(t, err)
	require.Equal(t, "rate_limited", res.ReasonByEventID["e2"])

	// The client backs off and resends e2 in the next minute. The rejection
	// must not have consumed the event id.
	fx.pipeline.now = func() time.Time { return now.Add(61 * time.Second) }
	retry := &BatchRequest{SessionID: "S1", Events: []EventInput{eventIn("e2", "TAB_SWITCH", now)}}
	res, err = fx.pipeline.Admit(context.Background(), testIdentity, retry, 128)
	require.NoError(t, err)
	assert.Equal(t, []string{"e2"}, res.AcceptedEventIDs)
	assert.Len(t, fx.store.events, 2)
}

func TestAdmit_SkewRejectedEventRetrySucceeds(t *testing.T) {
	fx := newFixture(t, Config{TimeSkew: 300 * time.Second})
	now := time.Now()

	req := &BatchRequest{SessionID: "S1", Events: []EventInput{eventIn("e1", "LOOK_AWAY", now.Add(-6 * time.Minute))}}
	res, err := fx.pipeline.Admit(context.Background(), testIdentity, req, 128)
	require.NoError(t, err)
	require.Equal(t, "timestamp_out_of_range", res.ReasonByEventID["e1"])

	// Same event id with a corrected timestamp is fresh, not a duplicate.
	retry := &BatchRequest{SessionID: "S1", Events: []EventInput{eventIn("e1", "LOOK_AWAY", now)}}
	res, err = fx.pipeline.Admit(context.Background(), testIdentity, retry, 128)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, res.AcceptedEventIDs)
}

func TestAdmit_StoreFailureReleasesReplayMarker(t *testing.T) {
	fx := newFixture(t, Config{})
	now := time.Now()

	fx.store.failNext = true
	req := &BatchRequest{SessionID: "S1", Events: []EventInput{eventIn("e1", "LOOK_AWAY", now)}}
	res, err := fx.pipeline.Admit(context.Background(), testIdentity, req, 128)
	require.NoError(t, err)
	assert.Equal(t, "internal_error", res.ReasonByEventID["e1"])

	// The client retries and must succeed, not see a duplicate.
	res, err = fx.pipeline.Admit(context.Background(), testIdentity, req, 128)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, res.AcceptedEventIDs)
}

func TestAdmit_ThumbnailAttachedToAcceptedEvent(t *testing.T) {
	fx := newFixture(t, Config{})
	now := time.Now()

	data := []byte("jpeg bytes")
	req := &BatchRequest{
		SessionID: "S1",
		Events:    []EventInput{eventIn("e1", "MULTI_PERSON", now)},
		Thumbnails: []ThumbnailInput{{
			EventID:     "e1",
			ContentType: "image/jpeg",
			DataBase64:  base64.StdEncoding.EncodeToString(data),
			SizeBytes:   len(data),
		}},
	}
	res, err := fx.pipeline.Admit(context.Background(), testIdentity, req, 512)
	require.NoError(t, err)
	require.Equal(t, []string{"e1"}, res.AcceptedEventIDs)

	stored := fx.store.events["e1"]
	require.NotNil(t, stored.EvidenceID)
	evd := fx.store.evidence[*stored.EvidenceID]
	require.NotNil(t, evd)
	assert.Equal(t, len(data), evd.ByteSize)
	assert.Equal(t, blob.SHA256Hex(data), evd.SHA256)
	assert.Equal(t, blob.Locator("S1", "e1"), evd.Locator)

	got, err := fx.blobs.Get(context.Background(), evd.Locator)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestAdmit_ThumbnailForRejectedEventIgnored(t *testing.T) {
	fx := newFixture(t, Config{})
	now := time.Now()

	req := &BatchRequest{
		SessionID: "S1",
		Events:    []EventInput{eventIn("stale", "LOOK_AWAY", now.Add(-time.Hour))},
		Thumbnails: []ThumbnailInput{{
			EventID:    "stale",
			DataBase64: base64.StdEncoding.EncodeToString([]byte("x")),
		}},
	}
	res, err := fx.pipeline.Admit(context.Background(), testIdentity, req, 512)
	require.NoError(t, err)
	assert.Empty(t, res.AcceptedEventIDs)
	assert.Empty(t, fx.blobs.data)
}

func TestAdmit_OversizedThumbnailDoesNotDemoteEvent(t *testing.T) {
	fx := newFixture(t, Config{})
	now := time.Now()

	big := make([]byte, maxThumbnailBytes+1)
	req := &BatchRequest{
		SessionID: "S1",
		Events:    []EventInput{eventIn("e1", "MULTI_PERSON", now)},
		Thumbnails: []ThumbnailInput{{
			EventID:    "e1",
			DataBase64: base64.StdEncoding.EncodeToString(big),
		}},
	}
	res, err := fx.pipeline.Admit(context.Background(), testIdentity, req, 65536)
	require.NoError(t, err)

	assert.Equal(t, []string{"e1"}, res.AcceptedEventIDs, "evidence failure never demotes acceptance")
	assert.Nil(t, fx.store.events["e1"].EvidenceID)
}

func TestAdmit_PublishesAcceptedEvents(t *testing.T) {
	fx := newFixture(t, Config{})
	pub := &recordingPublisher{}
	fx.pipeline.SetPublisher(pub)
	now := time.Now()

	req := &BatchRequest{SessionID: "S1", Events: []EventInput{
		eventIn("e1", "LOOK_AWAY", now),
		eventIn("e1", "LOOK_AWAY", now),
		eventIn("e2", "TAB_SWITCH", now),
	}}
	_, err := fx.pipeline.Admit(context.Background(), testIdentity, req, 512)
	require.NoError(t, err)

	assert.Equal(t, []string{"e1", "e2"}, pub.events, "only accepted events reach the stream")
}
