package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/SirClappington/shortsq/internal/domain"
	"github.com/SirClappington/shortsq/internal/events"
	"github.com/SirClappington/shortsq/internal/queue"
	"github.com/SirClappington/shortsq/internal/reconcile"
	"github.com/SirClappington/shortsq/internal/redistest"
	"github.com/SirClappington/shortsq/internal/storage"
	"github.com/SirClappington/shortsq/internal/storage/storagetest"
	"github.com/SirClappington/shortsq/internal/tracker"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) { redistest.Main(m) }

type fakeQueue struct {
	mu   sync.Mutex
	msgs []queue.Message
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, msg queue.Message, _ time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.msgs = append(q.msgs, msg)
	return nil
}

type nopAlerter struct{}

func (nopAlerter) StorageFull(context.Context, string, int64, int64) error { return nil }

type recordingObjects struct{ deleted []string }

func (o *recordingObjects) Delete(_ context.Context, remoteName, _ string) error {
	o.deleted = append(o.deleted, remoteName)
	return nil
}

type countLimiter struct {
	mu    sync.Mutex
	n     int
	allow int
}

func (l *countLimiter) Allow(context.Context, string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.n++
	return l.n <= l.allow, nil
}

func (l *countLimiter) Limit() (int, time.Duration) { return l.allow, time.Minute }

type harness struct {
	store   *storagetest.Memory
	queue   *fakeQueue
	bridge  *events.Bridge
	broker  *events.MemoryBroker
	objects *recordingObjects
	srv     *httptest.Server
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		store:   storagetest.New(),
		queue:   &fakeQueue{},
		broker:  events.NewMemoryBroker(),
		objects: &recordingObjects{},
	}
	h.bridge = events.NewBridge(events.NewHub(), h.broker, zap.NewNop())
	tr := tracker.New(h.store, []string{"gcs", "azure"}, func(string) int64 { return 1000 }, nopAlerter{}, zap.NewNop())
	opts.MaxAttempts = 3
	opts.Objects = h.objects
	h.srv = httptest.NewServer(New(h.store, h.queue, tr, h.bridge, opts, zap.NewNop()).Routes())
	t.Cleanup(h.srv.Close)
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func errCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestSubmitAccepted(t *testing.T) {
	h := newHarness(t, Options{})
	resp, body := h.do(t, http.MethodPost, "/v1/downloads",
		`{"url":"https://www.youtube.com/shorts/dQw4w9WgXcQ","cookies":{"SID":"x"},"userId":"u1"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "queued", body["status"])

	id := body["jobId"].(string)
	job, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.Queued, job.Status)
	assert.Equal(t, "dQw4w9WgXcQ", *job.ContentID)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, "u1", *job.UserID)

	require.Len(t, h.queue.msgs, 1)
	assert.Equal(t, queue.Message{JobID: id, URL: job.URL, Cookies: map[string]string{"SID": "x"}, UserID: "u1", Attempt: 1}, h.queue.msgs[0])
}

func TestSubmitRejectsBadInput(t *testing.T) {
	h := newHarness(t, Options{})
	cases := map[string]struct {
		body string
		code string
	}{
		"malformed":  {`{"url":`, "VALIDATION_ERROR"},
		"missing":    {`{}`, "VALIDATION_ERROR"},
		"not a url":  {`{"url":"shorts"}`, "VALIDATION_ERROR"},
		"wrong site": {`{"url":"https://example.com/page"}`, "INVALID_VIDEO_URL"},
		"short id":   {`{"url":"https://youtube.com/shorts/abc"}`, "INVALID_VIDEO_URL"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			resp, body := h.do(t, http.MethodPost, "/v1/downloads", tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tc.code, errCode(body))
		})
	}
	assert.Empty(t, h.queue.msgs)
}

func TestSubmitSurvivesEnqueueFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.queue.err = errors.New("redis down")
	resp, body := h.do(t, http.MethodPost, "/v1/downloads", `{"url":"https://youtu.be/dQw4w9WgXcQ"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	_, err := h.store.Get(context.Background(), body["jobId"].(string))
	assert.NoError(t, err)
}

func TestInternalErrorsHideCause(t *testing.T) {
	for _, dev := range []bool{false, true} {
		t.Run(fmt.Sprint("development=", dev), func(t *testing.T) {
			h := newHarness(t, Options{Development: dev})
			h.store.FailNext = errors.New("connection reset")
			resp, body := h.do(t, http.MethodPost, "/v1/downloads", `{"url":"https://youtu.be/dQw4w9WgXcQ"}`)
			assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
			assert.Equal(t, "INTERNAL_ERROR", errCode(body))
			details, _ := body["error"].(map[string]any)["details"].(map[string]any)
			if dev {
				assert.Equal(t, "connection reset", details["reason"])
			} else {
				assert.Nil(t, details)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t, Options{})
	resp, body := h.do(t, http.MethodGet, "/v1/downloads/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "JOB_NOT_FOUND", errCode(body))

	h.store.Put(&domain.Job{ID: "j1", URL: "u", Status: domain.Processing, Progress: 42, CreatedAt: time.Now()})
	resp, body = h.do(t, http.MethodGet, "/v1/downloads/j1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "processing", body["status"])
	assert.EqualValues(t, 42, body["progress"])
}

func TestHistoryPagination(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	for i := range 25 {
		require.NoError(t, h.store.Create(ctx, &domain.Job{ID: fmt.Sprintf("job-%02d", i), URL: "u"}))
	}

	resp, body := h.do(t, http.MethodGet, "/v1/history?page=2&limit=10", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["items"], 10)
	assert.EqualValues(t, 25, body["total"])
	assert.EqualValues(t, 3, body["totalPages"])
	assert.Equal(t, true, body["hasNext"])
	assert.Equal(t, true, body["hasPrevious"])
	first := body["items"].([]any)[0].(map[string]any)
	assert.Equal(t, "job-14", first["jobId"])

	_, body = h.do(t, http.MethodGet, "/v1/history?page=3&limit=10", "")
	assert.Len(t, body["items"], 5)
	assert.Equal(t, false, body["hasNext"])

	resp, body = h.do(t, http.MethodGet, "/v1/history?limit=500", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", errCode(body))

	resp, _ = h.do(t, http.MethodGet, "/v1/history?status=done", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, body = h.do(t, http.MethodGet, "/v1/history", "")
	assert.Len(t, body["items"], 10)
	assert.EqualValues(t, 1, body["page"])
}

func completedJob(id, remote string) *domain.Job {
	return &domain.Job{
		ID: id, URL: "u", Status: domain.Completed, Progress: 100, CreatedAt: time.Now(),
		DownloadURL: domain.Ptr("https://signed"), Provider: domain.Ptr("gcs"),
		RemoteName: domain.Ptr(remote), SizeBytes: domain.Ptr[int64](10),
	}
}

func TestDeleteHistory(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.Put(completedJob("a", "shared.mp4"))
	h.store.Put(completedJob("b", "shared.mp4"))

	resp, body := h.do(t, http.MethodDelete, "/v1/history/a", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Empty(t, h.objects.deleted)

	h.do(t, http.MethodDelete, "/v1/history/b", "")
	assert.Equal(t, []string{"shared.mp4"}, h.objects.deleted)

	resp, body = h.do(t, http.MethodDelete, "/v1/history/b", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "JOB_NOT_FOUND", errCode(body))
}

func TestStorageStats(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.store.AdjustUsage(context.Background(), "gcs", 250, 1, 1000)
	require.NoError(t, err)

	resp, body := h.do(t, http.MethodGet, "/v1/storage/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 250, body["totalUsedBytes"])
	assert.EqualValues(t, 2000, body["totalCapacityBytes"])
	providers := body["providers"].([]any)
	require.Len(t, providers, 2)
	assert.EqualValues(t, 25, providers[0].(map[string]any)["usedPercentage"])
}

func TestRateLimitedSubmission(t *testing.T) {
	h := newHarness(t, Options{Limiter: &countLimiter{allow: 1}})
	resp, _ := h.do(t, http.MethodPost, "/v1/downloads", `{"url":"https://youtu.be/dQw4w9WgXcQ"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body := h.do(t, http.MethodPost, "/v1/downloads", `{"url":"https://youtu.be/dQw4w9WgXcQ"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errCode(body))
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))

	resp, _ = h.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRedisLimiter(t *testing.T) {
	rdb := redistest.Client(t)
	l := NewRedisLimiter(rdb, 2, time.Minute)
	ctx := context.Background()
	for i, want := range []bool{true, true, false} {
		ok, err := l.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, want, ok, "request %d", i)
	}
	ok, err := l.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, ok)

	ttl, err := rdb.TTL(ctx, fmt.Sprintf("ratelimit:10.0.0.1:%d", time.Now().UnixNano()/int64(time.Minute))).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func readEvent(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestWebSocketStream(t *testing.T) {
	h := newHarness(t, Options{})
	job := &domain.Job{ID: "ws1", URL: "u", Status: domain.Processing, Progress: 10, CreatedAt: time.Now()}
	h.store.Put(job)

	resp, _ := h.do(t, http.MethodGet, "/v1/downloads/missing/ws", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/v1/downloads/ws1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	snap := readEvent(t, conn)
	assert.Equal(t, events.TypeStatus, snap.Type)
	assert.Equal(t, 10, snap.Data.Progress)

	job.Progress = 50
	require.NoError(t, h.bridge.Publish(context.Background(), "ws1", events.StatusEvent(job)))
	assert.Equal(t, 50, readEvent(t, conn).Data.Progress)
	assert.Zero(t, h.broker.PublishedTo(events.Channel("ws1")), "local listener should be served without the broker")

	// A worker process has no local listener and goes through the broker.
	remote := events.NewBridge(events.NewHub(), h.broker, zap.NewNop())
	job.Status, job.Progress = domain.Completed, 100
	require.NoError(t, remote.Publish(context.Background(), "ws1", events.StatusEvent(job)))
	ev := readEvent(t, conn)
	assert.Equal(t, domain.Completed, ev.Data.Status)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	assert.Equal(t, events.TypePong, readEvent(t, conn).Type)
}

// finishingStore lets the worker complete the job right after the handler's
// existence check, before the stream is subscribed.
type finishingStore struct {
	*storagetest.Memory
	once   sync.Once
	worker *events.Bridge
}

func (f *finishingStore) Get(ctx context.Context, id string) (*domain.Job, error) {
	j, err := f.Memory.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	f.once.Do(func() {
		_ = f.Memory.UpdateStatus(ctx, id, domain.Completed, storage.Fields{
			Progress:    domain.Ptr(100),
			DownloadURL: domain.Ptr("https://cdn.example/v.mp4"),
			Provider:    domain.Ptr("gcs"),
			RemoteName:  domain.Ptr("v_race.mp4"),
		})
		done, _ := f.Memory.Get(ctx, id)
		_ = f.worker.Publish(ctx, id, events.StatusEvent(done))
	})
	return j, nil
}

func TestWebSocketSnapshotNotStale(t *testing.T) {
	store := storagetest.New()
	store.Put(&domain.Job{ID: "race", URL: "u", Status: domain.Processing, Progress: 90, CreatedAt: time.Now()})
	broker := events.NewMemoryBroker()
	fs := &finishingStore{Memory: store, worker: events.NewBridge(events.NewHub(), broker, zap.NewNop())}
	tr := tracker.New(store, []string{"gcs"}, func(string) int64 { return 1000 }, nopAlerter{}, zap.NewNop())
	srv := httptest.NewServer(New(fs, &fakeQueue{}, tr, events.NewBridge(events.NewHub(), broker, zap.NewNop()), Options{MaxAttempts: 3}, zap.NewNop()).Routes())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/downloads/race/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	snap := readEvent(t, conn)
	assert.Equal(t, domain.Completed, snap.Data.Status)
	assert.Equal(t, 100, snap.Data.Progress)
}

type fakeReconciler struct{ runs int }

func (r *fakeReconciler) Run(context.Context) reconcile.Report {
	r.runs++
	return reconcile.Report{Checked: 2, Synced: 1}
}

type fakeRefresher struct {
	mu       sync.Mutex
	reasons  []string
	inFlight bool
}

func (f *fakeRefresher) Trigger(_ context.Context, reason, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inFlight {
		return false, nil
	}
	f.inFlight = true
	f.reasons = append(f.reasons, reason)
	return true, nil
}

func (f *fakeRefresher) InProgress(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight, nil
}

type fixedDepth struct{ ready, delayed int64 }

func (d fixedDepth) Depth(context.Context) (int64, int64, error) { return d.ready, d.delayed, nil }

func adminRequest(t *testing.T, h *harness, method, path, token, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestAdminRequiresToken(t *testing.T) {
	h := newHarness(t, Options{Admin: &Admin{Token: "s3cret", Reconciler: &fakeReconciler{}, Queue: fixedDepth{}}})

	resp, body := adminRequest(t, h, http.MethodGet, "/v1/admin/queue", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "UNAUTHORIZED", errCode(body))

	resp, _ = adminRequest(t, h, http.MethodGet, "/v1/admin/queue", "wrong", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = adminRequest(t, h, http.MethodGet, "/v1/admin/queue", "s3cret", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdminNotMountedWithoutConfig(t *testing.T) {
	h := newHarness(t, Options{})
	resp, err := http.Get(h.srv.URL + "/v1/admin/queue")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdminEndpoints(t *testing.T) {
	cookies := filepath.Join(t.TempDir(), "cookies.txt")
	require.NoError(t, os.WriteFile(cookies, []byte("# Netscape HTTP Cookie File\n"), 0o600))
	rec, ref := &fakeReconciler{}, &fakeRefresher{}
	h := newHarness(t, Options{Admin: &Admin{
		Reconciler: rec, Refresher: ref, Queue: fixedDepth{ready: 4, delayed: 2}, CookiesFile: cookies,
	}})

	resp, body := adminRequest(t, h, http.MethodPost, "/v1/admin/sync-storage-stats", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, rec.runs)
	report := body["report"].(map[string]any)
	assert.Equal(t, float64(2), report["checked"])
	assert.Equal(t, float64(1), report["synced"])

	_, body = adminRequest(t, h, http.MethodGet, "/v1/admin/queue", "", "")
	assert.Equal(t, float64(4), body["ready"])
	assert.Equal(t, float64(2), body["delayed"])

	resp, body = adminRequest(t, h, http.MethodPost, "/v1/admin/auth/refresh", "", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["queued"])
	assert.Equal(t, "manual_trigger", body["reason"])

	_, body = adminRequest(t, h, http.MethodPost, "/v1/admin/auth/refresh", "", `{"reason":"bot_detection"}`)
	assert.Equal(t, false, body["queued"])
	assert.Equal(t, []string{"manual_trigger"}, ref.reasons)

	_, body = adminRequest(t, h, http.MethodGet, "/v1/admin/auth/status", "", "")
	assert.Equal(t, true, body["refreshInProgress"])
	c := body["cookies"].(map[string]any)
	assert.Equal(t, true, c["configured"])
	assert.Equal(t, true, c["exists"])
	assert.Equal(t, float64(len("# Netscape HTTP Cookie File\n")), c["sizeBytes"])

	resp, body = adminRequest(t, h, http.MethodPost, "/v1/admin/auth/refresh", "", `{"reason":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", errCode(body))
}
