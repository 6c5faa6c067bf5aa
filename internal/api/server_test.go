package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchpool/internal/failedlog"
	"github.com/JakeFAU/fetchpool/internal/metrics"
	"github.com/JakeFAU/fetchpool/internal/pool"
	"github.com/JakeFAU/fetchpool/internal/progress"
)

func TestServer_SubmitTasks_Succeeds(t *testing.T) {
	t.Parallel()

	fp := newFakePool()
	server := NewServer(Deps{
		Pool: fp,
		Handlers: func(target string) pool.Handler {
			return pool.NamedHandler("store:"+target, func(context.Context, string) error { return nil })
		},
		Logger: zap.NewNop(),
	})

	body := []byte(`{"targets":["https://a.example"," https://b.example "]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.EqualValues(t, 2, resp["accepted"])
	require.Equal(t, fp.snapshot.PhaseID, resp["phase_id"])

	tasks := fp.submittedTasks()
	require.Len(t, tasks, 2)
	require.Equal(t, "https://b.example", tasks[1].Target)
	require.Equal(t, "store:https://b.example", pool.HandlerName(tasks[1].Handler))
}

func TestServer_SubmitTasks_Rejects(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		body   string
		status int
		msg    string
	}{
		"invalid json":  {body: "{invalid", status: http.StatusBadRequest, msg: "invalid JSON"},
		"no targets":    {body: `{"targets":[]}`, status: http.StatusBadRequest, msg: "targets required"},
		"blank target":  {body: `{"targets":["https://a"," "]}`, status: http.StatusBadRequest, msg: "target 1 is empty"},
		"missing field": {body: `{}`, status: http.StatusBadRequest, msg: "targets required"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			fp := newFakePool()
			server := NewServer(Deps{Pool: fp})
			req := httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewBufferString(tc.body))
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, req)

			require.Equal(t, tc.status, rec.Code)
			require.Contains(t, rec.Body.String(), tc.msg)
			require.Empty(t, fp.submittedTasks())
		})
	}
}

func TestServer_SubmitTasks_PoolStopped(t *testing.T) {
	t.Parallel()

	fp := newFakePool()
	fp.submitErr = pool.ErrStopped
	server := NewServer(Deps{Pool: fp})

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewBufferString(`{"targets":["https://a"]}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_SubmitTasks_InternalError(t *testing.T) {
	t.Parallel()

	fp := newFakePool()
	fp.submitErr = fmt.Errorf("boom")
	server := NewServer(Deps{Pool: fp})

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", bytes.NewBufferString(`{"targets":["https://a"]}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "failed to submit tasks")
}

func TestServer_GetProgress(t *testing.T) {
	t.Parallel()

	fp := newFakePool()
	fp.snapshot.Total = 4
	fp.snapshot.Completed = 1
	fp.pending = 2
	fp.busy = 1
	server := NewServer(Deps{Pool: fp})

	req := httptest.NewRequest(http.MethodGet, "/v1/progress", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.EqualValues(t, 4, resp["total"])
	require.EqualValues(t, 1, resp["completed"])
	require.EqualValues(t, 25, resp["percent"])
	require.Equal(t, false, resp["done"])
	require.EqualValues(t, 2, resp["pending"])
	require.EqualValues(t, 1, resp["busy"])
	require.Equal(t, fp.snapshot.PhaseID, resp["phase_id"])
}

func TestServer_ResetProgress(t *testing.T) {
	t.Parallel()

	fp := newFakePool()
	previousID := fp.snapshot.PhaseID
	server := NewServer(Deps{Pool: fp})

	req := httptest.NewRequest(http.MethodPost, "/v1/progress/reset", bytes.NewBufferString(`{"phase":"listing"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Previous map[string]any `json:"previous"`
		Current  map[string]any `json:"current"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, previousID, resp.Previous["phase_id"])
	require.Equal(t, "listing", resp.Current["phase"])
	require.NotEqual(t, previousID, resp.Current["phase_id"])
	require.EqualValues(t, 0, resp.Current["total"])
}

func TestServer_ResetProgress_EmptyBody(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{Pool: newFakePool()})
	req := httptest.NewRequest(http.MethodPost, "/v1/progress/reset", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ListFailed(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "failed.txt")
	log, err := failedlog.Open(path)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, log.Record(context.Background(), failedlog.Record{
			At:        time.Unix(1700000000+int64(i), 0).UTC(),
			Target:    fmt.Sprintf("https://example.com/%d", i),
			Handler:   "blob",
			Attempts:  3,
			LastError: "unexpected status 500",
		}))
	}
	require.NoError(t, log.Close())

	server := NewServer(Deps{Pool: newFakePool(), FailedLogPath: path})
	req := httptest.NewRequest(http.MethodGet, "/v1/failed?limit=2", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Total   int                `json:"total"`
		Records []failedlog.Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 3, resp.Total)
	require.Len(t, resp.Records, 2)
	require.Equal(t, "https://example.com/1", resp.Records[0].Target)
	require.Equal(t, "https://example.com/2", resp.Records[1].Target)
}

func TestServer_ListFailed_MissingFileAndBadLimit(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{Pool: newFakePool(), FailedLogPath: filepath.Join(t.TempDir(), "none.txt")})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/failed", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"total":0,"records":[]}`, rec.Body.String())

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/failed?limit=-1", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	NewServer(Deps{Pool: newFakePool()}).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/failed", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	fp := newFakePool()
	server := NewServer(Deps{Pool: fp})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	fp.setRunning(false)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	collectors, err := metrics.New(reg)
	require.NoError(t, err)
	server := NewServer(Deps{Pool: newFakePool(), Metrics: collectors, Gatherer: reg})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `http_requests_total{code="200",method="GET"} 1`)
}

func TestServer_APIKeyMiddleware(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{Pool: newFakePool(), APIKey: "secret"})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/progress", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/progress", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/progress?api_key=secret", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	// Probes stay open.
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{Pool: newFakePool()})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "caller-id")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "caller-id", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

// --- helpers/fakes ---

type fakePool struct {
	mu        sync.Mutex
	snapshot  progress.Snapshot
	tasks     []pool.Task
	submitErr error
	running   bool
	pending   int
	busy      int
}

func newFakePool() *fakePool {
	return &fakePool{
		snapshot: progress.NewTracker("", nil).Snapshot(),
		running:  true,
	}
}

func (f *fakePool) SubmitMany(tasks []pool.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return f.submitErr
	}
	f.tasks = append(f.tasks, tasks...)
	return nil
}

func (f *fakePool) Progress() progress.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot
}

func (f *fakePool) ResetProgress(phase string) progress.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot = progress.NewTracker(phase, nil).Snapshot()
	return f.snapshot
}

func (f *fakePool) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakePool) setRunning(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = v
}

func (f *fakePool) Pending() int {
	return f.pending
}

func (f *fakePool) Busy() int {
	return f.busy
}

func (f *fakePool) submittedTasks() []pool.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pool.Task(nil), f.tasks...)
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
