package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/agent-runtime/internal/auth"
	"github.com/mattjoyce/agent-runtime/internal/events"
	"github.com/mattjoyce/agent-runtime/internal/extension"
	"github.com/mattjoyce/agent-runtime/internal/log"
	"github.com/mattjoyce/agent-runtime/internal/queue"
	"github.com/mattjoyce/agent-runtime/internal/runtime"
)

type stubEmitter struct {
	results []runtime.EmitResult
	got     runtime.Event
}

func (e *stubEmitter) Emit(_ context.Context, ev runtime.Event) []runtime.EmitResult {
	e.got = ev
	return e.results
}

type stubExts struct {
	loader *extension.Loader
	report *extension.ReloadReport
	err    error
}

func (s *stubExts) Reload() (*extension.ReloadReport, error) { return s.report, s.err }
func (s *stubExts) Active() *extension.Snapshot              { return s.loader.Active() }

type stubQueue struct {
	outcome queue.EnqueueOutcome
	job     *queue.Job
	jobs    []*queue.Job
	err     error
	depth   int

	gotEnqueue queue.EnqueueRequest
}

func (q *stubQueue) Enqueue(_ context.Context, req queue.EnqueueRequest) (queue.EnqueueOutcome, error) {
	q.gotEnqueue = req
	return q.outcome, q.err
}
func (q *stubQueue) Get(_ context.Context, id string) (*queue.Job, error) {
	if q.job == nil {
		return nil, queue.ErrJobNotFound
	}
	return q.job, q.err
}
func (q *stubQueue) List(_ context.Context, _ string, _ *queue.State) ([]*queue.Job, error) {
	return q.jobs, q.err
}
func (q *stubQueue) Cancel(_ context.Context, id string) (*queue.Job, error) {
	if q.job == nil {
		return nil, queue.ErrJobNotFound
	}
	return q.job, q.err
}
func (q *stubQueue) Depth(_ context.Context) (int, error) { return q.depth, nil }

type testServer struct {
	srv *Server
	mux http.Handler

	emitter *stubEmitter
	exts    *stubExts
	queue   *stubQueue
	hub     *events.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	emitter := &stubEmitter{}
	exts := &stubExts{loader: extension.NewLoader(extension.Config{})}
	q := &stubQueue{}
	hub := events.NewHub(16)

	srv := New(Config{
		Listen: "127.0.0.1:0",
		Tokens: []auth.TokenConfig{
			{Actor: "reader", Token: "tok-read", Role: auth.RoleRead},
			{Actor: "writer", Token: "tok-write", Role: auth.RoleWrite},
			{Actor: "ops", Token: "tok-admin", Role: auth.RoleAdmin},
		},
	}, emitter, exts, q, hub, log.Get())

	return &testServer{srv: srv, mux: srv.setupRoutes(), emitter: emitter, exts: exts, queue: q, hub: hub}
}

func (ts *testServer) do(method, path, token string, body string) *httptest.ResponseRecorder {
	var r *http.Request
	if body != "" {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.mux.ServeHTTP(w, r)
	return w
}

func TestHealthzNoAuth(t *testing.T) {
	ts := newTestServer(t)
	ts.queue.depth = 3

	w := ts.do("GET", "/healthz", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp HealthzResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || resp.QueueDepth != 3 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	if w := ts.do("GET", "/jobs", "", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status = %d", w.Code)
	}
	if w := ts.do("GET", "/jobs", "bogus", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d", w.Code)
	}
}

func TestRoleEnforcement(t *testing.T) {
	ts := newTestServer(t)

	if w := ts.do("POST", "/emit", "tok-read", `{"type":"x"}`); w.Code != http.StatusForbidden {
		t.Fatalf("read token on emit: status = %d", w.Code)
	}
	if w := ts.do("POST", "/extensions/reload", "tok-write", ""); w.Code != http.StatusForbidden {
		t.Fatalf("write token on reload: status = %d", w.Code)
	}
	ts.exts.report = &extension.ReloadReport{}
	if w := ts.do("POST", "/extensions/reload", "tok-admin", ""); w.Code != http.StatusOK {
		t.Fatalf("admin reload: status = %d, body = %s", w.Code, w.Body)
	}
}

func TestEmit(t *testing.T) {
	ts := newTestServer(t)
	ts.emitter.results = []runtime.EmitResult{
		{Kind: runtime.KindActionResult, Module: "mod-a", Action: &runtime.ActionResult{
			ActionType: "approval.decide", Status: runtime.StatusPerformed,
		}},
		{Kind: runtime.KindEnqueueResult, Module: "mod-b", Enqueue: &queue.EnqueueOutcome{
			Status: queue.StatusEnqueued, JobID: "job-1",
		}},
	}

	w := ts.do("POST", "/emit", "tok-write", `{"type":"turn.completed","payload":{"projectId":"p1"},"correlation_id":"corr-1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	var resp EmitResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.CorrelationID != "corr-1" || len(resp.Results) != 2 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.EnqueueWinner == nil || resp.EnqueueWinner.JobID != "job-1" {
		t.Fatalf("winner = %+v", resp.EnqueueWinner)
	}
	if ts.emitter.got.Type != "turn.completed" {
		t.Fatalf("emitted type = %q", ts.emitter.got.Type)
	}
}

func TestEmitValidation(t *testing.T) {
	ts := newTestServer(t)
	if w := ts.do("POST", "/emit", "tok-write", `{bad`); w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if w := ts.do("POST", "/emit", "tok-write", `{"payload":{}}`); w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestSignalNormalizesAndDispatches(t *testing.T) {
	ts := newTestServer(t)

	body := `{"type":"app_server.turn.completed","payload":{"requestId":"req-7","session":{"projectId":"p1","sourceSessionId":"s1"}}}`
	w := ts.do("POST", "/signal", "tok-write", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	if ts.emitter.got.Type != "turn.completed" {
		t.Fatalf("dispatched type = %q", ts.emitter.got.Type)
	}
	if ts.emitter.got.Payload["projectId"] != "p1" {
		t.Fatalf("payload = %v", ts.emitter.got.Payload)
	}
	if ts.emitter.got.CorrelationID != "req-7" {
		t.Fatalf("correlation = %q", ts.emitter.got.CorrelationID)
	}

	if w := ts.do("POST", "/signal", "tok-write", `{broken`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad body status = %d", w.Code)
	}
}

func TestReloadConflict(t *testing.T) {
	ts := newTestServer(t)
	ts.exts.err = extension.ErrReloadInProgress
	if w := ts.do("POST", "/extensions/reload", "tok-admin", ""); w.Code != http.StatusConflict {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestReloadRejected(t *testing.T) {
	ts := newTestServer(t)
	ts.exts.err = fmt.Errorf("reload rejected: 1 module diagnostic(s)")
	ts.exts.report = &extension.ReloadReport{
		Diagnostics: []extension.Diagnostic{{Path: "x", Reason: "broken"}},
	}
	w := ts.do("POST", "/extensions/reload", "tok-admin", "")
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "broken") {
		t.Fatalf("body = %s", w.Body)
	}
}

func TestJobEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ts.queue.outcome = queue.EnqueueOutcome{Status: queue.StatusEnqueued, JobID: "job-9"}

	w := ts.do("POST", "/jobs", "tok-write", `{"type":"transcript.sync","owner_id":"proj-1","dedupe_key":"k1"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("enqueue status = %d, body = %s", w.Code, w.Body)
	}
	if ts.queue.gotEnqueue.SubmittedBy != "api:writer" {
		t.Fatalf("submitted_by = %q", ts.queue.gotEnqueue.SubmittedBy)
	}

	ts.queue.outcome = queue.EnqueueOutcome{Status: queue.StatusAlreadyQueued, JobID: "job-9"}
	if w := ts.do("POST", "/jobs", "tok-write", `{"type":"t","owner_id":"o"}`); w.Code != http.StatusOK {
		t.Fatalf("already_queued status = %d", w.Code)
	}

	ts.queue.outcome = queue.EnqueueOutcome{Status: queue.StatusQueueFull}
	if w := ts.do("POST", "/jobs", "tok-write", `{"type":"t","owner_id":"o"}`); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("queue_full status = %d", w.Code)
	}

	if w := ts.do("GET", "/jobs/missing", "tok-read", ""); w.Code != http.StatusNotFound {
		t.Fatalf("get missing status = %d", w.Code)
	}

	ts.queue.job = &queue.Job{ID: "job-9", State: queue.StateQueued}
	if w := ts.do("GET", "/jobs/job-9", "tok-read", ""); w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	if w := ts.do("POST", "/jobs/job-9/cancel", "tok-write", ""); w.Code != http.StatusOK {
		t.Fatalf("cancel status = %d", w.Code)
	}

	if w := ts.do("GET", "/jobs?state=sideways", "tok-read", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad state filter status = %d", w.Code)
	}
	if w := ts.do("GET", "/jobs?state=queued", "tok-read", ""); w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
}

func TestEventsStreamReplay(t *testing.T) {
	ts := newTestServer(t)
	ts.hub.Publish("job.queued", map[string]any{"job_id": "j1"})
	ts.hub.Publish("job.started", map[string]any{"job_id": "j1"})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	r := httptest.NewRequest("GET", "/events", nil).WithContext(ctx)
	r.Header.Set("Authorization", "Bearer tok-read")
	r.Header.Set("Last-Event-ID", "1")
	w := httptest.NewRecorder()
	ts.mux.ServeHTTP(w, r)

	body := w.Body.String()
	if strings.Contains(body, "id: 1\n") {
		t.Fatalf("replayed already-seen notification: %s", body)
	}
	if !strings.Contains(body, "id: 2\n") || !strings.Contains(body, "event: job.started") {
		t.Fatalf("missing replayed notification: %s", body)
	}
}

func TestEventsStreamNoGapOrDuplicateAtAttach(t *testing.T) {
	ts := newTestServer(t)
	ts.hub.Publish("job.queued", map[string]any{"job_id": "j1"})
	ts.hub.Publish("job.started", map[string]any{"job_id": "j1"})

	// Published while the stream is open; must arrive exactly once even
	// though the subscription predates the replay.
	go func() {
		time.Sleep(30 * time.Millisecond)
		ts.hub.Publish("job.completed", map[string]any{"job_id": "j1"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	r := httptest.NewRequest("GET", "/events", nil).WithContext(ctx)
	r.Header.Set("Authorization", "Bearer tok-read")
	w := httptest.NewRecorder()
	ts.mux.ServeHTTP(w, r)

	body := w.Body.String()
	for _, id := range []string{"id: 1\n", "id: 2\n", "id: 3\n"} {
		if got := strings.Count(body, id); got != 1 {
			t.Fatalf("%q delivered %d times, want 1: %s", strings.TrimSpace(id), got, body)
		}
	}
	if !strings.Contains(body, "event: job.completed") {
		t.Fatalf("live notification missing: %s", body)
	}
}
