package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"opsline/internal/config"
	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/executor"
	"opsline/internal/listener"
	"opsline/internal/metrics"
	"opsline/internal/migrate"
	"opsline/internal/oplog"
	"opsline/internal/orchestrator"
	"opsline/internal/repo"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("opsline")
	m, err := metrics.NewPipeline()
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	r := repo.Repo{DB: conn}
	if err := r.SeedDemo(context.Background(), time.Now()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	ol := oplog.Writer{DB: conn}
	exec := executor.New(executor.DefaultAdapters(r, ol), ol, m)
	e := engine.New(conn, cfg, m, exec)
	orch := orchestrator.New(cfg, orchestrator.RepoProvider{Repo: r}, nil, e, ol, m)
	l := listener.New(r, ol, m, orch)
	l.RegisterDefaults(cfg.Listener.Sources)

	handler, err := New(Config{Engine: e, Listener: l, Metrics: m, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func listPending(t *testing.T, srv *testServer) []domain.Recommendation {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/recommendations?status=pending_approval", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var body struct {
		Recommendations []domain.Recommendation `json:"recommendations"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	return body.Recommendations
}

func TestSlotCancelledEndToEnd(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/events", map[string]any{
		"id":      "ext-1",
		"type":    "slot_cancelled",
		"source":  "scheduling",
		"payload": map[string]any{"slot_id": "slot-100"},
	})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("inject status %d: %s", res.StatusCode, string(data))
	}

	recs := listPending(t, srv)
	if len(recs) != 1 {
		t.Fatalf("pending recommendations: %d", len(recs))
	}
	rec := recs[0]
	if got, _ := rec.Decision.Params["subject_id"].(string); got != "sub-dia" {
		t.Fatalf("chosen subject: %s", got)
	}
	if rec.ResourceKey != "slot:slot-100" {
		t.Fatalf("resource key: %s", rec.ResourceKey)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/recommendations/"+rec.ID+"/approve", map[string]any{
		"approved_by": "caseworker-7",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}

	// approving twice violates the state machine
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/recommendations/"+rec.ID+"/approve", map[string]any{
		"approved_by": "caseworker-7",
	})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("re-approve status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "invalid_state" {
		t.Fatalf("error code: %s", envelope.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/recommendations/"+rec.ID+"/execute", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("execute status %d: %s", res.StatusCode, string(data))
	}
	var execRes domain.ExecutionResult
	if err := json.Unmarshal(data, &execRes); err != nil {
		t.Fatalf("unmarshal execution result: %v", err)
	}
	if execRes.Status != domain.StatusCompleted {
		t.Fatalf("execution status %s: %s", execRes.Status, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/statistics", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("statistics status %d", res.StatusCode)
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.EventsIngested != 1 || snap.DecisionsByRule != 1 || snap.ExecutionsSucceeded != 1 {
		t.Fatalf("snapshot: %+v", snap)
	}
}

func TestDuplicateEventIsNoOp(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	payload := map[string]any{
		"id":      "ext-dup",
		"type":    "slot_cancelled",
		"source":  "scheduling",
		"payload": map[string]any{"slot_id": "slot-100"},
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/events", payload)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("first inject %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/events", payload)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("second inject %d: %s", res.StatusCode, string(data))
	}
	var body struct {
		Duplicate bool `json:"duplicate"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !body.Duplicate {
		t.Fatalf("duplicate not reported: %s", string(data))
	}
	if n := len(listPending(t, srv)); n != 1 {
		t.Fatalf("pending recommendations after duplicate: %d", n)
	}
}

func TestWebhookSourceHandling(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/webhooks/carrier-pigeon", map[string]any{})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown source status %d: %s", res.StatusCode, string(data))
	}

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v0/webhooks/scheduling", bytes.NewReader([]byte(`{broken`)))
	req.Header.Set("Content-Type", "application/json")
	res2, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res2.Body.Close()
	if res2.StatusCode != http.StatusBadRequest {
		t.Fatalf("parse failure status %d", res2.StatusCode)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/webhooks/scheduling", map[string]any{
		"id":      "ext-wh",
		"type":    "slot_cancelled",
		"payload": map[string]any{"slot_id": "slot-100"},
	})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("webhook inject %d: %s", res.StatusCode, string(data))
	}
}

func TestRejectBlocksExecution(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/events", map[string]any{
		"id":      "ext-1",
		"type":    "slot_cancelled",
		"source":  "scheduling",
		"payload": map[string]any{"slot_id": "slot-100"},
	})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("inject %d: %s", res.StatusCode, string(data))
	}
	recs := listPending(t, srv)
	if len(recs) != 1 {
		t.Fatalf("pending: %d", len(recs))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/recommendations/"+recs[0].ID+"/reject", map[string]any{
		"approved_by": "caseworker-7",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reject %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/recommendations/"+recs[0].ID+"/execute", nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("execute rejected %d: %s", res.StatusCode, string(data))
	}
}

func TestHealthReportsListenerState(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health %d", res.StatusCode)
	}
	var body map[string]string
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["status"] != "ok" || body["listener"] != "listening" {
		t.Fatalf("health body: %v", body)
	}
}
