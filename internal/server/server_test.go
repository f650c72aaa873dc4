package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/spf13/afero"

	"refinery/internal/analyzer"
	"refinery/internal/blob"
	"refinery/internal/config"
	"refinery/internal/db"
	"refinery/internal/domain"
	"refinery/internal/evaluator"
	"refinery/internal/generator"
	"refinery/internal/llm"
	"refinery/internal/migrate"
	"refinery/internal/orchestrator"
)

// staticModel answers every prompt with the same text. The e2e scorecard only
// uses the linter, so the model is exercised for generation and synthesis.
type staticModel struct {
	text string
}

func (m staticModel) Complete(ctx context.Context, prompt string) (llm.Completion, error) {
	return llm.Completion{
		Text:  m.text,
		Usage: domain.Usage{PromptTokens: 200, CompletionTokens: 800},
	}, nil
}

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

// newTestServer wires the whole stack into one process: the engine dispatches
// to the server's own worker endpoints and the workers call back over real
// HTTP.
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
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	base := "http://" + ln.Addr().String() + "/v0"

	cfg := config.Default()
	cfg.Waves.GeneratorsPerWave = 2
	store := blob.NewFS(afero.NewMemMapFs())
	model := staticModel{text: "<html><head><title>v1</title></head><body><h1>hello</h1></body></html>"}

	engine := orchestrator.New(conn, store, cfg, orchestrator.NewHTTPDispatcher(base, base))
	handler, err := New(Config{
		Engine:    engine,
		Generator: generator.New(model, store, base),
		Analyzer:  analyzer.New(model, store, base, base, cfg.Analyzer.EvalConcurrency),
		Evaluator: evaluator.New(model),
		Blob:      store,
		BasePath:  "/v0",
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			engine.Close()
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

func startBody(termination map[string]any) map[string]any {
	spec := base64.StdEncoding.EncodeToString([]byte("# Landing page\nOne hero, one CTA."))
	card := base64.StdEncoding.EncodeToString([]byte(`{"tests":[{"test_type":"linter","weight":1}]}`))
	body := map[string]any{
		"spec_content_b64":      spec,
		"scorecard_content_b64": card,
	}
	if termination != nil {
		body["termination_conditions"] = termination
	}
	return body
}

func pollStatus(t *testing.T, srv *testServer, projectID string, done func(StatusResponse) bool) StatusResponse {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	var last StatusResponse
	for time.Now().Before(deadline) {
		res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/"+projectID+"/status", nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("status %d: %s", res.StatusCode, data)
		}
		if err := json.Unmarshal(data, &last); err != nil {
			t.Fatalf("unmarshal status: %v", err)
		}
		if done(last) {
			return last
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("status never settled, last = %+v", last)
	return last
}

func TestFullLoopSingleWave(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/start", startBody(map[string]any{"max_waves": 1}))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, data)
	}
	var started struct {
		ProjectID      string `json:"projectId"`
		StatusEndpoint string `json:"status_endpoint"`
	}
	if err := json.Unmarshal(data, &started); err != nil {
		t.Fatalf("unmarshal start response: %v", err)
	}
	if started.ProjectID == "" || started.StatusEndpoint == "" {
		t.Fatalf("start response = %+v", started)
	}

	final := pollStatus(t, srv, started.ProjectID, func(s StatusResponse) bool {
		return s.Status == domain.StatusCompleted
	})
	if final.CurrentWave != 1 {
		t.Fatalf("current_wave = %d, want 1", final.CurrentWave)
	}
	if final.ArtifactCounts[domain.ArtifactSuccess] != 2 {
		t.Fatalf("artifact counts = %v", final.ArtifactCounts)
	}
	// 2 artifacts × 1000 tokens at the default unit price.
	if final.CostTracker.TotalTokens != 2000 {
		t.Fatalf("total tokens = %d, want 2000", final.CostTracker.TotalTokens)
	}
	if len(final.QualityHistory) != 1 || final.QualityHistory[0] <= 0 {
		t.Fatalf("quality history = %v", final.QualityHistory)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/"+started.ProjectID+"/events?limit=100", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, data)
	}
	var events paginatedEvents
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	types := map[string]bool{}
	for _, e := range events.Items {
		types[e.Type] = true
	}
	for _, want := range []string{"project.created", "wave.started", "generation.reported", "analysis.dispatched", "analysis.reported", "project.terminated"} {
		if !types[want] {
			t.Errorf("audit log missing %q, have %v", want, types)
		}
	}
}

func TestManualApprovalOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/start", startBody(map[string]any{
		"manual_approval": true,
		"max_waves":       1,
	}))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, data)
	}
	var started struct {
		ProjectID string `json:"projectId"`
	}
	json.Unmarshal(data, &started)

	waiting := pollStatus(t, srv, started.ProjectID, func(s StatusResponse) bool {
		return s.Status == domain.StatusAwaitingApproval
	})
	if waiting.ProposedLearnings == nil {
		t.Fatal("no proposed learnings while awaiting approval")
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+started.ProjectID+"/approve", map[string]any{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, data)
	}
	final := pollStatus(t, srv, started.ProjectID, func(s StatusResponse) bool {
		return s.Status == domain.StatusCompleted
	})
	if final.LatestLearnings == "" {
		t.Fatal("approved learnings were not applied")
	}

	// A second approve hits a project that is no longer awaiting approval.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+started.ProjectID+"/approve", map[string]any{})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("re-approve status %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "conflict" || envelope.Error.Message == "" {
		t.Fatalf("error envelope = %+v", envelope)
	}
}

func TestStartRejectsInvalidScorecard(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	body := startBody(nil)
	body["scorecard_content_b64"] = base64.StdEncoding.EncodeToString([]byte(`{"tests":[]}`))
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/start", body)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("start status %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "bad_request" {
		t.Fatalf("error code = %q", envelope.Error.Code)
	}
}

func TestStatusUnknownProjectIs404(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/projects/nope/status", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, data)
	}
}

func TestGenerateEndpointValidates(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/generate", map[string]any{
		"orchestrator_id": "p1",
		"artifact_id":     "w1-a1",
		// meta_prompt and output_r2_path missing
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("generate status %d: %s", res.StatusCode, data)
	}
}

func TestEvaluateEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/evaluate", map[string]any{
		"artifact_path": "artifacts/wave-1/missing.html",
		"scorecard":     map[string]any{"tests": []map[string]any{{"test_type": "linter", "weight": 1}}},
	})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("evaluate missing artifact status %d: %s", res.StatusCode, data)
	}
}
