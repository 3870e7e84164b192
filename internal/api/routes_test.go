package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/heimdex/binwatch/internal/catalog"
	"github.com/heimdex/binwatch/internal/classify"
	"github.com/heimdex/binwatch/internal/db"
	"github.com/heimdex/binwatch/internal/events"
	"github.com/heimdex/binwatch/internal/export"
	"github.com/heimdex/binwatch/internal/metrics"
	"github.com/heimdex/binwatch/internal/pipeline"
	"github.com/heimdex/binwatch/internal/pipelines"
)

const testToken = "secret-token"

type testEnv struct {
	cfg    ServerConfig
	repo   *catalog.SQLiteRepository
	svc    *catalog.Service
	router http.Handler
	dir    string
}

func testDefaults(video string) pipeline.RunConfig {
	return pipeline.RunConfig{
		VideoPath: video, GapThreshold: 2, ClipWindow: 10, BudgetCap: 1, GenerousBudget: 1,
		FrameRate: 1, MinConfidence: 0.5,
		Costs: classify.CostSchedule{StandardTierMaxDimension: 1024, StandardCost: 0.01, HighCost: 0.03},
	}
}

func newTestEnv(t *testing.T, mutate ...func(*ServerConfig)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	database, err := db.New(filepath.Join(dir, "test.db"), nil)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	repo := catalog.NewRepository(database.Conn())
	repo.SetConfig(context.Background(), AuthTokenKey, testToken)
	svc := catalog.NewService(repo, testDefaults, logger)

	cfg := ServerConfig{
		Service:        svc,
		Repository:     repo,
		PlaybackServer: &fakePlayback{},
		Metrics:        metrics.New(),
		Logger:         logger,
		StartTime:      time.Now(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return &testEnv{cfg: cfg, repo: repo, svc: svc, router: NewRouter(cfg), dir: dir}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.RemoteAddr = "127.0.0.1:40000"
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

// completedRun stores a finished run with two events and its report.
func (e *testEnv) completedRun(t *testing.T) *catalog.Run {
	t.Helper()
	video := filepath.Join(e.dir, "route7.mp4")
	os.WriteFile(video, []byte("video"), 0644)
	run, _, err := e.svc.EnqueueVideo(context.Background(), video, nil)
	if err != nil {
		t.Fatal(err)
	}

	clip := filepath.Join(e.dir, "event_001.mp4")
	os.WriteFile(clip, []byte("clip"), 0644)
	v := events.Verdict{EventType: "Contamination detected", Confidence: events.High, Rationale: "bags",
		FramesExamined: 1, CostSpent: 0.01, Method: events.MethodOracleA, Status: events.StatusAnalyzed}
	skipped := events.BudgetExhaustedVerdict()
	res := &pipeline.Result{
		VideoPath: video,
		Events: []*events.Event{
			{ID: 1, StartTime: 2, EndTime: 4, CenterTime: 3, Clip: &events.ClipRef{Path: clip, Start: 0, End: 8},
				Frames: []events.FrameSample{{Timestamp: 2}}, Classification: &v},
			{ID: 2, StartTime: 9, EndTime: 9, CenterTime: 9, Frames: []events.FrameSample{{Timestamp: 9}},
				Classification: &skipped},
		},
	}
	report := export.NewReport(run.ID, res, time.Now())
	data, _ := json.Marshal(report)
	if err := e.repo.CompleteRun(context.Background(), run.ID, []byte(`{}`), data, report.Events); err != nil {
		t.Fatal(err)
	}
	return run
}

func decodeJSONBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return body
}

func TestHealth_NoAuth(t *testing.T) {
	env := newTestEnv(t)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if body := decodeJSONBody(t, rr); body["status"] != "ok" || body["version"] != Version {
		t.Errorf("body = %v", body)
	}
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"wrong token", "Bearer nope", http.StatusUnauthorized},
		{"ok", "Bearer " + testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/runs", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			env.router.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestAuth_NoTokenConfigured(t *testing.T) {
	env := newTestEnv(t)
	env.repo.SetConfig(context.Background(), AuthTokenKey, "")
	if rr := env.do(t, http.MethodGet, "/runs", nil); rr.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rr.Code)
	}
}

func TestCreateRun(t *testing.T) {
	env := newTestEnv(t)
	video := filepath.Join(env.dir, "bin.mp4")
	os.WriteFile(video, []byte("abc"), 0644)
	size := 2

	rr := env.do(t, http.MethodPost, "/runs", CreateRunRequest{VideoPath: video, SampleSize: &size, Seed: 7})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body)
	}
	var resp CreateRunResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if !resp.Created || resp.Status != catalog.RunStatusPending {
		t.Errorf("resp = %+v", resp)
	}

	run, _ := env.svc.GetRun(context.Background(), resp.RunID)
	if run.Config.SampleSize != 2 || run.Config.Seed != 7 || run.Config.BudgetCap != 1 {
		t.Errorf("config = %+v", run.Config)
	}

	again := env.do(t, http.MethodPost, "/runs", CreateRunRequest{VideoPath: video})
	if again.Code != http.StatusOK {
		t.Errorf("duplicate status = %d, want 200", again.Code)
	}
}

func TestCreateRun_BadRequests(t *testing.T) {
	env := newTestEnv(t)
	notVideo := filepath.Join(env.dir, "notes.txt")
	os.WriteFile(notVideo, []byte("x"), 0644)
	video := filepath.Join(env.dir, "v.mp4")
	os.WriteFile(video, []byte("x"), 0644)
	negative := -1

	for name, req := range map[string]CreateRunRequest{
		"empty":      {},
		"missing":    {VideoPath: filepath.Join(env.dir, "gone.mp4")},
		"not video":  {VideoPath: notVideo},
		"bad config": {VideoPath: video, SampleSize: &negative},
	} {
		t.Run(name, func(t *testing.T) {
			if rr := env.do(t, http.MethodPost, "/runs", req); rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (%s)", rr.Code, rr.Body)
			}
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d", rr.Code)
	}
}

func TestListAndGetRuns(t *testing.T) {
	env := newTestEnv(t)
	run := env.completedRun(t)

	rr := env.do(t, http.MethodGet, "/runs?limit=5", nil)
	var list RunsResponse
	json.NewDecoder(rr.Body).Decode(&list)
	if len(list.Runs) != 1 || list.Runs[0].ID != run.ID || list.Runs[0].Status != catalog.RunStatusCompleted {
		t.Errorf("runs = %+v", list.Runs)
	}

	if rr := env.do(t, http.MethodGet, "/runs?limit=zero", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/runs/"+run.ID, nil); rr.Code != http.StatusOK {
		t.Errorf("get status = %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/runs/nope", nil); rr.Code != http.StatusNotFound {
		t.Errorf("missing run status = %d", rr.Code)
	}
}

func TestListEvents(t *testing.T) {
	env := newTestEnv(t)
	run := env.completedRun(t)

	rr := env.do(t, http.MethodGet, "/runs/"+run.ID+"/events", nil)
	var resp EventsResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if len(resp.Events) != 2 || resp.Events[1].Status != events.StatusBudgetExhausted {
		t.Fatalf("events = %+v", resp.Events)
	}

	rr = env.do(t, http.MethodGet, "/runs/"+run.ID+"/events?type=Contamination+detected", nil)
	resp = EventsResponse{}
	json.NewDecoder(rr.Body).Decode(&resp)
	if len(resp.Events) != 1 || resp.Events[0].EventID != 1 {
		t.Errorf("filtered events = %+v", resp.Events)
	}
}

func TestReport(t *testing.T) {
	env := newTestEnv(t)
	run := env.completedRun(t)

	rr := env.do(t, http.MethodGet, "/runs/"+run.ID+"/report", nil)
	var report export.Report
	if err := json.NewDecoder(rr.Body).Decode(&report); err != nil || report.Metadata.TotalEvents != 2 {
		t.Errorf("json report = %+v, %v", report.Metadata, err)
	}

	md := env.do(t, http.MethodGet, "/runs/"+run.ID+"/report?format=md", nil)
	if !strings.HasPrefix(md.Header().Get("Content-Type"), "text/markdown") ||
		!strings.Contains(md.Body.String(), "# Bin Event Report: route7.mp4") {
		t.Errorf("markdown report = %s", md.Body)
	}

	if rr := env.do(t, http.MethodGet, "/runs/"+run.ID+"/report?format=pdf", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("bad format status = %d", rr.Code)
	}
}

func TestReport_NotReady(t *testing.T) {
	env := newTestEnv(t)
	video := filepath.Join(env.dir, "v.mp4")
	os.WriteFile(video, []byte("x"), 0644)
	run, _, _ := env.svc.EnqueueVideo(context.Background(), video, nil)

	if rr := env.do(t, http.MethodGet, "/runs/"+run.ID+"/report", nil); rr.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rr.Code)
	}
}

func TestClip(t *testing.T) {
	env := newTestEnv(t)
	run := env.completedRun(t)
	fp := env.cfg.PlaybackServer.(*fakePlayback)

	rr := env.do(t, http.MethodGet, "/clips/"+run.ID+"/1", nil)
	if rr.Code != http.StatusOK || !strings.HasSuffix(fp.lastPath, "event_001.mp4") {
		t.Errorf("status = %d, served %q", rr.Code, fp.lastPath)
	}

	tests := map[string]int{
		"/clips/" + run.ID + "/2":   http.StatusNotFound,
		"/clips/" + run.ID + "/9":   http.StatusNotFound,
		"/clips/" + run.ID + "/abc": http.StatusBadRequest,
	}
	for path, want := range tests {
		if rr := env.do(t, http.MethodGet, path, nil); rr.Code != want {
			t.Errorf("GET %s status = %d, want %d", path, rr.Code, want)
		}
	}
}

func TestClip_RejectsRemote(t *testing.T) {
	env := newTestEnv(t)
	run := env.completedRun(t)

	req := httptest.NewRequest(http.MethodGet, "/clips/"+run.ID+"/1", nil)
	req.RemoteAddr = "10.0.0.5:5555"
	req.Header.Set("Authorization", "Bearer "+testToken)
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rr.Code)
	}
}

func TestStatus(t *testing.T) {
	runner := &fakeRunner{}
	caps := &pipelines.Capabilities{HasDetector: true, Summary: pipelines.SummaryInfo{Available: 3, Total: 4}}
	doctor := pipelines.NewCachedDoctor(&fakeDoctorRunner{caps: caps}, nil)
	doctor.Refresh(context.Background())

	env := newTestEnv(t, func(c *ServerConfig) {
		c.Runner = runner
		c.Doctor = doctor
	})
	env.completedRun(t)

	var resp StatusResponse
	json.NewDecoder(env.do(t, http.MethodGet, "/status", nil).Body).Decode(&resp)
	if resp.State != "idle" || resp.RunsTotal != 1 || resp.RunsCompleted != 1 {
		t.Errorf("status = %+v", resp)
	}
	if resp.Pipelines == nil || !resp.Pipelines.HasDetector || resp.Pipelines.DepsAvail != 3 {
		t.Errorf("pipelines = %+v", resp.Pipelines)
	}

	env.do(t, http.MethodPost, "/runner/pause", nil)
	resp = StatusResponse{}
	json.NewDecoder(env.do(t, http.MethodGet, "/status", nil).Body).Decode(&resp)
	if resp.State != "paused" {
		t.Errorf("state = %s, want paused", resp.State)
	}
	env.do(t, http.MethodPost, "/runner/resume", nil)
	if runner.paused {
		t.Error("runner still paused after resume")
	}
}

func TestStatus_NilDoctorAndRunner(t *testing.T) {
	env := newTestEnv(t)
	body := decodeJSONBody(t, env.do(t, http.MethodGet, "/status", nil))
	if _, ok := body["pipelines"]; ok {
		t.Error("pipelines reported without a doctor")
	}
	if rr := env.do(t, http.MethodPost, "/runner/pause", nil); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("pause without runner status = %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/runs", nil)

	rr := env.do(t, http.MethodGet, "/metrics", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "binwatch_http_requests_total") {
		t.Errorf("metrics status = %d body:\n%s", rr.Code, rr.Body)
	}
}

type fakePlayback struct {
	lastPath string
}

func (f *fakePlayback) ServeFile(w http.ResponseWriter, r *http.Request, path string) error {
	f.lastPath = path
	w.Header().Set("Accept-Ranges", "bytes")
	w.WriteHeader(http.StatusOK)
	return nil
}

type fakeRunner struct {
	paused bool
}

func (f *fakeRunner) Pause()          { f.paused = true }
func (f *fakeRunner) Resume()         { f.paused = false }
func (f *fakeRunner) IsPaused() bool  { return f.paused }
func (f *fakeRunner) ActiveRuns() int { return 0 }

type fakeDoctorRunner struct {
	caps *pipelines.Capabilities
	err  error
}

func (f *fakeDoctorRunner) RunDoctor(ctx context.Context) (*pipelines.Capabilities, error) {
	if f.err != nil {
		return nil, f.err
	}
	c := *f.caps
	return &c, nil
}

func (f *fakeDoctorRunner) RunDetect(ctx context.Context, framesDir, outPath string, minScore float64) (pipelines.RunResult, error) {
	return pipelines.RunResult{}, nil
}

func (f *fakeDoctorRunner) RunOverflow(ctx context.Context, listPath, outPath string) (pipelines.RunResult, error) {
	return pipelines.RunResult{}, nil
}

func (f *fakeDoctorRunner) ValidateOutput(path string) (*pipelines.PipelineOutput, error) {
	return &pipelines.PipelineOutput{}, nil
}

func (f *fakeDoctorRunner) ArtifactsDir() string {
	return ""
}
