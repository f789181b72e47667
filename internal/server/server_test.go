package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kensa/internal/gate"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/ratelimit"
	"github.com/ashita-ai/kensa/internal/server"
	"github.com/ashita-ai/kensa/internal/service/detection"
	"github.com/ashita-ai/kensa/internal/service/history"
	"github.com/ashita-ai/kensa/internal/service/ingest"
	"github.com/ashita-ai/kensa/internal/service/moderation"
	"github.com/ashita-ai/kensa/internal/service/pipeline"
	"github.com/ashita-ai/kensa/internal/storage"
	"github.com/ashita-ai/kensa/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeAnalyzer drains the upload and returns whatever fn decides.
type fakeAnalyzer struct {
	fn       func(up ingest.Upload, read int) (*model.PipelineRun, error)
	inFlight int
	capacity int
	calls    atomic.Int32
	lastName atomic.Value
}

func (f *fakeAnalyzer) ProcessMedia(_ context.Context, up ingest.Upload) (*model.PipelineRun, error) {
	f.calls.Add(1)
	f.lastName.Store(up.Filename)
	n, _ := io.Copy(io.Discard, up.Body)
	return f.fn(up, int(n))
}

func (f *fakeAnalyzer) InFlight() int { return f.inFlight }

func (f *fakeAnalyzer) Capacity() int { return f.capacity }

func completedRun(t *testing.T, v model.Verdict) *model.PipelineRun {
	t.Helper()
	now := time.Now().UTC()
	run := model.NewPipelineRun(uuid.New(), now)
	require.NoError(t, run.Advance(model.RunStatusDetecting, now))
	run.Detection = &model.DetectionResult{Label: model.LabelAuthentic, Score: 0.9, ModelID: "det"}
	run.Gate = &model.GateDecision{Threshold: 0.7}
	require.NoError(t, run.Advance(model.RunStatusCompleting, now))
	require.NoError(t, run.Complete(v, now.Add(5*time.Millisecond)))
	return run
}

func failedRun(t *testing.T, kind model.ErrorKind) *model.PipelineRun {
	t.Helper()
	now := time.Now().UTC()
	run := model.NewPipelineRun(uuid.New(), now)
	require.NoError(t, run.Fail(kind, "boom", now))
	return run
}

func returning(run *model.PipelineRun) func(ingest.Upload, int) (*model.PipelineRun, error) {
	return func(ingest.Upload, int) (*model.PipelineRun, error) { return run, nil }
}

func newServer(cfg server.ServerConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = discardLogger()
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 1 << 20
	}
	cfg.Version = "test"
	return server.New(cfg).Handler()
}

// multipartBody builds a form with a single file part under field.
func multipartBody(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("note", "ignored"))
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func postFile(t *testing.T, h http.Handler, path string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, "file", "upload.png", content)
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestAnalyze_StatusMapping(t *testing.T) {
	tests := []struct {
		name string
		run  func(t *testing.T) *model.PipelineRun
		want int
	}{
		{"authentic", func(t *testing.T) *model.PipelineRun { return completedRun(t, model.Authentic) }, http.StatusOK},
		{"moderation unavailable is still a completed run", func(t *testing.T) *model.PipelineRun {
			return completedRun(t, model.ErrorVerdict(model.ErrModerationUnavailable))
		}, http.StatusOK},
		{"media validation", func(t *testing.T) *model.PipelineRun { return failedRun(t, model.ErrMediaValidation) }, http.StatusBadRequest},
		{"detection", func(t *testing.T) *model.PipelineRun { return failedRun(t, model.ErrDetection) }, http.StatusBadGateway},
		{"pipeline timeout", func(t *testing.T) *model.PipelineRun { return failedRun(t, model.ErrPipelineTimeout) }, http.StatusGatewayTimeout},
		{"internal", func(t *testing.T) *model.PipelineRun { return failedRun(t, model.ErrInternalPipeline) }, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := tt.run(t)
			h := newServer(server.ServerConfig{Analyzer: &fakeAnalyzer{fn: returning(run)}})

			rec := postFile(t, h, "/v1/analyze", []byte("pixels"))
			assert.Equal(t, tt.want, rec.Code)

			resp := decode[model.AnalyzeResponse](t, rec)
			assert.Equal(t, run.ID, resp.RunID)
			assert.Equal(t, run.Status, resp.Status)
		})
	}
}

func TestAnalyze_ReviewRequiredWhenModerationUnavailable(t *testing.T) {
	run := completedRun(t, model.ErrorVerdict(model.ErrModerationUnavailable))
	run.Failure = &model.RunFailure{Kind: model.ErrModerationUnavailable, Message: "moderation: backend unavailable"}
	h := newServer(server.ServerConfig{Analyzer: &fakeAnalyzer{fn: returning(run)}})

	rec := postFile(t, h, "/v1/analyze", []byte("pixels"))
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[model.AnalyzeResponse](t, rec)
	assert.Equal(t, model.VerdictError, resp.Verdict)
	assert.True(t, resp.ReviewRequired)
	require.NotNil(t, resp.Error)
	assert.Equal(t, model.ErrModerationUnavailable, resp.Error.Kind)
}

func TestAnalyze_StreamsFilePartToPipeline(t *testing.T) {
	var read int
	an := &fakeAnalyzer{fn: func(_ ingest.Upload, n int) (*model.PipelineRun, error) {
		read = n
		return completedRun(t, model.Authentic), nil
	}}
	h := newServer(server.ServerConfig{Analyzer: an})

	rec := postFile(t, h, "/v1/analyze", []byte("0123456789"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, read, "only the file part reaches the pipeline")
	assert.Equal(t, "upload.png", an.lastName.Load())
}

func TestAnalyze_OversizedUploadIs413(t *testing.T) {
	an := &fakeAnalyzer{fn: func(ingest.Upload, int) (*model.PipelineRun, error) {
		return failedRun(t, model.ErrMediaValidation), nil
	}}
	h := newServer(server.ServerConfig{Analyzer: an, MaxUploadBytes: 8})

	rec := postFile(t, h, "/v1/analyze", bytes.Repeat([]byte("x"), 32))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	// A validation failure within the limit is a plain 400.
	rec = postFile(t, h, "/v1/analyze", []byte("tiny"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalyze_QueueFull(t *testing.T) {
	an := &fakeAnalyzer{fn: func(ingest.Upload, int) (*model.PipelineRun, error) {
		return nil, pipeline.ErrQueueFull
	}}
	h := newServer(server.ServerConfig{Analyzer: an})

	rec := postFile(t, h, "/v1/analyze", []byte("pixels"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	apiErr := decode[model.APIError](t, rec)
	assert.Equal(t, model.ErrCodeOverloaded, apiErr.Error.Code)
}

func TestAnalyze_UnexpectedPipelineError(t *testing.T) {
	an := &fakeAnalyzer{fn: func(ingest.Upload, int) (*model.PipelineRun, error) {
		return nil, errors.New("unexpected")
	}}
	rec := postFile(t, newServer(server.ServerConfig{Analyzer: an}), "/v1/analyze", []byte("pixels"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestAnalyze_BadRequests(t *testing.T) {
	an := &fakeAnalyzer{fn: returning(nil)}
	h := newServer(server.ServerConfig{Analyzer: an})

	t.Run("not multipart", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/analyze", strings.NewReader(`{"file":"x"}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		apiErr := decode[model.APIError](t, rec)
		assert.Equal(t, model.ErrCodeInvalidInput, apiErr.Error.Code)
		assert.NotEmpty(t, apiErr.Meta.RequestID)
	})

	t.Run("missing file field", func(t *testing.T) {
		body, ct := multipartBody(t, "image", "a.png", []byte("pixels"))
		req := httptest.NewRequest(http.MethodPost, "/v1/analyze", body)
		req.Header.Set("Content-Type", ct)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	assert.Zero(t, an.calls.Load())
}

func TestAnalyze_LegacyPath(t *testing.T) {
	an := &fakeAnalyzer{fn: returning(completedRun(t, model.Authentic))}
	rec := postFile(t, newServer(server.ServerConfig{Analyzer: an}), "/api/v1/analyze-media", []byte("pixels"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "upload.png", an.lastName.Load())
}

func TestAnalyze_RateLimitedPerIP(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	defer func() { _ = limiter.Close() }()
	an := &fakeAnalyzer{fn: func(ingest.Upload, int) (*model.PipelineRun, error) {
		return completedRun(t, model.Authentic), nil
	}}
	h := newServer(server.ServerConfig{Analyzer: an, Limiter: limiter})

	assert.Equal(t, http.StatusOK, postFile(t, h, "/v1/analyze", []byte("a")).Code)
	rec := postFile(t, h, "/v1/analyze", []byte("b"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, int32(1), an.calls.Load())

	// Health is not rate limited.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	hrec := httptest.NewRecorder()
	h.ServeHTTP(hrec, req)
	assert.Equal(t, http.StatusOK, hrec.Code)
}

type fakeRuns struct {
	recs []model.RunRecord
	err  error
}

func (f *fakeRuns) Get(_ context.Context, id uuid.UUID) (model.RunRecord, error) {
	if f.err != nil {
		return model.RunRecord{}, f.err
	}
	for _, r := range f.recs {
		if r.ID == id {
			return r, nil
		}
	}
	return model.RunRecord{}, storage.ErrNotFound
}

func (f *fakeRuns) List(_ context.Context, limit int) ([]model.RunRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(f.recs) > limit {
		return f.recs[:limit], nil
	}
	return f.recs, nil
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGetRun(t *testing.T) {
	rec := model.RecordFromRun(completedRun(t, model.Authentic))
	h := newServer(server.ServerConfig{Analyzer: &fakeAnalyzer{}, Runs: &fakeRuns{recs: []model.RunRecord{rec}}})

	resp := get(h, "/v1/runs/"+rec.ID.String())
	require.Equal(t, http.StatusOK, resp.Code)
	var body struct {
		Data model.RunRecord `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, rec.ID, body.Data.ID)
	assert.Equal(t, model.Authentic, body.Data.Verdict)

	assert.Equal(t, http.StatusNotFound, get(h, "/v1/runs/"+uuid.NewString()).Code)
	assert.Equal(t, http.StatusBadRequest, get(h, "/v1/runs/not-a-uuid").Code)
}

func TestGetRun_StoreError(t *testing.T) {
	h := newServer(server.ServerConfig{Analyzer: &fakeAnalyzer{}, Runs: &fakeRuns{err: errors.New("db down")}})
	assert.Equal(t, http.StatusInternalServerError, get(h, "/v1/runs/"+uuid.NewString()).Code)
	assert.Equal(t, http.StatusInternalServerError, get(h, "/v1/runs").Code)
}

func TestListRuns(t *testing.T) {
	runs := &fakeRuns{}
	for range 3 {
		runs.recs = append(runs.recs, model.RecordFromRun(completedRun(t, model.Authentic)))
	}
	h := newServer(server.ServerConfig{Analyzer: &fakeAnalyzer{}, Runs: runs})

	rec := get(h, "/v1/runs?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Data    []model.RunRecord `json:"data"`
		HasMore bool              `json:"has_more"`
		Limit   int               `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Data, 2)
	assert.True(t, body.HasMore)
	assert.Equal(t, 2, body.Limit)

	rec = get(h, "/v1/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Data, 3)
	assert.False(t, body.HasMore)

	assert.Equal(t, http.StatusBadRequest, get(h, "/v1/runs?limit=0").Code)
	assert.Equal(t, http.StatusBadRequest, get(h, "/v1/runs?limit=abc").Code)
}

func TestListRuns_EmptyIsArray(t *testing.T) {
	h := newServer(server.ServerConfig{Analyzer: &fakeAnalyzer{}, Runs: &fakeRuns{}})
	rec := get(h, "/v1/runs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"data":[]`)
}

func TestRunsRoutesAbsentWithoutHistory(t *testing.T) {
	h := newServer(server.ServerConfig{Analyzer: &fakeAnalyzer{}})
	assert.Equal(t, http.StatusNotFound, get(h, "/v1/runs").Code)
}

func TestHealth(t *testing.T) {
	failing := func(context.Context) error { return errors.New("unreachable") }
	ok := func(context.Context) error { return nil }

	tests := []struct {
		name       string
		checks     []server.HealthCheck
		inFlight   int
		wantCode   int
		wantStatus string
	}{
		{"all ok", []server.HealthCheck{{Name: "store", Critical: true, Check: ok}}, 0, http.StatusOK, "healthy"},
		{"non-critical failure degrades", []server.HealthCheck{
			{Name: "store", Critical: true, Check: ok},
			{Name: "moderation", Check: failing},
		}, 0, http.StatusOK, "degraded"},
		{"critical failure", []server.HealthCheck{{Name: "store", Critical: true, Check: failing}}, 0, http.StatusServiceUnavailable, "unhealthy"},
		{"saturated admission", nil, 4, http.StatusOK, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newServer(server.ServerConfig{
				Analyzer: &fakeAnalyzer{inFlight: tt.inFlight, capacity: 4},
				Checks:   tt.checks,
			})
			rec := get(h, "/health")
			assert.Equal(t, tt.wantCode, rec.Code)
			resp := decode[model.HealthResponse](t, rec)
			assert.Equal(t, tt.wantStatus, resp.Status)
			assert.Equal(t, "test", resp.Version)
			assert.Equal(t, tt.inFlight, resp.QueueDepth)
			for _, c := range tt.checks {
				assert.Contains(t, resp.Checks, c.Name)
			}
		})
	}
}

func TestMiddleware_RequestIDAndSecurityHeaders(t *testing.T) {
	h := newServer(server.ServerConfig{Analyzer: &fakeAnalyzer{}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))

	rec = get(h, "/health")
	_, err := uuid.Parse(rec.Header().Get("X-Request-ID"))
	assert.NoError(t, err, "a request ID is generated when none is supplied")
}

func TestMiddleware_RecoversFromPanic(t *testing.T) {
	an := &fakeAnalyzer{fn: func(ingest.Upload, int) (*model.PipelineRun, error) {
		panic("handler bug")
	}}
	rec := postFile(t, newServer(server.ServerConfig{Analyzer: an}), "/v1/analyze", []byte("pixels"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	apiErr := decode[model.APIError](t, rec)
	assert.Equal(t, model.ErrCodeInternalError, apiErr.Error.Code)
}

// End to end through the real ingestion adapter, orchestrator and history
// buffer, with fixed model backends.

type fixedDetector struct{ res model.DetectionResult }

func (d fixedDetector) Detect(context.Context, *model.MediaItem) (model.DetectionResult, error) {
	return d.res, nil
}

type fixedModerator struct {
	verdict model.ModerationVerdict
	calls   atomic.Int32
}

func (m *fixedModerator) Moderate(context.Context, moderation.Request) (model.ModerationVerdict, error) {
	m.calls.Add(1)
	return m.verdict, nil
}

func (m *fixedModerator) ModelID() string { return "guard" }

func (m *fixedModerator) Ping(context.Context) error { return nil }

func pngImage(t *testing.T) []byte { return testutil.PNG(t, 32, 32) }

func TestEndToEnd_AnalyzeThenFetchRun(t *testing.T) {
	logger := discardLogger()
	mod := &fixedModerator{verdict: model.ModerationVerdict{
		Flagged:    true,
		Categories: []model.HazardCategory{model.HazardHate, model.HazardViolentCrimes},
		ModelID:    "guard",
	}}
	hist := history.NewBuffer(testutil.NewSQLiteStore(t), logger, 10, 100, time.Hour)

	proc := pipeline.New(pipeline.Config{
		Gate:             gate.DefaultConfig(),
		DetectionTimeout: time.Second,
		Deadline:         5 * time.Second,
		Guard:            pipeline.GuardConfig{MaxConcurrent: 2, AttemptTimeout: time.Second, RetryBaseDelay: time.Millisecond},
		QueueCapacity:    4,
	},
		ingest.New(ingest.Config{MaxBytes: 1 << 20}, nil, logger),
		detection.Set{Image: fixedDetector{res: model.DetectionResult{Label: model.LabelSynthetic, Score: 0.95, ModelID: "det"}}},
		mod,
		logger,
		pipeline.WithObserver(hist.Record),
	)
	h := newServer(server.ServerConfig{Analyzer: proc, Runs: hist, Logger: logger})

	rec := postFile(t, h, "/v1/analyze", pngImage(t))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[model.AnalyzeResponse](t, rec)
	assert.Equal(t, model.VerdictSyntheticUnsafe, resp.Verdict)
	assert.Equal(t, model.RunStatusCompleted, resp.Status)
	assert.False(t, resp.ReviewRequired)
	require.NotNil(t, resp.Moderation)
	assert.Equal(t, []model.HazardCategory{model.HazardViolentCrimes, model.HazardHate}, resp.Moderation.Categories)
	require.NotNil(t, resp.Media)
	assert.Equal(t, "image/png", resp.Media.MIMEType)
	assert.Equal(t, int32(1), mod.calls.Load())
	assert.Equal(t, rec.Header().Get("X-Request-ID"), resp.RequestID)

	got := get(h, "/v1/runs/"+resp.RunID.String())
	require.Equal(t, http.StatusOK, got.Code)
	var body struct {
		Data model.RunRecord `json:"data"`
	}
	require.NoError(t, json.Unmarshal(got.Body.Bytes(), &body))
	assert.Equal(t, model.SyntheticUnsafe, body.Data.Verdict)
	assert.True(t, body.Data.Escalated)

	// Still served once flushed to SQLite.
	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hist.Drain(drainCtx)
	require.Zero(t, hist.Len())
	got = get(h, "/v1/runs/"+resp.RunID.String())
	require.Equal(t, http.StatusOK, got.Code)
	require.NoError(t, json.Unmarshal(got.Body.Bytes(), &body))
	assert.Equal(t, []model.HazardCategory{model.HazardViolentCrimes, model.HazardHate}, body.Data.Categories)

	// Text is rejected before any model runs.
	rec = postFile(t, h, "/v1/analyze", []byte("just some text, not an image"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	bad := decode[model.AnalyzeResponse](t, rec)
	require.NotNil(t, bad.Error)
	assert.Equal(t, model.ErrMediaValidation, bad.Error.Kind)
	assert.Equal(t, int32(1), mod.calls.Load())
}

func TestAnalyze_DeadlineDuringStalledUpload(t *testing.T) {
	logger := discardLogger()
	proc := pipeline.New(pipeline.Config{
		Gate:             gate.DefaultConfig(),
		DetectionTimeout: time.Second,
		Deadline:         30 * time.Millisecond,
		Guard:            pipeline.GuardConfig{MaxConcurrent: 1, AttemptTimeout: time.Second, RetryBaseDelay: time.Millisecond},
		QueueCapacity:    4,
	},
		ingest.New(ingest.Config{MaxBytes: 1 << 20}, nil, logger),
		detection.Set{Image: fixedDetector{res: model.DetectionResult{Label: model.LabelAuthentic, Score: 0.9, ModelID: "det"}}},
		&fixedModerator{},
		logger,
	)
	srv := httptest.NewServer(newServer(server.ServerConfig{Analyzer: proc, Logger: logger}))
	defer srv.Close()

	// Send the part header and a few bytes, then stall.
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		fw, err := mw.CreateFormFile("file", "stalled.png")
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		_, _ = fw.Write([]byte("\x89PNG"))
	}()
	defer func() { _ = pw.Close() }()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/analyze", pr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	start := time.Now()
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)

	var body model.AnalyzeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotNil(t, body.Error)
	assert.Equal(t, model.ErrPipelineTimeout, body.Error.Kind)
	assert.Zero(t, proc.InFlight())
}

func TestExtraMiddlewaresWrapOutermostFirst(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := newServer(server.ServerConfig{
		Analyzer:    &fakeAnalyzer{},
		Middlewares: []func(http.Handler) http.Handler{mw("first"), mw("second")},
	})
	assert.Equal(t, http.StatusOK, get(h, "/health").Code)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestOpenAPISpec(t *testing.T) {
	h := newServer(server.ServerConfig{Analyzer: &fakeAnalyzer{}, OpenAPISpec: []byte("openapi: 3.1.0\n")})
	resp := get(h, "/openapi.yaml")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "application/yaml", resp.Header().Get("Content-Type"))
	assert.Equal(t, "openapi: 3.1.0\n", resp.Body.String())

	bare := newServer(server.ServerConfig{Analyzer: &fakeAnalyzer{}})
	assert.Equal(t, http.StatusNotFound, get(bare, "/openapi.yaml").Code)
}
