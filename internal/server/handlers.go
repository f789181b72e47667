package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/service/ingest"
	"github.com/ashita-ai/kensa/internal/service/pipeline"
	"github.com/ashita-ai/kensa/internal/storage"
)

// multipartOverhead is the allowance on top of the upload limit for
// multipart boundaries and part headers.
const multipartOverhead = 64 << 10

// healthCheckTimeout bounds each dependency check.
const healthCheckTimeout = 2 * time.Second

// Analyzer runs uploads through the verification pipeline.
type Analyzer interface {
	ProcessMedia(ctx context.Context, up ingest.Upload) (*model.PipelineRun, error)
	InFlight() int
	Capacity() int
}

// RunReader serves recorded runs.
type RunReader interface {
	Get(ctx context.Context, id uuid.UUID) (model.RunRecord, error)
	List(ctx context.Context, limit int) ([]model.RunRecord, error)
}

// HealthCheck is one named dependency check reported by GET /health.
// A failing critical check makes the service unhealthy (503); any other
// failure only degrades it.
type HealthCheck struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	analyzer       Analyzer
	runs           RunReader
	checks         []HealthCheck
	logger         *slog.Logger
	startedAt      time.Time
	version        string
	maxUploadBytes int64
	openapiSpec    []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Runs, Checks, OpenAPISpec.
type HandlersDeps struct {
	Analyzer       Analyzer
	Runs           RunReader
	Checks         []HealthCheck
	Logger         *slog.Logger
	Version        string
	MaxUploadBytes int64
	OpenAPISpec    []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		analyzer:       d.Analyzer,
		runs:           d.Runs,
		checks:         d.Checks,
		logger:         d.Logger,
		startedAt:      time.Now(),
		version:        d.Version,
		maxUploadBytes: d.MaxUploadBytes,
		openapiSpec:    d.OpenAPISpec,
	}
}

// HandleAnalyze handles POST /v1/analyze. The upload is the multipart part
// named "file"; it is streamed into the pipeline without buffering the whole
// request.
func (h *Handlers) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+multipartOverhead)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			"request must be multipart/form-data with a \"file\" field")
		return
	}
	part, err := nextFilePart(mr)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeTooLarge, "request body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "missing \"file\" field")
		return
	}
	defer func() { _ = part.Close() }()

	// The pipeline returns only after its ingest stage stops reading, so
	// body.n is stable once ProcessMedia returns.
	body := &countingReader{r: part}
	rc := http.NewResponseController(w)
	run, err := h.analyzer.ProcessMedia(r.Context(), ingest.Upload{
		Filename:    part.FileName(),
		ContentType: part.Header.Get("Content-Type"),
		Body:        body,
		Interrupt:   func() { _ = rc.SetReadDeadline(time.Now()) },
	})
	if err != nil {
		if errors.Is(err, pipeline.ErrQueueFull) {
			w.Header().Set("Retry-After", "1")
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeOverloaded,
				"too many analyses in progress, retry shortly")
			return
		}
		h.logger.Error("analyze: pipeline rejected upload", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
		return
	}

	oversized := h.maxUploadBytes > 0 && body.n > h.maxUploadBytes
	writeBody(w, runHTTPStatus(run, oversized), model.NewAnalyzeResponse(run))
}

// runHTTPStatus maps a terminal run to a response status. A completed run is
// 200 even when moderation was unavailable; the body says review is required.
func runHTTPStatus(run *model.PipelineRun, oversized bool) int {
	if run.Status == model.RunStatusCompleted {
		return http.StatusOK
	}
	if run.Failure == nil {
		return http.StatusInternalServerError
	}
	switch run.Failure.Kind {
	case model.ErrMediaValidation:
		if oversized {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusBadRequest
	case model.ErrDetection:
		return http.StatusBadGateway
	case model.ErrPipelineTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// nextFilePart advances to the part named "file", skipping other fields.
func nextFilePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, err
		}
		if part.FormName() == "file" {
			return part, nil
		}
		_, _ = io.Copy(io.Discard, part)
		_ = part.Close()
	}
}

// countingReader counts the bytes read through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run_id")
		return
	}

	rec, err := h.runs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.logger.Error("get run failed", "error", err, "run_id", id)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to get run")
		return
	}
	writeJSON(w, r, http.StatusOK, rec)
}

// HandleListRuns handles GET /v1/runs?limit=N, newest first.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be a positive integer")
			return
		}
		limit = n
	}
	limit = storage.ClampLimit(limit)

	// One extra row tells us whether there is more.
	recs, err := h.runs.List(r.Context(), limit+1)
	if err != nil {
		h.logger.Error("list runs failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list runs")
		return
	}
	hasMore := len(recs) > limit
	if hasMore {
		recs = recs[:limit]
	}
	if recs == nil {
		recs = []model.RunRecord{}
	}
	writeBody(w, http.StatusOK, model.ListResponse{
		Data:    recs,
		HasMore: hasMore,
		Limit:   limit,
		Meta:    responseMeta(r),
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK
	checks := make(map[string]string, len(h.checks)+1)

	for _, c := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := c.Check(ctx)
		cancel()
		if err == nil {
			checks[c.Name] = "ok"
			continue
		}
		checks[c.Name] = "unavailable"
		h.logger.Warn("health check failed", "check", c.Name, "error", err)
		if c.Critical {
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		} else if status == "healthy" {
			status = "degraded"
		}
	}

	// Admission health: >75% of run slots in use = saturated.
	depth := h.analyzer.InFlight()
	if capacity := h.analyzer.Capacity(); capacity > 0 && depth > capacity*3/4 {
		checks["admission"] = "saturated"
		if status == "healthy" {
			status = "degraded"
		}
	} else {
		checks["admission"] = "ok"
	}

	writeBody(w, httpStatus, model.HealthResponse{
		Status:     status,
		Version:    h.version,
		Checks:     checks,
		Uptime:     int64(time.Since(h.startedAt).Seconds()),
		QueueDepth: depth,
	})
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}
