package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for non-analysis endpoints.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeTooLarge      = "PAYLOAD_TOO_LARGE"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeOverloaded    = "OVERLOADED"
	ErrCodeUnavailable   = "SERVICE_UNAVAILABLE"
)

// AnalyzeResponse is the body of POST /v1/analyze. It reports the run
// outcome directly rather than inside the APIResponse envelope so that a
// single object carries verdict, scores and failure details.
type AnalyzeResponse struct {
	RunID          uuid.UUID          `json:"run_id"`
	RequestID      string             `json:"request_id,omitempty"`
	Verdict        VerdictKind        `json:"verdict"`
	Status         RunStatus          `json:"status"`
	ReviewRequired bool               `json:"review_required"`
	Detection      *DetectionResult   `json:"detection"`
	Gate           *GateDecision      `json:"gate"`
	Moderation     *ModerationVerdict `json:"moderation"`
	Media          *MediaSummary      `json:"media,omitempty"`
	Error          *RunFailure        `json:"error,omitempty"`
	DurationMS     int64              `json:"duration_ms"`
}

// NewAnalyzeResponse renders a terminal run.
func NewAnalyzeResponse(r *PipelineRun) AnalyzeResponse {
	resp := AnalyzeResponse{
		RunID:      r.ID,
		RequestID:  r.RequestID,
		Status:     r.Status,
		Detection:  r.Detection,
		Gate:       r.Gate,
		Moderation: r.Moderation,
		Media:      r.MediaSummary,
		Error:      r.Failure,
		DurationMS: r.Duration().Milliseconds(),
	}
	if r.Verdict != nil {
		resp.Verdict = r.Verdict.Kind
		resp.ReviewRequired = r.Verdict.ReviewRequired()
	}
	return resp
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Version    string            `json:"version"`
	Checks     map[string]string `json:"checks"`
	Uptime     int64             `json:"uptime_seconds"`
	QueueDepth int               `json:"queue_depth"`
}
