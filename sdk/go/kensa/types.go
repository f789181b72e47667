package kensa

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Verdict values reported by the server.
const (
	VerdictAuthentic            = "authentic"
	VerdictSyntheticUnmoderated = "synthetic_unmoderated"
	VerdictSyntheticSafe        = "synthetic_safe"
	VerdictSyntheticUnsafe      = "synthetic_unsafe"
	VerdictError                = "error"
)

// AnalyzeResult mirrors the server's analysis response.
type AnalyzeResult struct {
	RunID          uuid.UUID   `json:"run_id"`
	RequestID      string      `json:"request_id,omitempty"`
	Verdict        string      `json:"verdict"`
	Status         string      `json:"status"`
	ReviewRequired bool        `json:"review_required"`
	Detection      *Detection  `json:"detection"`
	Gate           *Gate       `json:"gate"`
	Moderation     *Moderation `json:"moderation"`
	Media          *Media      `json:"media,omitempty"`
	Error          *RunError   `json:"error,omitempty"`
	DurationMS     int64       `json:"duration_ms"`

	// HTTPStatus is the status code the server answered with. Failed runs
	// carry a 4xx or 5xx code but still decode into an AnalyzeResult.
	HTTPStatus int `json:"-"`
}

// Detection is the synthetic-media classifier outcome.
type Detection struct {
	Label     string  `json:"label"` // authentic | synthetic
	Score     float64 `json:"score"`
	ModelID   string  `json:"model_id"`
	LatencyMS int64   `json:"latency_ms"`
}

// Gate records whether the run was escalated to moderation.
type Gate struct {
	Escalate  bool    `json:"escalate"`
	Threshold float64 `json:"threshold"`
}

// Moderation is the safety classifier outcome.
type Moderation struct {
	Flagged    bool     `json:"flagged"`
	Categories []string `json:"categories"` // Hazard codes, e.g. "S10".
	ModelID    string   `json:"model_id"`
	LatencyMS  int64    `json:"latency_ms"`
}

// Media summarizes the uploaded file.
type Media struct {
	ID          uuid.UUID `json:"id"`
	Kind        string    `json:"kind"` // image | video
	MIMEType    string    `json:"mime_type"`
	Filename    string    `json:"filename,omitempty"`
	Size        int64     `json:"size_bytes"`
	Width       int       `json:"width,omitempty"`
	Height      int       `json:"height,omitempty"`
	FrameCount  int       `json:"frame_count,omitempty"`
	DurationMS  int64     `json:"duration_ms,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
}

// RunError describes why a run ended in the error verdict.
type RunError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// RunVerdict is the verdict as stored in run history.
type RunVerdict struct {
	Kind  string `json:"kind"`
	Error string `json:"error,omitempty"`
}

// Run is one entry of the server's run history. It never carries media.
type Run struct {
	RunID       uuid.UUID  `json:"run_id"`
	RequestID   string     `json:"request_id,omitempty"`
	Status      string     `json:"status"`
	Verdict     RunVerdict `json:"verdict"`
	ErrorMsg    string     `json:"error_message,omitempty"`
	MediaKind   string     `json:"media_kind,omitempty"`
	MIMEType    string     `json:"mime_type,omitempty"`
	Filename    string     `json:"filename,omitempty"`
	SizeBytes   int64      `json:"size_bytes"`
	Fingerprint string     `json:"fingerprint,omitempty"`

	DetectionLabel string   `json:"detection_label,omitempty"`
	DetectionScore *float64 `json:"detection_score,omitempty"`
	DetectionModel string   `json:"detection_model,omitempty"`
	Escalated      bool     `json:"escalated"`
	Threshold      *float64 `json:"threshold,omitempty"`

	Flagged    *bool    `json:"flagged,omitempty"`
	Categories []string `json:"categories,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMS  int64     `json:"duration_ms"`
}

// RunList is one page of run history, newest first.
type RunList struct {
	Runs    []Run
	HasMore bool
	Limit   int
}

// Health mirrors the server's health report.
type Health struct {
	Status     string            `json:"status"` // healthy | degraded | unhealthy
	Version    string            `json:"version"`
	Checks     map[string]string `json:"checks"`
	Uptime     int64             `json:"uptime_seconds"`
	QueueDepth int               `json:"queue_depth"`
}

// apiEnvelope is the server's wrapper for non-analysis responses.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type listEnvelope struct {
	Data    []Run `json:"data"`
	HasMore bool  `json:"has_more"`
	Limit   int   `json:"limit"`
}

type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
