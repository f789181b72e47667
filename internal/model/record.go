package model

import (
	"time"

	"github.com/google/uuid"
)

// RunRecord is the persisted summary of a terminal run. It never carries
// media content.
type RunRecord struct {
	ID          uuid.UUID `json:"run_id"`
	RequestID   string    `json:"request_id,omitempty"`
	Status      RunStatus `json:"status"`
	Verdict     Verdict   `json:"verdict"`
	ErrorMsg    string    `json:"error_message,omitempty"`
	MediaKind   MediaKind `json:"media_kind,omitempty"`
	MIMEType    string    `json:"mime_type,omitempty"`
	Filename    string    `json:"filename,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	Fingerprint string    `json:"fingerprint,omitempty"`

	DetectionLabel DetectionLabel `json:"detection_label,omitempty"`
	DetectionScore *float64       `json:"detection_score,omitempty"`
	DetectionModel string         `json:"detection_model,omitempty"`
	Escalated      bool           `json:"escalated"`
	Threshold      *float64       `json:"threshold,omitempty"`

	Flagged    *bool            `json:"flagged,omitempty"`
	Categories []HazardCategory `json:"categories,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMS  int64     `json:"duration_ms"`
}

// RecordFromRun flattens a terminal run into a RunRecord.
func RecordFromRun(r *PipelineRun) RunRecord {
	rec := RunRecord{
		ID:         r.ID,
		RequestID:  r.RequestID,
		Status:     r.Status,
		StartedAt:  r.StartedAt,
		DurationMS: r.Duration().Milliseconds(),
	}
	if r.CompletedAt != nil {
		rec.CompletedAt = *r.CompletedAt
	}
	if r.Verdict != nil {
		rec.Verdict = *r.Verdict
	}
	if r.Failure != nil {
		rec.ErrorMsg = r.Failure.Message
	}
	summary := r.MediaSummary
	if summary == nil && r.Media != nil {
		s := r.Media.Summary()
		summary = &s
	}
	if summary != nil {
		rec.MediaKind = summary.Kind
		rec.MIMEType = summary.MIMEType
		rec.Filename = summary.Filename
		rec.SizeBytes = summary.Size
		rec.Fingerprint = summary.Fingerprint
	}
	if d := r.Detection; d != nil {
		score := d.Score
		rec.DetectionLabel = d.Label
		rec.DetectionScore = &score
		rec.DetectionModel = d.ModelID
	}
	if g := r.Gate; g != nil {
		threshold := g.Threshold
		rec.Escalated = g.Escalate
		rec.Threshold = &threshold
	}
	if m := r.Moderation; m != nil {
		flagged := m.Flagged
		rec.Flagged = &flagged
		rec.Categories = m.Categories
	}
	return rec
}
