package kensa

import (
	"time"

	"github.com/google/uuid"
)

// Verdict is the final classification of an analysis.
type Verdict string

const (
	VerdictAuthentic            Verdict = "authentic"
	VerdictSyntheticUnmoderated Verdict = "synthetic_unmoderated"
	VerdictSyntheticSafe        Verdict = "synthetic_safe"
	VerdictSyntheticUnsafe      Verdict = "synthetic_unsafe"
	VerdictError                Verdict = "error"
)

// Result is the public view of a finished analysis run.
// No internal package imports, so it is safe to use from outside the module.
type Result struct {
	RunID     uuid.UUID
	RequestID string
	Verdict   Verdict
	Status    string // completed | failed

	// ReviewRequired is true whenever the pipeline could not vouch for the
	// media, including when moderation was unavailable.
	ReviewRequired bool

	// Detection outcome. Zero when the run failed before detection.
	DetectionLabel string // authentic | synthetic
	DetectionScore float64
	DetectionModel string
	Escalated      bool

	// Moderation outcome. Only meaningful when Moderated is true.
	Moderated  bool
	Flagged    bool
	Categories []string // Hazard codes, e.g. "S10".

	MediaKind string // image | video
	MIMEType  string

	// ErrorKind and ErrorMessage are set when Verdict is VerdictError.
	ErrorKind    string
	ErrorMessage string

	StartedAt time.Time
	Duration  time.Duration
}

// Frame is one still handed to a Classifier.
type Frame struct {
	Index    int
	Offset   time.Duration // Position in the video; zero for images.
	Data     []byte
	MIMEType string
}
