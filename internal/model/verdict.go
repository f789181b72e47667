package model

import "fmt"

// VerdictKind is the final classification of a run.
type VerdictKind string

const (
	VerdictAuthentic            VerdictKind = "authentic"
	VerdictSyntheticUnmoderated VerdictKind = "synthetic_unmoderated"
	VerdictSyntheticSafe        VerdictKind = "synthetic_safe"
	VerdictSyntheticUnsafe      VerdictKind = "synthetic_unsafe"
	VerdictError                VerdictKind = "error"
)

// ErrorKind classifies why a run did not produce a content verdict.
type ErrorKind string

const (
	ErrMediaValidation       ErrorKind = "media_validation_error"
	ErrDetection             ErrorKind = "detection_error"
	ErrModerationTimeout     ErrorKind = "moderation_timeout"
	ErrModerationUnavailable ErrorKind = "moderation_unavailable"
	ErrPipelineTimeout       ErrorKind = "pipeline_timeout"
	ErrInternalPipeline      ErrorKind = "internal_pipeline_error"
)

// Verdict is exactly one of the content verdicts, or Error with a kind.
type Verdict struct {
	Kind  VerdictKind `json:"kind"`
	Error ErrorKind   `json:"error,omitempty"`
}

// Convenience constructors.
var (
	Authentic            = Verdict{Kind: VerdictAuthentic}
	SyntheticUnmoderated = Verdict{Kind: VerdictSyntheticUnmoderated}
	SyntheticSafe        = Verdict{Kind: VerdictSyntheticSafe}
	SyntheticUnsafe      = Verdict{Kind: VerdictSyntheticUnsafe}
)

// ErrorVerdict returns the Error verdict for kind.
func ErrorVerdict(kind ErrorKind) Verdict {
	return Verdict{Kind: VerdictError, Error: kind}
}

// IsError reports whether v is an Error verdict.
func (v Verdict) IsError() bool { return v.Kind == VerdictError }

// ReviewRequired reports whether a human has to look at the media because
// the pipeline could not vouch for it. A moderation outage is never
// reported as safe; it is reported as needing review.
func (v Verdict) ReviewRequired() bool { return v.Kind == VerdictError }

func (v Verdict) String() string {
	if v.Kind == VerdictError {
		return fmt.Sprintf("error(%s)", v.Error)
	}
	return string(v.Kind)
}

// RunError is a pipeline failure tagged with its ErrorKind.
type RunError struct {
	Kind ErrorKind
	Err  error
}

func (e *RunError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// NewRunError wraps err with kind.
func NewRunError(kind ErrorKind, err error) *RunError {
	return &RunError{Kind: kind, Err: err}
}
