package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusDetecting  RunStatus = "detecting"
	RunStatusEscalating RunStatus = "escalating"
	RunStatusModerating RunStatus = "moderating"
	RunStatusCompleting RunStatus = "completing"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// forward lists the non-failure transitions. Every non-terminal status may
// additionally move to Failed.
var forward = map[RunStatus][]RunStatus{
	RunStatusPending:    {RunStatusDetecting},
	RunStatusDetecting:  {RunStatusCompleting, RunStatusEscalating},
	RunStatusEscalating: {RunStatusModerating},
	RunStatusModerating: {RunStatusCompleting},
	RunStatusCompleting: {RunStatusCompleted},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to RunStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == RunStatusFailed {
		return true
	}
	for _, s := range forward[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StatusChange is one entry of a run's status history.
type StatusChange struct {
	Status RunStatus `json:"status"`
	At     time.Time `json:"at"`
}

// RunFailure describes why a run ended with an Error verdict.
type RunFailure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// PipelineRun is the per-request execution record. The orchestrator is its
// only writer; readers get it after it reaches a terminal status.
type PipelineRun struct {
	ID        uuid.UUID `json:"run_id"`
	RequestID string    `json:"request_id,omitempty"`

	// Media is owned by the run and dropped once the run is terminal.
	Media        *MediaItem    `json:"-"`
	MediaSummary *MediaSummary `json:"media,omitempty"`

	Detection  *DetectionResult   `json:"detection"`
	Gate       *GateDecision      `json:"gate"`
	Moderation *ModerationVerdict `json:"moderation"`
	Verdict    *Verdict           `json:"verdict"`
	Failure    *RunFailure        `json:"error,omitempty"`

	Status      RunStatus      `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	History     []StatusChange `json:"history,omitempty"`
}

// NewPipelineRun returns a Pending run.
func NewPipelineRun(id uuid.UUID, now time.Time) *PipelineRun {
	return &PipelineRun{
		ID:        id,
		Status:    RunStatusPending,
		StartedAt: now,
		History:   []StatusChange{{Status: RunStatusPending, At: now}},
	}
}

// Advance moves the run to a non-terminal status or to Completing.
func (r *PipelineRun) Advance(to RunStatus, at time.Time) error {
	if to.Terminal() {
		return NewRunError(ErrInternalPipeline, fmt.Errorf("advance to terminal status %s; use Complete or Fail", to))
	}
	return r.transition(to, at)
}

// Complete records the verdict and moves a Completing run to Completed.
func (r *PipelineRun) Complete(v Verdict, at time.Time) error {
	if r.Status != RunStatusCompleting {
		return NewRunError(ErrInternalPipeline, fmt.Errorf("complete from status %s", r.Status))
	}
	if err := r.transition(RunStatusCompleted, at); err != nil {
		return err
	}
	r.Verdict = &v
	return nil
}

// Fail moves a non-terminal run to Failed with an Error verdict of kind.
func (r *PipelineRun) Fail(kind ErrorKind, message string, at time.Time) error {
	if err := r.transition(RunStatusFailed, at); err != nil {
		return err
	}
	v := ErrorVerdict(kind)
	r.Verdict = &v
	r.Failure = &RunFailure{Kind: kind, Message: message}
	return nil
}

func (r *PipelineRun) transition(to RunStatus, at time.Time) error {
	if !CanTransition(r.Status, to) {
		return NewRunError(ErrInternalPipeline, fmt.Errorf("illegal transition %s -> %s", r.Status, to))
	}
	r.Status = to
	r.History = append(r.History, StatusChange{Status: to, At: at})
	if to.Terminal() {
		t := at
		r.CompletedAt = &t
	}
	return nil
}

// ReleaseMedia drops the media content, keeping only its summary.
func (r *PipelineRun) ReleaseMedia() {
	if r.Media == nil {
		return
	}
	s := r.Media.Summary()
	r.MediaSummary = &s
	r.Media = nil
}

// Duration is the wall time between start and completion, or zero while
// the run is in progress.
func (r *PipelineRun) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}
