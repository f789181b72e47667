package model

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to RunStatus
		want     bool
	}{
		{RunStatusPending, RunStatusDetecting, true},
		{RunStatusDetecting, RunStatusCompleting, true},
		{RunStatusDetecting, RunStatusEscalating, true},
		{RunStatusEscalating, RunStatusModerating, true},
		{RunStatusModerating, RunStatusCompleting, true},
		{RunStatusCompleting, RunStatusCompleted, true},
		{RunStatusModerating, RunStatusFailed, true},
		{RunStatusPending, RunStatusFailed, true},

		{RunStatusPending, RunStatusModerating, false},
		{RunStatusDetecting, RunStatusModerating, false},
		{RunStatusCompleting, RunStatusDetecting, false},
		{RunStatusModerating, RunStatusEscalating, false},
		{RunStatusCompleted, RunStatusFailed, false},
		{RunStatusFailed, RunStatusCompleted, false},
		{RunStatusPending, RunStatusCompleted, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestPipelineRun_EscalatedPath(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewPipelineRun(uuid.New(), now)

	for i, s := range []RunStatus{RunStatusDetecting, RunStatusEscalating, RunStatusModerating, RunStatusCompleting} {
		require.NoError(t, r.Advance(s, now.Add(time.Duration(i+1)*time.Second)))
	}
	require.NoError(t, r.Complete(SyntheticSafe, now.Add(5*time.Second)))

	assert.Equal(t, RunStatusCompleted, r.Status)
	require.NotNil(t, r.Verdict)
	assert.Equal(t, VerdictSyntheticSafe, r.Verdict.Kind)
	assert.Equal(t, 5*time.Second, r.Duration())
	assert.Len(t, r.History, 6)
}

func TestPipelineRun_VerdictOnlyAtTerminal(t *testing.T) {
	r := NewPipelineRun(uuid.New(), time.Now())
	require.NoError(t, r.Advance(RunStatusDetecting, time.Now()))
	assert.Nil(t, r.Verdict)

	err := r.Complete(Authentic, time.Now())
	var runErr *RunError
	require.True(t, errors.As(err, &runErr))
	assert.Equal(t, ErrInternalPipeline, runErr.Kind)
	assert.Nil(t, r.Verdict)
}

func TestPipelineRun_Fail(t *testing.T) {
	r := NewPipelineRun(uuid.New(), time.Now())
	require.NoError(t, r.Advance(RunStatusDetecting, time.Now()))
	require.NoError(t, r.Fail(ErrDetection, "backend returned 500", time.Now()))

	assert.Equal(t, RunStatusFailed, r.Status)
	assert.Equal(t, ErrorVerdict(ErrDetection), *r.Verdict)
	assert.Equal(t, "backend returned 500", r.Failure.Message)
	assert.NotNil(t, r.CompletedAt)

	assert.Error(t, r.Fail(ErrPipelineTimeout, "late", time.Now()), "terminal runs cannot fail twice")
	assert.Equal(t, ErrDetection, r.Verdict.Error)
}

func TestPipelineRun_AdvanceRejectsTerminal(t *testing.T) {
	r := NewPipelineRun(uuid.New(), time.Now())
	assert.Error(t, r.Advance(RunStatusCompleted, time.Now()))
	assert.Error(t, r.Advance(RunStatusFailed, time.Now()))
	assert.Equal(t, RunStatusPending, r.Status)
}

func TestPipelineRun_ReleaseMedia(t *testing.T) {
	r := NewPipelineRun(uuid.New(), time.Now())
	r.Media = &MediaItem{
		ID:       uuid.New(),
		Kind:     MediaKindVideo,
		MIMEType: "video/mp4",
		Frames:   []Frame{{Index: 0, Data: []byte{1}}, {Index: 1, Data: []byte{2}}},
		Metadata: map[string]string{"Software": "ffmpeg"},
	}
	r.ReleaseMedia()

	assert.Nil(t, r.Media)
	require.NotNil(t, r.MediaSummary)
	assert.Equal(t, 2, r.MediaSummary.FrameCount)
	assert.Equal(t, "ffmpeg", r.MediaSummary.Metadata["Software"])

	r.ReleaseMedia() // idempotent
	assert.NotNil(t, r.MediaSummary)
}

func TestVerdict(t *testing.T) {
	assert.False(t, SyntheticSafe.ReviewRequired())
	assert.True(t, ErrorVerdict(ErrModerationUnavailable).ReviewRequired())
	assert.Equal(t, "error(moderation_unavailable)", ErrorVerdict(ErrModerationUnavailable).String())
	assert.Equal(t, "synthetic_unsafe", SyntheticUnsafe.String())
}

func TestRecordFromRun(t *testing.T) {
	now := time.Now()
	r := NewPipelineRun(uuid.New(), now)
	r.Media = &MediaItem{Kind: MediaKindImage, MIMEType: "image/png", Size: 42, Fingerprint: "d:00ff"}
	r.Detection = &DetectionResult{Label: LabelSynthetic, Score: 0.91, ModelID: "m"}
	r.Gate = &GateDecision{Escalate: true, Threshold: 0.7}
	r.Moderation = &ModerationVerdict{Flagged: true, Categories: []HazardCategory{HazardHate}}
	require.NoError(t, r.Advance(RunStatusDetecting, now))
	require.NoError(t, r.Advance(RunStatusEscalating, now))
	require.NoError(t, r.Advance(RunStatusModerating, now))
	require.NoError(t, r.Advance(RunStatusCompleting, now))
	require.NoError(t, r.Complete(SyntheticUnsafe, now.Add(time.Second)))
	r.ReleaseMedia()

	rec := RecordFromRun(r)
	assert.Equal(t, r.ID, rec.ID)
	assert.Equal(t, VerdictSyntheticUnsafe, rec.Verdict.Kind)
	assert.Equal(t, MediaKindImage, rec.MediaKind)
	assert.Equal(t, int64(42), rec.SizeBytes)
	assert.InDelta(t, 0.91, *rec.DetectionScore, 1e-9)
	assert.True(t, rec.Escalated)
	assert.True(t, *rec.Flagged)
	assert.Equal(t, int64(1000), rec.DurationMS)
}
