// Package verdict combines stage outputs into the final verdict of a run.
package verdict

import (
	"errors"
	"fmt"

	"github.com/ashita-ai/kensa/internal/model"
)

// ErrInconsistent reports a combination of stage outputs that the pipeline
// can never legitimately produce.
var ErrInconsistent = errors.New("verdict: inconsistent stage outputs")

// Aggregate maps detection, gate and moderation outcomes onto a Verdict.
//
// mod is the moderation result when moderation ran and succeeded; modErr is
// non-nil when moderation ran and failed after all retries. At most one of
// them may be set, and only when the gate escalated. Any other combination
// yields Error(InternalPipeline) together with ErrInconsistent.
func Aggregate(det model.DetectionResult, g model.GateDecision, mod *model.ModerationVerdict, modErr error) (model.Verdict, error) {
	moderated := mod != nil || modErr != nil

	switch det.Label {
	case model.LabelAuthentic:
		if g.Escalate || moderated {
			return inconsistent("authentic result with escalation=%t moderated=%t", g.Escalate, moderated)
		}
		return model.Authentic, nil

	case model.LabelSynthetic:
		if !g.Escalate {
			if moderated {
				return inconsistent("moderation outcome without escalation")
			}
			return model.SyntheticUnmoderated, nil
		}
		switch {
		case mod != nil && modErr != nil:
			return inconsistent("moderation both succeeded and failed")
		case modErr != nil:
			// Fail closed: an unreachable moderator never yields a safe verdict.
			return model.ErrorVerdict(model.ErrModerationUnavailable), nil
		case mod == nil:
			return inconsistent("escalated run has no moderation outcome")
		case mod.Flagged:
			return model.SyntheticUnsafe, nil
		default:
			return model.SyntheticSafe, nil
		}
	}
	return inconsistent("unknown detection label %q", det.Label)
}

func inconsistent(format string, args ...any) (model.Verdict, error) {
	return model.ErrorVerdict(model.ErrInternalPipeline), fmt.Errorf("%w: %s", ErrInconsistent, fmt.Sprintf(format, args...))
}
