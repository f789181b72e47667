// Package gate decides whether a detection result escalates to moderation.
//
// Decide is pure: it performs no I/O and returns the same decision for the
// same inputs, so it can be evaluated any number of times.
package gate

import "github.com/ashita-ai/kensa/internal/model"

// Config holds the per-kind escalation thresholds.
type Config struct {
	ImageThreshold float64
	VideoThreshold float64

	// Inclusive escalates when the score equals the threshold. The default
	// comparison is strict.
	Inclusive bool
}

// DefaultConfig is the stock policy: 0.7 for both kinds, strict comparison.
func DefaultConfig() Config {
	return Config{ImageThreshold: 0.7, VideoThreshold: 0.7}
}

// Threshold returns the threshold that applies to kind.
func (c Config) Threshold(kind model.MediaKind) float64 {
	if kind == model.MediaKindVideo {
		return c.VideoThreshold
	}
	return c.ImageThreshold
}

// Decide escalates only synthetic results whose score clears the threshold
// for the media kind. Authentic results never escalate.
func Decide(res model.DetectionResult, kind model.MediaKind, cfg Config) model.GateDecision {
	threshold := cfg.Threshold(kind)
	d := model.GateDecision{Threshold: threshold}
	if res.Label != model.LabelSynthetic {
		return d
	}
	if cfg.Inclusive {
		d.Escalate = res.Score >= threshold
	} else {
		d.Escalate = res.Score > threshold
	}
	return d
}
