package model

import (
	"fmt"
	"slices"
	"strings"
)

// DetectionLabel is the binary authenticity class reported by a detector.
type DetectionLabel string

const (
	LabelAuthentic DetectionLabel = "authentic"
	LabelSynthetic DetectionLabel = "synthetic"
)

// DetectionResult is the output of the detection stage. Produced exactly
// once per run and never modified afterwards.
type DetectionResult struct {
	Label     DetectionLabel `json:"label"`
	Score     float64        `json:"score"`
	ModelID   string         `json:"model_id"`
	LatencyMS int64          `json:"latency_ms"`
}

// Validate checks the result against the detector output contract.
func (r DetectionResult) Validate() error {
	if r.Label != LabelAuthentic && r.Label != LabelSynthetic {
		return fmt.Errorf("detection: unknown label %q", r.Label)
	}
	if r.Score < 0 || r.Score > 1 || r.Score != r.Score {
		return fmt.Errorf("detection: score %v outside [0,1]", r.Score)
	}
	return nil
}

// Raw label spellings that detectors in the wild use for each class.
var (
	syntheticLabels = []string{"fake", "synthetic", "generated", "ai_generated", "ai-generated", "deepfake", "artificial"}
	authenticLabels = []string{"real", "realism", "authentic", "human", "natural", "original"}
)

// NormalizeLabel maps a backend's raw class name onto a DetectionLabel.
func NormalizeLabel(raw string) (DetectionLabel, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case slices.Contains(syntheticLabels, s):
		return LabelSynthetic, true
	case slices.Contains(authenticLabels, s):
		return LabelAuthentic, true
	}
	return "", false
}

// GateDecision records whether the policy gate escalated a run to
// moderation, and the threshold it compared against.
type GateDecision struct {
	Escalate  bool    `json:"escalate"`
	Threshold float64 `json:"threshold"`
}
