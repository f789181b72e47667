// Package detection classifies media items as authentic or synthetic.
//
// A FrameClassifier scores a single still image; ImageDetector and
// VideoTemporalDetector turn those per-frame scores into one
// DetectionResult per media item. Detectors are safe for concurrent use and
// never mutate the item they inspect.
package detection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/kensa/internal/model"
)

// ErrNoFrames is returned when an item has nothing to classify.
var ErrNoFrames = errors.New("detection: media item has no frames")

// Detector produces the detection result for one media item.
type Detector interface {
	Detect(ctx context.Context, item *model.MediaItem) (model.DetectionResult, error)
}

// FrameClassifier estimates the probability that a single still is
// synthetic.
type FrameClassifier interface {
	// Classify returns P(synthetic) in [0,1].
	Classify(ctx context.Context, frame model.Frame) (float64, error)
	// ModelID identifies the model behind the classifier.
	ModelID() string
}

// LabelClassifier is implemented by classifiers whose backend reports a
// label of its own. ImageDetector keeps that label and its score instead of
// re-deriving a label from P(synthetic).
type LabelClassifier interface {
	ClassifyLabel(ctx context.Context, frame model.Frame) (model.DetectionLabel, float64, error)
}

// Set selects a detector by media kind.
type Set struct {
	Image Detector
	Video Detector
}

// For returns the detector registered for kind.
func (s Set) For(kind model.MediaKind) (Detector, error) {
	var d Detector
	switch kind {
	case model.MediaKindImage:
		d = s.Image
	case model.MediaKindVideo:
		d = s.Video
	}
	if d == nil {
		return nil, fmt.Errorf("detection: no detector for media kind %q", kind)
	}
	return d, nil
}

// resultFromProbability reports the more likely label and its confidence.
// An exact 0.5 is reported as authentic.
func resultFromProbability(pSynthetic float64, modelID string, latency time.Duration) model.DetectionResult {
	p := clamp01(pSynthetic)
	res := model.DetectionResult{ModelID: modelID, LatencyMS: latency.Milliseconds()}
	if p > 0.5 {
		res.Label = model.LabelSynthetic
		res.Score = p
	} else {
		res.Label = model.LabelAuthentic
		res.Score = 1 - p
	}
	return res
}

func clamp01(v float64) float64 {
	switch {
	case v != v:
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// ImageDetector classifies a single image with one classifier call.
type ImageDetector struct {
	classifier FrameClassifier
}

// NewImageDetector wraps a frame classifier.
func NewImageDetector(c FrameClassifier) *ImageDetector {
	return &ImageDetector{classifier: c}
}

// Detect classifies the item's single still.
func (d *ImageDetector) Detect(ctx context.Context, item *model.MediaItem) (model.DetectionResult, error) {
	stills := item.Stills()
	if len(stills) == 0 || len(stills[0].Data) == 0 {
		return model.DetectionResult{}, ErrNoFrames
	}
	start := time.Now()
	if lc, ok := d.classifier.(LabelClassifier); ok {
		label, score, err := lc.ClassifyLabel(ctx, stills[0])
		if err != nil {
			return model.DetectionResult{}, fmt.Errorf("detection: classify image: %w", err)
		}
		return model.DetectionResult{
			Label:     label,
			Score:     score,
			ModelID:   d.classifier.ModelID(),
			LatencyMS: time.Since(start).Milliseconds(),
		}, nil
	}
	p, err := d.classifier.Classify(ctx, stills[0])
	if err != nil {
		return model.DetectionResult{}, fmt.Errorf("detection: classify image: %w", err)
	}
	return resultFromProbability(p, d.classifier.ModelID(), time.Since(start)), nil
}
