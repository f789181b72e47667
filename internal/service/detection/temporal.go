package detection

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kensa/internal/model"
)

// TemporalConfig tunes video aggregation.
type TemporalConfig struct {
	// Concurrency bounds in-flight frame classifications per video.
	Concurrency int
	// Window is the number of consecutive frames averaged together. A short
	// synthetic segment inside an otherwise authentic clip still dominates
	// its own window.
	Window int
}

// VideoTemporalDetector classifies sampled frames and aggregates them over
// sliding windows.
type VideoTemporalDetector struct {
	classifier FrameClassifier
	cfg        TemporalConfig
}

// NewVideoTemporalDetector wraps a frame classifier.
func NewVideoTemporalDetector(c FrameClassifier, cfg TemporalConfig) *VideoTemporalDetector {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Window <= 0 {
		cfg.Window = 5
	}
	return &VideoTemporalDetector{classifier: c, cfg: cfg}
}

// Detect classifies every frame, then scores the video by the most
// synthetic window of consecutive frames.
func (d *VideoTemporalDetector) Detect(ctx context.Context, item *model.MediaItem) (model.DetectionResult, error) {
	frames := item.Stills()
	if len(frames) == 0 {
		return model.DetectionResult{}, ErrNoFrames
	}
	start := time.Now()

	probs := make([]float64, len(frames))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Concurrency)
	for i, f := range frames {
		g.Go(func() error {
			p, err := d.classifier.Classify(gctx, f)
			if err != nil {
				return fmt.Errorf("detection: classify frame %d: %w", f.Index, err)
			}
			probs[i] = clamp01(p)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.DetectionResult{}, err
	}

	return resultFromProbability(maxWindowMean(probs, d.cfg.Window), d.classifier.ModelID(), time.Since(start)), nil
}

// maxWindowMean returns the largest mean over all windows of size w. When
// there are fewer than w values the whole slice is one window.
func maxWindowMean(vals []float64, w int) float64 {
	if len(vals) == 0 {
		return 0
	}
	if w > len(vals) {
		w = len(vals)
	}
	var sum float64
	for _, v := range vals[:w] {
		sum += v
	}
	best := sum
	for i := w; i < len(vals); i++ {
		sum += vals[i] - vals[i-w]
		if sum > best {
			best = sum
		}
	}
	return best / float64(w)
}
