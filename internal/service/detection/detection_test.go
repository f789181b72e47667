package detection

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kensa/internal/gate"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/verdict"
)

// stubClassifier returns a fixed probability per frame index.
type stubClassifier struct {
	probs    map[int]float64
	err      error
	delay    time.Duration
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (s *stubClassifier) ModelID() string { return "stub-v1" }

func (s *stubClassifier) Classify(ctx context.Context, f model.Frame) (float64, error) {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if s.err != nil {
		return 0, s.err
	}
	return s.probs[f.Index], nil
}

func imageItem() *model.MediaItem {
	return &model.MediaItem{Kind: model.MediaKindImage, MIMEType: "image/png", Content: []byte{1, 2, 3}}
}

func videoItem(n int) *model.MediaItem {
	item := &model.MediaItem{Kind: model.MediaKindVideo, MIMEType: "video/mp4"}
	for i := range n {
		item.Frames = append(item.Frames, model.Frame{Index: i, Data: []byte{byte(i)}})
	}
	return item
}

func TestImageDetector(t *testing.T) {
	tests := []struct {
		name  string
		p     float64
		label model.DetectionLabel
		score float64
	}{
		{"clearly synthetic", 0.92, model.LabelSynthetic, 0.92},
		{"clearly authentic", 0.03, model.LabelAuthentic, 0.97},
		{"even odds reported authentic", 0.5, model.LabelAuthentic, 0.5},
		{"out of range clamped", 1.7, model.LabelSynthetic, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewImageDetector(&stubClassifier{probs: map[int]float64{0: tt.p}})
			res, err := d.Detect(context.Background(), imageItem())
			require.NoError(t, err)
			assert.Equal(t, tt.label, res.Label)
			assert.InDelta(t, tt.score, res.Score, 1e-9)
			assert.Equal(t, "stub-v1", res.ModelID)
			assert.NoError(t, res.Validate())
		})
	}
}

func TestImageDetector_Errors(t *testing.T) {
	d := NewImageDetector(&stubClassifier{err: errors.New("boom")})
	_, err := d.Detect(context.Background(), imageItem())
	require.Error(t, err)

	_, err = NewImageDetector(&stubClassifier{}).Detect(context.Background(), &model.MediaItem{Kind: model.MediaKindImage})
	require.ErrorIs(t, err, ErrNoFrames)
}

func TestImageDetector_DoesNotMutateItem(t *testing.T) {
	item := imageItem()
	before := *item
	_, err := NewImageDetector(&stubClassifier{probs: map[int]float64{0: 0.9}}).Detect(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, before, *item)
}

func TestVideoTemporalDetector_WindowCatchesShortSegment(t *testing.T) {
	probs := map[int]float64{}
	for i := range 20 {
		probs[i] = 0.1
	}
	// A synthetic segment covering five consecutive frames.
	for i := 8; i < 13; i++ {
		probs[i] = 0.95
	}
	d := NewVideoTemporalDetector(&stubClassifier{probs: probs}, TemporalConfig{Concurrency: 4, Window: 5})

	res, err := d.Detect(context.Background(), videoItem(20))
	require.NoError(t, err)
	assert.Equal(t, model.LabelSynthetic, res.Label)
	assert.InDelta(t, 0.95, res.Score, 1e-9)
}

func TestVideoTemporalDetector_Authentic(t *testing.T) {
	probs := map[int]float64{0: 0.2, 1: 0.1, 2: 0.3}
	d := NewVideoTemporalDetector(&stubClassifier{probs: probs}, TemporalConfig{Window: 5})
	res, err := d.Detect(context.Background(), videoItem(3))
	require.NoError(t, err)
	assert.Equal(t, model.LabelAuthentic, res.Label)
	assert.InDelta(t, 0.8, res.Score, 1e-9)
}

func TestVideoTemporalDetector_BoundedConcurrency(t *testing.T) {
	stub := &stubClassifier{probs: map[int]float64{}, delay: 10 * time.Millisecond}
	d := NewVideoTemporalDetector(stub, TemporalConfig{Concurrency: 3})
	_, err := d.Detect(context.Background(), videoItem(12))
	require.NoError(t, err)
	assert.LessOrEqual(t, stub.peak.Load(), int32(3))
}

func TestVideoTemporalDetector_FrameFailureFailsDetection(t *testing.T) {
	d := NewVideoTemporalDetector(&stubClassifier{err: errors.New("model crashed")}, TemporalConfig{})
	_, err := d.Detect(context.Background(), videoItem(5))
	require.Error(t, err)

	_, err = d.Detect(context.Background(), videoItem(0))
	require.ErrorIs(t, err, ErrNoFrames)
}

func TestVideoTemporalDetector_Cancellation(t *testing.T) {
	stub := &stubClassifier{delay: time.Second}
	d := NewVideoTemporalDetector(stub, TemporalConfig{Concurrency: 2})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := d.Detect(ctx, videoItem(6))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestMaxWindowMean(t *testing.T) {
	assert.InDelta(t, 0.0, maxWindowMean(nil, 3), 1e-9)
	assert.InDelta(t, 0.5, maxWindowMean([]float64{0.2, 0.8}, 5), 1e-9)
	assert.InDelta(t, 0.9, maxWindowMean([]float64{0.1, 0.9, 0.9, 0.1}, 2), 1e-9)
	assert.InDelta(t, 0.9, maxWindowMean([]float64{0.1, 0.2, 0.9}, 1), 1e-9)
}

func TestSet_For(t *testing.T) {
	img := NewImageDetector(&stubClassifier{})
	s := Set{Image: img}

	d, err := s.For(model.MediaKindImage)
	require.NoError(t, err)
	assert.Same(t, img, d)

	_, err = s.For(model.MediaKindVideo)
	assert.Error(t, err)
}

func TestHTTPClassifier(t *testing.T) {
	var mu sync.Mutex
	var got detectRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/detect", r.URL.Path)
		mu.Lock()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"label": "REAL", "score": 0.85})
	}))
	defer srv.Close()

	c := NewHTTPClassifier(srv.URL, "ai-image-detector")
	p, err := c.Classify(context.Background(), model.Frame{Data: []byte("pixels"), MIMEType: "image/png"})
	require.NoError(t, err)
	assert.InDelta(t, 0.15, p, 1e-9)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "ai-image-detector", got.Model)
	assert.Equal(t, "image/png", got.MIMEType)
	decoded, err := base64.StdEncoding.DecodeString(got.Image)
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(decoded))
}

func TestImageDetector_KeepsBackendLabel(t *testing.T) {
	tests := []struct {
		name      string
		reply     string
		wantLabel model.DetectionLabel
		wantScore float64
	}{
		{"low-confidence synthetic", `{"label":"FAKE","score":0.45}`, model.LabelSynthetic, 0.45},
		{"low-confidence authentic", `{"label":"REAL","score":0.3}`, model.LabelAuthentic, 0.3},
		{"confident synthetic", `{"label":"AI_GENERATED","score":0.97}`, model.LabelSynthetic, 0.97},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(tt.reply))
			}))
			defer srv.Close()

			d := NewImageDetector(NewHTTPClassifier(srv.URL, "m"))
			res, err := d.Detect(context.Background(), imageItem())
			require.NoError(t, err)
			assert.Equal(t, tt.wantLabel, res.Label)
			assert.InDelta(t, tt.wantScore, res.Score, 1e-9)
			assert.Equal(t, "m", res.ModelID)

			// A sub-threshold synthetic label never escalates but is not authentic.
			dec := gate.Decide(res, model.MediaKindImage, gate.DefaultConfig())
			v, err := verdict.Aggregate(res, dec, nil, nil)
			require.NoError(t, err)
			if tt.wantLabel == model.LabelSynthetic && tt.wantScore <= 0.7 {
				assert.Equal(t, model.SyntheticUnmoderated, v)
			}
		})
	}
}

func TestHTTPClassifier_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		errLike string
	}{
		{"server error", http.StatusInternalServerError, `model not loaded`, "status 500"},
		{"unknown label", http.StatusOK, `{"label":"CAT","score":0.9}`, "unrecognized label"},
		{"missing score", http.StatusOK, `{"label":"FAKE"}`, "missing score"},
		{"score out of range", http.StatusOK, `{"label":"FAKE","score":1.5}`, "outside [0,1]"},
		{"garbage", http.StatusOK, `<html>`, "decode response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTPClassifier(srv.URL, "m").Classify(context.Background(), model.Frame{Data: []byte{1}})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errLike)
		})
	}
}

func TestHTTPClassifier_RespectsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := NewHTTPClassifier(srv.URL, "m").Classify(ctx, model.Frame{Data: []byte{1}})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestParseBundleConfig(t *testing.T) {
	cfg, err := parseBundleConfig([]byte("labels: [FAKE, REAL]\nsize: 128\n"), "vit-detector")
	require.NoError(t, err)
	assert.Equal(t, "vit-detector", cfg.ModelID)
	assert.Equal(t, 128, cfg.Size)
	assert.Equal(t, "pixel_values", cfg.Input)
	assert.Equal(t, []float32{0.5, 0.5, 0.5}, cfg.Mean)

	_, err = parseBundleConfig([]byte("labels: [cat, dog]\n"), "x")
	assert.Error(t, err)
	_, err = parseBundleConfig([]byte("labels: [FAKE]\n"), "x")
	assert.Error(t, err)
	_, err = parseBundleConfig([]byte("labels: [FAKE, REAL]\nstd: [0, 1, 1]\n"), "x")
	assert.Error(t, err)
}

func TestPreprocess(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 10, 10))
	for y := range 10 {
		for x := range 10 {
			src.Set(x, y, color.RGBA{R: 255, G: 0, B: 127, A: 255})
		}
	}
	cfg := BundleConfig{Size: 4, Mean: []float32{0.5, 0.5, 0.5}, Std: []float32{0.5, 0.5, 0.5}}
	out := preprocess(src, cfg)
	require.Len(t, out, 3*4*4)
	assert.InDelta(t, 1.0, out[0], 1e-3)   // R plane
	assert.InDelta(t, -1.0, out[16], 1e-3) // G plane
	assert.InDelta(t, 0.0, out[32], 1e-2)  // B plane
}

func TestSoftmaxAndSyntheticMass(t *testing.T) {
	probs := softmax([]float32{2, 0, 0})
	var sum float64
	for _, p := range probs {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.Greater(t, probs[0], probs[1])

	mass := syntheticMass([]float64{0.6, 0.3, 0.1}, []string{"FAKE", "REAL", "DEEPFAKE"})
	assert.InDelta(t, 0.7, mass, 1e-9)
}
