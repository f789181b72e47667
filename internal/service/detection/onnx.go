package detection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/image/draw"
	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/kensa/internal/model"
)

// BundleConfig describes an exported image classifier. It is read from
// labels.yaml next to model.onnx in the bundle directory.
type BundleConfig struct {
	ModelID string    `yaml:"model_id"`
	Input   string    `yaml:"input"`
	Output  string    `yaml:"output"`
	Size    int       `yaml:"size"`
	Mean    []float32 `yaml:"mean"`
	Std     []float32 `yaml:"std"`
	Labels  []string  `yaml:"labels"`
}

// LoadBundleConfig reads and validates labels.yaml from dir.
func LoadBundleConfig(dir string) (BundleConfig, error) {
	data, err := os.ReadFile(filepath.Join(dir, "labels.yaml"))
	if err != nil {
		return BundleConfig{}, fmt.Errorf("onnx: read bundle config: %w", err)
	}
	return parseBundleConfig(data, filepath.Base(dir))
}

func parseBundleConfig(data []byte, fallbackID string) (BundleConfig, error) {
	cfg := BundleConfig{
		Input:  "pixel_values",
		Output: "logits",
		Size:   224,
		Mean:   []float32{0.5, 0.5, 0.5},
		Std:    []float32{0.5, 0.5, 0.5},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return BundleConfig{}, fmt.Errorf("onnx: parse bundle config: %w", err)
	}
	if cfg.ModelID == "" {
		cfg.ModelID = fallbackID
	}
	if len(cfg.Labels) < 2 {
		return BundleConfig{}, errors.New("onnx: bundle config needs at least two labels")
	}
	hasSynthetic := false
	for _, l := range cfg.Labels {
		if lbl, ok := model.NormalizeLabel(l); ok && lbl == model.LabelSynthetic {
			hasSynthetic = true
		}
	}
	if !hasSynthetic {
		return BundleConfig{}, fmt.Errorf("onnx: no synthetic class among labels %v", cfg.Labels)
	}
	if cfg.Size <= 0 {
		return BundleConfig{}, fmt.Errorf("onnx: invalid input size %d", cfg.Size)
	}
	if len(cfg.Mean) != 3 || len(cfg.Std) != 3 {
		return BundleConfig{}, errors.New("onnx: mean and std need three channels")
	}
	for _, s := range cfg.Std {
		if s == 0 {
			return BundleConfig{}, errors.New("onnx: std must be non-zero")
		}
	}
	return cfg, nil
}

// ONNXClassifier runs an image classifier in-process with ONNX Runtime.
// One session is shared by all callers; Run calls are serialized.
type ONNXClassifier struct {
	cfg     BundleConfig
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]

	mu sync.Mutex
}

// LoadONNXClassifier initializes ONNX Runtime and loads model.onnx from
// bundleDir.
func LoadONNXClassifier(bundleDir string) (*ONNXClassifier, error) {
	if bundleDir == "" {
		return nil, errors.New("onnx: bundle dir is empty")
	}
	cfg, err := LoadBundleConfig(bundleDir)
	if err != nil {
		return nil, err
	}
	modelPath := filepath.Join(bundleDir, "model.onnx")
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("onnx: model file missing at %s: %w", modelPath, err)
	}

	libPath := resolveSharedLibraryPath(bundleDir)
	if libPath == "" {
		return nil, errors.New("onnx: onnxruntime shared library not found; set ONNXRUNTIME_SHARED_LIBRARY_PATH or install the runtime")
	}
	ort.SetSharedLibraryPath(libPath)
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("onnx: initialize runtime: %w", err)
		}
	}

	size := int64(cfg.Size)
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		return nil, fmt.Errorf("onnx: allocate input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(len(cfg.Labels))))
	if err != nil {
		_ = input.Destroy()
		return nil, fmt.Errorf("onnx: allocate output tensor: %w", err)
	}
	session, err := ort.NewAdvancedSession(modelPath,
		[]string{cfg.Input}, []string{cfg.Output},
		[]ort.Value{input}, []ort.Value{output},
		nil,
	)
	if err != nil {
		_ = input.Destroy()
		_ = output.Destroy()
		return nil, fmt.Errorf("onnx: create session: %w", err)
	}
	return &ONNXClassifier{cfg: cfg, session: session, input: input, output: output}, nil
}

// ModelID returns the bundle's model identifier.
func (c *ONNXClassifier) ModelID() string { return c.cfg.ModelID }

// Classify decodes, resizes and normalizes the frame, runs the model and
// sums the softmax mass of every synthetic class.
func (c *ONNXClassifier) Classify(ctx context.Context, frame model.Frame) (float64, error) {
	img, _, err := image.Decode(bytes.NewReader(frame.Data))
	if err != nil {
		return 0, fmt.Errorf("onnx: decode frame: %w", err)
	}
	pixels := preprocess(img, c.cfg)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	copy(c.input.GetData(), pixels)
	if err := c.session.Run(); err != nil {
		return 0, fmt.Errorf("onnx: run: %w", err)
	}
	return syntheticMass(softmax(c.output.GetData()), c.cfg.Labels), nil
}

// Close releases the session and tensors.
func (c *ONNXClassifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return errors.Join(c.session.Destroy(), c.input.Destroy(), c.output.Destroy())
}

// preprocess resizes img to size x size and lays it out as normalized
// planar RGB (CHW).
func preprocess(img image.Image, cfg BundleConfig) []float32 {
	size := cfg.Size
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	plane := size * size
	out := make([]float32, 3*plane)
	for y := range size {
		for x := range size {
			off := dst.PixOffset(x, y)
			i := y*size + x
			for ch := range 3 {
				v := float32(dst.Pix[off+ch]) / 255
				out[ch*plane+i] = (v - cfg.Mean[ch]) / cfg.Std[ch]
			}
		}
	}
	return out
}

func softmax(logits []float32) []float64 {
	out := make([]float64, len(logits))
	if len(logits) == 0 {
		return out
	}
	maxLogit := math.Inf(-1)
	for _, l := range logits {
		maxLogit = math.Max(maxLogit, float64(l))
	}
	var sum float64
	for i, l := range logits {
		out[i] = math.Exp(float64(l) - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func syntheticMass(probs []float64, labels []string) float64 {
	var p float64
	for i, prob := range probs {
		if i >= len(labels) {
			break
		}
		if lbl, ok := model.NormalizeLabel(labels[i]); ok && lbl == model.LabelSynthetic {
			p += prob
		}
	}
	return clamp01(p)
}

// resolveSharedLibraryPath locates the onnxruntime shared library.
// ONNXRUNTIME_SHARED_LIBRARY_PATH wins; otherwise common locations are probed.
func resolveSharedLibraryPath(bundleDir string) string {
	if env := strings.TrimSpace(os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")); env != "" {
		return env
	}
	names := []string{"libonnxruntime.so", "libonnxruntime.dylib", "onnxruntime.dll"}
	dirs := []string{bundleDir, filepath.Join(bundleDir, "lib"), "/opt/homebrew/lib", "/usr/local/lib", "/usr/lib"}
	for _, dir := range dirs {
		for _, name := range names {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}
