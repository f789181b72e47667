package detection

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/propagation"

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/telemetry"
)

// HTTPClassifier calls a remote detector service over HTTP.
//
// Wire contract: POST {baseURL}/v1/detect with
// {"model": ..., "image": <base64>, "mime_type": ...}, answered by
// {"label": "FAKE"|"REAL"|..., "score": <confidence of label>}.
type HTTPClassifier struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewHTTPClassifier creates a classifier for the detector at baseURL. The
// per-call deadline comes from the caller's context; the client timeout is
// only a backstop.
func NewHTTPClassifier(baseURL, model string) *HTTPClassifier {
	return &HTTPClassifier{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// ModelID returns the configured model name.
func (c *HTTPClassifier) ModelID() string { return c.model }

type detectRequest struct {
	Model    string `json:"model"`
	Image    string `json:"image"`
	MIMEType string `json:"mime_type"`
}

type detectResponse struct {
	Label string   `json:"label"`
	Score *float64 `json:"score"`
}

// ClassifyLabel sends one frame and returns the label and score the
// backend reported, with the label normalized.
func (c *HTTPClassifier) ClassifyLabel(ctx context.Context, frame model.Frame) (model.DetectionLabel, float64, error) {
	reqBody, err := json.Marshal(detectRequest{
		Model:    c.model,
		Image:    base64.StdEncoding.EncodeToString(frame.Data),
		MIMEType: frame.MIMEType,
	})
	if err != nil {
		return "", 0, fmt.Errorf("detector: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/detect", bytes.NewReader(reqBody))
	if err != nil {
		return "", 0, fmt.Errorf("detector: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	telemetry.InjectHeaders(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("detector: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", 0, fmt.Errorf("detector: status %d: %s", resp.StatusCode, string(body))
	}

	var result detectResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&result); err != nil {
		return "", 0, fmt.Errorf("detector: decode response: %w", err)
	}
	return parseReply(result.Label, result.Score)
}

// Classify converts the backend's reply to P(synthetic), for callers that
// combine several frames.
func (c *HTTPClassifier) Classify(ctx context.Context, frame model.Frame) (float64, error) {
	label, score, err := c.ClassifyLabel(ctx, frame)
	if err != nil {
		return 0, err
	}
	if label == model.LabelSynthetic {
		return score, nil
	}
	return 1 - score, nil
}

// parseReply validates a (label, confidence) pair.
func parseReply(rawLabel string, score *float64) (model.DetectionLabel, float64, error) {
	label, ok := model.NormalizeLabel(rawLabel)
	if !ok {
		return "", 0, fmt.Errorf("detector: unrecognized label %q", rawLabel)
	}
	if score == nil {
		return "", 0, fmt.Errorf("detector: response missing score")
	}
	s := *score
	if s < 0 || s > 1 || s != s {
		return "", 0, fmt.Errorf("detector: score %v outside [0,1]", s)
	}
	return label, s, nil
}

// Ping checks that the detector service answers at all.
func (c *HTTPClassifier) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("detector: create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("detector: unreachable: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("detector: health status %d", resp.StatusCode)
	}
	return nil
}
