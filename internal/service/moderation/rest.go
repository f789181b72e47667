package moderation

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/propagation"

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/telemetry"
)

// RESTModerator calls a dedicated moderation service.
//
// Wire contract: POST {baseURL}/v1/moderate with
// {"model": ..., "taxonomy": ["S1", ...], "images": [<base64>, ...]},
// answered by {"flagged": bool, "categories": ["S10", ...]}.
type RESTModerator struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewRESTModerator creates a moderator for the service at baseURL.
func NewRESTModerator(baseURL, model string) *RESTModerator {
	return &RESTModerator{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

// ModelID returns the configured model name.
func (m *RESTModerator) ModelID() string { return m.model }

type moderateRequest struct {
	Model    string   `json:"model"`
	Taxonomy []string `json:"taxonomy"`
	Images   []string `json:"images"`
}

// Moderate sends all frames in one request.
func (m *RESTModerator) Moderate(ctx context.Context, req Request) (model.ModerationVerdict, error) {
	if len(req.Frames) == 0 {
		return model.ModerationVerdict{}, fmt.Errorf("moderation: no frames to moderate")
	}
	start := time.Now()

	body := moderateRequest{Model: m.model}
	for _, c := range taxonomyOrDefault(req.Taxonomy) {
		body.Taxonomy = append(body.Taxonomy, string(c))
	}
	for _, f := range req.Frames {
		body.Images = append(body.Images, base64.StdEncoding.EncodeToString(f.Data))
	}
	reqBody, err := json.Marshal(body)
	if err != nil {
		return model.ModerationVerdict{}, fmt.Errorf("moderation: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/v1/moderate", bytes.NewReader(reqBody))
	if err != nil {
		return model.ModerationVerdict{}, fmt.Errorf("moderation: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	telemetry.InjectHeaders(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return model.ModerationVerdict{}, unavailableIfUnreachable(fmt.Errorf("moderation: send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("moderation: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resp.StatusCode == http.StatusServiceUnavailable {
			return model.ModerationVerdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return model.ModerationVerdict{}, err
	}

	var r reply
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&r); err != nil {
		return model.ModerationVerdict{}, fmt.Errorf("moderation: decode response: %w", err)
	}
	v, err := r.toVerdict(m.model)
	if err != nil {
		return model.ModerationVerdict{}, err
	}
	v.LatencyMS = time.Since(start).Milliseconds()
	return v, nil
}

// Ping checks the service's health endpoint.
func (m *RESTModerator) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("moderation: create request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return unavailableIfUnreachable(fmt.Errorf("moderation: %w", err))
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}
