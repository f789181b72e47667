package moderation

import (
	"bufio"
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

// OllamaModerator runs a vision model on a local Ollama daemon through its
// chat API.
type OllamaModerator struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaModerator creates a moderator for model on the daemon at baseURL.
func NewOllamaModerator(baseURL, model string) *OllamaModerator {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaModerator{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: 2 * time.Minute,
		},
	}
}

// ModelID returns the configured model name.
func (m *OllamaModerator) ModelID() string { return m.model }

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Format   string              `json:"format"`
	Options  map[string]any      `json:"options"`
}

type ollamaChatMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
	Error   string            `json:"error"`
}

func buildPrompt(taxonomy []model.HazardCategory) string {
	var b strings.Builder
	b.WriteString("You are a content safety classifier. Decide whether the attached image(s) contain unsafe content ")
	b.WriteString("in any of the following hazard categories.\n\n<BEGIN UNSAFE CONTENT CATEGORIES>\n")
	b.WriteString(model.TaxonomyPrompt(taxonomy))
	b.WriteString("<END UNSAFE CONTENT CATEGORIES>\n\n")
	b.WriteString(`Respond only with JSON of the form {"flagged": true|false, "categories": ["S1", ...]}. `)
	b.WriteString("List every violated category code; use an empty list when the content is safe.")
	return b.String()
}

// Moderate sends every frame in a single chat turn.
func (m *OllamaModerator) Moderate(ctx context.Context, req Request) (model.ModerationVerdict, error) {
	if len(req.Frames) == 0 {
		return model.ModerationVerdict{}, fmt.Errorf("moderation: no frames to moderate")
	}
	start := time.Now()

	images := make([]string, 0, len(req.Frames))
	for _, f := range req.Frames {
		images = append(images, base64.StdEncoding.EncodeToString(f.Data))
	}
	reqBody, err := json.Marshal(ollamaChatRequest{
		Model: m.model,
		Messages: []ollamaChatMessage{{
			Role:    "user",
			Content: buildPrompt(taxonomyOrDefault(req.Taxonomy)),
			Images:  images,
		}},
		Stream:  false,
		Format:  "json",
		Options: map[string]any{"temperature": 0, "seed": 42},
	})
	if err != nil {
		return model.ModerationVerdict{}, fmt.Errorf("ollama: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/api/chat", bytes.NewReader(reqBody))
	if err != nil {
		return model.ModerationVerdict{}, fmt.Errorf("ollama: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	telemetry.InjectHeaders(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return model.ModerationVerdict{}, unavailableIfUnreachable(fmt.Errorf("ollama: send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("ollama: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		// 404 means the model is not pulled; 503 means the daemon is not serving.
		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusServiceUnavailable {
			return model.ModerationVerdict{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return model.ModerationVerdict{}, err
	}

	var chat ollamaChatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&chat); err != nil {
		return model.ModerationVerdict{}, fmt.Errorf("ollama: decode response: %w", err)
	}
	if chat.Error != "" {
		return model.ModerationVerdict{}, fmt.Errorf("ollama: %s", chat.Error)
	}

	v, err := parseModelReply(chat.Message.Content, m.model)
	if err != nil {
		return model.ModerationVerdict{}, err
	}
	v.LatencyMS = time.Since(start).Milliseconds()
	return v, nil
}

// parseModelReply accepts the requested JSON object, and also the plain
// Llama Guard reply format ("safe", or "unsafe" followed by a line of
// comma-separated category codes).
func parseModelReply(content, modelID string) (model.ModerationVerdict, error) {
	content = strings.TrimSpace(content)
	var r reply
	if err := json.Unmarshal([]byte(content), &r); err == nil && (r.Flagged != nil || r.Safe != nil) {
		return r.toVerdict(modelID)
	}

	sc := bufio.NewScanner(strings.NewReader(content))
	var lines []string
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return model.ModerationVerdict{}, fmt.Errorf("moderation: empty model reply")
	}
	switch strings.ToLower(lines[0]) {
	case "safe":
		f := false
		return reply{Flagged: &f}.toVerdict(modelID)
	case "unsafe":
		t := true
		r := reply{Flagged: &t}
		if len(lines) > 1 {
			for _, c := range strings.Split(lines[1], ",") {
				r.Categories = append(r.Categories, strings.TrimSpace(c))
			}
		}
		return r.toVerdict(modelID)
	}
	return model.ModerationVerdict{}, fmt.Errorf("moderation: unparseable model reply %q", truncate(content, 120))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Ping checks that the daemon answers on /api/tags.
func (m *OllamaModerator) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("ollama: create request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return unavailableIfUnreachable(fmt.Errorf("ollama: %w", err))
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: ollama: status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}
