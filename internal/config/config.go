// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/kensa/internal/model"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxUploadBytes int64
	QueueCapacity  int // Max runs admitted concurrently; further requests get 503.

	// Rate limiting for the analyze endpoints (per client IP).
	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   int

	// Detection stage.
	DetectionBackend          string // "http" or "onnx"
	DetectionEndpoint         string
	DetectionModel            string
	ONNXModelDir              string
	DetectionThresholdImage   float64
	DetectionThresholdVideo   float64
	DetectionThresholdInclude bool // Escalate when score == threshold.
	DetectionTimeout          time.Duration
	VideoFrameCount           int
	VideoDetectionConcurrency int
	FFmpegPath                string
	FFprobePath               string

	// Moderation stage.
	ModerationBackend         string // "ollama" or "rest"
	ModerationEndpoint        string
	ModerationModel           string
	MaxConcurrentModeration   int
	ModerationTimeout         time.Duration
	ModerationRetryCount      int
	ModerationRetryBaseDelay  time.Duration
	ModerationMaxFrames       int
	ModerationBreakerFailures int
	ModerationBreakerCooldown time.Duration
	ModerationTaxonomy        []model.HazardCategory // Empty means the full taxonomy.

	// Overall per-run deadline.
	PipelineDeadline time.Duration

	// Run history.
	Store             string // "sqlite", "postgres", or "none"
	SQLitePath        string
	DatabaseURL       string
	HistoryBufferSize int
	HistoryFlushEvery time.Duration

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel        string
	ShutdownTimeout time.Duration // Bounds each shutdown phase.
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	l := &loader{}
	cfg := Config{
		Port:           l.int("KENSA_PORT", 8080),
		ReadTimeout:    l.duration("KENSA_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   l.duration("KENSA_WRITE_TIMEOUT", 90*time.Second),
		MaxUploadBytes: int64(l.int("KENSA_MAX_UPLOAD_BYTES", 100*1024*1024)), // 100 MB default
		QueueCapacity:  l.int("KENSA_QUEUE_CAPACITY", 64),

		RateLimitEnabled: l.bool("KENSA_RATE_LIMIT_ENABLED", true),
		RateLimitRPS:     l.float("KENSA_RATE_LIMIT_RPS", 5),
		RateLimitBurst:   l.int("KENSA_RATE_LIMIT_BURST", 10),

		DetectionBackend:          strings.ToLower(envStr("DETECTION_BACKEND", "http")),
		DetectionEndpoint:         envStr("DETECTION_ENDPOINT", "http://localhost:8500"),
		DetectionModel:            envStr("DETECTION_MODEL", "ai-image-detector"),
		ONNXModelDir:              envStr("ONNX_MODEL_DIR", "models/detector"),
		DetectionThresholdImage:   l.float("DETECTION_THRESHOLD_IMAGE", 0.7),
		DetectionThresholdVideo:   l.float("DETECTION_THRESHOLD_VIDEO", 0.7),
		DetectionThresholdInclude: l.bool("DETECTION_THRESHOLD_INCLUSIVE", false),
		DetectionTimeout:          l.millis("DETECTION_TIMEOUT_MS", 10*time.Second),
		VideoFrameCount:           l.int("VIDEO_FRAME_COUNT", 20),
		VideoDetectionConcurrency: l.int("VIDEO_DETECTION_CONCURRENCY", 4),
		FFmpegPath:                envStr("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:               envStr("FFPROBE_PATH", "ffprobe"),

		ModerationBackend:         strings.ToLower(envStr("MODERATION_BACKEND", "ollama")),
		ModerationEndpoint:        envStr("MODERATION_ENDPOINT", "http://localhost:11434"),
		ModerationModel:           envStr("MODERATION_MODEL", "llava-llama3"),
		MaxConcurrentModeration:   l.int("MAX_CONCURRENT_MODERATION", 2),
		ModerationTimeout:         l.millis("MODERATION_TIMEOUT_MS", 15*time.Second),
		ModerationRetryCount:      l.int("MODERATION_RETRY_COUNT", 2),
		ModerationRetryBaseDelay:  l.millis("MODERATION_RETRY_BASE_DELAY_MS", 250*time.Millisecond),
		ModerationMaxFrames:       l.int("MODERATION_MAX_FRAMES", 4),
		ModerationBreakerFailures: l.int("MODERATION_BREAKER_FAILURES", 5),
		ModerationBreakerCooldown: l.duration("MODERATION_BREAKER_COOLDOWN", 30*time.Second),
		ModerationTaxonomy:        l.taxonomy("MODERATION_TAXONOMY"),

		PipelineDeadline: l.millis("PIPELINE_DEADLINE_MS", 60*time.Second),

		Store:             strings.ToLower(envStr("KENSA_STORE", "sqlite")),
		SQLitePath:        envStr("KENSA_SQLITE_PATH", "kensa.db"),
		DatabaseURL:       envStr("DATABASE_URL", ""),
		HistoryBufferSize: l.int("KENSA_HISTORY_BUFFER_SIZE", 1000),
		HistoryFlushEvery: l.duration("KENSA_HISTORY_FLUSH_INTERVAL", time.Second),

		OTELEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure: l.bool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:  envStr("OTEL_SERVICE_NAME", "kensa"),

		LogLevel:        strings.ToLower(envStr("KENSA_LOG_LEVEL", "info")),
		ShutdownTimeout: l.duration("KENSA_SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if len(l.errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(l.errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ModerationBudget is the longest the moderation stage runs when every
// attempt times out: MODERATION_RETRY_COUNT+1 attempts plus the worst-case
// delay between them. The delays follow the guard's backoff: doubling from
// the base delay, capped at eight times it, with up to 20% jitter.
func (c Config) ModerationBudget() time.Duration {
	if c.ModerationRetryCount < 0 {
		return c.ModerationTimeout
	}
	total := time.Duration(c.ModerationRetryCount+1) * c.ModerationTimeout
	delay := c.ModerationRetryBaseDelay
	for range c.ModerationRetryCount {
		total += delay + delay/5
		delay = min(2*delay, 8*c.ModerationRetryBaseDelay)
	}
	return total
}

// Validate checks that values are usable together.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Port > 0 && c.Port < 65536, "KENSA_PORT must be between 1 and 65535")
	check(c.MaxUploadBytes > 0, "KENSA_MAX_UPLOAD_BYTES must be positive")
	check(c.QueueCapacity > 0, "KENSA_QUEUE_CAPACITY must be positive")
	check(!c.RateLimitEnabled || (c.RateLimitRPS > 0 && c.RateLimitBurst > 0),
		"KENSA_RATE_LIMIT_RPS and KENSA_RATE_LIMIT_BURST must be positive when rate limiting is enabled")

	check(c.DetectionBackend == "http" || c.DetectionBackend == "onnx",
		"DETECTION_BACKEND must be one of http, onnx (got %q)", c.DetectionBackend)
	check(c.DetectionBackend != "http" || c.DetectionEndpoint != "", "DETECTION_ENDPOINT is required for the http detection backend")
	check(c.DetectionBackend != "onnx" || c.ONNXModelDir != "", "ONNX_MODEL_DIR is required for the onnx detection backend")
	check(c.DetectionThresholdImage >= 0 && c.DetectionThresholdImage <= 1, "DETECTION_THRESHOLD_IMAGE must be within [0,1]")
	check(c.DetectionThresholdVideo >= 0 && c.DetectionThresholdVideo <= 1, "DETECTION_THRESHOLD_VIDEO must be within [0,1]")
	check(c.DetectionTimeout > 0, "DETECTION_TIMEOUT_MS must be positive")
	check(c.VideoFrameCount > 0, "VIDEO_FRAME_COUNT must be positive")
	check(c.VideoDetectionConcurrency > 0, "VIDEO_DETECTION_CONCURRENCY must be positive")

	check(c.ModerationBackend == "ollama" || c.ModerationBackend == "rest",
		"MODERATION_BACKEND must be one of ollama, rest (got %q)", c.ModerationBackend)
	check(c.ModerationEndpoint != "", "MODERATION_ENDPOINT is required")
	check(c.MaxConcurrentModeration > 0, "MAX_CONCURRENT_MODERATION must be positive")
	check(c.ModerationTimeout > 0, "MODERATION_TIMEOUT_MS must be positive")
	check(c.ModerationRetryCount >= 0, "MODERATION_RETRY_COUNT must not be negative")
	check(c.ModerationRetryBaseDelay > 0, "MODERATION_RETRY_BASE_DELAY_MS must be positive")
	check(c.ModerationMaxFrames > 0, "MODERATION_MAX_FRAMES must be positive")
	check(c.ModerationBreakerFailures > 0, "MODERATION_BREAKER_FAILURES must be positive")

	check(c.PipelineDeadline > 0, "PIPELINE_DEADLINE_MS must be positive")
	check(c.PipelineDeadline >= c.DetectionTimeout, "PIPELINE_DEADLINE_MS must not be shorter than DETECTION_TIMEOUT_MS")
	if budget := c.DetectionTimeout + c.ModerationBudget(); c.PipelineDeadline >= c.DetectionTimeout && c.PipelineDeadline < budget {
		errs = append(errs, fmt.Errorf(
			"PIPELINE_DEADLINE_MS (%s) must cover DETECTION_TIMEOUT_MS plus every moderation attempt and retry delay (%s)",
			c.PipelineDeadline, budget))
	}

	switch c.Store {
	case "sqlite":
		check(c.SQLitePath != "", "KENSA_SQLITE_PATH is required when KENSA_STORE=sqlite")
	case "postgres":
		check(c.DatabaseURL != "", "DATABASE_URL is required when KENSA_STORE=postgres")
	case "none":
	default:
		errs = append(errs, fmt.Errorf("KENSA_STORE must be one of sqlite, postgres, none (got %q)", c.Store))
	}
	check(c.HistoryBufferSize > 0, "KENSA_HISTORY_BUFFER_SIZE must be positive")
	check(c.HistoryFlushEvery > 0, "KENSA_HISTORY_FLUSH_INTERVAL must be positive")

	check(c.ShutdownTimeout > 0, "KENSA_SHUTDOWN_TIMEOUT must be positive")

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("KENSA_LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// loader accumulates parse errors so Load can report them together.
type loader struct {
	errs []error
}

func (l *loader) int(key string, defaultVal int) int {
	v, err := envInt(key, defaultVal)
	l.add(err)
	return v
}

func (l *loader) float(key string, defaultVal float64) float64 {
	v, err := envFloat(key, defaultVal)
	l.add(err)
	return v
}

func (l *loader) bool(key string, defaultVal bool) bool {
	v, err := envBool(key, defaultVal)
	l.add(err)
	return v
}

func (l *loader) duration(key string, defaultVal time.Duration) time.Duration {
	v, err := envDuration(key, defaultVal)
	l.add(err)
	return v
}

func (l *loader) millis(key string, defaultVal time.Duration) time.Duration {
	v, err := envMillis(key, defaultVal)
	l.add(err)
	return v
}

func (l *loader) taxonomy(key string) []model.HazardCategory {
	v, err := envTaxonomy(key)
	l.add(err)
	return v
}

func (l *loader) add(err error) {
	if err != nil {
		l.errs = append(l.errs, err)
	}
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}

// envMillis reads an integer count of milliseconds.
func envMillis(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return defaultVal, fmt.Errorf("%s=%q is not a valid millisecond count", key, v)
	}
	return time.Duration(n) * time.Millisecond, nil
}

// envTaxonomy reads a comma-separated list of hazard codes or slugs
// ("S1,hate"). Duplicates are dropped; the result is sorted.
func envTaxonomy(key string) ([]model.HazardCategory, error) {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return nil, nil
	}
	var cats []model.HazardCategory
	for _, raw := range strings.Split(v, ",") {
		if raw = strings.TrimSpace(raw); raw == "" {
			continue
		}
		c, err := model.ParseHazardCategory(raw)
		if err != nil {
			return nil, fmt.Errorf("%s=%q: %q is not a hazard category", key, v, raw)
		}
		cats = append(cats, c)
	}
	return model.SortCategories(cats), nil
}
