package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/regulus-ai/regulus/internal/circuitbreaker"
	"github.com/regulus-ai/regulus/internal/engine"
	"github.com/regulus-ai/regulus/internal/metrics"
	"github.com/regulus-ai/regulus/internal/tracing"
)

// Options tunes a single generation request.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Generator produces text completions.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts Options) (string, error)
}

// Config configures the generation sidecar client.
type Config struct {
	BaseURL           string        `yaml:"base_url" mapstructure:"base_url"`
	Model             string        `yaml:"model" mapstructure:"model"`
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	DefaultMaxTokens  int           `yaml:"default_max_tokens" mapstructure:"default_max_tokens"`
}

// Client calls the generation sidecar over HTTP.
type Client struct {
	baseURL          string
	model            string
	defaultMaxTokens int
	http             *circuitbreaker.HTTPWrapper
	limiter          *rate.Limiter
	logger           *zap.Logger
}

// NewClient creates a sidecar client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 60
	}
	maxTokens := cfg.DefaultMaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Client{
		baseURL:          cfg.BaseURL,
		model:            cfg.Model,
		defaultMaxTokens: maxTokens,
		http:             circuitbreaker.NewHTTPWrapper("llm", &http.Client{Timeout: timeout}, logger),
		limiter:          rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm/10+1),
		logger:           logger,
	}
}

type generateRequest struct {
	Model       string  `json:"model,omitempty"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

type generateResponse struct {
	Text string `json:"text"`
}

// Generate sends a prompt to the sidecar and returns the completion.
func (c *Client) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.defaultMaxTokens
	}

	body, err := json.Marshal(generateRequest{
		Model:       c.model,
		Prompt:      prompt,
		Temperature: opts.Temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	url := c.baseURL + "/v1/generate"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		return "", &engine.BackendError{Backend: "llm", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordLLMCall("error", time.Since(start).Seconds())
		return "", &engine.BackendError{Backend: "llm", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.RecordLLMCall("error", time.Since(start).Seconds())
		return "", &engine.BackendError{
			Backend: "llm",
			Err:     fmt.Errorf("status %d: %s", resp.StatusCode, string(data)),
		}
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.RecordLLMCall("error", time.Since(start).Seconds())
		return "", &engine.BackendError{Backend: "llm", Err: fmt.Errorf("decode response: %w", err)}
	}

	metrics.RecordLLMCall("ok", time.Since(start).Seconds())
	return out.Text, nil
}
