package retrieval

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

// VectorConfig configures the vector search service client.
type VectorConfig struct {
	BaseURL           string        `yaml:"base_url" mapstructure:"base_url"`
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	TopK              int           `yaml:"top_k" mapstructure:"top_k"`
}

// VectorClient talks to the embedding search service. When a
// hypothetical answer is supplied it is embedded instead of the raw
// query, which pulls passages closer to answer phrasing.
type VectorClient struct {
	baseURL string
	topK    int
	http    *circuitbreaker.HTTPWrapper
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewVectorClient creates a client for the vector search service.
func NewVectorClient(cfg VectorConfig, logger *zap.Logger) *VectorClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 120
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = 8
	}
	return &VectorClient{
		baseURL: cfg.BaseURL,
		topK:    topK,
		http:    circuitbreaker.NewHTTPWrapper("vector", &http.Client{Timeout: timeout}, logger),
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm/10+1),
		logger:  logger,
	}
}

type vectorRequest struct {
	Query        string `json:"query"`
	Hypothetical string `json:"hypothetical,omitempty"`
	TopK         int    `json:"top_k"`
}

// SearchVector runs semantic similarity search.
func (c *VectorClient) SearchVector(ctx context.Context, query, hypothetical string, limit int) ([]ContextItem, error) {
	if limit <= 0 {
		limit = c.topK
	}
	body, err := json.Marshal(vectorRequest{Query: query, Hypothetical: hypothetical, TopK: limit})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	url := c.baseURL + "/v1/search"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &engine.BackendError{Backend: "vector", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordRetrieval(string(StrategyVector), "error")
		return nil, &engine.BackendError{Backend: "vector", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.RecordRetrieval(string(StrategyVector), "error")
		return nil, &engine.BackendError{
			Backend: "vector",
			Err:     fmt.Errorf("status %d: %s", resp.StatusCode, string(data)),
		}
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.RecordRetrieval(string(StrategyVector), "error")
		return nil, &engine.BackendError{Backend: "vector", Err: fmt.Errorf("decode response: %w", err)}
	}

	metrics.RecordRetrieval(string(StrategyVector), "ok")
	return out.Items, nil
}
