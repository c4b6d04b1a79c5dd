package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/regulus-ai/regulus/internal/circuitbreaker"
	"github.com/regulus-ai/regulus/internal/engine"
	"github.com/regulus-ai/regulus/internal/metrics"
	"github.com/regulus-ai/regulus/internal/tracing"
)

// WebConfig configures the external web search client.
type WebConfig struct {
	BaseURL           string        `yaml:"base_url" mapstructure:"base_url"`
	APIKey            string        `yaml:"api_key" mapstructure:"api_key"`
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// WebClient queries an external search API. It is the last resort in
// the fallback chain, so its rate limit is the tightest.
type WebClient struct {
	baseURL string
	apiKey  string
	http    *circuitbreaker.HTTPWrapper
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewWebClient creates an external search client.
func NewWebClient(cfg WebConfig, logger *zap.Logger) *WebClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 30
	}
	return &WebClient{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		http:    circuitbreaker.NewHTTPWrapper("web", &http.Client{Timeout: timeout}, logger),
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 2),
		logger:  logger,
	}
}

type webResult struct {
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

type webResponse struct {
	Results []webResult `json:"results"`
}

// SearchWeb queries external sources and maps results into context items.
func (c *WebClient) SearchWeb(ctx context.Context, query string, limit int) ([]ContextItem, error) {
	if limit <= 0 {
		limit = 5
	}

	q := url.Values{}
	q.Set("q", query)
	q.Set("limit", strconv.Itoa(limit))
	reqURL := c.baseURL + "/v1/search?" + q.Encode()

	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodGet, reqURL)
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &engine.BackendError{Backend: "web", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordRetrieval(string(StrategyWeb), "error")
		return nil, &engine.BackendError{Backend: "web", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		metrics.RecordRetrieval(string(StrategyWeb), "error")
		return nil, &engine.BackendError{
			Backend: "web",
			Err:     fmt.Errorf("status %d: %s", resp.StatusCode, string(data)),
		}
	}

	var out webResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.RecordRetrieval(string(StrategyWeb), "error")
		return nil, &engine.BackendError{Backend: "web", Err: fmt.Errorf("decode response: %w", err)}
	}

	items := make([]ContextItem, 0, len(out.Results))
	for _, r := range out.Results {
		items = append(items, ContextItem{
			ID:       r.URL,
			Title:    r.Title,
			Text:     r.Snippet,
			Score:    r.Score,
			Metadata: map[string]string{"source": "web"},
		})
	}

	metrics.RecordRetrieval(string(StrategyWeb), "ok")
	return items, nil
}
