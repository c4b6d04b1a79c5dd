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

// GraphConfig configures the knowledge graph service client.
type GraphConfig struct {
	BaseURL           string        `yaml:"base_url" mapstructure:"base_url"`
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// GraphClient talks to the knowledge graph service, which serves both
// direct node lookups and keyword search over the indexed corpus.
type GraphClient struct {
	baseURL string
	http    *circuitbreaker.HTTPWrapper
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewGraphClient creates a client for the knowledge graph service.
func NewGraphClient(cfg GraphConfig, logger *zap.Logger) *GraphClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 120
	}
	return &GraphClient{
		baseURL: cfg.BaseURL,
		http:    circuitbreaker.NewHTTPWrapper("graph", &http.Client{Timeout: timeout}, logger),
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm/10+1),
		logger:  logger,
	}
}

type lookupRequest struct {
	EntityID string `json:"entity_id"`
	Kind     string `json:"kind,omitempty"`
}

type keywordRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type searchResponse struct {
	Items []ContextItem `json:"items"`
}

// Lookup fetches a node and its immediate children by identifier.
func (c *GraphClient) Lookup(ctx context.Context, entityID string, kind EntityKind) ([]ContextItem, error) {
	items, err := c.post(ctx, "/v1/lookup", lookupRequest{EntityID: entityID, Kind: string(kind)})
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordRetrieval(string(StrategyDirectLookup), status)
	return items, err
}

// SearchKeyword runs term-matching search over indexed sections.
func (c *GraphClient) SearchKeyword(ctx context.Context, query string, limit int) ([]ContextItem, error) {
	items, err := c.post(ctx, "/v1/search/keyword", keywordRequest{Query: query, Limit: limit})
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordRetrieval(string(StrategyKeyword), status)
	return items, err
}

func (c *GraphClient) post(ctx context.Context, path string, payload interface{}) ([]ContextItem, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	url := c.baseURL + path
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &engine.BackendError{Backend: "graph", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &engine.BackendError{Backend: "graph", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &engine.BackendError{
			Backend: "graph",
			Err:     fmt.Errorf("status %d: %s", resp.StatusCode, string(data)),
		}
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &engine.BackendError{Backend: "graph", Err: fmt.Errorf("decode response: %w", err)}
	}
	return out.Items, nil
}
