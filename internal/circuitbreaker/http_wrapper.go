package circuitbreaker

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPWrapper wraps an http.Client with circuit breaker protection.
// 5xx responses count as failures; 4xx do not trip the breaker.
type HTTPWrapper struct {
	client  *http.Client
	breaker *Breaker
}

// NewHTTPWrapper creates a protected HTTP client for a named backend.
func NewHTTPWrapper(name string, client *http.Client, logger *zap.Logger) *HTTPWrapper {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	cfg := Config{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
	return &HTTPWrapper{
		client:  client,
		breaker: New(name, cfg, logger),
	}
}

// Do executes the request through the breaker.
func (w *HTTPWrapper) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := w.breaker.Execute(req.Context(), func() error {
		r, err := w.client.Do(req)
		if err != nil {
			return err
		}
		if r.StatusCode >= http.StatusInternalServerError {
			resp = r
			return fmt.Errorf("server error: %d", r.StatusCode)
		}
		resp = r
		return nil
	})
	if err != nil && resp == nil {
		return nil, err
	}
	if err != nil {
		// Hand back the 5xx response so callers can read the body.
		return resp, nil
	}
	return resp, nil
}

// IsOpen reports whether the breaker is rejecting requests.
func (w *HTTPWrapper) IsOpen() bool {
	return w.breaker.State() == StateOpen
}
