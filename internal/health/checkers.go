package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisChecker probes the shared Redis instance. Redis loss degrades
// caching and memory but the pipeline still answers, so it is not
// critical.
type RedisChecker struct {
	client *redis.Client
}

// NewRedisChecker creates a Redis probe.
func NewRedisChecker(client *redis.Client) *RedisChecker {
	return &RedisChecker{client: client}
}

func (c *RedisChecker) Name() string   { return "redis" }
func (c *RedisChecker) Critical() bool { return false }

func (c *RedisChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: c.Name(), Critical: c.Critical()}

	if c.client == nil {
		result.Status = StatusDegraded
		result.Message = "redis not configured"
		return result
	}

	err := c.client.Ping(ctx).Err()
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = err.Error()
		return result
	}
	if result.Duration > 100*time.Millisecond {
		result.Status = StatusDegraded
		result.Message = "high latency"
		return result
	}
	result.Status = StatusHealthy
	return result
}

// ServiceChecker probes an HTTP dependency's health endpoint.
type ServiceChecker struct {
	name     string
	url      string
	critical bool
	client   *http.Client
}

// NewServiceChecker creates a probe for one backend service. The URL
// should point at the service's health endpoint.
func NewServiceChecker(name, url string, critical bool) *ServiceChecker {
	return &ServiceChecker{
		name:     name,
		url:      url,
		critical: critical,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *ServiceChecker) Name() string   { return c.name }
func (c *ServiceChecker) Critical() bool { return c.critical }

func (c *ServiceChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{Component: c.name, Critical: c.critical}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = err.Error()
		return result
	}

	resp, err := c.client.Do(req)
	result.Duration = time.Since(start)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = err.Error()
		return result
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("status %d", resp.StatusCode)
		return result
	}
	result.Status = StatusHealthy
	return result
}
