package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status of one component or the whole service.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is one component's verdict.
type CheckResult struct {
	Component string        `json:"component"`
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Critical  bool          `json:"critical"`
	Duration  time.Duration `json:"duration_ns"`
}

// Checker probes one dependency.
type Checker interface {
	Name() string
	Critical() bool
	Check(ctx context.Context) CheckResult
}

// Manager aggregates checkers. A failing critical checker makes the
// service unhealthy; a failing non-critical one only degrades it.
type Manager struct {
	logger  *zap.Logger
	timeout time.Duration

	mu       sync.RWMutex
	checkers []Checker
}

// NewManager creates a health manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{logger: logger, timeout: 5 * time.Second}
}

// Register adds a checker.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
}

// Check runs every checker and aggregates the overall status.
func (m *Manager) Check(ctx context.Context) (Status, []CheckResult) {
	m.mu.RLock()
	checkers := make([]Checker, len(m.checkers))
	copy(checkers, m.checkers)
	m.mu.RUnlock()

	overall := StatusHealthy
	results := make([]CheckResult, 0, len(checkers))
	for _, c := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
		result := c.Check(checkCtx)
		cancel()

		results = append(results, result)
		switch result.Status {
		case StatusUnhealthy:
			if c.Critical() {
				overall = StatusUnhealthy
			} else if overall == StatusHealthy {
				overall = StatusDegraded
			}
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	return overall, results
}

// Handler serves the health report as JSON. Unhealthy maps to 503 so
// orchestrators take the instance out of rotation; degraded stays 200.
func (m *Manager) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		overall, results := m.Check(r.Context())

		code := http.StatusOK
		if overall == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(struct {
			Status Status        `json:"status"`
			Checks []CheckResult `json:"checks"`
		}{overall, results})
	}
}
