package monitor

import (
	"sync"

	"scalper/internal/core"
)

// HealthRegistry aggregates liveness checks registered by components. Checks
// run synchronously on every Status call, so they must be cheap; anything
// that talks to the network should report a cached result.
type HealthRegistry struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
}

func NewHealthRegistry(logger core.ILogger) *HealthRegistry {
	r := &HealthRegistry{checks: make(map[string]func() error)}
	if logger != nil {
		r.logger = logger.WithField("component", "health")
	}
	return r
}

// Register adds or replaces a named component check.
func (r *HealthRegistry) Register(component string, check func() error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[component] = check
}

// Status runs every check and returns a per-component verdict.
func (r *HealthRegistry) Status() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := make(map[string]string, len(r.checks))
	for component, check := range r.checks {
		if err := check(); err != nil {
			status[component] = "unhealthy: " + err.Error()
			if r.logger != nil {
				r.logger.Warn("Health check failed", "check", component, "error", err)
			}
		} else {
			status[component] = "healthy"
		}
	}
	return status
}

// Healthy reports whether every registered check passes.
func (r *HealthRegistry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, check := range r.checks {
		if err := check(); err != nil {
			return false
		}
	}
	return true
}
