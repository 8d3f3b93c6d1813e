// Package health aggregates component checks of an index into a single
// status.
package health

import (
	"time"
)

// NewChecker creates an empty checker.
func NewChecker() *Checker {
	return &Checker{
		checks:  make(map[string]CheckFunc),
		started: time.Now(),
	}
}

// Register adds or replaces the check called name.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.checks[name]; !ok {
		c.order = append(c.order, name)
	}
	c.checks[name] = check
}

// Check runs every registered check.
func (c *Checker) Check() Response {
	c.mu.RLock()
	defer c.mu.RUnlock()

	response := Response{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]Check, len(c.checks)),
		Uptime:    time.Since(c.started),
	}

	for _, name := range c.order {
		start := time.Now()
		check := c.checks[name]()
		check.Duration = time.Since(start)
		check.LastChecked = start
		if check.Name == "" {
			check.Name = name
		}
		response.Checks[name] = check

		if check.Status.rank() > response.Status.rank() {
			response.Status = check.Status
		}
	}

	return response
}

// Healthy reports whether no check is unhealthy.
func (r Response) Healthy() bool {
	return r.Status != StatusUnhealthy
}
