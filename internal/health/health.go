// Package health aggregates component checks for the timeline server and
// probes HTTP health endpoints of supervised processes.
//
// A Checker holds named components. Critical components that fail make the
// overall status unhealthy; non-critical failures only degrade it.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status is the health of a component or of the whole process.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// DefaultTimeout bounds a check whose Component sets none.
const DefaultTimeout = 5 * time.Second

// CheckResult is the outcome of one check run.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check inspects one component.
type Check func(ctx context.Context) CheckResult

// Component is a named check. Critical components decide between healthy
// and unhealthy; the others can only degrade.
type Component struct {
	Name     string
	Critical bool
	Check    Check
	Timeout  time.Duration
}

type entry struct {
	comp Component
	last CheckResult
}

// Checker runs registered checks and keeps their latest results.
type Checker struct {
	started time.Time

	mu      sync.RWMutex
	entries map[string]*entry
	ready   bool
}

// NewChecker creates a Checker with no components that is not yet ready.
func NewChecker() *Checker {
	return &Checker{started: time.Now(), entries: map[string]*entry{}}
}

// Register adds or replaces a component. Its status is unknown until the
// first Check.
func (c *Checker) Register(comp *Component) {
	cp := *comp
	if cp.Timeout <= 0 {
		cp.Timeout = DefaultTimeout
	}

	c.mu.Lock()
	c.entries[cp.Name] = &entry{comp: cp, last: CheckResult{Status: StatusUnknown}}
	c.mu.Unlock()
}

// RegisterFunc registers check under name with the default timeout.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{Name: name, Critical: critical, Check: check})
}

// Components returns the registered names in order.
func (c *Checker) Components() []string {
	c.mu.RLock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	c.mu.RUnlock()

	sort.Strings(names)
	return names
}

// SetReady marks the process ready or not ready to serve.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	c.ready = ready
	c.mu.Unlock()
}

// IsReady reports the readiness flag.
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Uptime is the time since NewChecker.
func (c *Checker) Uptime() time.Duration {
	return time.Since(c.started)
}

// Check runs every component in parallel and records the results.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	comps := make([]Component, 0, len(c.entries))
	for _, e := range c.entries {
		comps = append(comps, e.comp)
	}
	c.mu.RUnlock()

	results := make([]CheckResult, len(comps))
	var wg sync.WaitGroup
	for i := range comps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = runCheck(ctx, comps[i])
		}()
	}
	wg.Wait()

	out := make(map[string]CheckResult, len(comps))
	c.mu.Lock()
	for i, comp := range comps {
		out[comp.Name] = results[i]
		// The component may have been replaced meanwhile.
		if e, ok := c.entries[comp.Name]; ok {
			e.last = results[i]
		}
	}
	c.mu.Unlock()
	return out
}

// runCheck runs one check under its timeout. A check that panics or
// overruns is unhealthy.
func runCheck(ctx context.Context, comp Component) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
			}
		}()
		done <- comp.Check(ctx)
	}()

	var res CheckResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = CheckResult{Status: StatusUnhealthy, Message: "check timed out", Error: ctx.Err().Error()}
	}
	res.LastChecked = start
	res.Duration = time.Since(start)
	return res
}

// Result returns the latest result of a component.
func (c *Checker) Result(name string) (CheckResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[name]; ok {
		return e.last, true
	}
	return CheckResult{}, false
}

// OverallStatus folds the latest results: any critical failure is
// unhealthy, an unchecked critical component is unknown, and any other
// problem degrades.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	overall := StatusHealthy
	for _, e := range c.entries {
		switch s := e.last.Status; {
		case s == StatusUnhealthy && e.comp.Critical:
			return StatusUnhealthy
		case s == StatusUnknown && e.comp.Critical:
			overall = StatusUnknown
		case s == StatusUnhealthy || s == StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	return overall
}
