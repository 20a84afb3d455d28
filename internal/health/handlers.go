package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Response is the body of GET /health.
type Response struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Response runs the checks and builds the health body.
func (c *Checker) Response(ctx context.Context, includeComponents bool) Response {
	results := c.Check(ctx)
	resp := Response{
		Status:    c.OverallStatus(),
		Ready:     c.IsReady(),
		Uptime:    c.Uptime().Round(time.Second).String(),
		Timestamp: time.Now(),
	}
	if includeComponents {
		resp.Components = results
	}
	return resp
}

// LivenessHandler answers 200 while the process serves requests.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "alive", "timestamp": time.Now()})
	})
}

// ReadinessHandler answers 503 before SetReady(true) and while a critical
// component is unhealthy.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "timestamp": time.Now()})
			return
		}

		c.Check(r.Context())
		status := c.OverallStatus()
		writeJSON(w, statusCode(status != StatusUnhealthy), map[string]any{
			"status":    status,
			"ready":     true,
			"timestamp": time.Now(),
		})
	})
}

// HealthHandler serves Response; ?full=true adds per-component results.
// Healthy and degraded answer 200, anything else 503.
func (c *Checker) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := c.Response(r.Context(), r.URL.Query().Get("full") == "true")
		ok := resp.Status == StatusHealthy || resp.Status == StatusDegraded
		writeJSON(w, statusCode(ok), resp)
	})
}

func statusCode(ok bool) int {
	if ok {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
