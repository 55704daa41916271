package core

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// healthCheckTimeout bounds the whole check run.
const healthCheckTimeout = 2 * time.Second

// HealthCheck is one dependency reported by GET /health.
type HealthCheck interface {
	Name() string
	// Check returns nil when the dependency can serve requests. It must
	// respect ctx.
	Check(ctx context.Context) error
}

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth runs every check concurrently under a 2s deadline and
// answers 200 when all pass, 503 otherwise. A check still running at the
// deadline is reported as timed out.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: "healthy"}
	if s.Config != nil {
		resp.Version = s.Config.Build.Version
	}

	checks := s.HealthChecks
	if len(checks) == 0 {
		JSON(w, r, http.StatusOK, resp)
		return
	}

	var (
		mu      sync.Mutex
		results = make([]error, len(checks))
		done    = make([]bool, len(checks))
		wg      sync.WaitGroup
	)

	for i, check := range checks {
		wg.Add(1)
		go func(i int, p HealthCheck) {
			defer wg.Done()
			err := runCheck(ctx, p)

			mu.Lock()
			results[i] = err
			done[i] = true
			mu.Unlock()
		}(i, check)
	}

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()

	resp.Components = make(map[string]componentStatus, len(checks))
	for i, check := range checks {
		switch {
		case !done[i]:
			resp.Status = "unhealthy"
			resp.Components[check.Name()] = componentStatus{Status: "unhealthy", Message: "health check timed out"}
		case results[i] != nil:
			resp.Status = "unhealthy"
			resp.Components[check.Name()] = componentStatus{Status: "unhealthy", Message: results[i].Error()}
		default:
			resp.Components[check.Name()] = componentStatus{Status: "healthy"}
		}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	JSON(w, r, status, resp)
}

func runCheck(ctx context.Context, p HealthCheck) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("check panicked: %v", r)
		}
	}()
	return p.Check(ctx)
}
