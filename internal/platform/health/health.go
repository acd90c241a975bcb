// Package health serves the readiness report of the service's backing
// stores.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"
)

// Check probes one dependency. Details, when set, is reported alongside the
// probe result.
type Check struct {
	Name    string
	Probe   func(ctx context.Context) error
	Details func() interface{}
}

type result struct {
	Status  string      `json:"status"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// Handler probes every check concurrently and answers 503 if any fails.
func Handler(timeout time.Duration, checks ...Check) echo.HandlerFunc {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
		defer cancel()

		var mu sync.Mutex
		results := make(map[string]result, len(checks))
		healthy := true

		g, gctx := errgroup.WithContext(ctx)
		for _, chk := range checks {
			g.Go(func() error {
				r := result{Status: "up"}
				if err := chk.Probe(gctx); err != nil {
					r = result{Status: "down", Error: err.Error()}
				}
				if chk.Details != nil {
					r.Details = chk.Details()
				}

				mu.Lock()
				defer mu.Unlock()
				results[chk.Name] = r
				if r.Status != "up" {
					healthy = false
				}
				return nil
			})
		}
		_ = g.Wait()

		status, code := "healthy", http.StatusOK
		if !healthy {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		return c.JSON(code, map[string]interface{}{
			"status": status,
			"checks": results,
		})
	}
}
