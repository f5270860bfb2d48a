package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

type ReadinessReporter interface {
	Readiness() (ready bool, partitions []int32)
}

// Check is one dependency check. Fn returns nil when the dependency is usable.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// PingCheck wraps anything with a Ping method, such as the Redis client.
func PingCheck(name string, p interface{ Ping(context.Context) error }) Check {
	return Check{Name: name, Fn: p.Ping}
}

// ConsumerCheck reports not ready until the consumer holds partitions.
func ConsumerCheck(name string, rr ReadinessReporter) Check {
	return Check{Name: name, Fn: func(context.Context) error {
		if ready, _ := rr.Readiness(); !ready {
			return errNotAssigned
		}
		return nil
	}}
}

var errNotAssigned = errors.New("no partitions assigned")

// Readiness runs every check within timeout and answers 503 if any fails.
// Failure details stay in the name/status pairs; error text is not exposed.
func Readiness(timeout time.Duration, checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type resp struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks,omitempty"`
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		out := resp{Status: "ready", Checks: map[string]string{}}
		for _, c := range checks {
			if err := c.Fn(ctx); err != nil {
				out.Status = "not_ready"
				out.Checks[c.Name] = "down"
				continue
			}
			out.Checks[c.Name] = "up"
		}
		w.Header().Set("Content-Type", "application/json")
		if out.Status != "ready" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
