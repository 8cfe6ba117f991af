package health

import (
	"encoding/json"
	"net/http"
)

// ReadinessReporter is implemented by the change feed runner.
type ReadinessReporter interface {
	Readiness() (ready bool, partitions []int32)
}

// Check is one named readiness condition.
type Check struct {
	Name  string
	Ready func() bool
}

// Readiness reports ready when every check passes and, if feed is set, the
// change feed has partitions assigned.
func Readiness(feed ReadinessReporter, checks ...Check) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		type resp struct {
			Status     string          `json:"status"`
			Checks     map[string]bool `json:"checks,omitempty"`
			Partitions []int32         `json:"partitions,omitempty"`
		}
		ready := true
		out := resp{Checks: make(map[string]bool, len(checks)+1)}
		for _, c := range checks {
			ok := c.Ready()
			out.Checks[c.Name] = ok
			ready = ready && ok
		}
		if feed != nil {
			ok, parts := feed.Readiness()
			out.Checks["changefeed"] = ok
			ready = ready && ok
			out.Partitions = parts
		}
		out.Status = "not_ready"
		if ready {
			out.Status = "ready"
		}
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
