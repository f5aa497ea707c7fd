package assign

import (
	"sync"
	"time"
)

// RunStats summarizes one batch assignment run.
type RunStats struct {
	Considered int            `json:"considered"`
	Assigned   int            `json:"assigned"`
	Skipped    int            `json:"skipped"`
	Reasons    map[string]int `json:"reasons,omitempty"`
	RanAt      string         `json:"ranAt,omitempty"`
}

type runKey struct {
	Tenant string
	Date   string
}

var (
	runMu    sync.Mutex
	runStore = map[runKey]RunStats{}
)

// RecordRun stores the stats of the latest batch run for a tenant and date.
func RecordRun(tenant, date string, s RunStats) {
	s.RanAt = time.Now().UTC().Format(time.RFC3339)
	runMu.Lock()
	runStore[runKey{Tenant: tenant, Date: date}] = s
	runMu.Unlock()
}

// GetRuns returns recorded run stats for a tenant keyed by date. An empty
// date selects all dates.
func GetRuns(tenant, date string) map[string]RunStats {
	runMu.Lock()
	defer runMu.Unlock()
	out := map[string]RunStats{}
	for k, v := range runStore {
		if k.Tenant != tenant {
			continue
		}
		if date != "" && k.Date != date {
			continue
		}
		out[k.Date] = v
	}
	return out
}
