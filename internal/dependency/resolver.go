// Package dependency gates jobs on fresh successful runs of the jobs they depend on.
package dependency

import (
	"time"

	"github.com/0xPuncker/report-scheduler/pkg/types"
)

// DefaultFreshnessWindow is the maximum age of a dependency's last completed run.
const DefaultFreshnessWindow = 24 * time.Hour

// History is the part of the execution ledger the resolver reads.
type History interface {
	LatestCompleted(jobID string) (types.JobExecution, bool)
}

type Resolver struct {
	window time.Duration
}

func NewResolver(window time.Duration) *Resolver {
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	return &Resolver{window: window}
}

func (r *Resolver) Window() time.Duration {
	return r.window
}

// IsSatisfied reports whether every dependency of job completed within the
// freshness window ending at now. It also returns the dependencies that are
// missing or stale. A job without dependencies is always satisfied.
func (r *Resolver) IsSatisfied(job types.ScheduledJob, history History, now time.Time) (bool, []string) {
	var unmet []string
	for _, dep := range job.Dependencies {
		exec, ok := history.LatestCompleted(dep)
		if !ok || exec.CompletedAt == nil || now.Sub(*exec.CompletedAt) > r.window {
			unmet = append(unmet, dep)
		}
	}
	return len(unmet) == 0, unmet
}
