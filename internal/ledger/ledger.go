// Package ledger keeps the append-only history of job executions.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/0xPuncker/report-scheduler/pkg/types"
	"github.com/google/uuid"
)

// Ledger is safe for concurrent use. Executions are created Running and
// receive exactly one terminal transition, after which they never change.
type Ledger struct {
	mu              sync.RWMutex
	executions      map[string]*types.JobExecution
	order           []string
	byJob           map[string][]string
	running         map[string]string // root job id -> running execution id
	latestCompleted map[string]string // root job id -> execution id
	audit           []types.AuditEntry
}

func New() *Ledger {
	return &Ledger{
		executions:      make(map[string]*types.JobExecution),
		byJob:           make(map[string][]string),
		running:         make(map[string]string),
		latestCompleted: make(map[string]string),
	}
}

// Start appends a Running execution for a user defined job.
func (l *Ledger) Start(jobID string, retryCount int, startedAt time.Time) types.JobExecution {
	return l.StartAttempt(jobID, jobID, retryCount, startedAt)
}

// StartAttempt appends a Running execution of jobID on behalf of rootID. A
// retry attempt is listed under both ids and counts as a run of its root.
func (l *Ledger) StartAttempt(jobID, rootID string, retryCount int, startedAt time.Time) types.JobExecution {
	exec := &types.JobExecution{
		ID:         uuid.NewString(),
		JobID:      jobID,
		RootJobID:  rootID,
		Status:     types.StatusRunning,
		StartedAt:  startedAt.UTC(),
		RetryCount: retryCount,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.executions[exec.ID] = exec
	l.order = append(l.order, exec.ID)
	l.byJob[jobID] = append(l.byJob[jobID], exec.ID)
	if rootID != jobID {
		l.byJob[rootID] = append(l.byJob[rootID], exec.ID)
	}
	l.running[rootID] = exec.ID
	return *exec
}

// Finish performs the single terminal transition of an execution.
func (l *Ledger) Finish(executionID string, status types.ExecutionStatus, kind types.ErrorKind, message string, completedAt time.Time) (types.JobExecution, error) {
	if !status.Terminal() {
		return types.JobExecution{}, fmt.Errorf("status %q is not terminal", status)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	exec, ok := l.executions[executionID]
	if !ok {
		return types.JobExecution{}, fmt.Errorf("%w: %s", types.ErrExecutionNotFound, executionID)
	}
	if exec.Status.Terminal() {
		return *exec, fmt.Errorf("%w: %s is %s", types.ErrAlreadyTerminal, executionID, exec.Status)
	}

	at := completedAt.UTC()
	exec.Status = status
	exec.CompletedAt = &at
	if status == types.StatusCompleted {
		exec.ErrorKind = types.ErrorKindNone
		exec.ErrorMessage = ""
	} else {
		exec.ErrorKind = kind
		exec.ErrorMessage = message
	}

	if l.running[exec.RootJobID] == executionID {
		delete(l.running, exec.RootJobID)
	}
	if status == types.StatusCompleted {
		prev, ok := l.latestCompleted[exec.RootJobID]
		if !ok || !l.executions[prev].CompletedAt.After(at) {
			l.latestCompleted[exec.RootJobID] = executionID
		}
	}
	return *exec, nil
}

func (l *Ledger) Get(executionID string) (types.JobExecution, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	exec, ok := l.executions[executionID]
	if !ok {
		return types.JobExecution{}, fmt.Errorf("%w: %s", types.ErrExecutionNotFound, executionID)
	}
	return *exec, nil
}

// ByJob returns a job's executions, oldest first. For a user defined job this
// includes the attempts of its retries.
func (l *Ledger) ByJob(jobID string) []types.JobExecution {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := l.byJob[jobID]
	out := make([]types.JobExecution, 0, len(ids))
	for _, id := range ids {
		out = append(out, *l.executions[id])
	}
	return out
}

// ByStatus returns every execution in status, oldest first. An empty status
// returns the full history.
func (l *Ledger) ByStatus(status types.ExecutionStatus) []types.JobExecution {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []types.JobExecution
	for _, id := range l.order {
		exec := l.executions[id]
		if status == "" || exec.Status == status {
			out = append(out, *exec)
		}
	}
	return out
}

// LatestCompleted returns the most recently completed execution of jobID,
// counting successful retries of it.
func (l *Ledger) LatestCompleted(jobID string) (types.JobExecution, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.latestCompleted[jobID]
	if !ok {
		return types.JobExecution{}, false
	}
	return *l.executions[id], true
}

// IsRunning reports whether jobID, or a retry of it, has an execution in flight.
func (l *Ledger) IsRunning(jobID string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.running[jobID]
	return ok
}

// Running returns every execution still in flight.
func (l *Ledger) Running() []types.JobExecution {
	return l.ByStatus(types.StatusRunning)
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

func (l *Ledger) RecordAudit(entry types.AuditEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.audit = append(l.audit, entry)
}

func (l *Ledger) Audit() []types.AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]types.AuditEntry(nil), l.audit...)
}
