// Package registry owns job definitions and their mutable scheduling state.
//
// A Registry is not safe for concurrent use. The dispatcher loop is its single
// owner and routes every mutation through one goroutine.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/0xPuncker/report-scheduler/internal/schedule"
	"github.com/0xPuncker/report-scheduler/pkg/types"
	"github.com/sirupsen/logrus"
)

type entry struct {
	job types.ScheduledJob
	// lastError holds the most recent schedule evaluation failure.
	lastError error
}

type Registry struct {
	calc   *schedule.Calculator
	logger *logrus.Logger
	jobs   map[string]*entry
	order  []string
}

func New(calc *schedule.Calculator, logger *logrus.Logger) *Registry {
	return &Registry{
		calc:   calc,
		logger: logger,
		jobs:   make(map[string]*entry),
	}
}

// Register validates and stores a new job. CreatedAt defaults to now and
// NextRun is computed before the job becomes visible.
func (r *Registry) Register(job types.ScheduledJob, now time.Time) (types.ScheduledJob, error) {
	job = job.Clone()
	if err := r.validateShape(&job); err != nil {
		return types.ScheduledJob{}, err
	}
	if _, exists := r.jobs[job.ID]; exists {
		return types.ScheduledJob{}, fmt.Errorf("%w: %s", types.ErrDuplicateJob, job.ID)
	}
	if err := r.validateDependencies(job); err != nil {
		return types.ScheduledJob{}, err
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now.UTC()
	}

	e := &entry{job: job}
	r.recompute(e, now)
	r.jobs[job.ID] = e
	r.order = append(r.order, job.ID)

	r.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"kind":     job.ScheduleKind,
		"schedule": job.ScheduleExpression,
		"enabled":  job.Enabled,
		"priority": job.Priority.String(),
		"next_run": formatNext(e.job.NextRun),
	}).Info("Job registered")

	return e.job.Clone(), nil
}

// Update replaces the definition of an existing job, keeping its creation
// time and last run, then recomputes NextRun.
func (r *Registry) Update(job types.ScheduledJob, now time.Time) (types.ScheduledJob, error) {
	job = job.Clone()
	if err := r.validateShape(&job); err != nil {
		return types.ScheduledJob{}, err
	}
	e, ok := r.jobs[job.ID]
	if !ok {
		return types.ScheduledJob{}, fmt.Errorf("%w: %s", types.ErrJobNotFound, job.ID)
	}
	if err := r.validateDependencies(job); err != nil {
		return types.ScheduledJob{}, err
	}

	job.CreatedAt = e.job.CreatedAt
	job.LastRun = e.job.LastRun
	job.RetryOf = e.job.RetryOf
	job.RetryCount = e.job.RetryCount
	e.job = job
	r.recompute(e, now)

	// Pending retries are attempts of the same run and gate on the same edges.
	for _, rid := range r.retriesOf(job.ID) {
		r.jobs[rid].job.Dependencies = append([]string(nil), job.Dependencies...)
	}

	r.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"next_run": formatNext(e.job.NextRun),
	}).Info("Job updated")

	return e.job.Clone(), nil
}

// Remove deletes a job together with its pending retries. Jobs that other
// user defined jobs depend on cannot be removed.
func (r *Registry) Remove(jobID string) error {
	e, ok := r.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrJobNotFound, jobID)
	}
	if dependents := r.dependentsOf(jobID); len(dependents) > 0 {
		return fmt.Errorf("%w: %s is required by %s", types.ErrDependencyInUse, jobID, strings.Join(dependents, ", "))
	}

	removed := []string{jobID}
	if !e.job.IsRetry() {
		removed = append(removed, r.retriesOf(jobID)...)
	}
	for _, id := range removed {
		r.drop(id)
	}
	for _, id := range r.order {
		if rj := &r.jobs[id].job; rj.IsRetry() {
			rj.Dependencies = without(rj.Dependencies, jobID)
		}
	}

	r.logger.WithFields(logrus.Fields{
		"job_id":          jobID,
		"dropped_retries": len(removed) - 1,
	}).Info("Job removed")
	return nil
}

func (r *Registry) drop(jobID string) {
	delete(r.jobs, jobID)
	for i, id := range r.order {
		if id == jobID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// SetEnabled toggles a job. Disabled jobs always have a nil NextRun.
func (r *Registry) SetEnabled(jobID string, enabled bool, now time.Time) (types.ScheduledJob, error) {
	e, ok := r.jobs[jobID]
	if !ok {
		return types.ScheduledJob{}, fmt.Errorf("%w: %s", types.ErrJobNotFound, jobID)
	}
	e.job.Enabled = enabled
	r.recompute(e, now)
	r.logger.WithFields(logrus.Fields{
		"job_id":   jobID,
		"enabled":  enabled,
		"next_run": formatNext(e.job.NextRun),
	}).Info("Job enabled state changed")
	return e.job.Clone(), nil
}

// MarkRan records a launch at when and recomputes NextRun, so the same
// trigger can never be selected twice.
func (r *Registry) MarkRan(jobID string, when time.Time) error {
	e, ok := r.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrJobNotFound, jobID)
	}
	w := when.UTC()
	e.job.LastRun = &w
	r.recompute(e, when)
	return nil
}

// ListDue returns enabled jobs whose NextRun is at or before now, in
// registration order. isRunning is asked about each job's root, so a job is
// skipped while it or any retry of it is running.
func (r *Registry) ListDue(now time.Time, isRunning func(jobID string) bool) []types.ScheduledJob {
	var due []types.ScheduledJob
	for _, id := range r.order {
		e := r.jobs[id]
		if !e.job.Enabled || e.job.NextRun == nil || e.job.NextRun.After(now) {
			continue
		}
		if isRunning != nil && isRunning(e.job.RootID()) {
			continue
		}
		due = append(due, e.job.Clone())
	}
	return due
}

func (r *Registry) Get(jobID string) (types.ScheduledJob, error) {
	e, ok := r.jobs[jobID]
	if !ok {
		return types.ScheduledJob{}, fmt.Errorf("%w: %s", types.ErrJobNotFound, jobID)
	}
	return e.job.Clone(), nil
}

// LastError returns the most recent schedule evaluation error for a job.
func (r *Registry) LastError(jobID string) error {
	if e, ok := r.jobs[jobID]; ok {
		return e.lastError
	}
	return nil
}

// List returns every job in registration order.
func (r *Registry) List() []types.ScheduledJob {
	out := make([]types.ScheduledJob, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.jobs[id].job.Clone())
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.jobs)
}

// Load replaces the registry contents with jobs. Every record is validated
// against the full set first; if any record fails nothing is loaded.
func (r *Registry) Load(jobs []types.ScheduledJob, now time.Time) error {
	staged := New(r.calc, r.logger)
	var errs []error

	for _, job := range jobs {
		job = job.Clone()
		if err := staged.validateShape(&job); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, exists := staged.jobs[job.ID]; exists {
			errs = append(errs, fmt.Errorf("%w: %s", types.ErrDuplicateJob, job.ID))
			continue
		}
		if job.CreatedAt.IsZero() {
			job.CreatedAt = now.UTC()
		}
		staged.jobs[job.ID] = &entry{job: job}
		staged.order = append(staged.order, job.ID)
	}

	for _, id := range staged.order {
		job := staged.jobs[id].job
		for _, dep := range job.Dependencies {
			if _, ok := staged.jobs[dep]; !ok {
				errs = append(errs, fmt.Errorf("%w: job %s depends on %s", types.ErrUnknownDependency, id, dep))
			}
		}
	}
	if cycle := staged.findCycle(); cycle != nil {
		errs = append(errs, fmt.Errorf("%w: %s", types.ErrCyclicDependency, strings.Join(cycle, " -> ")))
	}
	if len(errs) > 0 {
		return fmt.Errorf("job definitions rejected: %w", errors.Join(errs...))
	}

	for _, id := range staged.order {
		staged.recompute(staged.jobs[id], now)
	}
	r.jobs = staged.jobs
	r.order = staged.order

	r.logger.WithField("job_count", len(r.order)).Info("Job definitions loaded")
	return nil
}

func (r *Registry) validateShape(job *types.ScheduledJob) error {
	job.ID = strings.TrimSpace(job.ID)
	if job.ID == "" {
		return fmt.Errorf("%w: id is required", types.ErrInvalidJob)
	}
	if job.MaxRetries < 0 || job.RetryBaseDelay < 0 || job.Timeout < 0 {
		return fmt.Errorf("%w: job %s: retries, delays and timeouts must be >= 0", types.ErrInvalidJob, job.ID)
	}
	if job.Format == "" {
		job.Format = types.FormatPDF
	}
	if err := r.calc.Validate(job.ScheduleKind, job.ScheduleExpression); err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}
	seen := make(map[string]struct{}, len(job.Dependencies))
	deps := job.Dependencies[:0:0]
	for _, dep := range job.Dependencies {
		dep = strings.TrimSpace(dep)
		if dep == job.ID {
			return fmt.Errorf("%w: job %s depends on itself", types.ErrCyclicDependency, job.ID)
		}
		if _, dup := seen[dep]; dup || dep == "" {
			continue
		}
		seen[dep] = struct{}{}
		deps = append(deps, dep)
	}
	job.Dependencies = deps
	return nil
}

// validateDependencies checks that every dependency exists and that adding
// or replacing job keeps the graph acyclic.
func (r *Registry) validateDependencies(job types.ScheduledJob) error {
	for _, dep := range job.Dependencies {
		if _, ok := r.jobs[dep]; !ok {
			return fmt.Errorf("%w: job %s depends on %s", types.ErrUnknownDependency, job.ID, dep)
		}
	}
	if path := r.pathTo(job.Dependencies, job.ID, job.ID); path != nil {
		return fmt.Errorf("%w: %s", types.ErrCyclicDependency, strings.Join(append([]string{job.ID}, path...), " -> "))
	}
	return nil
}

// pathTo runs a depth-first search from each of starts along dependency
// edges and returns the path that reaches target. skip names the job whose
// stored edges are being replaced and are therefore ignored.
func (r *Registry) pathTo(starts []string, target, skip string) []string {
	visited := make(map[string]bool)
	var visit func(id string) []string
	visit = func(id string) []string {
		if id == target {
			return []string{id}
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		e, ok := r.jobs[id]
		if !ok || id == skip {
			return nil
		}
		for _, dep := range e.job.Dependencies {
			if p := visit(dep); p != nil {
				return append([]string{id}, p...)
			}
		}
		return nil
	}
	for _, s := range starts {
		if p := visit(s); p != nil {
			return p
		}
	}
	return nil
}

// findCycle returns one cycle in the whole graph, or nil.
func (r *Registry) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(r.jobs))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		e, ok := r.jobs[id]
		if ok {
			for _, dep := range e.job.Dependencies {
				switch color[dep] {
				case grey:
					for i, s := range stack {
						if s == dep {
							cycle = append(append([]string(nil), stack[i:]...), dep)
							break
						}
					}
					return true
				case white:
					if _, known := r.jobs[dep]; known && visit(dep) {
						return true
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range r.order {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// dependentsOf lists the user defined jobs that depend on jobID. Retry jobs
// only mirror their root's edges and never pin a dependency.
func (r *Registry) dependentsOf(jobID string) []string {
	var out []string
	for _, id := range r.order {
		if r.jobs[id].job.IsRetry() {
			continue
		}
		for _, dep := range r.jobs[id].job.Dependencies {
			if dep == jobID {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

func (r *Registry) retriesOf(rootID string) []string {
	var out []string
	for _, id := range r.order {
		if r.jobs[id].job.RetryOf == rootID {
			out = append(out, id)
		}
	}
	return out
}

func without(ids []string, drop string) []string {
	out := ids[:0:0]
	for _, id := range ids {
		if id != drop {
			out = append(out, id)
		}
	}
	return out
}

// recompute refreshes NextRun after any change to LastRun, Enabled or the
// schedule itself.
func (r *Registry) recompute(e *entry, now time.Time) {
	if !e.job.Enabled {
		e.job.NextRun = nil
		e.lastError = nil
		return
	}
	ref := now
	if e.job.ScheduleKind == types.ScheduleOnce {
		ref = e.job.CreatedAt
	}
	next, err := r.calc.NextTrigger(e.job.ScheduleKind, e.job.ScheduleExpression, ref, e.job.LastRun)
	e.job.NextRun = next
	e.lastError = err
	if err != nil {
		r.logger.WithFields(logrus.Fields{
			"job_id": e.job.ID,
			"error":  err.Error(),
		}).Error("Failed to compute next run")
	}
}

func formatNext(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format(time.RFC3339)
}
