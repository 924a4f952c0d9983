// Package dispatcher runs the scheduling loop: it finds due jobs, gates them
// on their dependencies, orders them by priority and launches executions up
// to a global concurrency ceiling.
//
// One goroutine owns the job registry. Public methods that read or mutate
// jobs are submitted to that goroutine as messages while the dispatcher is
// running, and run directly under a mutex while it is stopped.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0xPuncker/report-scheduler/internal/dependency"
	"github.com/0xPuncker/report-scheduler/internal/ledger"
	"github.com/0xPuncker/report-scheduler/internal/registry"
	"github.com/0xPuncker/report-scheduler/internal/retry"
	"github.com/0xPuncker/report-scheduler/pkg/types"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

const (
	DefaultTickInterval      = 60 * time.Second
	DefaultMaxConcurrentJobs = 5
	DefaultRetryJobTTL       = time.Hour
)

type Config struct {
	TickInterval      time.Duration
	MaxConcurrentJobs int
	FreshnessWindow   time.Duration
	// RetryJobTTL is how long a finished retry job stays visible before it
	// is pruned from the registry. Zero prunes it as soon as it finishes.
	RetryJobTTL    time.Duration
	DefaultTimeout time.Duration
}

// Persister writes user defined job definitions back to storage.
type Persister interface {
	Save(jobs []types.ScheduledJob) error
}

type Option func(*Dispatcher)

func WithNotifier(n types.Notifier) Option {
	return func(d *Dispatcher) { d.notifier = n }
}

func WithPersister(p Persister) Option {
	return func(d *Dispatcher) { d.persister = p }
}

// WithClock replaces time.Now for scheduling decisions.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// session is the state of one Start/Stop cycle.
type session struct {
	reqs     chan func(*session)
	done     chan completion
	stop     chan struct{}
	loopDone chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	workers  sync.WaitGroup
	// running maps execution id to the cancel func of its worker. Loop only.
	running map[string]context.CancelFunc
}

type completion struct {
	job  types.ScheduledJob
	exec types.JobExecution
}

type Dispatcher struct {
	logger      *logrus.Logger
	registry    *registry.Registry
	ledger      *ledger.Ledger
	resolver    *dependency.Resolver
	retries     *retry.Manager
	generator   types.Generator
	distributor types.Distributor
	notifier    types.Notifier
	persister   Persister
	now         func() time.Time

	tickInterval   time.Duration
	maxConcurrent  int
	defaultTimeout time.Duration
	retryTTL       time.Duration
	retired        *cache.Cache

	mu       sync.RWMutex
	directMu sync.Mutex
	sess     *session

	activeJobs atomic.Int32
}

func New(
	logger *logrus.Logger,
	cfg Config,
	reg *registry.Registry,
	led *ledger.Ledger,
	generator types.Generator,
	distributor types.Distributor,
	opts ...Option,
) *Dispatcher {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}

	d := &Dispatcher{
		logger:         logger,
		registry:       reg,
		ledger:         led,
		resolver:       dependency.NewResolver(cfg.FreshnessWindow),
		generator:      generator,
		distributor:    distributor,
		now:            time.Now,
		tickInterval:   cfg.TickInterval,
		maxConcurrent:  cfg.MaxConcurrentJobs,
		defaultTimeout: cfg.DefaultTimeout,
		retryTTL:       cfg.RetryJobTTL,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.retries = retry.NewManager(logger, d.now)

	// No janitor: expired entries are only swept from the loop, so the
	// eviction callback may touch the registry.
	d.retired = cache.New(cache.NoExpiration, 0)
	d.retired.OnEvicted(func(jobID string, _ interface{}) {
		d.pruneRetryJob(jobID)
	})
	return d
}

func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.sess != nil {
		return types.ErrSchedulerRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		reqs:     make(chan func(*session)),
		done:     make(chan completion),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		running:  make(map[string]context.CancelFunc),
	}
	d.sess = s
	go d.loop(s)

	d.logger.WithFields(logrus.Fields{
		"tick_interval":       d.tickInterval.String(),
		"max_concurrent_jobs": d.maxConcurrent,
		"freshness_window":    d.resolver.Window().String(),
	}).Info("Scheduler started...")
	return nil
}

// Stop cancels every running execution, waits until each one has reached a
// terminal state and then persists the job definitions.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.sess
	if s == nil {
		return
	}
	close(s.stop)
	<-s.loopDone
	d.sess = nil

	d.persist()
	d.logger.Info("Scheduler stopped")
}

func (d *Dispatcher) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sess != nil
}

// Running returns the number of executions currently holding a concurrency slot.
func (d *Dispatcher) Running() int {
	return int(d.activeJobs.Load())
}

func (d *Dispatcher) loop(s *session) {
	defer close(s.loopDone)

	ticker := time.NewTicker(d.tickInterval)
	defer ticker.Stop()

	d.tick(s)

	for {
		select {
		case <-ticker.C:
			d.tick(s)
		case fn := <-s.reqs:
			fn(s)
		case c := <-s.done:
			d.complete(s, c)
		case <-s.stop:
			d.shutdown(s)
			return
		}
	}
}

// submit runs fn on the loop goroutine, or directly when the loop is not
// running. fn receives a nil session in the latter case.
func (d *Dispatcher) submit(ctx context.Context, fn func(*session)) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := d.sess
	if s == nil {
		d.directMu.Lock()
		defer d.directMu.Unlock()
		fn(nil)
		return nil
	}

	done := make(chan struct{})
	select {
	case s.reqs <- func(s *session) {
		defer close(done)
		fn(s)
	}:
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// Trigger runs one scheduling pass immediately.
func (d *Dispatcher) Trigger(ctx context.Context) error {
	var err error
	if serr := d.submit(ctx, func(s *session) {
		if s == nil {
			err = types.ErrSchedulerStopped
			return
		}
		d.tick(s)
	}); serr != nil {
		return serr
	}
	return err
}

func (d *Dispatcher) tick(s *session) {
	now := d.now()
	d.retired.DeleteExpired()

	due := d.registry.ListDue(now, d.ledger.IsRunning)
	if len(due) == 0 {
		return
	}

	ready := due[:0]
	for _, job := range due {
		if ok, unmet := d.resolver.IsSatisfied(job, d.ledger, now); !ok {
			d.logger.WithFields(logrus.Fields{
				"job_id":       job.ID,
				"dependencies": unmet,
			}).Info("Dependencies not satisfied, postponing job")
			continue
		}
		ready = append(ready, job)
	}

	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].NextRun.Before(*ready[j].NextRun)
	})

	for i, job := range ready {
		// A root and its retry can be due together; only one may run.
		if d.ledger.IsRunning(job.RootID()) {
			d.logger.WithFields(logrus.Fields{
				"job_id":  job.ID,
				"root_id": job.RootID(),
			}).Debug("Run of the same job in flight, deferring to next tick")
			continue
		}
		if len(s.running) >= d.maxConcurrent {
			d.logger.WithFields(logrus.Fields{
				"active_jobs": len(s.running),
				"deferred":    len(ready) - i,
			}).Debug("Max concurrent jobs reached, deferring to next tick")
			return
		}
		d.launch(s, job, now)
	}
}

func (d *Dispatcher) launch(s *session, job types.ScheduledJob, now time.Time) {
	exec := d.ledger.StartAttempt(job.ID, job.RootID(), job.RetryCount, now)
	if err := d.registry.MarkRan(job.ID, now); err != nil {
		d.logger.WithFields(logrus.Fields{
			"job_id": job.ID,
			"error":  err.Error(),
		}).Error("Failed to mark job as ran")
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.running[exec.ID] = cancel
	d.activeJobs.Add(1)
	s.workers.Add(1)
	go d.execute(ctx, s, job, exec)

	d.logger.WithFields(logrus.Fields{
		"job_id":       job.ID,
		"execution_id": exec.ID,
		"priority":     job.Priority.String(),
		"retry_count":  exec.RetryCount,
		"active_jobs":  len(s.running),
	}).Info("Starting job execution")
}

func (d *Dispatcher) complete(s *session, c completion) {
	if cancel, ok := s.running[c.exec.ID]; ok {
		cancel()
		delete(s.running, c.exec.ID)
		d.activeJobs.Add(-1)
	}

	fields := logrus.Fields{
		"job_id":       c.job.ID,
		"execution_id": c.exec.ID,
		"retry_count":  c.exec.RetryCount,
		"duration":     formatDuration(c.exec.Duration()),
	}

	switch c.exec.Status {
	case types.StatusCompleted:
		d.logger.WithFields(fields).Info("Job execution completed successfully")
		d.notify(types.EventJobCompleted, c.job, c.exec)
	case types.StatusFailed:
		fields["error_kind"] = c.exec.ErrorKind
		fields["error"] = c.exec.ErrorMessage
		d.logger.WithFields(fields).Error("Job execution failed")
		d.notify(types.EventJobFailed, c.job, c.exec)
		d.handleFailure(c.job, c.exec)
	case types.StatusCancelled:
		d.logger.WithFields(fields).Warn("Job execution cancelled")
		if c.job.IsRetry() {
			d.rearm(c.job)
		}
	}

	if c.job.IsRetry() {
		d.retire(c.job.ID)
	}
}

// rearm puts a cancelled retry attempt back in the registry so the retry
// chain resumes on the next Start instead of being dropped.
func (d *Dispatcher) rearm(job types.ScheduledJob) {
	if _, err := d.registry.Get(job.RetryOf); err != nil {
		return
	}
	if _, err := d.registry.Register(d.retries.Rearm(job), d.now()); err != nil {
		d.logger.WithFields(logrus.Fields{
			"job_id": job.ID,
			"error":  err.Error(),
		}).Error("Failed to re-arm cancelled retry")
	}
}

func (d *Dispatcher) handleFailure(job types.ScheduledJob, exec types.JobExecution) {
	decision := d.retries.OnFailure(job, exec)
	switch decision.Action {
	case retry.ActionScheduleRetry:
		if _, err := d.registry.Get(job.RootID()); err != nil {
			d.logger.WithField("job_id", job.RootID()).Info("Job removed, dropping retry")
			return
		}
		if _, err := d.registry.Register(*decision.Job, d.now()); err != nil {
			d.logger.WithFields(logrus.Fields{
				"job_id": job.ID,
				"error":  err.Error(),
			}).Error("Failed to register retry job")
		}
	case retry.ActionPermanentFailure:
		root := job.RootID()
		msg := fmt.Sprintf("%v after %d retries: %s", types.ErrPermanentFailure, exec.RetryCount, exec.ErrorMessage)
		d.ledger.RecordAudit(types.AuditEntry{
			At:          d.now().UTC(),
			JobID:       root,
			ExecutionID: exec.ID,
			Event:       types.EventJobPermanentlyFailed,
			Message:     msg,
		})
		d.logger.WithFields(logrus.Fields{
			"job_id":       root,
			"execution_id": exec.ID,
			"audit":        true,
			"error":        msg,
		}).Error("Job permanently failed")
		d.notify(types.EventJobPermanentlyFailed, job, exec)
	}
}

func (d *Dispatcher) retire(jobID string) {
	if d.retryTTL <= 0 {
		d.pruneRetryJob(jobID)
		return
	}
	d.retired.Set(jobID, struct{}{}, d.retryTTL)
}

func (d *Dispatcher) pruneRetryJob(jobID string) {
	if err := d.registry.Remove(jobID); err != nil && !errors.Is(err, types.ErrJobNotFound) {
		d.logger.WithFields(logrus.Fields{
			"job_id": jobID,
			"error":  err.Error(),
		}).Warn("Failed to prune retry job")
		return
	}
	d.logger.WithField("job_id", jobID).Debug("Pruned finished retry job")
}

func (d *Dispatcher) shutdown(s *session) {
	d.logger.WithField("active_jobs", len(s.running)).Info("Stopping scheduler, cancelling running executions")
	s.cancel()
	for len(s.running) > 0 {
		d.complete(s, <-s.done)
	}
	s.workers.Wait()
}

func (d *Dispatcher) notify(kind types.EventKind, job types.ScheduledJob, exec types.JobExecution) {
	if d.notifier == nil {
		return
	}
	ev := types.Event{Kind: kind, Job: job, Execution: exec}
	go d.notifier.Notify(context.Background(), ev)
}

func (d *Dispatcher) persist() {
	if d.persister == nil {
		return
	}
	all := d.registry.List()
	jobs := all[:0]
	for _, job := range all {
		if !job.IsRetry() {
			jobs = append(jobs, job)
		}
	}
	if err := d.persister.Save(jobs); err != nil {
		d.logger.WithField("error", err.Error()).Error("Failed to persist job definitions")
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%.2fµs", float64(d.Nanoseconds())/1000)
	} else if d < time.Second {
		return fmt.Sprintf("%.2fms", float64(d.Microseconds())/1000)
	} else if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm%ds", minutes, seconds)
}
