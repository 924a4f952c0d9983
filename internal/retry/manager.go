// Package retry decides what happens after a failed execution: a backoff
// retry scheduled as a derived one-shot job, or a permanent failure.
package retry

import (
	"fmt"
	"math"
	"time"

	"github.com/0xPuncker/report-scheduler/internal/schedule"
	"github.com/0xPuncker/report-scheduler/pkg/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Action int

const (
	ActionScheduleRetry Action = iota
	ActionPermanentFailure
)

func (a Action) String() string {
	if a == ActionScheduleRetry {
		return "schedule_retry"
	}
	return "permanent_failure"
}

// Decision is the outcome of OnFailure. Job is set only for ActionScheduleRetry.
type Decision struct {
	Action Action
	Delay  time.Duration
	Job    *types.ScheduledJob
}

type Manager struct {
	logger *logrus.Logger
	now    func() time.Time
}

func NewManager(logger *logrus.Logger, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{logger: logger, now: now}
}

// Delay returns base * 2^retryCount, saturating instead of overflowing.
func Delay(base time.Duration, retryCount int) time.Duration {
	if base <= 0 || retryCount < 0 {
		return 0
	}
	if retryCount >= 62 {
		return math.MaxInt64
	}
	factor := time.Duration(1) << uint(retryCount)
	if base > math.MaxInt64/factor {
		return math.MaxInt64
	}
	return base * factor
}

// OnFailure decides the follow-up for a failed execution of job. Retry jobs
// carry the root job's retry budget, so the chain stops after MaxRetries
// retries no matter which link failed.
func (m *Manager) OnFailure(job types.ScheduledJob, exec types.JobExecution) Decision {
	fields := logrus.Fields{
		"job_id":       job.ID,
		"execution_id": exec.ID,
		"retry_count":  exec.RetryCount,
		"max_retries":  job.MaxRetries,
	}

	if exec.RetryCount >= job.MaxRetries {
		m.logger.WithFields(fields).Warn("Retries exhausted")
		return Decision{Action: ActionPermanentFailure}
	}

	delay := Delay(job.RetryBaseDelay, exec.RetryCount)
	now := m.now()
	retryJob := m.derive(job, exec.RetryCount+1, now, now.Add(delay))

	fields["delay"] = delay.String()
	fields["retry_job_id"] = retryJob.ID
	m.logger.WithFields(fields).Info("Retry scheduled")

	return Decision{Action: ActionScheduleRetry, Delay: delay, Job: &retryJob}
}

// Rearm replaces a retry attempt that was cancelled before it finished. The
// replacement keeps the retry count, so the budget is not charged, and is due
// immediately.
func (m *Manager) Rearm(job types.ScheduledJob) types.ScheduledJob {
	now := m.now()
	rearmed := m.derive(job, job.RetryCount, now, now)
	m.logger.WithFields(logrus.Fields{
		"job_id":       job.ID,
		"retry_job_id": rearmed.ID,
		"retry_count":  job.RetryCount,
	}).Info("Cancelled retry re-armed")
	return rearmed
}

func (m *Manager) derive(job types.ScheduledJob, retryCount int, now, at time.Time) types.ScheduledJob {
	root := job.ID
	if job.IsRetry() {
		root = job.RetryOf
	}
	derived := job.Clone()
	derived.ID = fmt.Sprintf("%s-retry%d-%s", root, retryCount, uuid.NewString()[:8])
	derived.Name = fmt.Sprintf("%s retry %d", root, retryCount)
	derived.ScheduleKind = types.ScheduleOnce
	derived.ScheduleExpression = schedule.FormatOnce(at)
	derived.Enabled = true
	derived.CreatedAt = now.UTC()
	derived.LastRun = nil
	derived.NextRun = nil
	derived.RetryOf = root
	derived.RetryCount = retryCount
	return derived
}
