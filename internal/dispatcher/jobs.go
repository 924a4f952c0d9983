package dispatcher

import (
	"context"

	"github.com/0xPuncker/report-scheduler/pkg/types"
)

// LoadJobs replaces the registered jobs with a batch of definitions, all or
// nothing. It is used for the jobs file at startup.
func (d *Dispatcher) LoadJobs(ctx context.Context, jobs []types.ScheduledJob) error {
	var err error
	if serr := d.submit(ctx, func(*session) {
		err = d.registry.Load(jobs, d.now())
	}); serr != nil {
		return serr
	}
	return err
}

func (d *Dispatcher) Register(ctx context.Context, job types.ScheduledJob) (types.ScheduledJob, error) {
	var (
		out types.ScheduledJob
		err error
	)
	if serr := d.submit(ctx, func(*session) {
		out, err = d.registry.Register(job, d.now())
		if err == nil {
			d.persist()
		}
	}); serr != nil {
		return types.ScheduledJob{}, serr
	}
	return out, err
}

func (d *Dispatcher) Update(ctx context.Context, job types.ScheduledJob) (types.ScheduledJob, error) {
	var (
		out types.ScheduledJob
		err error
	)
	if serr := d.submit(ctx, func(*session) {
		out, err = d.registry.Update(job, d.now())
		if err == nil {
			d.persist()
		}
	}); serr != nil {
		return types.ScheduledJob{}, serr
	}
	return out, err
}

func (d *Dispatcher) Remove(ctx context.Context, jobID string) error {
	var err error
	if serr := d.submit(ctx, func(*session) {
		err = d.registry.Remove(jobID)
		if err == nil {
			d.persist()
		}
	}); serr != nil {
		return serr
	}
	return err
}

func (d *Dispatcher) SetEnabled(ctx context.Context, jobID string, enabled bool) (types.ScheduledJob, error) {
	var (
		out types.ScheduledJob
		err error
	)
	if serr := d.submit(ctx, func(*session) {
		out, err = d.registry.SetEnabled(jobID, enabled, d.now())
		if err == nil {
			d.persist()
		}
	}); serr != nil {
		return types.ScheduledJob{}, serr
	}
	return out, err
}

func (d *Dispatcher) Job(ctx context.Context, jobID string) (types.ScheduledJob, error) {
	var (
		out types.ScheduledJob
		err error
	)
	if serr := d.submit(ctx, func(*session) {
		out, err = d.registry.Get(jobID)
	}); serr != nil {
		return types.ScheduledJob{}, serr
	}
	return out, err
}

func (d *Dispatcher) Jobs(ctx context.Context) ([]types.ScheduledJob, error) {
	var out []types.ScheduledJob
	if err := d.submit(ctx, func(*session) {
		out = d.registry.List()
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// JobError returns the last schedule computation error recorded for a job.
func (d *Dispatcher) JobError(ctx context.Context, jobID string) error {
	var err error
	if serr := d.submit(ctx, func(*session) {
		err = d.registry.LastError(jobID)
	}); serr != nil {
		return serr
	}
	return err
}

func (d *Dispatcher) ExecutionsForJob(jobID string) []types.JobExecution {
	return d.ledger.ByJob(jobID)
}

// Executions filters by status; an empty status returns everything.
func (d *Dispatcher) Executions(status types.ExecutionStatus) []types.JobExecution {
	return d.ledger.ByStatus(status)
}

func (d *Dispatcher) Execution(executionID string) (types.JobExecution, error) {
	return d.ledger.Get(executionID)
}

func (d *Dispatcher) Audit() []types.AuditEntry {
	return d.ledger.Audit()
}
