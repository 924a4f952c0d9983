package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/0xPuncker/report-scheduler/pkg/types"
	"github.com/sirupsen/logrus"
)

type outcome struct {
	status  types.ExecutionStatus
	kind    types.ErrorKind
	message string
}

type workResult struct {
	kind types.ErrorKind
	err  error
}

// execute runs one execution on its own goroutine and reports the terminal
// record back to the loop. It always sends exactly one completion.
func (d *Dispatcher) execute(ctx context.Context, s *session, job types.ScheduledJob, exec types.JobExecution) {
	defer s.workers.Done()

	out := d.perform(ctx, job, exec)

	final, err := d.ledger.Finish(exec.ID, out.status, out.kind, out.message, d.now())
	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"job_id":       job.ID,
			"execution_id": exec.ID,
			"error":        err.Error(),
		}).Error("Failed to record execution result")
		if current, gerr := d.ledger.Get(exec.ID); gerr == nil {
			final = current
		} else {
			final = exec
		}
	}

	s.done <- completion{job: job, exec: final}
}

// perform bounds the work by the job timeout. The collaborators run on an
// inner goroutine so that a call ignoring its context cannot hold the
// execution past its deadline or past shutdown.
func (d *Dispatcher) perform(ctx context.Context, job types.ScheduledJob, exec types.JobExecution) outcome {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result := make(chan workResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.WithFields(logrus.Fields{
					"job_id":       job.ID,
					"execution_id": exec.ID,
					"panic":        r,
					"stack":        string(debug.Stack()),
				}).Error("Recovered from panic in job execution")
				result <- workResult{kind: types.ErrorKindPanic, err: fmt.Errorf("panic: %v", r)}
			}
		}()
		kind, err := d.work(runCtx, job, exec)
		result <- workResult{kind: kind, err: err}
	}()

	select {
	case r := <-result:
		if r.err == nil {
			return outcome{status: types.StatusCompleted}
		}
		if ctx.Err() != nil {
			return cancelled()
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return timedOut(timeout)
		}
		return outcome{status: types.StatusFailed, kind: r.kind, message: r.err.Error()}
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return cancelled()
		}
		return timedOut(timeout)
	}
}

// work generates the report and then hands it to the distributor. Nothing is
// distributed when generation fails.
func (d *Dispatcher) work(ctx context.Context, job types.ScheduledJob, exec types.JobExecution) (types.ErrorKind, error) {
	content, err := d.generator.Generate(ctx, job.TemplateID, job.Parameters, job.Format)
	if err != nil {
		return types.ErrorKindGeneration, fmt.Errorf("%w: %v", types.ErrGenerationFailed, err)
	}

	metadata := map[string]any{
		"job_id":       job.ID,
		"job_name":     job.Name,
		"execution_id": exec.ID,
		"template_id":  job.TemplateID,
		"retry_count":  exec.RetryCount,
		"generated_at": d.now().UTC().Format(time.RFC3339),
	}
	if job.IsRetry() {
		metadata["retry_of"] = job.RetryOf
	}

	res, err := d.distributor.Distribute(ctx, exec.ID, content, string(job.Format), job.RuleID, metadata)
	if err != nil {
		return types.ErrorKindDistribution, fmt.Errorf("%w: %v", types.ErrDistributionFailed, err)
	}
	if !res.Success {
		return types.ErrorKindDistribution, fmt.Errorf("%w: %s", types.ErrDistributionFailed, failedDeliveries(res))
	}
	return types.ErrorKindNone, nil
}

func failedDeliveries(res types.DistributionResult) string {
	var parts []string
	for _, dl := range res.Deliveries {
		if dl.Success {
			continue
		}
		part := dl.Channel
		if dl.Target != "" {
			part += " " + dl.Target
		}
		if dl.Error != "" {
			part += ": " + dl.Error
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return "distributor reported failure"
	}
	return strings.Join(parts, "; ")
}

func cancelled() outcome {
	return outcome{
		status:  types.StatusCancelled,
		kind:    types.ErrorKindCancelled,
		message: "execution cancelled: scheduler stopping",
	}
}

func timedOut(timeout time.Duration) outcome {
	return outcome{
		status:  types.StatusFailed,
		kind:    types.ErrorKindTimeout,
		message: fmt.Sprintf("%v: exceeded %s", types.ErrTimeout, timeout),
	}
}
