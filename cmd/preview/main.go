// Command preview validates a job definitions file and prints the upcoming
// trigger times of every job without running anything.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/0xPuncker/report-scheduler/internal/registry"
	"github.com/0xPuncker/report-scheduler/internal/schedule"
	"github.com/0xPuncker/report-scheduler/internal/store"
	"github.com/0xPuncker/report-scheduler/pkg/types"
	"github.com/sirupsen/logrus"
)

func main() {
	jobsFile := flag.String("jobs", "config/jobs.yaml", "path to job definitions file")
	count := flag.Int("n", 3, "number of upcoming triggers to print per job")
	timezone := flag.String("tz", "UTC", "time zone for cron expressions")
	flag.Parse()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	calc, err := schedule.LoadCalculator(*timezone)
	if err != nil {
		fmt.Printf("Timezone error: %v\n", err)
		os.Exit(1)
	}

	jobs, err := store.NewFileStore(*jobsFile, logger).Load()
	if err != nil {
		fmt.Printf("Load error: %v\n", err)
		os.Exit(1)
	}

	now := time.Now().UTC()
	reg := registry.New(calc, logger)
	if err := reg.Load(jobs, now); err != nil {
		fmt.Printf("Validation error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%d jobs valid in %s\n", reg.Len(), *jobsFile)
	for _, job := range reg.List() {
		fmt.Printf("\n%s [%s %q] priority=%s enabled=%t\n",
			job.ID, job.ScheduleKind, job.ScheduleExpression, job.Priority, job.Enabled)
		if len(job.Dependencies) > 0 {
			fmt.Printf("  depends on: %v\n", job.Dependencies)
		}
		if !job.Enabled {
			continue
		}
		for i, at := range upcoming(calc, job, now, *count) {
			fmt.Printf("  %d. %s\n", i+1, at.In(calc.Location()).Format(time.RFC1123))
		}
	}
}

func upcoming(calc *schedule.Calculator, job types.ScheduledJob, now time.Time, n int) []time.Time {
	var out []time.Time
	ref := now
	if job.ScheduleKind == types.ScheduleOnce {
		ref = job.CreatedAt
	}
	lastRun := job.LastRun
	for len(out) < n {
		next, err := calc.NextTrigger(job.ScheduleKind, job.ScheduleExpression, ref, lastRun)
		if err != nil || next == nil {
			break
		}
		out = append(out, *next)
		ref = *next
		at := *next
		lastRun = &at
	}
	return out
}
