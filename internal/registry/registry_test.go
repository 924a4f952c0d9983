package registry

import (
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/0xPuncker/report-scheduler/internal/schedule"
	"github.com/0xPuncker/report-scheduler/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

func newTestRegistry() *Registry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(schedule.NewCalculator(time.UTC), logger)
}

func intervalJob(id string, deps ...string) types.ScheduledJob {
	return types.ScheduledJob{
		ID:                 id,
		ScheduleKind:       types.ScheduleInterval,
		ScheduleExpression: "3600",
		Enabled:            true,
		Dependencies:       deps,
		TemplateID:         "tpl-" + id,
		RuleID:             "rule-" + id,
	}
}

func TestRegisterComputesNextRun(t *testing.T) {
	r := newTestRegistry()

	job, err := r.Register(intervalJob("daily-sales"), baseTime)
	require.NoError(t, err)
	require.NotNil(t, job.NextRun)
	assert.Equal(t, baseTime.Add(time.Hour), *job.NextRun)
	assert.Equal(t, baseTime, job.CreatedAt)
	assert.Equal(t, types.FormatPDF, job.Format)
}

func TestRegisterRejectsInvalidDefinitions(t *testing.T) {
	tests := []struct {
		name    string
		job     types.ScheduledJob
		wantErr error
	}{
		{
			name:    "missing id",
			job:     types.ScheduledJob{ScheduleKind: types.ScheduleInterval, ScheduleExpression: "60"},
			wantErr: types.ErrInvalidJob,
		},
		{
			name:    "malformed cron",
			job:     types.ScheduledJob{ID: "a", ScheduleKind: types.ScheduleCron, ScheduleExpression: "not a cron"},
			wantErr: types.ErrInvalidScheduleExpression,
		},
		{
			name:    "unknown dependency",
			job:     intervalJob("a", "ghost"),
			wantErr: types.ErrUnknownDependency,
		},
		{
			name:    "self dependency",
			job:     intervalJob("a", "a"),
			wantErr: types.ErrCyclicDependency,
		},
		{
			name: "negative retries",
			job: types.ScheduledJob{
				ID: "a", ScheduleKind: types.ScheduleInterval, ScheduleExpression: "60", MaxRetries: -1,
			},
			wantErr: types.ErrInvalidJob,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry()
			_, err := r.Register(tt.job, baseTime)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, 0, r.Len())
		})
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Register(intervalJob("a"), baseTime)
	require.NoError(t, err)

	_, err = r.Register(intervalJob("a"), baseTime)
	assert.ErrorIs(t, err, types.ErrDuplicateJob)
}

func TestCycleRejectionLeavesRegistryUnchanged(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Register(intervalJob("job-b"), baseTime)
	require.NoError(t, err)
	_, err = r.Register(intervalJob("job-a", "job-b"), baseTime)
	require.NoError(t, err)

	before := r.List()

	_, err = r.Update(intervalJob("job-b", "job-a"), baseTime.Add(time.Minute))
	assert.ErrorIs(t, err, types.ErrCyclicDependency)
	assert.Equal(t, before, r.List())
}

func TestTransitiveCycleRejected(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Register(intervalJob("c"), baseTime)
	require.NoError(t, err)
	_, err = r.Register(intervalJob("b", "c"), baseTime)
	require.NoError(t, err)
	_, err = r.Register(intervalJob("a", "b"), baseTime)
	require.NoError(t, err)

	_, err = r.Update(intervalJob("c", "a"), baseTime)
	assert.ErrorIs(t, err, types.ErrCyclicDependency)

	got, err := r.Get("c")
	require.NoError(t, err)
	assert.Empty(t, got.Dependencies)
}

func TestUpdateKeepsLastRun(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Register(intervalJob("a"), baseTime)
	require.NoError(t, err)

	ran := baseTime.Add(time.Hour)
	require.NoError(t, r.MarkRan("a", ran))

	updated := intervalJob("a")
	updated.ScheduleExpression = "1800"
	job, err := r.Update(updated, ran.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, job.LastRun)
	assert.Equal(t, ran, *job.LastRun)
	assert.Equal(t, ran.Add(30*time.Minute), *job.NextRun)
	assert.Equal(t, baseTime, job.CreatedAt)
}

func TestUpdateUnknownJob(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Update(intervalJob("missing"), baseTime)
	assert.ErrorIs(t, err, types.ErrJobNotFound)
}

func TestRemove(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Register(intervalJob("base"), baseTime)
	require.NoError(t, err)
	_, err = r.Register(intervalJob("report", "base"), baseTime)
	require.NoError(t, err)

	err = r.Remove("base")
	assert.ErrorIs(t, err, types.ErrDependencyInUse)

	require.NoError(t, r.Remove("report"))
	require.NoError(t, r.Remove("base"))
	assert.Equal(t, 0, r.Len())

	assert.ErrorIs(t, r.Remove("base"), types.ErrJobNotFound)
}

func retryOf(root types.ScheduledJob, count int, at time.Time) types.ScheduledJob {
	rj := root.Clone()
	rj.ID = fmt.Sprintf("%s-retry%d", root.ID, count)
	rj.ScheduleKind = types.ScheduleOnce
	rj.ScheduleExpression = schedule.FormatOnce(at)
	rj.RetryOf = root.ID
	rj.RetryCount = count
	return rj
}

func TestRetryJobsDoNotPinDependencies(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Register(intervalJob("extract"), baseTime)
	require.NoError(t, err)
	report, err := r.Register(intervalJob("report", "extract"), baseTime)
	require.NoError(t, err)
	_, err = r.Register(retryOf(report, 1, baseTime.Add(time.Minute)), baseTime)
	require.NoError(t, err)

	err = r.Remove("extract")
	require.ErrorIs(t, err, types.ErrDependencyInUse)
	assert.NotContains(t, err.Error(), "report-retry1")

	report.Dependencies = nil
	_, err = r.Update(report, baseTime)
	require.NoError(t, err)

	rj, err := r.Get("report-retry1")
	require.NoError(t, err)
	assert.Empty(t, rj.Dependencies, "pending retries follow the root's edges")

	require.NoError(t, r.Remove("extract"))
}

func TestRemoveDropsPendingRetries(t *testing.T) {
	r := newTestRegistry()
	report, err := r.Register(intervalJob("report"), baseTime)
	require.NoError(t, err)
	_, err = r.Register(retryOf(report, 1, baseTime.Add(time.Minute)), baseTime)
	require.NoError(t, err)
	require.Equal(t, 2, r.Len())

	require.NoError(t, r.Remove("report"))
	assert.Equal(t, 0, r.Len())
	_, err = r.Get("report-retry1")
	assert.ErrorIs(t, err, types.ErrJobNotFound)
}

func TestListDueSkipsRetryWhileRootRuns(t *testing.T) {
	r := newTestRegistry()
	root, err := r.Register(intervalJob("extract"), baseTime)
	require.NoError(t, err)
	_, err = r.Register(retryOf(root, 1, baseTime), baseTime)
	require.NoError(t, err)

	isRunning := func(id string) bool { return id == "extract" }
	assert.Empty(t, r.ListDue(baseTime.Add(time.Hour), isRunning))
}

func TestDisabledJobHasNoNextRun(t *testing.T) {
	r := newTestRegistry()
	job := intervalJob("a")
	job.Enabled = false

	got, err := r.Register(job, baseTime)
	require.NoError(t, err)
	assert.Nil(t, got.NextRun)

	got, err = r.SetEnabled("a", true, baseTime.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got.NextRun)
	assert.Equal(t, baseTime.Add(time.Minute+time.Hour), *got.NextRun)

	got, err = r.SetEnabled("a", false, baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, got.NextRun)
}

func TestListDue(t *testing.T) {
	r := newTestRegistry()
	for _, id := range []string{"a", "b", "c", "d"} {
		_, err := r.Register(intervalJob(id), baseTime)
		require.NoError(t, err)
	}
	_, err := r.SetEnabled("d", false, baseTime)
	require.NoError(t, err)

	running := map[string]bool{"b": true}
	isRunning := func(id string) bool { return running[id] }

	assert.Empty(t, r.ListDue(baseTime.Add(59*time.Minute), isRunning))

	due := r.ListDue(baseTime.Add(time.Hour), isRunning)
	ids := make([]string, 0, len(due))
	for _, j := range due {
		ids = append(ids, j.ID)
	}
	assert.Equal(t, []string{"a", "c"}, ids)
}

func TestMarkRanPreventsDoubleSelection(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Register(intervalJob("a"), baseTime)
	require.NoError(t, err)

	now := baseTime.Add(time.Hour)
	require.Len(t, r.ListDue(now, nil), 1)
	require.NoError(t, r.MarkRan("a", now))
	assert.Empty(t, r.ListDue(now, nil))

	job, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), *job.NextRun)
}

func TestOnceJobConsumedAfterRun(t *testing.T) {
	r := newTestRegistry()
	at := baseTime.Add(10 * time.Minute)
	job := types.ScheduledJob{
		ID:                 "one-off",
		ScheduleKind:       types.ScheduleOnce,
		ScheduleExpression: schedule.FormatOnce(at),
		Enabled:            true,
	}
	got, err := r.Register(job, baseTime)
	require.NoError(t, err)
	require.NotNil(t, got.NextRun)
	assert.Equal(t, at, *got.NextRun)

	require.NoError(t, r.MarkRan("one-off", at))
	got, err = r.Get("one-off")
	require.NoError(t, err)
	assert.Nil(t, got.NextRun)

	// Re-enabling a consumed once job does not bring it back.
	got, err = r.SetEnabled("one-off", true, at.Add(time.Hour))
	require.NoError(t, err)
	assert.Nil(t, got.NextRun)
}

func TestLoadAllOrNothing(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Register(intervalJob("existing"), baseTime)
	require.NoError(t, err)

	tests := []struct {
		name    string
		jobs    []types.ScheduledJob
		wantErr error
	}{
		{
			name:    "unknown dependency",
			jobs:    []types.ScheduledJob{intervalJob("a"), intervalJob("b", "ghost")},
			wantErr: types.ErrUnknownDependency,
		},
		{
			name:    "cycle",
			jobs:    []types.ScheduledJob{intervalJob("a", "b"), intervalJob("b", "a")},
			wantErr: types.ErrCyclicDependency,
		},
		{
			name: "malformed schedule",
			jobs: []types.ScheduledJob{intervalJob("a"), {
				ID: "b", ScheduleKind: types.ScheduleCron, ScheduleExpression: "* *",
			}},
			wantErr: types.ErrInvalidScheduleExpression,
		},
		{
			name:    "duplicate",
			jobs:    []types.ScheduledJob{intervalJob("a"), intervalJob("a")},
			wantErr: types.ErrDuplicateJob,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Load(tt.jobs, baseTime)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, 1, r.Len())
			_, err = r.Get("existing")
			assert.NoError(t, err)
		})
	}
}

func TestLoadOutOfOrderDependencies(t *testing.T) {
	r := newTestRegistry()
	lastRun := baseTime.Add(-30 * time.Minute)
	dependent := intervalJob("report", "extract")
	dependent.LastRun = &lastRun

	err := r.Load([]types.ScheduledJob{dependent, intervalJob("extract")}, baseTime)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	got, err := r.Get("report")
	require.NoError(t, err)
	assert.Equal(t, lastRun.Add(time.Hour), *got.NextRun)
}

func TestScheduleErrorIsRecorded(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Register(intervalJob("a"), baseTime)
	require.NoError(t, err)
	assert.NoError(t, r.LastError("a"))
}
