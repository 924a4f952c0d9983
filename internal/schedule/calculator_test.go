package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/0xPuncker/report-scheduler/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(t time.Time) *time.Time { return &t }

func TestCronNextTrigger(t *testing.T) {
	calc := NewCalculator(time.UTC)

	// 2025-06-02 is a Monday.
	tests := []struct {
		name string
		expr string
		ref  time.Time
		want time.Time
	}{
		{
			name: "before the hour on monday",
			expr: "0 9 * * 1",
			ref:  time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC),
			want: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "after the hour on monday",
			expr: "0 9 * * 1",
			ref:  time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC),
			want: time.Date(2025, 6, 9, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "exactly on the trigger is strictly after",
			expr: "0 9 * * 1",
			ref:  time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
			want: time.Date(2025, 6, 9, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "every five minutes",
			expr: "*/5 * * * *",
			ref:  time.Date(2025, 6, 2, 10, 3, 12, 0, time.UTC),
			want: time.Date(2025, 6, 2, 10, 5, 0, 0, time.UTC),
		},
		{
			name: "descriptor",
			expr: "@hourly",
			ref:  time.Date(2025, 6, 2, 10, 3, 0, 0, time.UTC),
			want: time.Date(2025, 6, 2, 11, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := calc.NextTrigger(types.ScheduleCron, tt.expr, tt.ref, nil)
			require.NoError(t, err)
			require.NotNil(t, next)
			assert.Equal(t, tt.want, *next)
		})
	}
}

func TestCronUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	calc := NewCalculator(loc)

	ref := time.Date(2025, 6, 2, 5, 0, 0, 0, time.UTC) // 07:00 local
	next, err := calc.NextTrigger(types.ScheduleCron, "0 9 * * 1", ref, nil)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2025, 6, 2, 7, 0, 0, 0, time.UTC), *next)
}

func TestIntervalDoesNotAccumulate(t *testing.T) {
	calc := NewCalculator(nil)
	lastRun := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

	for _, late := range []time.Duration{0, time.Minute, 3 * time.Hour, 48 * time.Hour} {
		ref := lastRun.Add(late)
		next, err := calc.NextTrigger(types.ScheduleInterval, "3600", ref, &lastRun)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.Equal(t, lastRun.Add(time.Hour), *next, "late by %s", late)
	}
}

func TestIntervalWithoutLastRunUsesReference(t *testing.T) {
	calc := NewCalculator(nil)
	ref := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)

	next, err := calc.NextTrigger(types.ScheduleInterval, "90m", ref, nil)
	require.NoError(t, err)
	assert.Equal(t, ref.Add(90*time.Minute), *next)
}

func TestOnce(t *testing.T) {
	calc := NewCalculator(nil)
	created := time.Date(2025, 6, 2, 8, 0, 0, 0, time.UTC)
	at := created.Add(2 * time.Hour)

	next, err := calc.NextTrigger(types.ScheduleOnce, FormatOnce(at), created, nil)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, at, *next)

	next, err = calc.NextTrigger(types.ScheduleOnce, FormatOnce(at), created, ptr(at))
	require.NoError(t, err)
	assert.Nil(t, next, "consumed once job must not fire again")

	next, err = calc.NextTrigger(types.ScheduleOnce, FormatOnce(created.Add(-time.Minute)), created, nil)
	require.NoError(t, err)
	assert.Nil(t, next, "instant before creation never fires")
}

func TestValidate(t *testing.T) {
	calc := NewCalculator(nil)

	tests := []struct {
		name    string
		kind    types.ScheduleKind
		expr    string
		wantErr bool
	}{
		{"valid cron", types.ScheduleCron, "0 9 * * 1", false},
		{"six field cron", types.ScheduleCron, "0 0 9 * * 1", true},
		{"garbage cron", types.ScheduleCron, "every monday", true},
		{"empty cron", types.ScheduleCron, "", true},
		{"valid interval", types.ScheduleInterval, "3600", false},
		{"zero interval", types.ScheduleInterval, "0", true},
		{"negative interval", types.ScheduleInterval, "-5", true},
		{"text interval", types.ScheduleInterval, "hourly", true},
		{"valid once", types.ScheduleOnce, "2025-06-02T09:00:00Z", false},
		{"once with offset", types.ScheduleOnce, "2025-06-02T09:00:00+02:00", false},
		{"bad once", types.ScheduleOnce, "tomorrow", true},
		{"unknown kind", types.ScheduleKind("weekly"), "1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := calc.Validate(tt.kind, tt.expr)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, types.ErrInvalidScheduleExpression))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNextTriggerInvalidExpression(t *testing.T) {
	calc := NewCalculator(nil)
	next, err := calc.NextTrigger(types.ScheduleCron, "61 * * * *", time.Now(), nil)
	assert.Nil(t, next)
	assert.ErrorIs(t, err, types.ErrInvalidScheduleExpression)
}

func TestLoadCalculator(t *testing.T) {
	calc, err := LoadCalculator("")
	require.NoError(t, err)
	assert.Equal(t, time.UTC, calc.Location())

	_, err = LoadCalculator("Mars/Olympus_Mons")
	assert.Error(t, err)
}
