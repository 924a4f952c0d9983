package dependency

import (
	"testing"
	"time"

	"github.com/0xPuncker/report-scheduler/internal/ledger"
	"github.com/0xPuncker/report-scheduler/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completedAgo(t *testing.T, l *ledger.Ledger, jobID string, now time.Time, age time.Duration) {
	t.Helper()
	exec := l.Start(jobID, 0, now.Add(-age-time.Minute))
	_, err := l.Finish(exec.ID, types.StatusCompleted, types.ErrorKindNone, "", now.Add(-age))
	require.NoError(t, err)
}

func TestIsSatisfied(t *testing.T) {
	now := time.Date(2025, 6, 3, 9, 0, 0, 0, time.UTC)
	resolver := NewResolver(24 * time.Hour)

	tests := []struct {
		name      string
		setup     func(t *testing.T, l *ledger.Ledger)
		deps      []string
		want      bool
		wantUnmet []string
	}{
		{
			name: "no dependencies",
			want: true,
		},
		{
			name: "fresh at 23 hours",
			setup: func(t *testing.T, l *ledger.Ledger) {
				completedAgo(t, l, "extract", now, 23*time.Hour)
			},
			deps: []string{"extract"},
			want: true,
		},
		{
			name: "exactly at the window",
			setup: func(t *testing.T, l *ledger.Ledger) {
				completedAgo(t, l, "extract", now, 24*time.Hour)
			},
			deps: []string{"extract"},
			want: true,
		},
		{
			name: "stale at 25 hours",
			setup: func(t *testing.T, l *ledger.Ledger) {
				completedAgo(t, l, "extract", now, 25*time.Hour)
			},
			deps:      []string{"extract"},
			want:      false,
			wantUnmet: []string{"extract"},
		},
		{
			name:      "never ran",
			deps:      []string{"extract"},
			want:      false,
			wantUnmet: []string{"extract"},
		},
		{
			name: "only failures",
			setup: func(t *testing.T, l *ledger.Ledger) {
				exec := l.Start("extract", 0, now.Add(-time.Hour))
				_, err := l.Finish(exec.ID, types.StatusFailed, types.ErrorKindGeneration, "boom", now.Add(-time.Hour))
				require.NoError(t, err)
			},
			deps:      []string{"extract"},
			want:      false,
			wantUnmet: []string{"extract"},
		},
		{
			name: "one of two stale",
			setup: func(t *testing.T, l *ledger.Ledger) {
				completedAgo(t, l, "extract", now, time.Hour)
				completedAgo(t, l, "load", now, 30*time.Hour)
			},
			deps:      []string{"extract", "load"},
			want:      false,
			wantUnmet: []string{"load"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := ledger.New()
			if tt.setup != nil {
				tt.setup(t, l)
			}
			job := types.ScheduledJob{ID: "report", Dependencies: tt.deps}

			ok, unmet := resolver.IsSatisfied(job, l, now)
			assert.Equal(t, tt.want, ok)
			assert.Equal(t, tt.wantUnmet, unmet)
		})
	}
}

func TestDefaultWindow(t *testing.T) {
	assert.Equal(t, DefaultFreshnessWindow, NewResolver(0).Window())
	assert.Equal(t, time.Hour, NewResolver(time.Hour).Window())
}
