package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{-time.Second, "0 ms"},
		{250 * time.Millisecond, "250 ms"},
		{42 * time.Second, "42 seconds"},
		{3*time.Minute + 5*time.Second, "3 minutes, 5 seconds"},
		{2*time.Hour + 30*time.Minute, "2 hours, 30 minutes"},
		{49 * time.Hour, "2 days, 1 hours"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatDuration(tt.in))
		})
	}
}
