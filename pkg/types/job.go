package types

import (
	"fmt"
	"strings"
	"time"
)

// ScheduleKind selects how a job's schedule expression is interpreted.
type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleOnce     ScheduleKind = "once"
)

// ParseScheduleKind maps a user supplied kind onto one of the known kinds.
func ParseScheduleKind(s string) (ScheduleKind, error) {
	switch ScheduleKind(strings.ToLower(strings.TrimSpace(s))) {
	case ScheduleCron:
		return ScheduleCron, nil
	case ScheduleInterval:
		return ScheduleInterval, nil
	case ScheduleOnce:
		return ScheduleOnce, nil
	}
	return "", fmt.Errorf("%w: unknown schedule kind %q", ErrInvalidScheduleExpression, s)
}

// Priority orders due jobs within a tick. Higher values dispatch first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority accepts the lowercase names produced by Priority.String.
// An empty string maps to PriorityMedium.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// Format is the document format requested from the Generator.
type Format string

const (
	FormatPDF   Format = "pdf"
	FormatExcel Format = "excel"
	FormatHTML  Format = "html"
)

// ParseFormat maps a user supplied format; empty means PDF.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatPDF:
		return FormatPDF, nil
	case FormatExcel:
		return FormatExcel, nil
	case FormatHTML:
		return FormatHTML, nil
	}
	return "", fmt.Errorf("unknown format %q", s)
}

// ScheduledJob is a recurring unit of report work.
type ScheduledJob struct {
	ID                 string
	Name               string
	ScheduleKind       ScheduleKind
	ScheduleExpression string
	Enabled            bool
	Priority           Priority
	MaxRetries         int
	RetryBaseDelay     time.Duration
	Timeout            time.Duration
	Dependencies       []string

	TemplateID string
	RuleID     string
	Format     Format
	Parameters map[string]any

	CreatedAt time.Time
	LastRun   *time.Time
	NextRun   *time.Time

	// RetryOf names the job a retry was derived from; empty for user defined jobs.
	RetryOf    string
	RetryCount int
}

// IsRetry reports whether the job was synthesized by the retry manager.
func (j ScheduledJob) IsRetry() bool {
	return j.RetryOf != ""
}

// RootID is the user defined job a run belongs to. Retries share the root's
// history, so dependency freshness and the one-run-at-a-time rule are keyed
// on it.
func (j ScheduledJob) RootID() string {
	if j.RetryOf != "" {
		return j.RetryOf
	}
	return j.ID
}

// Clone returns a deep copy so callers never share mutable state with the registry.
func (j ScheduledJob) Clone() ScheduledJob {
	out := j
	if j.Dependencies != nil {
		out.Dependencies = append([]string(nil), j.Dependencies...)
	}
	if j.Parameters != nil {
		out.Parameters = make(map[string]any, len(j.Parameters))
		for k, v := range j.Parameters {
			out.Parameters[k] = v
		}
	}
	if j.LastRun != nil {
		t := *j.LastRun
		out.LastRun = &t
	}
	if j.NextRun != nil {
		t := *j.NextRun
		out.NextRun = &t
	}
	return out
}

// ExecutionStatus is the lifecycle state of a JobExecution.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ErrorKind classifies why an execution failed.
type ErrorKind string

const (
	ErrorKindNone         ErrorKind = ""
	ErrorKindGeneration   ErrorKind = "generation_failed"
	ErrorKindDistribution ErrorKind = "distribution_failed"
	ErrorKindTimeout      ErrorKind = "timeout"
	ErrorKindPanic        ErrorKind = "panic"
	ErrorKindCancelled    ErrorKind = "cancelled"
)

// JobExecution is one attempt of a job.
type JobExecution struct {
	ID           string          `json:"id"`
	JobID        string          `json:"job_id"`
	RootJobID    string          `json:"root_job_id"`
	Status       ExecutionStatus `json:"status"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	RetryCount   int             `json:"retry_count"`
	ErrorKind    ErrorKind       `json:"error_kind,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// Duration returns the run time of a finished execution, or zero while running.
func (e JobExecution) Duration() time.Duration {
	if e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(e.StartedAt)
}

// AuditEntry records an action that needs a human, like an exhausted retry budget.
type AuditEntry struct {
	At          time.Time `json:"at"`
	JobID       string    `json:"job_id"`
	ExecutionID string    `json:"execution_id"`
	Event       EventKind `json:"event"`
	Message     string    `json:"message"`
}
