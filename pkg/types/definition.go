package types

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// JobDefinition is the serialized form of a ScheduledJob, shared by the job
// definitions file and the HTTP API. Durations are seconds, fractions
// allowed, and timestamps are ISO-8601.
type JobDefinition struct {
	ID                    string         `json:"id" yaml:"id"`
	Name                  string         `json:"name,omitempty" yaml:"name,omitempty"`
	ScheduleKind          string         `json:"schedule_kind" yaml:"schedule_kind"`
	ScheduleExpression    string         `json:"schedule_expression" yaml:"schedule_expression"`
	Enabled               bool           `json:"enabled" yaml:"enabled"`
	Priority              string         `json:"priority,omitempty" yaml:"priority,omitempty"`
	MaxRetries            int            `json:"max_retries" yaml:"max_retries"`
	RetryBaseDelaySeconds float64        `json:"retry_base_delay_seconds" yaml:"retry_base_delay_seconds"`
	TimeoutSeconds        float64        `json:"timeout_seconds" yaml:"timeout_seconds"`
	Dependencies          []string       `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	TemplateID            string         `json:"template_id" yaml:"template_id"`
	RuleID                string         `json:"rule_id" yaml:"rule_id"`
	Format                string         `json:"format,omitempty" yaml:"format,omitempty"`
	Parameters            map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	CreatedAt             *time.Time     `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	LastRun               *time.Time     `json:"last_run,omitempty" yaml:"last_run,omitempty"`
	NextRun               *time.Time     `json:"next_run,omitempty" yaml:"next_run,omitempty"`
	RetryOf               string         `json:"retry_of,omitempty" yaml:"-"`
	RetryCount            int            `json:"retry_count,omitempty" yaml:"-"`
}

// ToJob converts the record into a ScheduledJob. NextRun is carried over as
// informational only; the registry always recomputes it.
func (d JobDefinition) ToJob() (ScheduledJob, error) {
	id := strings.TrimSpace(d.ID)
	if id == "" {
		return ScheduledJob{}, fmt.Errorf("%w: id is required", ErrInvalidJob)
	}
	kind, err := ParseScheduleKind(d.ScheduleKind)
	if err != nil {
		return ScheduledJob{}, fmt.Errorf("job %s: %w", id, err)
	}
	prio, err := ParsePriority(d.Priority)
	if err != nil {
		return ScheduledJob{}, fmt.Errorf("%w: job %s: %v", ErrInvalidJob, id, err)
	}
	format, err := ParseFormat(d.Format)
	if err != nil {
		return ScheduledJob{}, fmt.Errorf("%w: job %s: %v", ErrInvalidJob, id, err)
	}
	if d.MaxRetries < 0 || d.RetryBaseDelaySeconds < 0 || d.TimeoutSeconds < 0 {
		return ScheduledJob{}, fmt.Errorf("%w: job %s: retries, delays and timeouts must be >= 0", ErrInvalidJob, id)
	}

	job := ScheduledJob{
		ID:                 id,
		Name:               d.Name,
		ScheduleKind:       kind,
		ScheduleExpression: strings.TrimSpace(d.ScheduleExpression),
		Enabled:            d.Enabled,
		Priority:           prio,
		MaxRetries:         d.MaxRetries,
		RetryBaseDelay:     fromSeconds(d.RetryBaseDelaySeconds),
		Timeout:            fromSeconds(d.TimeoutSeconds),
		Dependencies:       append([]string(nil), d.Dependencies...),
		TemplateID:         d.TemplateID,
		RuleID:             d.RuleID,
		Format:             format,
		Parameters:         d.Parameters,
		RetryOf:            d.RetryOf,
		RetryCount:         d.RetryCount,
	}
	if d.CreatedAt != nil {
		job.CreatedAt = d.CreatedAt.UTC()
	}
	if d.LastRun != nil {
		t := d.LastRun.UTC()
		job.LastRun = &t
	}
	return job, nil
}

// DefinitionFromJob is the inverse of ToJob.
func DefinitionFromJob(j ScheduledJob) JobDefinition {
	d := JobDefinition{
		ID:                    j.ID,
		Name:                  j.Name,
		ScheduleKind:          string(j.ScheduleKind),
		ScheduleExpression:    j.ScheduleExpression,
		Enabled:               j.Enabled,
		Priority:              j.Priority.String(),
		MaxRetries:            j.MaxRetries,
		RetryBaseDelaySeconds: j.RetryBaseDelay.Seconds(),
		TimeoutSeconds:        j.Timeout.Seconds(),
		Dependencies:          append([]string(nil), j.Dependencies...),
		TemplateID:            j.TemplateID,
		RuleID:                j.RuleID,
		Format:                string(j.Format),
		Parameters:            j.Parameters,
		RetryOf:               j.RetryOf,
		RetryCount:            j.RetryCount,
	}
	if !j.CreatedAt.IsZero() {
		t := j.CreatedAt.UTC()
		d.CreatedAt = &t
	}
	if j.LastRun != nil {
		t := j.LastRun.UTC()
		d.LastRun = &t
	}
	if j.NextRun != nil {
		t := j.NextRun.UTC()
		d.NextRun = &t
	}
	return d
}

func fromSeconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}
