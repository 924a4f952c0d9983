package types

import (
	"context"
)

// Generator renders a report document. It must be idempotent for identical
// inputs and must not touch scheduler state.
type Generator interface {
	Generate(ctx context.Context, templateID string, parameters map[string]any, format Format) ([]byte, error)
}

// Delivery is one channel outcome reported by a Distributor.
type Delivery struct {
	Channel string `json:"channel"`
	Target  string `json:"target"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// DistributionResult is what a Distributor reports after delivering a report.
type DistributionResult struct {
	Success    bool       `json:"success"`
	Deliveries []Delivery `json:"deliveries"`
}

// Distributor ships generated content according to a distribution rule.
type Distributor interface {
	Distribute(ctx context.Context, reportID string, content []byte, format string, ruleID string, metadata map[string]any) (DistributionResult, error)
}

// EventKind names a notification event.
type EventKind string

const (
	EventJobCompleted         EventKind = "job_completed"
	EventJobFailed            EventKind = "job_failed"
	EventJobPermanentlyFailed EventKind = "job_permanently_failed"
)

// Event is handed to a Notifier.
type Event struct {
	Kind      EventKind
	Job       ScheduledJob
	Execution JobExecution
}

// Notifier receives fire-and-forget lifecycle events.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}
