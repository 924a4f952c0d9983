// Package testutil holds in-memory collaborators shared by package tests.
package testutil

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0xPuncker/report-scheduler/pkg/types"
	"github.com/sirupsen/logrus"
)

// NewLogger returns a logger that discards output.
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type GenerateCall struct {
	TemplateID string
	Parameters map[string]any
	Format     types.Format
}

// Generator records calls and delegates to Fn. With no Fn it returns a fixed
// document naming the template.
type Generator struct {
	Fn func(ctx context.Context, templateID string) ([]byte, error)

	mu     sync.Mutex
	calls  []GenerateCall
	active atomic.Int32
	peak   atomic.Int32
}

func (g *Generator) Generate(ctx context.Context, templateID string, parameters map[string]any, format types.Format) ([]byte, error) {
	g.mu.Lock()
	g.calls = append(g.calls, GenerateCall{TemplateID: templateID, Parameters: parameters, Format: format})
	g.mu.Unlock()

	n := g.active.Add(1)
	defer g.active.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}

	if g.Fn != nil {
		return g.Fn(ctx, templateID)
	}
	return []byte("report:" + templateID), nil
}

func (g *Generator) Calls() []GenerateCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]GenerateCall(nil), g.calls...)
}

// Templates lists the template ids in call order.
func (g *Generator) Templates() []string {
	var out []string
	for _, c := range g.Calls() {
		out = append(out, c.TemplateID)
	}
	return out
}

func (g *Generator) Active() int { return int(g.active.Load()) }

// Peak is the highest number of concurrent Generate calls observed.
func (g *Generator) Peak() int { return int(g.peak.Load()) }

type DistributeCall struct {
	ReportID string
	Content  []byte
	Format   string
	RuleID   string
	Metadata map[string]any
}

// Distributor records calls. With no Fn every delivery succeeds.
type Distributor struct {
	Fn func(ctx context.Context, ruleID string) (types.DistributionResult, error)

	mu    sync.Mutex
	calls []DistributeCall
}

func (d *Distributor) Distribute(ctx context.Context, reportID string, content []byte, format string, ruleID string, metadata map[string]any) (types.DistributionResult, error) {
	d.mu.Lock()
	d.calls = append(d.calls, DistributeCall{
		ReportID: reportID,
		Content:  content,
		Format:   format,
		RuleID:   ruleID,
		Metadata: metadata,
	})
	d.mu.Unlock()

	if d.Fn != nil {
		return d.Fn(ctx, ruleID)
	}
	return types.DistributionResult{
		Success:    true,
		Deliveries: []types.Delivery{{Channel: "email", Target: "reports@example.com", Success: true}},
	}, nil
}

func (d *Distributor) Calls() []DistributeCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DistributeCall(nil), d.calls...)
}

// Notifier collects events.
type Notifier struct {
	mu     sync.Mutex
	events []types.Event
}

func (n *Notifier) Notify(_ context.Context, event types.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *Notifier) Events() []types.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]types.Event(nil), n.events...)
}

func (n *Notifier) Count(kind types.EventKind) int {
	count := 0
	for _, ev := range n.Events() {
		if ev.Kind == kind {
			count++
		}
	}
	return count
}

// Persister keeps the last saved snapshot.
type Persister struct {
	mu    sync.Mutex
	saved []types.ScheduledJob
	saves int
	Err   error
}

func (p *Persister) Save(jobs []types.ScheduledJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves++
	p.saved = append([]types.ScheduledJob(nil), jobs...)
	return p.Err
}

func (p *Persister) Saved() []types.ScheduledJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.ScheduledJob(nil), p.saved...)
}

func (p *Persister) Saves() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves
}
