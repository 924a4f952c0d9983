package notifications

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/0xPuncker/report-scheduler/pkg/types"
	"github.com/0xPuncker/report-scheduler/pkg/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const sendTimeout = 15 * time.Second

// NotificationService turns scheduler events into Slack messages. Without a
// Slack service it only logs.
type NotificationService struct {
	slackService  *SlackService
	logger        *logrus.Logger
	notifySuccess bool
	now           func() time.Time
}

// NewNotificationService accepts a nil slackService. Completed executions are
// only posted when notifySuccess is set; failures always are.
func NewNotificationService(slackService *SlackService, logger *logrus.Logger, notifySuccess bool) *NotificationService {
	return &NotificationService{
		slackService:  slackService,
		logger:        logger,
		notifySuccess: notifySuccess,
		now:           time.Now,
	}
}

// Notify implements types.Notifier. Delivery errors are logged, never returned.
func (s *NotificationService) Notify(ctx context.Context, event types.Event) {
	fields := logrus.Fields{
		"event":        event.Kind,
		"job_id":       event.Job.ID,
		"execution_id": event.Execution.ID,
	}

	if event.Kind == types.EventJobCompleted && !s.notifySuccess {
		s.logger.WithFields(fields).Debug("Skipping success notification")
		return
	}
	if s.slackService == nil {
		s.logger.WithFields(fields).Info("Job event")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if err := s.slackService.SendSlackMessage(ctx, s.formatJobNotification(event)); err != nil {
		fields["error"] = err.Error()
		s.logger.WithFields(fields).Error("Failed to send job notification")
	}
}

func (s *NotificationService) formatJobNotification(event types.Event) *SlackMessage {
	var color string
	var icon string

	switch event.Kind {
	case types.EventJobCompleted:
		color = "good"
		icon = "✅"
	case types.EventJobFailed:
		color = "warning"
		icon = "⚠️"
	case types.EventJobPermanentlyFailed:
		color = "danger"
		icon = "❌"
	default:
		color = "#808080"
		icon = "ℹ️"
	}

	job := event.Job
	exec := event.Execution
	jobName := job.Name
	if jobName == "" {
		jobName = job.ID
	}

	fields := []Field{
		{
			Title: "Job",
			Value: jobName,
			Short: true,
		},
		{
			Title: "Status",
			Value: string(exec.Status),
			Short: true,
		},
		{
			Title: "Priority",
			Value: job.Priority.String(),
			Short: true,
		},
		{
			Title: "Attempt",
			Value: fmt.Sprintf("%d of %d", exec.RetryCount+1, job.MaxRetries+1),
			Short: true,
		},
	}

	if d := exec.Duration(); d > 0 {
		fields = append(fields, Field{
			Title: "Duration",
			Value: utils.FormatDuration(d),
			Short: true,
		})
	}

	if job.IsRetry() {
		fields = append(fields, Field{
			Title: "Retry Of",
			Value: job.RetryOf,
			Short: true,
		})
	}

	if exec.ErrorMessage != "" {
		fields = append(fields, Field{
			Title: "Error",
			Value: fmt.Sprintf("[%s] %s", exec.ErrorKind, exec.ErrorMessage),
			Short: false,
		})
	}

	title := cases.Title(language.English).String(strings.ReplaceAll(string(event.Kind), "_", " "))

	return &SlackMessage{
		Text: fmt.Sprintf("%s %s: %s", icon, title, jobName),
		Attachments: []Attachment{
			{
				Color:  color,
				Fields: fields,
				Footer: fmt.Sprintf("Template: %s | Rule: %s | Execution: %s",
					job.TemplateID, job.RuleID, exec.ID),
				Ts: s.now().Unix(),
			},
		},
	}
}
