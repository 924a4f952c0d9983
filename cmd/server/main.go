package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/0xPuncker/report-scheduler/internal/api"
	"github.com/0xPuncker/report-scheduler/internal/config"
	"github.com/0xPuncker/report-scheduler/internal/dispatcher"
	"github.com/0xPuncker/report-scheduler/internal/ledger"
	"github.com/0xPuncker/report-scheduler/internal/notifications"
	"github.com/0xPuncker/report-scheduler/internal/registry"
	"github.com/0xPuncker/report-scheduler/internal/remote"
	"github.com/0xPuncker/report-scheduler/internal/schedule"
	"github.com/0xPuncker/report-scheduler/internal/store"
	"github.com/dimiro1/banner"
	"github.com/joho/godotenv"
	"github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"
)

const bannerText = `
{{ .Title "Report Scheduler" "" 0 }}
{{ .AnsiBackground.BrightBlue }}{{ .AnsiColor.White }}
{{ .AnsiReset }}
`

func main() {
	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Printf("No .env or .env.local file found. Using environment variables.\n")
		}
	}

	banner.Init(colorable.NewColorableStdout(), true, true, strings.NewReader(bannerText))

	configPath := flag.String("config", "config/config.json", "path to config file")
	paused := flag.Bool("paused", false, "serve the API without starting the scheduler")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "2006-01-02T15:04:05-07:00",
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("Invalid log level %q, using info", cfg.LogLevel)
	}

	settings, err := cfg.SchedulerSettings()
	if err != nil {
		logger.Fatalf("Invalid scheduler config: %v", err)
	}
	readTimeout, writeTimeout, err := cfg.Server.Timeouts()
	if err != nil {
		logger.Fatalf("Invalid server config: %v", err)
	}
	generatorTimeout, err := cfg.Generator.TimeoutOrDefault("generator", 0)
	if err != nil {
		logger.Fatalf("Invalid generator config: %v", err)
	}
	distributorTimeout, err := cfg.Distributor.TimeoutOrDefault("distributor", 0)
	if err != nil {
		logger.Fatalf("Invalid distributor config: %v", err)
	}
	if cfg.Generator.URL == "" || cfg.Distributor.URL == "" {
		logger.Fatal("generator.url and distributor.url are required")
	}

	calc, err := schedule.LoadCalculator(settings.Timezone)
	if err != nil {
		logger.Fatalf("Failed to load scheduler timezone: %v", err)
	}

	var notifier *notifications.NotificationService
	slack, err := notifications.NewSlackService(logger, cfg.Slack.WebhookURL, cfg.Slack.RatePerSec)
	if err != nil {
		logger.Warnf("Slack notifications disabled: %v", err)
		notifier = notifications.NewNotificationService(nil, logger, cfg.Slack.NotifySuccess)
	} else {
		notifier = notifications.NewNotificationService(slack, logger, cfg.Slack.NotifySuccess)
	}

	jobStore := store.NewFileStore(cfg.Store.JobsFile, logger)
	jobs, err := jobStore.Load()
	if err != nil {
		logger.Fatalf("Failed to load job definitions: %v", err)
	}

	d := dispatcher.New(logger,
		dispatcher.Config{
			TickInterval:      settings.TickInterval,
			MaxConcurrentJobs: settings.MaxConcurrentJobs,
			FreshnessWindow:   settings.FreshnessWindow,
			RetryJobTTL:       settings.RetryJobTTL,
			DefaultTimeout:    settings.DefaultTimeout,
		},
		registry.New(calc, logger),
		ledger.New(),
		remote.NewGenerator(logger, cfg.Generator.URL, generatorTimeout),
		remote.NewDistributor(logger, cfg.Distributor.URL, distributorTimeout),
		dispatcher.WithNotifier(notifier),
		dispatcher.WithPersister(jobStore),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.LoadJobs(ctx, jobs); err != nil {
		logger.Fatalf("Failed to register job definitions: %v", err)
	}

	if !*paused {
		if err := d.Start(); err != nil {
			logger.Fatalf("Failed to start scheduler: %v", err)
		}
	}

	serverCtx, stopServer := context.WithCancel(context.Background())
	defer stopServer()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- api.Serve(serverCtx, api.NewHandler(d, logger), cfg.Server.Port, readTimeout, writeTimeout)
	}()

	logger.Infof("Server started on port %s - Press Ctrl+C to stop.", cfg.Server.Port)

	select {
	case <-ctx.Done():
		logger.Info("Shutting down...")
	case err := <-serveErr:
		d.Stop()
		logger.Fatalf("Server error: %v", err)
	}

	// Running executions are cancelled and job definitions saved before the
	// API goes away.
	d.Stop()
	stopServer()
	if err := <-serveErr; err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	}

	logger.Info("Server stopped")
}
