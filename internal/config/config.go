package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server      ServerConfig    `json:"server"`
	Scheduler   SchedulerConfig `json:"scheduler"`
	Store       StoreConfig     `json:"store"`
	Generator   EndpointConfig  `json:"generator"`
	Distributor EndpointConfig  `json:"distributor"`
	Slack       SlackConfig     `json:"slack"`
	LogLevel    string          `json:"log_level"`
}

type ServerConfig struct {
	Port         string `json:"port"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
}

type SchedulerConfig struct {
	TickInterval      string `json:"tick_interval"`
	MaxConcurrentJobs int    `json:"max_concurrent_jobs"`
	FreshnessWindow   string `json:"freshness_window"`
	RetryJobTTL       string `json:"retry_job_ttl"`
	Timezone          string `json:"timezone"`
	DefaultTimeout    string `json:"default_timeout"`
}

type StoreConfig struct {
	JobsFile string `json:"jobs_file"`
}

// EndpointConfig points at a report generation or distribution service.
type EndpointConfig struct {
	URL     string `json:"url"`
	Timeout string `json:"timeout"`
}

type SlackConfig struct {
	WebhookURL    string `json:"webhook_url"`
	RatePerSec    int    `json:"rate_per_sec"`
	NotifySuccess bool   `json:"notify_success"`
}

// SchedulerSettings are the parsed scheduler values.
type SchedulerSettings struct {
	TickInterval      time.Duration
	MaxConcurrentJobs int
	FreshnessWindow   time.Duration
	RetryJobTTL       time.Duration
	Timezone          string
	DefaultTimeout    time.Duration
}

// Load reads the JSON config at configPath over the defaults. When the file
// does not exist, values come from the environment after loading .env or
// .env.local.
func Load(configPath string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := godotenv.Load(); err != nil {
			if err := godotenv.Load(".env.local"); err != nil {
				fmt.Printf("No .env or .env.local file found. Using environment variables.\n")
			}
		}
		if err := config.applyEnv(); err != nil {
			return nil, err
		}
		return config, nil
	}

	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if config.Slack.WebhookURL == "" {
		config.Slack.WebhookURL = os.Getenv("SLACK_WEBHOOK_URL")
	}
	return config, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			ReadTimeout:  "15s",
			WriteTimeout: "15s",
		},
		Scheduler: SchedulerConfig{
			TickInterval:      "60s",
			MaxConcurrentJobs: 5,
			FreshnessWindow:   "24h",
			RetryJobTTL:       "1h",
			Timezone:          "UTC",
			DefaultTimeout:    "5m",
		},
		Store: StoreConfig{
			JobsFile: "config/jobs.yaml",
		},
		Generator: EndpointConfig{
			Timeout: "2m",
		},
		Distributor: EndpointConfig{
			Timeout: "1m",
		},
		Slack: SlackConfig{
			RatePerSec: 1,
		},
		LogLevel: "info",
	}
}

func (c *Config) applyEnv() error {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Scheduler.TickInterval = getEnv("SCHEDULER_TICK_INTERVAL", c.Scheduler.TickInterval)
	c.Scheduler.FreshnessWindow = getEnv("SCHEDULER_FRESHNESS_WINDOW", c.Scheduler.FreshnessWindow)
	c.Scheduler.RetryJobTTL = getEnv("SCHEDULER_RETRY_JOB_TTL", c.Scheduler.RetryJobTTL)
	c.Scheduler.Timezone = getEnv("SCHEDULER_TIMEZONE", c.Scheduler.Timezone)
	c.Scheduler.DefaultTimeout = getEnv("SCHEDULER_DEFAULT_TIMEOUT", c.Scheduler.DefaultTimeout)
	c.Store.JobsFile = getEnv("JOBS_FILE", c.Store.JobsFile)
	c.Generator.URL = getEnv("GENERATOR_URL", c.Generator.URL)
	c.Distributor.URL = getEnv("DISTRIBUTOR_URL", c.Distributor.URL)
	c.Slack.WebhookURL = getEnv("SLACK_WEBHOOK_URL", c.Slack.WebhookURL)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	var err error
	if c.Scheduler.MaxConcurrentJobs, err = getEnvInt("SCHEDULER_MAX_CONCURRENT_JOBS", c.Scheduler.MaxConcurrentJobs); err != nil {
		return err
	}
	if c.Slack.RatePerSec, err = getEnvInt("SLACK_RATE_PER_SEC", c.Slack.RatePerSec); err != nil {
		return err
	}
	if v, ok := os.LookupEnv("SLACK_NOTIFY_SUCCESS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SLACK_NOTIFY_SUCCESS: %w", err)
		}
		c.Slack.NotifySuccess = b
	}
	return nil
}

// SchedulerSettings parses the scheduler section, falling back to defaults
// for empty values.
func (c *Config) SchedulerSettings() (SchedulerSettings, error) {
	var (
		s   SchedulerSettings
		err error
	)
	if s.TickInterval, err = ParseDurationOrDefault("scheduler.tick_interval", c.Scheduler.TickInterval, 60*time.Second); err != nil {
		return s, err
	}
	if s.FreshnessWindow, err = ParseDurationOrDefault("scheduler.freshness_window", c.Scheduler.FreshnessWindow, 24*time.Hour); err != nil {
		return s, err
	}
	// An explicit zero is meaningful here: finished retries are pruned at once.
	if strings.TrimSpace(c.Scheduler.RetryJobTTL) == "" {
		s.RetryJobTTL = time.Hour
	} else if s.RetryJobTTL, err = ParseDurationField("scheduler.retry_job_ttl", c.Scheduler.RetryJobTTL); err != nil {
		return s, err
	}
	if s.DefaultTimeout, err = ParseDurationOrDefault("scheduler.default_timeout", c.Scheduler.DefaultTimeout, 5*time.Minute); err != nil {
		return s, err
	}
	s.MaxConcurrentJobs = c.Scheduler.MaxConcurrentJobs
	if s.MaxConcurrentJobs < 0 {
		return s, fmt.Errorf("scheduler.max_concurrent_jobs: must be >= 0")
	}
	if s.MaxConcurrentJobs == 0 {
		s.MaxConcurrentJobs = 5
	}
	s.Timezone = c.Scheduler.Timezone
	return s, nil
}

func (s ServerConfig) Timeouts() (read, write time.Duration, err error) {
	if read, err = ParseDurationOrDefault("server.read_timeout", s.ReadTimeout, 15*time.Second); err != nil {
		return 0, 0, err
	}
	if write, err = ParseDurationOrDefault("server.write_timeout", s.WriteTimeout, 15*time.Second); err != nil {
		return 0, 0, err
	}
	return read, write, nil
}

func (e EndpointConfig) TimeoutOrDefault(path string, def time.Duration) (time.Duration, error) {
	return ParseDurationOrDefault(path+".timeout", e.Timeout, def)
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
