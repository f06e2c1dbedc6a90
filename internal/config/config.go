package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds all configuration for the commentary service.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Providers ProvidersConfig
	Notify    NotifyConfig
	Engine    EngineConfig
	Worker    WorkerConfig
	Schedule  ScheduleConfig
}

type ServerConfig struct {
	Port             int
	Env              string
	LogLevel         slog.Level
	TriggerRateLimit int
	RunStatusTTL     time.Duration
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL string
}

// ProvidersConfig holds connection details per provider. A provider with an
// empty API key is not configured and is skipped even when enabled in Settings.
type ProvidersConfig struct {
	Timeout    time.Duration
	OpenAI     ProviderConfig
	Mistral    ProviderConfig
	Gemini     ProviderConfig
	Perplexity ProviderConfig
	DeepSeek   ProviderConfig
}

type ProviderConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Configured reports whether credentials are present.
func (p ProviderConfig) Configured() bool {
	return p.APIKey != ""
}

type NotifyConfig struct {
	PushoverUserKey  string
	PushoverAPIToken string
	PushoverURL      string
	SlackWebhookURL  string
}

type EngineConfig struct {
	CycleTimeout       time.Duration
	PollConcurrency    int
	InstantConcurrency int
}

type WorkerConfig struct {
	Count     int
	QueueSize int
}

type ScheduleConfig struct {
	SubmitCron  string
	ConsumeCron string
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type loadOptions struct {
	requireRedis bool
}

// LoadOption adjusts what Load requires.
type LoadOption func(*loadOptions)

// WithoutRedis drops the REDIS_URL requirement for processes that never touch
// the cache, such as the operator CLI.
func WithoutRedis() LoadOption {
	return func(o *loadOptions) {
		o.requireRedis = false
	}
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load(opts ...LoadOption) (*Config, error) {
	lo := loadOptions{requireRedis: true}
	for _, opt := range opts {
		opt(&lo)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:             envInt("ALTFRAGEN_PORT", 8080),
			Env:              envString("ALTFRAGEN_ENV", "development"),
			LogLevel:         envLogLevel("LOG_LEVEL", slog.LevelInfo),
			TriggerRateLimit: envInt("TRIGGER_RATE_LIMIT", 30),
			RunStatusTTL:     envDuration("RUN_STATUS_TTL", 24*time.Hour),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Providers: ProvidersConfig{
			Timeout: envDurationSecs("PROVIDER_TIMEOUT_SECS", 60*time.Second),
			OpenAI: ProviderConfig{
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com/v1"),
				Model:   envString("OPENAI_MODEL", "gpt-5.2"),
			},
			Mistral: ProviderConfig{
				APIKey:  os.Getenv("MISTRAL_API_KEY"),
				BaseURL: envString("MISTRAL_BASE_URL", "https://api.mistral.ai/v1"),
				Model:   envString("MISTRAL_MODEL", "mistral-medium-latest"),
			},
			Gemini: ProviderConfig{
				APIKey:  os.Getenv("GEMINI_API_KEY"),
				BaseURL: envString("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com"),
				Model:   envString("GEMINI_MODEL", "gemini-2.5-flash"),
			},
			Perplexity: ProviderConfig{
				APIKey:  os.Getenv("PERPLEXITY_API_KEY"),
				BaseURL: envString("PERPLEXITY_BASE_URL", "https://api.perplexity.ai"),
				Model:   envString("PERPLEXITY_MODEL", "sonar"),
			},
			DeepSeek: ProviderConfig{
				APIKey:  os.Getenv("DEEPSEEK_API_KEY"),
				BaseURL: envString("DEEPSEEK_BASE_URL", "https://api.deepseek.com/v1"),
				Model:   envString("DEEPSEEK_MODEL", "deepseek-chat"),
			},
		},
		Notify: NotifyConfig{
			PushoverUserKey:  os.Getenv("PUSHOVER_USER_KEY"),
			PushoverAPIToken: os.Getenv("PUSHOVER_API_TOKEN"),
			PushoverURL:      envString("PUSHOVER_URL", "https://api.pushover.net/1/messages.json"),
			SlackWebhookURL:  os.Getenv("SLACK_WEBHOOK_URL"),
		},
		Engine: EngineConfig{
			CycleTimeout:       envDuration("CYCLE_TIMEOUT", 15*time.Minute),
			PollConcurrency:    envInt("POLL_CONCURRENCY", 4),
			InstantConcurrency: envInt("INSTANT_CONCURRENCY", 3),
		},
		Worker: WorkerConfig{
			Count:     envInt("WORKER_COUNT", 2),
			QueueSize: envInt("WORKER_QUEUE_SIZE", 16),
		},
		Schedule: ScheduleConfig{
			SubmitCron:  os.Getenv("SUBMIT_CRON"),
			ConsumeCron: os.Getenv("CONSUME_CRON"),
		},
	}

	if err := cfg.validate(lo); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate(lo loadOptions) error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if lo.requireRedis && c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	for name, p := range map[string]ProviderConfig{
		"OPENAI_BASE_URL":     c.Providers.OpenAI,
		"MISTRAL_BASE_URL":    c.Providers.Mistral,
		"GEMINI_BASE_URL":     c.Providers.Gemini,
		"PERPLEXITY_BASE_URL": c.Providers.Perplexity,
		"DEEPSEEK_BASE_URL":   c.Providers.DeepSeek,
	} {
		if !isHTTPURL(p.BaseURL) {
			return fmt.Errorf("%s must start with http:// or https://, got %q", name, p.BaseURL)
		}
	}

	if c.Notify.SlackWebhookURL != "" && !isHTTPURL(c.Notify.SlackWebhookURL) {
		return fmt.Errorf("SLACK_WEBHOOK_URL must start with http:// or https://, got %q", c.Notify.SlackWebhookURL)
	}
	if (c.Notify.PushoverUserKey == "") != (c.Notify.PushoverAPIToken == "") {
		return fmt.Errorf("PUSHOVER_USER_KEY and PUSHOVER_API_TOKEN must be set together")
	}

	if c.Worker.Count <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive, got %d", c.Worker.Count)
	}
	if c.Worker.QueueSize <= 0 {
		return fmt.Errorf("WORKER_QUEUE_SIZE must be positive, got %d", c.Worker.QueueSize)
	}
	if c.Engine.PollConcurrency <= 0 {
		return fmt.Errorf("POLL_CONCURRENCY must be positive, got %d", c.Engine.PollConcurrency)
	}
	if c.Engine.InstantConcurrency <= 0 {
		return fmt.Errorf("INSTANT_CONCURRENCY must be positive, got %d", c.Engine.InstantConcurrency)
	}

	if c.Schedule.SubmitCron != "" {
		if _, err := cronParser.Parse(c.Schedule.SubmitCron); err != nil {
			return fmt.Errorf("SUBMIT_CRON is invalid: %w", err)
		}
	}
	if c.Schedule.ConsumeCron != "" {
		if _, err := cronParser.Parse(c.Schedule.ConsumeCron); err != nil {
			return fmt.Errorf("CONSUME_CRON is invalid: %w", err)
		}
	}

	return nil
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}

func envLogLevel(key string, defaultVal slog.Level) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(os.Getenv(key))); err != nil {
		return defaultVal
	}
	return level
}
