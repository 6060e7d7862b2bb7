package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"MailRota/internal/health"
	"MailRota/internal/models"
	"MailRota/internal/queue"
)

type Config struct {
	// ----------------------------
	// SMTP
	// ----------------------------
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPInsecure bool   `envconfig:"SMTP_INSECURE" default:"false"`

	// ----------------------------
	// Resend
	// ----------------------------
	ResendAPIKey string `envconfig:"RESEND_API_KEY" default:""`

	// ----------------------------
	// Sender accounts
	// ----------------------------
	SenderAccounts    SenderEntries `envconfig:"SENDER_ACCOUNTS" default:""`
	DefaultDailyLimit int           `envconfig:"DEFAULT_DAILY_LIMIT" default:"50"`
	Timezone          string        `envconfig:"TIMEZONE" default:"UTC"`

	// ----------------------------
	// Workers
	// ----------------------------
	WorkerCount     int           `envconfig:"WORKER_COUNT" default:"2"`
	RateLimit       float64       `envconfig:"RATE_LIMIT" default:"10"`
	BatchSize       int           `envconfig:"BATCH_SIZE" default:"50"`
	SendTimeout     time.Duration `envconfig:"SEND_TIMEOUT" default:"30s"`
	ProcessSchedule string        `envconfig:"PROCESS_SCHEDULE" default:"@every 1m"`

	// ----------------------------
	// Retries
	// ----------------------------
	MaxRetries       int           `envconfig:"MAX_RETRIES" default:"3"`
	RetryBaseDelay   time.Duration `envconfig:"RETRY_BASE_DELAY" default:"5m"`
	RetryMaxDelay    time.Duration `envconfig:"RETRY_MAX_DELAY" default:"6h"`
	PinnedRetryDelay time.Duration `envconfig:"PINNED_RETRY_DELAY" default:"15m"`
	StuckThreshold   time.Duration `envconfig:"STUCK_THRESHOLD" default:"30m"`
	SweepSchedule    string        `envconfig:"SWEEP_SCHEDULE" default:"@every 5m"`

	// ----------------------------
	// Health
	// ----------------------------
	HealthWindow       time.Duration `envconfig:"HEALTH_WINDOW" default:"168h"`
	HealthMinSample    int           `envconfig:"HEALTH_MIN_SAMPLE" default:"5"`
	HealthWarningRate  float64       `envconfig:"HEALTH_WARNING_RATE" default:"0.10"`
	HealthCriticalRate float64       `envconfig:"HEALTH_CRITICAL_RATE" default:"0.30"`
	AutoSuspendAfter   int           `envconfig:"AUTO_SUSPEND_AFTER" default:"3"`
	HealthSchedule     string        `envconfig:"HEALTH_SCHEDULE" default:"@every 15m"`

	// ----------------------------
	// Storage
	// ----------------------------
	StoreBackend string `envconfig:"STORE_BACKEND" default:"postgres"`
	DatabaseURL  string `envconfig:"DATABASE_URL" default:""`
	AutoMigrate  bool   `envconfig:"AUTO_MIGRATE" default:"true"`
	QuotaBackend string `envconfig:"QUOTA_BACKEND" default:"store"`
	RedisURL     string `envconfig:"REDIS_URL" default:""`

	// ----------------------------
	// AMQP intake
	// ----------------------------
	AMQPURL   string `envconfig:"AMQP_URL" default:""`
	AMQPQueue string `envconfig:"AMQP_QUEUE" default:"mailrota.enqueue"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND=postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.QuotaBackend {
	case "store":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when QUOTA_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unknown QUOTA_BACKEND %q", c.QuotaBackend)
	}

	if _, err := c.Location(); err != nil {
		return err
	}
	if c.WorkerCount < 1 || c.BatchSize < 1 {
		return fmt.Errorf("WORKER_COUNT and BATCH_SIZE must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"SEND_TIMEOUT":       c.SendTimeout,
		"RETRY_BASE_DELAY":   c.RetryBaseDelay,
		"RETRY_MAX_DELAY":    c.RetryMaxDelay,
		"PINNED_RETRY_DELAY": c.PinnedRetryDelay,
		"STUCK_THRESHOLD":    c.StuckThreshold,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.HealthWarningRate > c.HealthCriticalRate {
		return fmt.Errorf("HEALTH_WARNING_RATE must not exceed HEALTH_CRITICAL_RATE")
	}
	for _, s := range c.SenderAccounts {
		if s.Provider == models.ProviderResend && c.ResendAPIKey == "" {
			return fmt.Errorf("sender %s uses resend but RESEND_API_KEY is empty", s.Email)
		}
	}
	return nil
}

func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE: %w", err)
	}
	return loc, nil
}

func (c *Config) RetryPolicy() queue.RetryPolicy {
	return queue.RetryPolicy{
		MaxRetries: c.MaxRetries,
		BaseDelay:  c.RetryBaseDelay,
		MaxDelay:   c.RetryMaxDelay,
	}
}

func (c *Config) Health() health.Config {
	hc := health.DefaultConfig()
	hc.Window = c.HealthWindow
	hc.MinSample = c.HealthMinSample
	hc.WarningRate = c.HealthWarningRate
	hc.CriticalRate = c.HealthCriticalRate
	hc.AutoSuspendAfter = c.AutoSuspendAfter
	return hc
}

// Senders returns the configured accounts, applying the default daily limit.
func (c *Config) Senders() []models.SenderAccount {
	out := make([]models.SenderAccount, 0, len(c.SenderAccounts))
	for _, s := range c.SenderAccounts {
		limit := s.DailyLimit
		if limit == 0 {
			limit = c.DefaultDailyLimit
		}
		out = append(out, models.SenderAccount{
			Email:       s.Email,
			DisplayName: s.DisplayName,
			Provider:    s.Provider,
			DailyLimit:  limit,
			IsPrimary:   s.Primary,
		})
	}
	return out
}

// SenderEntry is one SENDER_ACCOUNTS entry:
//
//	email|daily_limit|primary|provider|display name
//
// Everything after the email is optional.
type SenderEntry struct {
	Email       string
	DailyLimit  int
	Primary     bool
	Provider    string
	DisplayName string
}

type SenderEntries []SenderEntry

// Decode implements envconfig.Decoder.
func (s *SenderEntries) Decode(value string) error {
	var entries SenderEntries
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		se, err := parseSenderEntry(entry)
		if err != nil {
			return err
		}
		entries = append(entries, se)
	}
	*s = entries
	return nil
}

func parseSenderEntry(entry string) (SenderEntry, error) {
	parts := strings.Split(entry, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	se := SenderEntry{
		Email:    strings.ToLower(parts[0]),
		Provider: models.ProviderSMTP,
	}
	if !strings.Contains(se.Email, "@") {
		return se, fmt.Errorf("sender %q: invalid email", entry)
	}
	if len(parts) > 1 && parts[1] != "" {
		n, err := strconv.Atoi(parts[1])
		if err != nil || n <= 0 {
			return se, fmt.Errorf("sender %q: invalid daily limit %q", entry, parts[1])
		}
		se.DailyLimit = n
	}
	if len(parts) > 2 && parts[2] != "" {
		b, err := strconv.ParseBool(parts[2])
		if err != nil {
			return se, fmt.Errorf("sender %q: invalid primary flag %q", entry, parts[2])
		}
		se.Primary = b
	}
	if len(parts) > 3 && parts[3] != "" {
		switch parts[3] {
		case models.ProviderSMTP, models.ProviderResend:
			se.Provider = parts[3]
		default:
			return se, fmt.Errorf("sender %q: unknown provider %q", entry, parts[3])
		}
	}
	if len(parts) > 4 {
		se.DisplayName = parts[4]
	}
	return se, nil
}
