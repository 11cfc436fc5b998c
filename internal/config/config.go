package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Port  string
	Debug bool

	// Persistence. An empty DatabaseURL selects the in-memory store, which
	// SeedFile can populate with monitors, rules and preferences.
	DatabaseURL string
	SeedFile    string

	// Azure Storage configuration for the audit archive. Records older than
	// AuditRetention are purged daily; zero keeps them forever.
	StorageAccount   string
	StorageContainer string
	AuditRetention   time.Duration

	Dedup      DedupConfig
	Matcher    MatcherConfig
	Evaluator  EvaluatorConfig
	Dispatcher DispatcherConfig
	Pipeline   PipelineConfig
	Kafka      KafkaConfig
	SMTP       SMTPConfig
	Channels   ChannelsConfig
	Collectors CollectorsConfig
}

// DedupConfig configures the fingerprint deduplicator.
type DedupConfig struct {
	NearDuplicateThreshold int
	NearDuplicateWindow    time.Duration
	MergeEngagement        bool
}

// MatcherConfig configures the monitor matcher.
type MatcherConfig struct {
	Concurrency int
}

// EvaluatorConfig configures the alert rule evaluator.
type EvaluatorConfig struct {
	BaselineWindows int
	BaselineFloor   float64
	StateRetention  time.Duration
	// Alerts older than this are no longer swept for missing deliveries.
	RedeliverWindow time.Duration
}

// DispatcherConfig configures notification delivery.
type DispatcherConfig struct {
	MaxAttempts       int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	DeliveryTimeout   time.Duration
	PollInterval      time.Duration
	WorkersPerChannel int
	RatePerSecond     float64
	ProcessingLease   time.Duration
}

// PipelineConfig sizes the stage pools and the queues between them.
type PipelineConfig struct {
	QueueSize    int
	DedupWorkers int
	MatchWorkers int
	EvalWorkers  int
}

// KafkaConfig configures the collector ingest consumer. No brokers disables it.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// SMTPConfig configures the email channel.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// ChannelsConfig configures the HTTP based channels.
type ChannelsConfig struct {
	SMSGatewayURL string
	SMSAPIKey     string
	HTTPTimeout   time.Duration
}

// CollectorsConfig configures the built-in collectors. The Twitter and
// Reddit collectors are enabled by their credentials.
type CollectorsConfig struct {
	HackerNewsEnabled    bool
	StackOverflowEnabled bool
	StackOverflowTags    []string
	TwitterBearerToken   string
	RedditClientID       string
	RedditClientSecret   string
	RedditSubreddits     []string
	Schedule             string
	Keywords             []string
	Lookback             time.Duration
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:  getEnv("PORT", "8080"),
		Debug: getBoolEnv("DEBUG", false),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		SeedFile:    getEnv("SEED_FILE", ""),

		StorageAccount:   getEnv("AZURE_STORAGE_ACCOUNT", ""),
		StorageContainer: getEnv("AZURE_STORAGE_CONTAINER", "audit"),
		AuditRetention:   getDurationEnv("AUDIT_RETENTION", 30*24*time.Hour),

		Dedup: DedupConfig{
			NearDuplicateThreshold: getIntEnv("NEAR_DUPLICATE_THRESHOLD", 12),
			NearDuplicateWindow:    getDurationEnv("NEAR_DUPLICATE_WINDOW", 72*time.Hour),
			MergeEngagement:        getBoolEnv("MERGE_DUPLICATE_ENGAGEMENT", true),
		},
		Matcher: MatcherConfig{
			Concurrency: getIntEnv("MATCH_CONCURRENCY", 8),
		},
		Evaluator: EvaluatorConfig{
			BaselineWindows: getIntEnv("VOLUME_BASELINE_WINDOWS", 24),
			BaselineFloor:   getFloatEnv("VOLUME_BASELINE_FLOOR", 1.0),
			StateRetention:  getDurationEnv("RULE_STATE_RETENTION", 7*24*time.Hour),
			RedeliverWindow: getDurationEnv("ALERT_REDELIVER_WINDOW", 24*time.Hour),
		},
		Dispatcher: DispatcherConfig{
			MaxAttempts:       getIntEnv("DELIVERY_MAX_ATTEMPTS", 3),
			RetryBaseDelay:    getDurationEnv("DELIVERY_RETRY_BASE", 30*time.Second),
			RetryMaxDelay:     getDurationEnv("DELIVERY_RETRY_MAX", time.Hour),
			DeliveryTimeout:   getDurationEnv("DELIVERY_TIMEOUT", 10*time.Second),
			PollInterval:      getDurationEnv("DELIVERY_POLL_INTERVAL", 2*time.Second),
			WorkersPerChannel: getIntEnv("DELIVERY_WORKERS_PER_CHANNEL", 2),
			RatePerSecond:     getFloatEnv("DELIVERY_RATE_PER_SECOND", 5),
			ProcessingLease:   getDurationEnv("DELIVERY_LEASE", 5*time.Minute),
		},
		Pipeline: PipelineConfig{
			QueueSize:    getIntEnv("PIPELINE_QUEUE_SIZE", 1024),
			DedupWorkers: getIntEnv("DEDUP_WORKERS", 4),
			MatchWorkers: getIntEnv("MATCH_WORKERS", 4),
			EvalWorkers:  getIntEnv("EVAL_WORKERS", 4),
		},
		Kafka: KafkaConfig{
			Brokers: getSliceEnv("KAFKA_BROKERS", nil),
			Topic:   getEnv("KAFKA_TOPIC", "mentions.raw"),
			GroupID: getEnv("KAFKA_GROUP", "mention-pipeline"),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getIntEnv("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", ""),
		},
		Channels: ChannelsConfig{
			SMSGatewayURL: getEnv("SMS_GATEWAY_URL", ""),
			SMSAPIKey:     getEnv("SMS_API_KEY", ""),
			HTTPTimeout:   getDurationEnv("CHANNEL_HTTP_TIMEOUT", 15*time.Second),
		},
		Collectors: CollectorsConfig{
			HackerNewsEnabled:    getBoolEnv("HACKERNEWS_ENABLED", false),
			StackOverflowEnabled: getBoolEnv("STACKOVERFLOW_ENABLED", false),
			StackOverflowTags:    getSliceEnv("STACKOVERFLOW_TAGS", nil),
			TwitterBearerToken:   getEnv("TWITTER_BEARER_TOKEN", ""),
			RedditClientID:       getEnv("REDDIT_CLIENT_ID", ""),
			RedditClientSecret:   getEnv("REDDIT_CLIENT_SECRET", ""),
			RedditSubreddits:     getSliceEnv("REDDIT_SUBREDDITS", nil),
			Schedule:             getEnv("COLLECT_SCHEDULE", "0 */5 * * * *"),
			Keywords:             getSliceEnv("COLLECT_KEYWORDS", nil),
			Lookback:             getDurationEnv("COLLECT_LOOKBACK", time.Hour),
		},
	}

	// Validate required configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks ranges and cross-field requirements.
func (c *Config) Validate() error {
	if c.Dedup.NearDuplicateThreshold < 0 || c.Dedup.NearDuplicateThreshold > 64 {
		return fmt.Errorf("NEAR_DUPLICATE_THRESHOLD must be between 0 and 64")
	}
	if c.Dedup.NearDuplicateWindow <= 0 {
		return fmt.Errorf("NEAR_DUPLICATE_WINDOW must be positive")
	}
	if c.Matcher.Concurrency < 1 {
		return fmt.Errorf("MATCH_CONCURRENCY must be at least 1")
	}
	if c.Evaluator.BaselineWindows < 1 {
		return fmt.Errorf("VOLUME_BASELINE_WINDOWS must be at least 1")
	}
	if c.Evaluator.StateRetention <= 0 {
		return fmt.Errorf("RULE_STATE_RETENTION must be positive")
	}
	if c.Dispatcher.MaxAttempts < 1 {
		return fmt.Errorf("DELIVERY_MAX_ATTEMPTS must be at least 1")
	}
	if c.Dispatcher.RetryBaseDelay <= 0 || c.Dispatcher.DeliveryTimeout <= 0 || c.Dispatcher.PollInterval <= 0 {
		return fmt.Errorf("delivery durations must be positive")
	}
	if c.Dispatcher.WorkersPerChannel < 1 {
		return fmt.Errorf("DELIVERY_WORKERS_PER_CHANNEL must be at least 1")
	}
	if c.Pipeline.QueueSize < 1 || c.Pipeline.DedupWorkers < 1 || c.Pipeline.MatchWorkers < 1 || c.Pipeline.EvalWorkers < 1 {
		return fmt.Errorf("pipeline queue size and worker counts must be at least 1")
	}
	if c.Collectors.Lookback <= 0 {
		return fmt.Errorf("COLLECT_LOOKBACK must be positive")
	}
	if c.SMTP.Host != "" && c.SMTP.From == "" {
		return fmt.Errorf("SMTP_FROM is required when SMTP_HOST is set")
	}
	if (c.Collectors.RedditClientID == "") != (c.Collectors.RedditClientSecret == "") {
		return fmt.Errorf("REDDIT_CLIENT_ID and REDDIT_CLIENT_SECRET must be set together")
	}
	if c.Collectors.AnyEnabled() && len(c.Collectors.Keywords) == 0 {
		return fmt.Errorf("COLLECT_KEYWORDS is required when a collector is enabled")
	}
	if c.AuditRetention < 0 {
		return fmt.Errorf("AUDIT_RETENTION must not be negative")
	}

	return nil
}

// AnyEnabled reports whether at least one collector is switched on.
func (c CollectorsConfig) AnyEnabled() bool {
	return c.HackerNewsEnabled || c.StackOverflowEnabled || c.TwitterBearerToken != "" || c.RedditClientID != ""
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return defaultValue
}
