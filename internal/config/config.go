// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Queues
	KafkaBrokers    []string // Optional, uses in-process queues if not set
	WorkTopic       string
	ResultsTopic    string
	ConsumerGroupID string
	RedisURL        string // Optional, shares the dedup window across instances
	DedupWindow     time.Duration

	// Scoring
	ModelDir           string
	BroadcastThreshold float64
	FeedPollInterval   time.Duration

	// Tracing
	OTLPEndpoint string // Optional, disables tracing export if not set
}

// Defaults
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultWorkTopic          = "fraudwatch.transactions"
	DefaultResultsTopic       = "fraudwatch.results"
	DefaultConsumerGroup      = "fraudwatch-scoring"
	DefaultModelDir           = "./models"
	DefaultBroadcastThreshold = 0.5
	DefaultDedupWindow        = 5 * time.Minute
	DefaultFeedPollInterval   = time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		KafkaBrokers:       splitList(os.Getenv("KAFKA_BROKERS")),
		WorkTopic:          getEnv("WORK_TOPIC", DefaultWorkTopic),
		ResultsTopic:       getEnv("RESULTS_TOPIC", DefaultResultsTopic),
		ConsumerGroupID:    getEnv("CONSUMER_GROUP_ID", DefaultConsumerGroup),
		RedisURL:           os.Getenv("REDIS_URL"),
		DedupWindow:        getEnvDuration("DEDUP_WINDOW", DefaultDedupWindow),
		ModelDir:           getEnv("MODEL_DIR", DefaultModelDir),
		BroadcastThreshold: getEnvFloat("BROADCAST_THRESHOLD", DefaultBroadcastThreshold),
		FeedPollInterval:   getEnvDuration("FEED_POLL_INTERVAL", DefaultFeedPollInterval),
		OTLPEndpoint:       os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.ModelDir == "" {
		return fmt.Errorf("MODEL_DIR is required")
	}
	if c.BroadcastThreshold < 0 || c.BroadcastThreshold > 1 {
		return fmt.Errorf("BROADCAST_THRESHOLD must be within [0, 1], got %v", c.BroadcastThreshold)
	}
	if c.FeedPollInterval <= 0 {
		return fmt.Errorf("FEED_POLL_INTERVAL must be positive, got %v", c.FeedPollInterval)
	}
	if len(c.KafkaBrokers) > 0 {
		if c.WorkTopic == "" || c.ResultsTopic == "" {
			return fmt.Errorf("WORK_TOPIC and RESULTS_TOPIC are required with KAFKA_BROKERS")
		}
		if c.ConsumerGroupID == "" {
			return fmt.Errorf("CONSUMER_GROUP_ID is required with KAFKA_BROKERS")
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
