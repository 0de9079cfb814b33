// Package config holds the explicit, immutable runtime configuration.
// It is constructed once at startup and threaded through constructors;
// nothing reads configuration from ambient state after boot.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	LogLevel string

	// DatabaseURL is the postgres connection string backing the store and
	// the durable job queue.
	DatabaseURL string

	// QueueProvider selects the job queue backend: postgres or redis.
	QueueProvider string
	RedisURL      string

	// EventBusProvider selects the lifecycle bus channel: gochannel or kafka.
	EventBusProvider string
	KafkaBrokers     []string

	// HTTPPort is the API listen port.
	HTTPPort int

	// ClientTimeout bounds outbound gateway calls.
	ClientTimeout time.Duration

	// Worker dispatch loop tuning. DrainTimeout bounds how long in-flight
	// jobs may keep running after shutdown begins.
	PollInterval     time.Duration
	DequeueBatchSize int
	DrainTimeout     time.Duration

	// BackoffDelay separates business retry attempts after a processing
	// error; InfraRedeliveryDelay and MaxDeliveries govern the distinct
	// infrastructure-level redelivery budget.
	BackoffDelay         time.Duration
	InfraRedeliveryDelay time.Duration
	MaxDeliveries        int

	// HealSchedule is the cron expression driving the deadline sweep.
	HealSchedule string
}

// FromEnv builds the configuration from the process environment. This is
// the only place the environment is consulted.
func FromEnv() Config {
	return Config{
		LogLevel:             envString("LOG_LEVEL", "info"),
		DatabaseURL:          envString("DATABASE_URL", ""),
		QueueProvider:        envString("QUEUE_PROVIDER", "postgres"),
		RedisURL:             envString("REDIS_URL", ""),
		EventBusProvider:     envString("EVENT_BUS_PROVIDER", "gochannel"),
		KafkaBrokers:         strings.Split(envString("KAFKA_BROKERS", ""), ","),
		HTTPPort:             envInt("HTTP_PORT", 9000),
		ClientTimeout:        envDuration("CLIENT_TIMEOUT", 30*time.Second),
		PollInterval:         envDuration("POLL_INTERVAL", time.Second),
		DequeueBatchSize:     envInt("DEQUEUE_BATCH_SIZE", 25),
		DrainTimeout:         envDuration("WORKER_DRAIN_TIMEOUT", 30*time.Second),
		BackoffDelay:         envDuration("BACKOFF_DELAY", 30*time.Second),
		InfraRedeliveryDelay: envDuration("INFRA_REDELIVERY_DELAY", 2*time.Minute),
		MaxDeliveries:        envInt("MAX_DELIVERIES", 10),
		HealSchedule:         envString("HEAL_SCHEDULE", "@every 5m"),
	}
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return fallback
}

func envInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}

	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}

	return parsed
}
