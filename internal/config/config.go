package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string

	SessionTTL           time.Duration
	SessionSweepInterval time.Duration

	PollInterval    time.Duration
	PollBatchSize   int
	OutboxRetention time.Duration

	SnapshotCacheTTL time.Duration

	RateLimitPerMinute int
	RateLimitBurst     int
}

func Load() Config {
	_ = godotenv.Load()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:                 port,
		DatabaseURL:          os.Getenv("DB_DSN"),
		RedisURL:             os.Getenv("REDIS_URL"),
		SessionTTL:           readDurationSeconds("SESSION_TTL_SECONDS", 43200),
		SessionSweepInterval: readDurationSeconds("SESSION_SWEEP_INTERVAL_SECONDS", 300),
		PollInterval:         readDurationSeconds("OUTBOX_POLL_INTERVAL_SECONDS", 1),
		PollBatchSize:        readInt("OUTBOX_POLL_BATCH_SIZE", 200),
		OutboxRetention:      readDurationSeconds("OUTBOX_RETENTION_SECONDS", 86400),
		SnapshotCacheTTL:     readDurationSeconds("SNAPSHOT_CACHE_TTL_SECONDS", 5),
		RateLimitPerMinute:   readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:       readInt("RATE_LIMIT_BURST", 30),
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
