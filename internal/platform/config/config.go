package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures process-level configuration. Values come from the
// environment so main stays lean and deployments stay twelve-factor.
type Server struct {
	Addr          string
	DatabaseURL   string
	RedisAddr     string
	KafkaSeeds    []string
	KafkaTopic    string
	JWTSigningKey string

	// Audit write buffer tuning.
	BufferCapacity int
	FlushInterval  time.Duration
	MaxPending     int
}

// FromEnv builds a Server config from environment variables.
func FromEnv() Server {
	cfg := Server{
		Addr:           envOr("CARELEDGER_ADDR", ":8080"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		KafkaTopic:     envOr("AUDIT_KAFKA_TOPIC", "careledger.audit.events"),
		JWTSigningKey:  envOr("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		BufferCapacity: envIntOr("AUDIT_BUFFER_CAPACITY", 100),
		FlushInterval:  envDurationOr("AUDIT_FLUSH_INTERVAL", 3*time.Second),
		MaxPending:     envIntOr("AUDIT_MAX_PENDING", 1000),
	}

	if seeds := os.Getenv("AUDIT_KAFKA_SEEDS"); seeds != "" {
		cfg.KafkaSeeds = strings.Split(seeds, ",")
	}

	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
