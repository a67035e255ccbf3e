package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds runtime configuration for the tasque service.
type Config struct {
	HTTPAddr        string
	DBPath          string
	DispatchTimeout time.Duration
	DispatchRate    float64 // outbound requests per second, 0 disables limiting
	DispatchBurst   int
	MaxBodyBytes    int64
}

// Load reads configuration from environment variables with defaults suited to
// local development.
func Load() Config {
	return Config{
		HTTPAddr:        getEnv("TASQUE_ADDR", ":8080"),
		DBPath:          getEnv("TASQUE_DB", "tasque.db"),
		DispatchTimeout: getEnvDuration("TASQUE_DISPATCH_TIMEOUT", 30*time.Second),
		DispatchRate:    getEnvFloat("TASQUE_DISPATCH_RATE", 0),
		DispatchBurst:   getEnvInt("TASQUE_DISPATCH_BURST", 64),
		MaxBodyBytes:    int64(getEnvInt("TASQUE_MAX_BODY_BYTES", 256<<10)),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
