// Package config provides engine configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds tunables for the version engine.
type Config struct {
	// DataDir is the root directory for database files.
	DataDir string
	// PolicyFile is an optional YAML file overriding the built-in
	// branching-policy table.
	PolicyFile string
	// MaxRetries bounds automatic retries after a lost branch-head CAS.
	MaxRetries int
	// MaxDepth bounds ancestry walks (chains, LCA search, diagrams).
	MaxDepth int
	// StoreTimeout bounds each individual store call.
	StoreTimeout time.Duration
	// AllowConflictedMerge lets merges land with conflicts recorded as
	// data instead of failing.
	AllowConflictedMerge bool
}

// FromEnv creates a Config from environment variables.
func FromEnv() *Config {
	return &Config{
		DataDir:              getEnv("SAGA_DATA", ".saga"),
		PolicyFile:           getEnv("SAGA_POLICY_FILE", ""),
		MaxRetries:           getEnvInt("SAGA_MAX_RETRIES", 3),
		MaxDepth:             getEnvInt("SAGA_MAX_DEPTH", 1000),
		StoreTimeout:         getEnvDuration("SAGA_STORE_TIMEOUT", 5*time.Second),
		AllowConflictedMerge: getEnvBool("SAGA_ALLOW_CONFLICTED_MERGE", true),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
