package config

import (
	"testing"
	"time"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg := FromEnv()

	if cfg.DataDir != ".saga" {
		t.Errorf("DataDir = %s", cfg.DataDir)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d", cfg.MaxRetries)
	}
	if cfg.MaxDepth != 1000 {
		t.Errorf("MaxDepth = %d", cfg.MaxDepth)
	}
	if cfg.StoreTimeout != 5*time.Second {
		t.Errorf("StoreTimeout = %s", cfg.StoreTimeout)
	}
	if !cfg.AllowConflictedMerge {
		t.Error("AllowConflictedMerge should default to true")
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("SAGA_DATA", "/tmp/saga-test")
	t.Setenv("SAGA_MAX_RETRIES", "7")
	t.Setenv("SAGA_STORE_TIMEOUT", "250ms")
	t.Setenv("SAGA_ALLOW_CONFLICTED_MERGE", "false")

	cfg := FromEnv()
	if cfg.DataDir != "/tmp/saga-test" {
		t.Errorf("DataDir = %s", cfg.DataDir)
	}
	if cfg.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d", cfg.MaxRetries)
	}
	if cfg.StoreTimeout != 250*time.Millisecond {
		t.Errorf("StoreTimeout = %s", cfg.StoreTimeout)
	}
	if cfg.AllowConflictedMerge {
		t.Error("AllowConflictedMerge should be overridden to false")
	}
}

func TestFromEnv_BadValuesFallBack(t *testing.T) {
	t.Setenv("SAGA_MAX_RETRIES", "lots")
	t.Setenv("SAGA_STORE_TIMEOUT", "soon")

	cfg := FromEnv()
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want default", cfg.MaxRetries)
	}
	if cfg.StoreTimeout != 5*time.Second {
		t.Errorf("StoreTimeout = %s, want default", cfg.StoreTimeout)
	}
}
