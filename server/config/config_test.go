package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://pooler:5432/poflow")
	t.Setenv("SESSION_SECRET", "test-secret")

	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.Port != "8080" {
		t.Errorf("port = %q, want 8080", c.Port)
	}
	if c.DirectDatabaseURL != c.DatabaseURL {
		t.Errorf("direct url = %q, want fallback to DATABASE_URL", c.DirectDatabaseURL)
	}
	if c.ReconcilerStaleCutoff != 5*time.Minute {
		t.Errorf("stale cutoff = %v, want 5m", c.ReconcilerStaleCutoff)
	}
	if c.ReconcilerInterval != time.Minute {
		t.Errorf("reconciler interval = %v, want 1m", c.ReconcilerInterval)
	}
	if c.DBWarmupWindow != 2500*time.Millisecond {
		t.Errorf("warmup window = %v, want 2.5s", c.DBWarmupWindow)
	}
	if !c.AsyncImageProcessing {
		t.Error("async image processing should default on")
	}
}

func TestLoadRequiredVariables(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SESSION_SECRET", "test-secret")
	if _, err := Load(); err == nil {
		t.Error("missing DATABASE_URL should be fatal")
	}

	t.Setenv("DATABASE_URL", "postgres://pooler:5432/poflow")
	t.Setenv("SESSION_SECRET", "")
	if _, err := Load(); err == nil {
		t.Error("missing SESSION_SECRET should be fatal")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://pooler:5432/poflow")
	t.Setenv("DIRECT_DATABASE_URL", "postgres://direct:5432/poflow")
	t.Setenv("SESSION_SECRET", "test-secret")
	t.Setenv("RECONCILER_STALE_CUTOFF_MS", "120000")
	t.Setenv("ASYNC_IMAGE_PROCESSING", "false")

	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.DirectDatabaseURL != "postgres://direct:5432/poflow" {
		t.Errorf("direct url = %q", c.DirectDatabaseURL)
	}
	if c.ReconcilerStaleCutoff != 2*time.Minute {
		t.Errorf("stale cutoff = %v, want 2m", c.ReconcilerStaleCutoff)
	}
	if c.AsyncImageProcessing {
		t.Error("async image processing should honor the override")
	}
}
