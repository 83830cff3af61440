package config

import "testing"

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()
	if cfg.MetricsBackend != "memory" {
		t.Errorf("MetricsBackend = %q, want memory", cfg.MetricsBackend)
	}
	if cfg.RedisAddr != "" {
		t.Errorf("RedisAddr = %q, want disabled by default", cfg.RedisAddr)
	}
	if cfg.PauseSeconds != 5 {
		t.Errorf("PauseSeconds = %d, want 5", cfg.PauseSeconds)
	}
	if cfg.Port != "8080" || cfg.ModelAlias != "production" {
		t.Errorf("unexpected defaults: port=%q alias=%q", cfg.Port, cfg.ModelAlias)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("METRICS_BACKEND", "postgres")
	t.Setenv("PAUSE_SECONDS", "0")
	t.Setenv("MODEL_NAME", "delay-v2")

	cfg := FromEnv()
	if cfg.MetricsBackend != "postgres" {
		t.Errorf("MetricsBackend = %q, want postgres", cfg.MetricsBackend)
	}
	if cfg.PauseSeconds != 0 {
		t.Errorf("PauseSeconds = %d, want 0", cfg.PauseSeconds)
	}
	if cfg.ModelName != "delay-v2" {
		t.Errorf("ModelName = %q, want delay-v2", cfg.ModelName)
	}
}

func TestGetEnvIntIgnoresGarbage(t *testing.T) {
	t.Setenv("PAUSE_SECONDS", "soon")
	if cfg := FromEnv(); cfg.PauseSeconds != 5 {
		t.Errorf("PauseSeconds = %d, want default 5 on unparseable value", cfg.PauseSeconds)
	}
}
