package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeFile(t, "orchestrator.yaml", `
registry:
  failure_threshold: 3
  cooldown: 45s
engine:
  call_timeout: 2s
  weights: performance
sink:
  sql:
    enabled: true
    driver: sqlite3
    dsn: "file:results.db"
workers:
  - id: soil
    transport: nats
    subject: workers.soil
    capabilities: [field_analysis]
    timeout: 3s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Registry.FailureThreshold != 3 || cfg.Registry.Cooldown != 45*time.Second {
		t.Errorf("Registry = %+v", cfg.Registry)
	}
	if cfg.Engine.CallTimeout != 2*time.Second || cfg.Engine.Weights != "performance" {
		t.Errorf("Engine = %+v", cfg.Engine)
	}
	// untouched fields keep their defaults
	if cfg.Registry.OverloadThreshold != 0.8 || cfg.Health.Interval != 30*time.Second {
		t.Errorf("defaults lost: %+v %+v", cfg.Registry, cfg.Health)
	}
	if len(cfg.Workers) != 1 || cfg.Workers[0].Timeout != 3*time.Second {
		t.Errorf("Workers = %+v", cfg.Workers)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ORCH_REGISTRY_FAILURE_THRESHOLD", "7")
	t.Setenv("ORCH_ENGINE_CALL_TIMEOUT", "1500ms")
	t.Setenv("ORCH_REGISTRY_OVERLOAD_THRESHOLD", "0.65")
	t.Setenv("ORCH_SERVER_ENABLED", "false")
	t.Setenv("ORCH_SERVER_AUTH_API_KEY_HASHES", "h1, h2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Registry.FailureThreshold != 7 {
		t.Errorf("FailureThreshold = %d, want 7", cfg.Registry.FailureThreshold)
	}
	if cfg.Engine.CallTimeout != 1500*time.Millisecond {
		t.Errorf("CallTimeout = %v, want 1.5s", cfg.Engine.CallTimeout)
	}
	if cfg.Registry.OverloadThreshold != 0.65 {
		t.Errorf("OverloadThreshold = %v", cfg.Registry.OverloadThreshold)
	}
	if cfg.Server.Enabled {
		t.Error("Server.Enabled should be false")
	}
	if got := cfg.Server.Auth.APIKeyHashes; len(got) != 2 || got[1] != "h2" {
		t.Errorf("APIKeyHashes = %v", got)
	}
}

func TestApplyEnvOverrides_BadValue(t *testing.T) {
	t.Setenv("ORCH_ENGINE_CALL_TIMEOUT", "soon")
	cfg := Default()
	err := ApplyEnvOverrides(EnvPrefix, &cfg)
	if err == nil || !strings.Contains(err.Error(), "ORCH_ENGINE_CALL_TIMEOUT") {
		t.Errorf("ApplyEnvOverrides() error = %v", err)
	}
}

func TestApplyEnvOverrides_RequiresStructPointer(t *testing.T) {
	if err := ApplyEnvOverrides("X", Default()); err == nil {
		t.Error("non-pointer target should fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad weights", func(c *Config) { c.Engine.Weights = "random" }, "Engine.Weights"},
		{"overload out of range", func(c *Config) { c.Registry.OverloadThreshold = 1.5 }, "Registry.OverloadThreshold"},
		{"jwt without secret", func(c *Config) { c.Server.Auth.Mode = "jwt" }, "Server.Auth.JWTSecret"},
		{"sql without dsn", func(c *Config) { c.Sink.SQL.Enabled = true }, "Sink.SQL.DSN"},
		{"jaeger without endpoint", func(c *Config) { c.Tracing.Exporter = "jaeger" }, "Tracing.Endpoint"},
		{"worker transport", func(c *Config) {
			c.Workers = []WorkerConfig{{ID: "w", Transport: "carrier-pigeon", Capabilities: []string{"x"}}}
		}, "unknown transport"},
		{"duplicate worker", func(c *Config) {
			w := WorkerConfig{ID: "w", Transport: "websocket", URL: "ws://x", Capabilities: []string{"x"}}
			c.Workers = []WorkerConfig{w, w}
		}, "duplicate id"},
		{"disabled server skips addr", func(c *Config) { c.Server.Enabled = false; c.Server.Addr = "" }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestSaveYAML_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := Default()
	cfg.Engine.CallTimeout = 4 * time.Second
	if err := SaveYAML(path, cfg); err != nil {
		t.Fatalf("SaveYAML() error = %v", err)
	}
	var loaded Config
	if err := LoadYAML(path, &loaded); err != nil {
		t.Fatalf("LoadYAML() error = %v", err)
	}
	if loaded.Engine.CallTimeout != 4*time.Second {
		t.Errorf("CallTimeout = %v after round trip", loaded.Engine.CallTimeout)
	}
}
