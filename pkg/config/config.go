// Package config loads the orchestrator configuration from YAML with
// ORCH_* environment overrides and validates it.
package config

import (
	"fmt"
	"time"

	"github.com/fluxorio/orchestrator/pkg/logging"
)

// Config is the full orchestrator configuration.
type Config struct {
	Logging  logging.Config `yaml:"logging"`
	Registry RegistryConfig `yaml:"registry"`
	Engine   EngineConfig   `yaml:"engine"`
	Health   HealthConfig   `yaml:"health"`
	Server   ServerConfig   `yaml:"server"`
	Sink     SinkConfig     `yaml:"sink"`
	NATS     NATSConfig     `yaml:"nats"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Workers  []WorkerConfig `yaml:"workers"`
}

type RegistryConfig struct {
	FailureThreshold  int           `yaml:"failure_threshold"`
	Cooldown          time.Duration `yaml:"cooldown"`
	OverloadThreshold float64       `yaml:"overload_threshold"`
	HealthTimeout     time.Duration `yaml:"health_timeout"`
}

type EngineConfig struct {
	LoadPerCall float64       `yaml:"load_per_call"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	SinkTimeout time.Duration `yaml:"sink_timeout"`
	// Weights selects the consensus weight policy: uniform or performance.
	Weights         string  `yaml:"weights"`
	WeightFloor     float64 `yaml:"weight_floor"`
	DispatchWorkers int     `yaml:"dispatch_workers"`
	DispatchQueue   int     `yaml:"dispatch_queue"`
}

type HealthConfig struct {
	Interval     time.Duration `yaml:"interval"`
	CheckTimeout time.Duration `yaml:"check_timeout"`
}

type ServerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// MaxInFlight caps concurrent orchestrations; zero disables the cap.
	MaxInFlight int        `yaml:"max_in_flight"`
	Auth        AuthConfig `yaml:"auth"`
}

// AuthConfig guards the HTTP facade. Mode is none, jwt or apikey.
type AuthConfig struct {
	Mode      string `yaml:"mode"`
	JWTSecret string `yaml:"jwt_secret"`
	// APIKeyHashes are bcrypt hashes of accepted API keys.
	APIKeyHashes []string `yaml:"api_key_hashes"`
}

type SinkConfig struct {
	SQL     SQLSinkConfig     `yaml:"sql"`
	Pgx     PgxSinkConfig     `yaml:"pgx"`
	Journal JournalSinkConfig `yaml:"journal"`
	NATS    NATSSinkConfig    `yaml:"nats"`
}

type SQLSinkConfig struct {
	Enabled bool `yaml:"enabled"`
	// Driver is sqlite3 or postgres.
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type PgxSinkConfig struct {
	Enabled  bool   `yaml:"enabled"`
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

type JournalSinkConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Dir          string `yaml:"dir"`
	SegmentBytes int64  `yaml:"segment_bytes"`
}

type NATSSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Subject string `yaml:"subject"`
}

type NATSConfig struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

// TracingConfig selects the span exporter: none, stdout, jaeger or zipkin.
type TracingConfig struct {
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// WorkerConfig declares a remote worker reached over nats or websocket.
type WorkerConfig struct {
	ID           string        `yaml:"id"`
	Transport    string        `yaml:"transport"`
	Subject      string        `yaml:"subject"`
	URL          string        `yaml:"url"`
	Capabilities []string      `yaml:"capabilities"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Logging: logging.Config{Level: "info", Format: "json"},
		Registry: RegistryConfig{
			FailureThreshold:  5,
			Cooldown:          30 * time.Second,
			OverloadThreshold: 0.8,
			HealthTimeout:     5 * time.Second,
		},
		Engine: EngineConfig{
			LoadPerCall:     0.1,
			CallTimeout:     30 * time.Second,
			SinkTimeout:     10 * time.Second,
			Weights:         "uniform",
			WeightFloor:     0.1,
			DispatchWorkers: 4,
			DispatchQueue:   256,
		},
		Health: HealthConfig{
			Interval:     30 * time.Second,
			CheckTimeout: 5 * time.Second,
		},
		Server: ServerConfig{
			Enabled:      true,
			Addr:         ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 60 * time.Second,
			MaxInFlight:  256,
			Auth:         AuthConfig{Mode: "none"},
		},
		Sink: SinkConfig{
			SQL:     SQLSinkConfig{Driver: "sqlite3", MaxOpenConns: 10, MaxIdleConns: 2},
			Pgx:     PgxSinkConfig{MaxConns: 10},
			Journal: JournalSinkConfig{Dir: "data/journal", SegmentBytes: 64 << 20},
			NATS:    NATSSinkConfig{Subject: "orchestrator.results"},
		},
		NATS: NATSConfig{URL: "nats://127.0.0.1:4222", Name: "orchestrator"},
		Tracing: TracingConfig{
			Exporter:    "none",
			ServiceName: "orchestrator",
			SampleRatio: 1.0,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path and ORCH_* environment variables, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if err := LoadWithEnv(path, EnvPrefix, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges, enums and the fields required by enabled features.
func (c *Config) Validate() error {
	validators := []Validator{
		OneOfValidator("Logging.Level", "debug", "info", "warn", "error"),
		OneOfValidator("Logging.Format", "json", "console"),
		RangeValidator("Registry.FailureThreshold", 1, 1000),
		RangeValidator("Registry.OverloadThreshold", 0.01, 1),
		RangeValidator("Registry.Cooldown", float64(time.Millisecond), float64(24*time.Hour)),
		RangeValidator("Engine.LoadPerCall", 0, 1),
		RangeValidator("Engine.CallTimeout", float64(time.Millisecond), float64(time.Hour)),
		OneOfValidator("Engine.Weights", "uniform", "performance"),
		RangeValidator("Engine.WeightFloor", 0, 1),
		RangeValidator("Health.Interval", float64(time.Second), float64(24*time.Hour)),
		RangeValidator("Server.MaxInFlight", 0, 1e6),
		OneOfValidator("Server.Auth.Mode", "none", "jwt", "apikey"),
		OneOfValidator("Tracing.Exporter", "none", "stdout", "jaeger", "zipkin"),
		RangeValidator("Tracing.SampleRatio", 0, 1),
		When(func(interface{}) bool { return c.Server.Enabled }, RequiredFields("Server.Addr")),
		When(func(interface{}) bool { return c.Server.Auth.Mode == "jwt" }, RequiredFields("Server.Auth.JWTSecret")),
		When(func(interface{}) bool { return c.Server.Auth.Mode == "apikey" }, RequiredFields("Server.Auth.APIKeyHashes")),
		When(func(interface{}) bool { return c.Sink.SQL.Enabled }, RequiredFields("Sink.SQL.DSN")),
		When(func(interface{}) bool { return c.Sink.SQL.Enabled }, OneOfValidator("Sink.SQL.Driver", "sqlite3", "postgres")),
		When(func(interface{}) bool { return c.Sink.Pgx.Enabled }, RequiredFields("Sink.Pgx.DSN")),
		When(func(interface{}) bool { return c.Sink.Journal.Enabled }, RequiredFields("Sink.Journal.Dir")),
		When(func(interface{}) bool { return c.Sink.NATS.Enabled }, RequiredFields("Sink.NATS.Subject", "NATS.URL")),
		When(func(interface{}) bool { return c.Tracing.Exporter == "jaeger" || c.Tracing.Exporter == "zipkin" },
			RequiredFields("Tracing.Endpoint")),
		ValidatorFunc(func(interface{}) error { return c.validateWorkers() }),
	}
	return Validate(c, validators...)
}

func (c *Config) validateWorkers() error {
	seen := make(map[string]struct{}, len(c.Workers))
	for i, w := range c.Workers {
		if w.ID == "" {
			return fmt.Errorf("workers[%d]: id is required", i)
		}
		if _, dup := seen[w.ID]; dup {
			return fmt.Errorf("workers[%d]: duplicate id %s", i, w.ID)
		}
		seen[w.ID] = struct{}{}
		if len(w.Capabilities) == 0 {
			return fmt.Errorf("worker %s: at least one capability is required", w.ID)
		}
		switch w.Transport {
		case "nats":
			if w.Subject == "" {
				return fmt.Errorf("worker %s: nats transport needs a subject", w.ID)
			}
		case "websocket":
			if w.URL == "" {
				return fmt.Errorf("worker %s: websocket transport needs a url", w.ID)
			}
		default:
			return fmt.Errorf("worker %s: unknown transport %q", w.ID, w.Transport)
		}
	}
	return nil
}
