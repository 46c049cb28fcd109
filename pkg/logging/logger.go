// Package logging provides the orchestrator's structured logging.
//
// Two views are offered over the same zap backend: a leveled Logger taking
// key/value pairs, and the StructuredLogger event API the orchestration
// components report through (LogSuccess / LogError with category and severity).
package logging

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Fields carries structured context for an event.
type Fields map[string]interface{}

// Category classifies an error by the subsystem that produced it.
type Category string

const (
	CategoryRegistry      Category = "registry"
	CategoryScheduling    Category = "scheduling"
	CategoryExecution     Category = "execution"
	CategoryWorker        Category = "worker"
	CategoryConsensus     Category = "consensus"
	CategoryHealth        Category = "health"
	CategorySink          Category = "sink"
	CategoryTransport     Category = "transport"
	CategoryConfiguration Category = "configuration"
)

// Severity ranks how urgent an error is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Logger is a leveled logger taking alternating key/value pairs.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})

	// With returns a child logger that always carries keysAndValues
	With(keysAndValues ...interface{}) Logger
}

// StructuredLogger is the event-oriented logging boundary used by the engine,
// registry and health monitor.
type StructuredLogger interface {
	LogSuccess(event string, fields Fields)
	LogError(err error, category Category, severity Severity, fields Fields)
}

// Config selects level and encoding.
type Config struct {
	// Level is one of debug, info, warn, error. Default: info.
	Level string `yaml:"level"`
	// Format is json or console. Default: json.
	Format string `yaml:"format"`
}

// ZapLogger implements Logger and StructuredLogger on top of zap.
type ZapLogger struct {
	logger *zap.SugaredLogger
}

// New builds a ZapLogger from cfg.
func New(cfg Config) (*ZapLogger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	var zc zap.Config
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		zc = zap.NewProductionConfig()
	case "console":
		zc = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	l, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return &ZapLogger{logger: l.Sugar()}, nil
}

// FromZap wraps an existing zap logger.
func FromZap(l *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: l.Sugar()}
}

// NewNop returns a logger that discards everything.
func NewNop() *ZapLogger {
	return FromZap(zap.NewNop())
}

func (l *ZapLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l *ZapLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Infow(msg, keysAndValues...)
}

func (l *ZapLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warnw(msg, keysAndValues...)
}

func (l *ZapLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, keysAndValues...)
}

func (l *ZapLogger) With(keysAndValues ...interface{}) Logger {
	return &ZapLogger{logger: l.logger.With(keysAndValues...)}
}

// LogSuccess records a successful event at info level.
func (l *ZapLogger) LogSuccess(event string, fields Fields) {
	l.logger.Infow(event, append(fields.keysAndValues(), "outcome", "success")...)
}

// LogError records err. Low severity goes out as a warning, everything else as
// an error.
func (l *ZapLogger) LogError(err error, category Category, severity Severity, fields Fields) {
	kv := append(fields.keysAndValues(),
		"error", errString(err),
		"category", string(category),
		"severity", string(severity),
	)
	msg := string(category) + " error"
	if severity == SeverityLow {
		l.logger.Warnw(msg, kv...)
		return
	}
	l.logger.Errorw(msg, kv...)
}

// Sync flushes buffered entries.
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}

// WithContext returns a child logger carrying the request id stored in ctx.
func (l *ZapLogger) WithContext(ctx context.Context) *ZapLogger {
	if id := RequestID(ctx); id != "" {
		return &ZapLogger{logger: l.logger.With("request_id", id)}
	}
	return l
}

// keysAndValues flattens fields in key order so output is stable.
func (f Fields) keysAndValues() []interface{} {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	kv := make([]interface{}, 0, len(f)*2)
	for _, k := range keys {
		kv = append(kv, k, f[k])
	}
	return kv
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var (
	_ Logger           = (*ZapLogger)(nil)
	_ StructuredLogger = (*ZapLogger)(nil)
)
