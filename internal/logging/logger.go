// Package logging provides config-driven categorized logging for phaseloop.
// One zap logger is built at startup and handed to every component through the
// application context; categories are named children of that logger.
// Categories can be switched off individually in .phaseloop/config.yaml.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot        Category = "boot"        // Boot/initialization
	CategoryCoordinator Category = "coordinator" // Phase selection and the main loop
	CategoryState       Category = "state"       // Pipeline state persistence
	CategoryLoop        Category = "loop"        // Loop detection and interventions
	CategoryBus         Category = "bus"         // Message bus
	CategoryPhase       Category = "phase"       // Phase execution
	CategoryLLM         Category = "llm"         // LLM API calls
	CategoryTools       Category = "tools"       // Tool execution
	CategoryWorld       Category = "world"       // Reference graph scanning
)

// Config mirrors config.LoggingConfig to avoid circular imports
type Config struct {
	Level      string          `yaml:"level"`  // debug, info, warn, error
	Format     string          `yaml:"format"` // json, text
	File       string          `yaml:"file"`   // relative to <workspace>/.phaseloop/logs
	Categories map[string]bool `yaml:"categories"`
}

// Logger is the root logger. It is safe for concurrent use.
type Logger struct {
	base       *zap.Logger
	categories map[string]bool

	mu       sync.RWMutex
	children map[Category]*CategoryLogger
}

// New builds the root logger from config. Logs go to stderr and, when
// cfg.File is set, to <workspace>/.phaseloop/logs/<file>.
func New(cfg Config, workspace string) (*Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.Sampling = nil
	zcfg.Level = zap.NewAtomicLevelAt(parseLevel(cfg.Level))
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if strings.EqualFold(cfg.Format, "text") || strings.EqualFold(cfg.Format, "console") {
		zcfg.Encoding = "console"
		zcfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}

	zcfg.OutputPaths = []string{"stderr"}
	if cfg.File != "" {
		logPath := cfg.File
		if !filepath.IsAbs(logPath) {
			logPath = filepath.Join(workspace, ".phaseloop", "logs", cfg.File)
		}
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create logs directory: %w", err)
		}
		zcfg.OutputPaths = append(zcfg.OutputPaths, logPath)
	}

	base, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return wrap(base, cfg.Categories), nil
}

// NewFromZap wraps an existing zap logger. Tests use it with zaptest/observer.
func NewFromZap(base *zap.Logger) *Logger {
	return wrap(base, nil)
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return wrap(zap.NewNop(), nil)
}

func wrap(base *zap.Logger, categories map[string]bool) *Logger {
	return &Logger{
		base:       base,
		categories: categories,
		children:   make(map[Category]*CategoryLogger),
	}
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// IsCategoryEnabled returns whether a specific category is enabled
func (l *Logger) IsCategoryEnabled(category Category) bool {
	if l.categories == nil {
		return true
	}
	enabled, exists := l.categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) the logger for a category.
// Disabled categories get a no-op logger.
func (l *Logger) Get(category Category) *CategoryLogger {
	l.mu.RLock()
	if c, ok := l.children[category]; ok {
		l.mu.RUnlock()
		return c
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.children[category]; ok {
		return c
	}

	z := zap.NewNop()
	if l.IsCategoryEnabled(category) {
		z = l.base.Named(string(category))
	}
	c := newCategoryLogger(z)
	l.children[category] = c
	return c
}

// Zap exposes the underlying zap logger.
func (l *Logger) Zap() *zap.Logger {
	return l.base
}

// Sync flushes buffered entries. Errors from syncing stderr are ignored.
func (l *Logger) Sync() {
	_ = l.base.Sync()
}

// CategoryLogger logs within one category. The printf-style methods keep call
// sites short; With and Structured attach typed fields.
type CategoryLogger struct {
	z *zap.Logger
	s *zap.SugaredLogger
}

func newCategoryLogger(z *zap.Logger) *CategoryLogger {
	return &CategoryLogger{z: z, s: z.Sugar()}
}

// Debug logs a debug message
func (c *CategoryLogger) Debug(format string, args ...interface{}) {
	c.s.Debugf(format, args...)
}

// Info logs an informational message
func (c *CategoryLogger) Info(format string, args ...interface{}) {
	c.s.Infof(format, args...)
}

// Warn logs a warning message
func (c *CategoryLogger) Warn(format string, args ...interface{}) {
	c.s.Warnf(format, args...)
}

// Error logs an error message
func (c *CategoryLogger) Error(format string, args ...interface{}) {
	c.s.Errorf(format, args...)
}

// With returns a child logger carrying the given fields.
func (c *CategoryLogger) With(fields ...zap.Field) *CategoryLogger {
	return newCategoryLogger(c.z.With(fields...))
}

// Structured writes a message with typed fields at the given level.
func (c *CategoryLogger) Structured(level zapcore.Level, msg string, fields ...zap.Field) {
	if ce := c.z.Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
}

// Decision logs one phase selection. Score is only attached for affinity-based
// decisions so that the log shows the number that produced the choice.
func (c *CategoryLogger) Decision(iteration int, phase, reason string, score float64, scored bool) {
	fields := []zap.Field{
		zap.Int("iteration", iteration),
		zap.String("phase", phase),
		zap.String("reason", reason),
	}
	if scored {
		fields = append(fields, zap.Float64("score", score))
	}
	c.Structured(zapcore.InfoLevel, "phase selected", fields...)
}

// Intervention logs a loop intervention against the phase whose actions
// triggered it.
func (c *CategoryLogger) Intervention(phase, stage, finding, severity string, count int) {
	c.Structured(zapcore.WarnLevel, "loop intervention",
		zap.String("phase", phase),
		zap.String("stage", stage),
		zap.String("finding", finding),
		zap.String("severity", severity),
		zap.Int("count", count),
	)
}

// Timer measures an operation and logs it when stopped.
type Timer struct {
	log       *CategoryLogger
	operation string
	start     time.Time
	threshold time.Duration
}

// StartTimer starts timing an operation. Operations slower than one second
// are logged at warn level.
func StartTimer(log *CategoryLogger, operation string) *Timer {
	return &Timer{log: log, operation: operation, start: time.Now(), threshold: time.Second}
}

// Stop logs the elapsed time and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > t.threshold {
		t.log.Warn("slow operation: %s took %v", t.operation, elapsed)
	} else {
		t.log.Debug("%s completed in %v", t.operation, elapsed)
	}
	return elapsed
}
