// Package logging provides the structured logger shared by every component.
//
// Log records carry identifiers (task, checkpoint, test case ids) and never
// prompt text, test inputs or credentials.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger wraps slog.Logger with the component name attached
type Logger struct {
	*slog.Logger
	component string
}

// Config describes how a logger is built
type Config struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"` // json or text
	Output    string `yaml:"output"` // stdout, stderr, or file path
	Component string `yaml:"-"`
}

// New builds a logger from cfg
func New(cfg Config) *Logger {
	return newWithWriter(cfg, resolveOutput(cfg.Output))
}

// NewWithWriter builds a logger that writes to w, used by tests
func NewWithWriter(cfg Config, w io.Writer) *Logger {
	return newWithWriter(cfg, w)
}

func newWithWriter(cfg Config, output io.Writer) *Logger {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	logger := slog.New(handler)
	if cfg.Component != "" {
		logger = logger.With(slog.String("component", cfg.Component))
	}

	return &Logger{
		Logger:    logger,
		component: cfg.Component,
	}
}

// Default creates a logger configured from LOG_LEVEL and LOG_FORMAT
func Default(component string) *Logger {
	return New(Config{
		Level:     os.Getenv("LOG_LEVEL"),
		Format:    os.Getenv("LOG_FORMAT"),
		Output:    "stdout",
		Component: component,
	})
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return NewWithWriter(Config{Level: "error"}, io.Discard)
}

// Named returns a copy of l tagged with another component name
func (l *Logger) Named(component string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("component", component)),
		component: component,
	}
}

// WithTaskID adds the task id
func (l *Logger) WithTaskID(taskID string) *Logger {
	return l.with(slog.String("task_id", taskID))
}

// WithCheckpointID adds the checkpoint id
func (l *Logger) WithCheckpointID(checkpointID string) *Logger {
	return l.with(slog.String("checkpoint_id", checkpointID))
}

// WithUserID adds the authenticated user id
func (l *Logger) WithUserID(userID string) *Logger {
	return l.with(slog.String("user_id", userID))
}

// WithCorrelationID adds the correlation id of a control command
func (l *Logger) WithCorrelationID(correlationID string) *Logger {
	if correlationID == "" {
		return l
	}
	return l.with(slog.String("correlation_id", correlationID))
}

// WithError adds the error message
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.with(slog.String("error", err.Error()))
}

// WithDuration adds a duration in milliseconds
func (l *Logger) WithDuration(d time.Duration) *Logger {
	return l.with(slog.Float64("duration_ms", float64(d.Milliseconds())))
}

// StageLog records the completion of one orchestration stage
func (l *Logger) StageLog(stage string, iteration int, d time.Duration) {
	l.Logger.Info("stage completed",
		slog.String("stage", stage),
		slog.Int("iteration", iteration),
		slog.Float64("duration_ms", float64(d.Milliseconds())),
	)
}

// HTTPRequestLog records one served HTTP request
func (l *Logger) HTTPRequestLog(method, path string, status int, d time.Duration, clientIP string, attrs ...any) {
	args := []any{
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", status),
		slog.Float64("latency_ms", float64(d.Milliseconds())),
		slog.String("client_ip", clientIP),
	}
	l.Logger.Info("HTTP request", append(args, attrs...)...)
}

func (l *Logger) with(attrs ...any) *Logger {
	return &Logger{
		Logger:    l.Logger.With(attrs...),
		component: l.component,
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func resolveOutput(output string) io.Writer {
	switch output {
	case "stdout", "":
		return os.Stdout
	case "stderr":
		return os.Stderr
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return os.Stdout
		}
		return f
	}
}
