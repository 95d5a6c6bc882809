// Package log provides structured logging utilities for gominer services.
// It wraps the standard library's slog package and exposes the narrow
// Emitter contract that the supervision, telemetry and stratum packages log through.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Emitter is the structured event sink used by the core packages.
type Emitter interface {
	Emit(component string, level slog.Level, msg string, fields ...any)
}

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger writing to stdout
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter creates a new logger writing to w
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	logLevel := ParseLevel(level)

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// ParseLevel maps a level name to a slog level, defaulting to info
func ParseLevel(level string) slog.Level {
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

// Emit implements Emitter
func (l *Logger) Emit(component string, level slog.Level, msg string, fields ...any) {
	args := make([]any, 0, len(fields)+2)
	args = append(args, "component", component)
	args = append(args, fields...)
	l.Log(context.Background(), level, msg, args...)
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithMiner returns a logger with miner-specific fields
func (l *Logger) WithMiner(minerType, worker string) *Logger {
	return l.WithFields("miner_type", minerType, "worker_name", worker)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogConnection logs connection events
func (l *Logger) LogConnection(event, remoteAddr string) {
	l.Info("connection event",
		"event", event,
		"remote_addr", remoteAddr,
	)
}

// LogStratumMessage logs Stratum protocol messages (debug level)
func (l *Logger) LogStratumMessage(direction, message string) {
	l.Debug("stratum message",
		"direction", direction,
		"message", message,
	)
}

// LogProcessEvent logs a supervised process lifecycle change
func (l *Logger) LogProcessEvent(name string, pid int, state, reason string) {
	l.Info("process event",
		"process", name,
		"pid", pid,
		"state", state,
		"reason", reason,
	)
}

// LogShareSubmission logs share submissions
func (l *Logger) LogShareSubmission(worker, jobID string, difficulty float64, status string) {
	l.Info("share submission",
		"worker_name", worker,
		"job_id", jobID,
		"difficulty", difficulty,
		"status", status,
	)
}

// LogMinerStats logs a periodic telemetry snapshot
func (l *Logger) LogMinerStats(minerType string, hashrate float64, accepted, rejected, errors uint64) {
	l.Info("miner stats",
		"miner_type", minerType,
		"hashrate", hashrate,
		"accepted_shares", accepted,
		"rejected_shares", rejected,
		"error_count", errors,
	)
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, d time.Duration) {
	l.Info("operation completed",
		"operation", operation,
		"duration_ms", float64(d)/1e6,
	)
}

type discard struct{}

func (discard) Emit(string, slog.Level, string, ...any) {}

// Discard is an Emitter that drops every event.
var Discard Emitter = discard{}

// Event is a single recorded emission.
type Event struct {
	Component string
	Level     slog.Level
	Message   string
	Fields    []any
}

// Recorder is an Emitter that keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Emitter
func (r *Recorder) Emit(component string, level slog.Level, msg string, fields ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{
		Component: component,
		Level:     level,
		Message:   msg,
		Fields:    append([]any(nil), fields...),
	})
}

// Events returns a copy of the recorded events
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Has reports whether an event with the given component and message was recorded
func (r *Recorder) Has(component, msg string) bool {
	for _, e := range r.Events() {
		if e.Component == component && e.Message == msg {
			return true
		}
	}
	return false
}
