// Package observability reports errors to Sentry when a DSN is configured.
package observability

import (
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

var sentryEnabled atomic.Bool

// InitSentry starts the Sentry client. An empty dsn leaves reporting off.
// The returned func flushes buffered events and should be deferred.
func InitSentry(dsn, environment, release string) (func(), bool, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		sentryEnabled.Store(false)
		return func() {}, false, nil
	}

	options := sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      strings.TrimSpace(environment),
		Release:          strings.TrimSpace(release),
		AttachStacktrace: true,
	}

	if err := sentry.Init(options); err != nil {
		sentryEnabled.Store(false)
		return func() {}, false, err
	}

	sentryEnabled.Store(true)
	return func() {
		sentry.Flush(2 * time.Second)
	}, true, nil
}

// Enabled reports whether events are being sent
func Enabled() bool {
	return sentryEnabled.Load()
}

// scopeFor lifts the type, operation and context of a ServiceError into
// Sentry tags and extras.
func scopeFor(err error) (map[string]string, map[string]any) {
	tags := map[string]string{}
	extra := map[string]any{}

	var se *errors.ServiceError
	if stdErrors.As(err, &se) {
		tags["error_type"] = string(se.Type)
		tags["operation"] = se.Operation
		for k, v := range se.Context {
			extra[k] = v
		}
	}
	return tags, extra
}

// CaptureError sends err with the given tags and extras
func CaptureError(err error, tags map[string]string, extra map[string]any) {
	if err == nil || !sentryEnabled.Load() {
		return
	}
	errTags, errExtra := scopeFor(err)
	sentry.WithScope(func(scope *sentry.Scope) {
		for key, value := range errTags {
			scope.SetTag(key, value)
		}
		for key, value := range tags {
			scope.SetTag(key, value)
		}
		for key, value := range errExtra {
			scope.SetExtra(key, value)
		}
		for key, value := range extra {
			scope.SetExtra(key, value)
		}
		sentry.CaptureException(err)
	})
}

// fieldMap turns alternating key/value fields into a map. The first error
// value under the "error" key is returned separately.
func fieldMap(fields []any) (map[string]any, error) {
	out := make(map[string]any, len(fields)/2)
	var found error
	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprint(fields[i])
		if err, ok := fields[i+1].(error); ok && key == "error" && found == nil {
			found = err
			continue
		}
		out[key] = fields[i+1]
	}
	return out, found
}

type reporting struct {
	next log.Emitter
}

// Reporting forwards every event to next and also sends error level events
// to Sentry while it is enabled.
func Reporting(next log.Emitter) log.Emitter {
	if next == nil {
		next = log.Discard
	}
	return reporting{next: next}
}

// Emit implements log.Emitter
func (r reporting) Emit(component string, level slog.Level, msg string, fields ...any) {
	r.next.Emit(component, level, msg, fields...)

	if level < slog.LevelError || !sentryEnabled.Load() {
		return
	}

	extra, err := fieldMap(fields)
	tags := map[string]string{"component": component}
	if err != nil {
		extra["message"] = msg
		CaptureError(err, tags, extra)
		return
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		for key, value := range tags {
			scope.SetTag(key, value)
		}
		for key, value := range extra {
			scope.SetExtra(key, value)
		}
		sentry.CaptureMessage(msg)
	})
}
