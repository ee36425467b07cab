// Package telemetry forwards server faults that need a human to Sentry.
// Everything here is a no-op until InitSentry succeeds with a DSN.
package telemetry

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
)

var enabled atomic.Bool

// InitSentry configures the global Sentry hub. An empty DSN leaves reporting
// disabled and returns a no-op flush.
func InitSentry(dsn, env, release string) (flush func(), err error) {
	if dsn == "" {
		return func() {}, nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: env,
		Release:     release,
		// Emergency payloads are PHI; never attach request bodies or IPs.
		SendDefaultPII: false,
	}); err != nil {
		return func() {}, fmt.Errorf("sentry init: %w", err)
	}
	enabled.Store(true)
	return func() { sentry.Flush(2 * time.Second) }, nil
}

// Enabled reports whether events are being forwarded.
func Enabled() bool {
	return enabled.Load()
}

// Report captures err with the given tags. Tag values must not contain PHI.
func Report(err error, tags map[string]string) {
	if err == nil || !enabled.Load() {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}

// ReportPanic captures a recovered panic value.
func ReportPanic(v interface{}, requestID string) {
	if !enabled.Load() {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("request_id", requestID)
		scope.SetLevel(sentry.LevelFatal)
		sentry.CurrentHub().Recover(v)
	})
}
