package otel

import (
	"os"
	"sync/atomic"
)

// traceEnabled turns on per-message bus events, which are too chatty for
// normal runs.
var traceEnabled atomic.Bool

func init() {
	traceEnabled.Store(os.Getenv("IONIC_TRACE") != "")
}

// TraceEnabled reports whether IONIC_TRACE is set.
func TraceEnabled() bool {
	return traceEnabled.Load()
}

// SetTraceEnabled overrides the IONIC_TRACE setting.
func SetTraceEnabled(v bool) {
	traceEnabled.Store(v)
}
