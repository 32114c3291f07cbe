package telemetry

import (
	"log"

	"buildcalc/server/logging"
)

// Logger exposes the plain text logging used by process-level components.
type Logger interface {
	Printf(format string, args ...any)
}

// LoggerFunc adapts functions into the Logger interface.
type LoggerFunc func(format string, args ...any)

// Printf implements Logger for LoggerFunc.
func (f LoggerFunc) Printf(format string, args ...any) {
	if f == nil {
		return
	}
	f(format, args...)
}

// WrapLogger adapts a standard library logger to the Logger interface.
func WrapLogger(logger *log.Logger) Logger {
	return &loggerAdapter{logger: logger}
}

type loggerAdapter struct {
	logger *log.Logger
}

func (l *loggerAdapter) Printf(format string, args ...any) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Printf(format, args...)
}

// Metrics exposes the counters updated by the engine client and the
// evaluation manager.
type Metrics interface {
	Add(key string, delta uint64)
	Store(key string, value uint64)
}

// WrapMetrics adapts a logging.Metrics store into the Metrics interface.
func WrapMetrics(metrics *logging.Metrics) Metrics {
	return &metricsAdapter{metrics: metrics}
}

type metricsAdapter struct {
	metrics *logging.Metrics
}

func (m *metricsAdapter) Add(key string, delta uint64) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.TelemetryAdd(key, delta)
}

func (m *metricsAdapter) Store(key string, value uint64) {
	if m == nil || m.metrics == nil {
		return
	}
	m.metrics.TelemetryStore(key, value)
}

// Metric keys.
const (
	MetricEngineCalls     = "engine_calls_total"
	MetricEngineTimeouts  = "engine_timeouts_total"
	MetricEngineFailures  = "engine_failures_total"
	MetricEnginePending   = "engine_pending_calls"
	MetricEvaluations     = "evaluations_total"
	MetricSkippedSources  = "sources_skipped_total"
	MetricCoalescedSyncs  = "syncs_coalesced_total"
	MetricLastDeltaMods   = "last_delta_mods"
	MetricEventsForwarded = "events_forwarded_total"
	MetricEventsDropped   = "events_dropped_total"
)

// NopMetrics discards every update.
func NopMetrics() Metrics {
	return WrapMetrics(nil)
}
