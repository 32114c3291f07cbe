package evaluation

import (
	"context"

	"buildcalc/server/logging"
)

const (
	// EventBuildCompleted is emitted after the engine constructed the entity graph.
	EventBuildCompleted logging.EventType = "build.completed"
	// EventCompleted is emitted after a successful evaluation.
	EventCompleted logging.EventType = "evaluation.completed"
	// EventFailed is emitted when a build, evaluation or explain call fails.
	EventFailed logging.EventType = "evaluation.failed"
	// EventInvalidated is emitted when every tracker was reset.
	EventInvalidated logging.EventType = "evaluation.invalidated"
)

// BuildPayload describes a graph build.
type BuildPayload struct {
	DurationMs int64 `json:"durationMs"`
}

// CompletedPayload describes a finished evaluation.
type CompletedPayload struct {
	Sources    []string `json:"sources,omitempty"`
	Outputs    int      `json:"outputs"`
	Values     int      `json:"values"`
	DurationMs int64    `json:"durationMs"`
}

// FailedPayload records the stage and message of a failed engine call.
type FailedPayload struct {
	Stage string `json:"stage"`
	Error string `json:"error"`
}

// InvalidatedPayload records why trackers were reset.
type InvalidatedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// BuildCompleted publishes a graph build event.
func BuildCompleted(ctx context.Context, pub logging.Publisher, cycle uint64, entity logging.EntityRef, payload BuildPayload, extra map[string]any) {
	publish(ctx, pub, logging.Event{
		Type:     EventBuildCompleted,
		Cycle:    cycle,
		Actor:    entity,
		Severity: logging.SeverityInfo,
		Payload:  payload,
		Extra:    extra,
	})
}

// Completed publishes a successful evaluation event.
func Completed(ctx context.Context, pub logging.Publisher, cycle uint64, entity logging.EntityRef, payload CompletedPayload, extra map[string]any) {
	publish(ctx, pub, logging.Event{
		Type:     EventCompleted,
		Cycle:    cycle,
		Actor:    entity,
		Severity: logging.SeverityInfo,
		Payload:  payload,
		Extra:    extra,
	})
}

// Failed publishes an engine failure event.
func Failed(ctx context.Context, pub logging.Publisher, cycle uint64, entity logging.EntityRef, payload FailedPayload, extra map[string]any) {
	publish(ctx, pub, logging.Event{
		Type:     EventFailed,
		Cycle:    cycle,
		Actor:    entity,
		Severity: logging.SeverityError,
		Payload:  payload,
		Extra:    extra,
	})
}

// Invalidated publishes a full reset event.
func Invalidated(ctx context.Context, pub logging.Publisher, cycle uint64, entity logging.EntityRef, payload InvalidatedPayload, extra map[string]any) {
	publish(ctx, pub, logging.Event{
		Type:     EventInvalidated,
		Cycle:    cycle,
		Actor:    entity,
		Severity: logging.SeverityInfo,
		Payload:  payload,
		Extra:    extra,
	})
}

func publish(ctx context.Context, pub logging.Publisher, event logging.Event) {
	if pub == nil {
		return
	}
	event.Category = logging.CategoryEvaluation
	if trace, ok := logging.TraceIDFrom(ctx); ok && event.TraceID == "" {
		event.TraceID = trace
	}
	pub.Publish(ctx, event)
}
