package contributions

import (
	"context"

	"buildcalc/server/logging"
)

const (
	// EventDelta is emitted when a source produced a non-empty delta.
	EventDelta logging.EventType = "contributions.delta"
	// EventDuplicateConsumer is emitted when a rebuilt state reuses a consumer id.
	EventDuplicateConsumer logging.EventType = "contributions.duplicate_consumer"
	// EventDataAnomaly is emitted when game data had to be skipped or defaulted.
	EventDataAnomaly logging.EventType = "contributions.data_anomaly"
)

// DeltaPayload summarises the size of one source's delta.
type DeltaPayload struct {
	Stats             int `json:"stats"`
	RemovedStats      int `json:"removedStats"`
	Flags             int `json:"flags"`
	RemovedFlags      int `json:"removedFlags"`
	Broadcasts        int `json:"broadcasts"`
	RemovedBroadcasts int `json:"removedBroadcasts"`
}

// DuplicateConsumerPayload carries the validation message of a rebuilt state.
type DuplicateConsumerPayload struct {
	Error string `json:"error"`
}

// DataAnomalyPayload describes game data that was skipped or defaulted.
type DataAnomalyPayload struct {
	Kind   string `json:"kind"`
	Ref    string `json:"ref,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// Delta publishes a delta summary for one source.
func Delta(ctx context.Context, pub logging.Publisher, cycle uint64, source logging.EntityRef, payload DeltaPayload, extra map[string]any) {
	publish(ctx, pub, logging.Event{
		Type:     EventDelta,
		Cycle:    cycle,
		Actor:    source,
		Severity: logging.SeverityDebug,
		Payload:  payload,
		Extra:    extra,
	})
}

// DuplicateConsumer publishes a duplicate consumer id warning.
func DuplicateConsumer(ctx context.Context, pub logging.Publisher, cycle uint64, source logging.EntityRef, payload DuplicateConsumerPayload, extra map[string]any) {
	publish(ctx, pub, logging.Event{
		Type:     EventDuplicateConsumer,
		Cycle:    cycle,
		Actor:    source,
		Severity: logging.SeverityWarn,
		Payload:  payload,
		Extra:    extra,
	})
}

// DataAnomaly publishes a data anomaly warning.
func DataAnomaly(ctx context.Context, pub logging.Publisher, source logging.EntityRef, payload DataAnomalyPayload, extra map[string]any) {
	publish(ctx, pub, logging.Event{
		Type:     EventDataAnomaly,
		Actor:    source,
		Severity: logging.SeverityWarn,
		Payload:  payload,
		Extra:    extra,
	})
}

func publish(ctx context.Context, pub logging.Publisher, event logging.Event) {
	if pub == nil {
		return
	}
	event.Category = logging.CategoryContributions
	if trace, ok := logging.TraceIDFrom(ctx); ok && event.TraceID == "" {
		event.TraceID = trace
	}
	pub.Publish(ctx, event)
}
