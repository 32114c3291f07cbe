package logging

import (
	"context"
	"time"
)

// EventType names an event family member, e.g. "evaluation.completed".
type EventType string

// Severity orders events for filtering.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
)

// EntityKind tells sinks what an EntityRef points at.
type EntityKind string

const (
	EntityKindEntity EntityKind = "entity"
	EntityKindSource EntityKind = "source"
)

// Event is one structured record. Cycle is the evaluation cycle it belongs
// to; events published outside a cycle carry 0.
type Event struct {
	Type     EventType      `json:"type"`
	Cycle    uint64         `json:"cycle"`
	Time     time.Time      `json:"time"`
	Actor    EntityRef      `json:"actor"`
	Severity Severity       `json:"severity"`
	Category string         `json:"category,omitempty"`
	Payload  any            `json:"payload,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
	TraceID  string         `json:"traceId,omitempty"`
}

// EntityRef identifies the entity or adapter an event is about.
type EntityRef struct {
	ID   string     `json:"id"`
	Kind EntityKind `json:"kind"`
}

const (
	CategoryContributions = "contributions"
	CategoryEvaluation    = "evaluation"
)

// Publisher accepts events. Implementations must not block the caller for
// long; the Router queues and drops instead.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// PublisherFunc adapts a function into a Publisher. A nil func discards.
type PublisherFunc func(ctx context.Context, event Event)

func (f PublisherFunc) Publish(ctx context.Context, event Event) {
	if f == nil {
		return
	}
	f(ctx, event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) {}

// NopPublisher discards every event.
func NopPublisher() Publisher {
	return nopPublisher{}
}

// cloneEvent copies the Extra map so sinks and field merging never share it
// with the publisher.
func cloneEvent(event Event) Event {
	cloned := event
	if event.Extra != nil {
		copied := make(map[string]any, len(event.Extra))
		for k, v := range event.Extra {
			copied[k] = v
		}
		cloned.Extra = copied
	}
	return cloned
}

// SourceRef identifies a contribution source adapter by name.
func SourceRef(name string) EntityRef {
	return EntityRef{ID: name, Kind: EntityKindSource}
}

// EntityRefFor identifies the evaluated entity.
func EntityRefFor(id string) EntityRef {
	return EntityRef{ID: id, Kind: EntityKindEntity}
}
