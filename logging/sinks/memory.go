package sinks

import (
	"context"
	"maps"
	"sync"

	"buildcalc/server/logging"
)

// MemorySink keeps every event in memory for assertions in tests.
type MemorySink struct {
	mu     sync.RWMutex
	events []logging.Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Write stores a copy of event.
func (s *MemorySink) Write(event logging.Event) error {
	event.Extra = maps.Clone(event.Extra)
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

// Events returns the stored events in arrival order.
func (s *MemorySink) Events() []logging.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]logging.Event(nil), s.events...)
}

// Count returns how many stored events have the given type.
func (s *MemorySink) Count(kind logging.EventType) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, event := range s.events {
		if event.Type == kind {
			n++
		}
	}
	return n
}

func (s *MemorySink) Close(context.Context) error {
	return nil
}
