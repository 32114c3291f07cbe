package logging

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Clock stamps events that arrive without a time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function into a Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

// Sink receives events from a dedicated router worker. Write errors put the
// sink into exponential backoff; Close is called once after the last Write.
type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

// NamedSink pairs a sink with the name it is enabled under.
type NamedSink struct {
	Name string
	Sink Sink
}

// Router is the process-wide Publisher. Publish never blocks: events go into
// a bounded queue and are dropped, with a rate-limited warning, when it is
// full. A dispatcher applies the severity filter and config fields and fans
// each event out to one buffered worker per sink.
type Router struct {
	cfg         Config
	queue       chan Event
	workers     []*sinkWorker
	clock       Clock
	fallback    *log.Logger
	stop        context.CancelFunc
	closed      atomic.Bool
	minSeverity Severity
	fields      map[string]any
	wg          sync.WaitGroup

	forwarded   atomic.Uint64
	dropped     atomic.Uint64
	nextDropLog atomic.Int64
}

// RouterStats counts events forwarded to sinks and events dropped at the
// queue.
type RouterStats struct {
	EventsTotal  uint64
	DroppedTotal uint64
}

// NewRouter starts the dispatcher and one worker per sink. Nil sinks are
// skipped; empty or repeated names are rejected.
func NewRouter(clock Clock, cfg Config, namedSinks []NamedSink) (*Router, error) {
	if clock == nil {
		clock = ClockFunc(time.Now)
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 512
	}
	sinkBuffer := min(max(bufferSize, 32), 1024)
	fallback := log.New(os.Stderr, "[logging] ", log.LstdFlags)

	seen := make(map[string]struct{}, len(namedSinks))
	var workers []*sinkWorker
	for _, named := range namedSinks {
		if named.Sink == nil {
			continue
		}
		if named.Name == "" {
			return nil, fmt.Errorf("logging: sink without a name")
		}
		if _, dup := seen[named.Name]; dup {
			return nil, fmt.Errorf("logging: sink %q registered twice", named.Name)
		}
		seen[named.Name] = struct{}{}
		workers = append(workers, newSinkWorker(named.Name, named.Sink, sinkBuffer, fallback))
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		cfg:         cfg,
		queue:       make(chan Event, bufferSize),
		workers:     workers,
		clock:       clock,
		fallback:    fallback,
		stop:        cancel,
		minSeverity: cfg.MinimumSeverity,
		fields:      cfg.CloneFields(),
	}
	r.start(ctx)
	return r, nil
}

func (r *Router) start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			for _, worker := range r.workers {
				close(worker.events)
			}
		}()
		for {
			select {
			case <-ctx.Done():
				r.drain()
				return
			case event := <-r.queue:
				r.forward(event)
			}
		}
	}()

	for _, worker := range r.workers {
		r.wg.Add(1)
		go func(w *sinkWorker) {
			defer r.wg.Done()
			w.run()
		}(worker)
	}
}

func (r *Router) drain() {
	for {
		select {
		case event := <-r.queue:
			r.forward(event)
		default:
			return
		}
	}
}

func (r *Router) forward(event Event) {
	if event.Severity < r.minSeverity {
		return
	}
	if event.Time.IsZero() {
		event.Time = r.clock.Now()
	}
	event = cloneEvent(event)
	if len(r.fields) > 0 {
		if event.Extra == nil {
			event.Extra = make(map[string]any, len(r.fields))
		}
		for k, v := range r.fields {
			if _, exists := event.Extra[k]; !exists {
				event.Extra[k] = v
			}
		}
	}
	r.forwarded.Add(1)
	for _, worker := range r.workers {
		worker.enqueue(event)
	}
}

// Publish queues event. Events without a type and events published after
// Close are discarded.
func (r *Router) Publish(_ context.Context, event Event) {
	if event.Type == "" || r.closed.Load() {
		return
	}
	select {
	case r.queue <- event:
	default:
		r.handleDrop(event)
	}
}

func (r *Router) handleDrop(event Event) {
	r.dropped.Add(1)
	interval := r.cfg.DropWarnInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	now := time.Now().UnixNano()
	next := r.nextDropLog.Load()
	if now >= next && r.nextDropLog.CompareAndSwap(next, now+interval.Nanoseconds()) {
		r.fallback.Printf("dropping event type=%s cycle=%d", event.Type, event.Cycle)
	}
}

// Close stops accepting events, delivers what is queued and closes every
// sink. It returns ctx.Err() if delivery does not finish in time. Calling it
// again is a no-op.
func (r *Router) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.stop()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var firstErr error
	for _, worker := range r.workers {
		if err := worker.sink.Close(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close sink %s: %w", worker.name, err)
		}
	}
	return firstErr
}

// Stats reports the router counters.
func (r *Router) Stats() RouterStats {
	return RouterStats{
		EventsTotal:  r.forwarded.Load(),
		DroppedTotal: r.dropped.Load(),
	}
}

type sinkWorker struct {
	name      string
	sink      Sink
	events    chan Event
	fallback  *log.Logger
	failures  int
	nextRetry time.Time
}

func newSinkWorker(name string, sink Sink, buffer int, fallback *log.Logger) *sinkWorker {
	return &sinkWorker{
		name:     name,
		sink:     sink,
		events:   make(chan Event, buffer),
		fallback: fallback,
	}
}

func (w *sinkWorker) enqueue(event Event) {
	select {
	case w.events <- cloneEvent(event):
	default:
		w.fallback.Printf("sink %s backlog full dropping event type=%s", w.name, event.Type)
	}
}

func (w *sinkWorker) run() {
	for event := range w.events {
		if wait := time.Until(w.nextRetry); w.failures > 0 && wait > 0 {
			time.Sleep(wait)
		}
		if err := w.sink.Write(event); err != nil {
			w.fail(err)
			continue
		}
		w.failures = 0
		w.nextRetry = time.Time{}
	}
}

// fail backs off 2s, 4s, ... capped at 32s.
func (w *sinkWorker) fail(err error) {
	w.failures++
	delay := time.Duration(1<<min(w.failures, 5)) * time.Second
	w.nextRetry = time.Now().Add(delay)
	w.fallback.Printf("sink %s failed: %v (retry in %s)", w.name, err, delay)
}
