// Package sources implements the contribution source adapters. Each adapter
// owns the equipped or allocated state of one game system, rebuilds a tracked
// state from it on demand and diffs that state with its own tracker.
package sources

import (
	"context"
	"sync"

	"buildcalc/server/logging"
	"buildcalc/server/logging/contributions"
	"buildcalc/server/stats"
)

// Adapter names double as the source label on events and in hashes.
const (
	NameGear           = "gear"
	NameSkills         = "skills"
	NameRelics         = "relics"
	NameConstellations = "constellations"
	NameBells          = "bells"
	NameStatuses       = "statuses"
	NameSkillTags      = "skill_tags"
	NameWorldTier      = "world_tier"
)

// Source is implemented by every contribution source adapter.
type Source interface {
	Name() string
	// Hash summarises the domain state. It may change without the delta
	// changing, but an unchanged hash means the source is skipped.
	Hash() string
	BuildTrackedState() stats.TrackedState
	Delta() stats.Delta
	ResetTracker()
}

// Result is returned by every mutation. Validation failures are reported here
// rather than as Go errors.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func succeeded() Result {
	return Result{Success: true}
}

func failed(err error) Result {
	return Result{Success: false, Error: err.Error()}
}

// Option configures the shared adapter plumbing.
type Option func(*tracked)

// WithPublisher routes data anomaly and duplicate id events to pub.
func WithPublisher(pub logging.Publisher) Option {
	return func(t *tracked) {
		if pub != nil {
			t.publisher = pub
		}
	}
}

// WithNotifier registers fn to run after every mutation that changed the
// adapter's domain state.
func WithNotifier(fn func(source string)) Option {
	return func(t *tracked) {
		t.notify = fn
	}
}

// Notify returns a notifier that performs a non-blocking send of the source
// name on ch. A full channel already holds a pending signal, so the send is
// dropped.
func Notify(ch chan<- string) func(string) {
	return func(source string) {
		select {
		case ch <- source:
		default:
		}
	}
}

// tracked is embedded by every adapter. mu guards the adapter's domain state;
// trackerMu serialises diffs against the tracker baseline.
type tracked struct {
	name      string
	mu        sync.RWMutex
	trackerMu sync.Mutex
	tracker   *stats.Tracker
	version   uint64
	publisher logging.Publisher
	notify    func(string)
}

func (t *tracked) init(name string, opts []Option) {
	t.name = name
	t.tracker = stats.NewTracker()
	t.publisher = logging.NopPublisher()
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
}

// Name returns the adapter name.
func (t *tracked) Name() string {
	return t.name
}

// Version counts mutations that changed the domain state.
func (t *tracked) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// ResetTracker drops the baseline so the next Delta re-sends everything.
func (t *tracked) ResetTracker() {
	t.trackerMu.Lock()
	defer t.trackerMu.Unlock()
	t.tracker.Reset()
}

func (t *tracked) delta(state stats.TrackedState) stats.Delta {
	if err := state.Validate(); err != nil {
		contributions.DuplicateConsumer(context.Background(), t.publisher, 0, logging.SourceRef(t.name), contributions.DuplicateConsumerPayload{Error: err.Error()}, nil)
	}
	t.trackerMu.Lock()
	defer t.trackerMu.Unlock()
	return t.tracker.Delta(state)
}

func (t *tracked) anomaly(kind, ref, detail string) {
	contributions.DataAnomaly(context.Background(), t.publisher, logging.SourceRef(t.name), contributions.DataAnomalyPayload{
		Kind:   kind,
		Ref:    ref,
		Detail: detail,
	}, nil)
}

// Data anomaly kinds.
const (
	anomalyUnknownDefinition = "unknown_definition"
	anomalyUnknownEffect     = "unknown_effect"
	anomalyBadValue          = "bad_value"
)

var (
	_ Source = (*Gear)(nil)
	_ Source = (*Skills)(nil)
	_ Source = (*Relics)(nil)
	_ Source = (*Constellations)(nil)
	_ Source = (*Bells)(nil)
	_ Source = (*Statuses)(nil)
	_ Source = (*SkillTags)(nil)
	_ Source = (*WorldTier)(nil)
)
