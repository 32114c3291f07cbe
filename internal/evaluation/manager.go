// Package evaluation drives the engine from the contribution sources: it
// builds the entity graph, collects per-source deltas for changed sources,
// merges them into one request and keeps the latest result.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"buildcalc/server/internal/engine"
	"buildcalc/server/internal/sources"
	"buildcalc/server/internal/telemetry"
	"buildcalc/server/logging"
	"buildcalc/server/logging/contributions"
	evaluationlog "buildcalc/server/logging/evaluation"
	"buildcalc/server/stats"
)

// ErrNotBuilt is returned by Explain before the entity graph exists.
var ErrNotBuilt = errors.New("evaluation: entity not built")

// Engine is the subset of the engine client the manager depends on.
type Engine interface {
	Build(ctx context.Context, req engine.BuildRequest) error
	Eval(ctx context.Context, req engine.EvaluateRequest) (engine.EvaluateResponse, error)
	Explain(ctx context.Context, req engine.ExplainRequest) (engine.Explanation, error)
}

// State is the manager's evaluation state.
type State int

const (
	StateIdle State = iota
	StateEvaluating
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateEvaluating:
		return "evaluating"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Result is the outcome of the latest evaluation. A failed evaluation carries
// its message in Error and no values.
type Result struct {
	Cycle  uint64         `json:"cycle"`
	Values map[string]any `json:"values,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Number returns the numeric value of name.
func (r Result) Number(name string) (float64, bool) {
	v, ok := r.Values[name].(float64)
	return v, ok
}

// Config configures a Manager.
type Config struct {
	EntityID  string
	Outputs   []string
	Publisher logging.Publisher
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	// Observer, when set, receives the result of every completed Sync.
	Observer func(Result)
}

// Manager owns the evaluation cycle of one entity. Sync is safe to call from
// several goroutines: a call that arrives while an evaluation is running
// marks a single follow-up run and returns the current result.
type Manager struct {
	engine  Engine
	sources []sources.Source
	cfg     Config

	mu      sync.Mutex
	state   State
	pending bool
	built   bool
	cycle   uint64
	hashes  map[string]string
	result  Result
	// generation advances on every reset. Work started under an older
	// generation must not record hashes or mark the entity built.
	generation uint64
}

// NewManager constructs a manager over the provided sources. Source order
// determines merge order.
func NewManager(eng Engine, srcs []sources.Source, cfg Config) *Manager {
	if cfg.Publisher == nil {
		cfg.Publisher = logging.NopPublisher()
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NopMetrics()
	}
	cfg.Outputs = append([]string(nil), cfg.Outputs...)
	return &Manager{
		engine:  eng,
		sources: append([]sources.Source(nil), srcs...),
		cfg:     cfg,
		hashes:  make(map[string]string),
	}
}

// State reports whether an evaluation is running.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Result returns a copy of the latest result.
func (m *Manager) Result() Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.copyResult()
}

func (m *Manager) copyResult() Result {
	out := m.result
	out.Values = maps.Clone(m.result.Values)
	return out
}

// Start discards every baseline, builds the entity graph and runs one
// evaluation.
func (m *Manager) Start(ctx context.Context) Result {
	m.reset()
	return m.Sync(ctx)
}

// Invalidate resets every tracker, clears the recorded hashes and marks the
// entity as not built. The next Sync rebuilds from scratch; a Sync already
// running loops once more to do so.
func (m *Manager) Invalidate(ctx context.Context, reason string) {
	m.reset()
	m.mu.Lock()
	if m.state == StateEvaluating {
		m.pending = true
	}
	cycle := m.cycle
	m.mu.Unlock()
	evaluationlog.Invalidated(ctx, m.cfg.Publisher, cycle, m.entityRef(), evaluationlog.InvalidatedPayload{Reason: reason}, nil)
}

func (m *Manager) reset() {
	for _, src := range m.sources {
		src.ResetTracker()
	}
	m.mu.Lock()
	m.hashes = make(map[string]string)
	m.built = false
	m.generation++
	m.mu.Unlock()
}

// Sync submits the merged delta of every source whose hash changed since the
// last successful evaluation and returns the resulting values.
func (m *Manager) Sync(ctx context.Context) Result {
	m.mu.Lock()
	if m.state == StateEvaluating {
		m.pending = true
		m.cfg.Metrics.Add(telemetry.MetricCoalescedSyncs, 1)
		result := m.copyResult()
		m.mu.Unlock()
		return result
	}
	m.state = StateEvaluating
	m.mu.Unlock()

	for {
		m.cycleOnce(ctx)

		m.mu.Lock()
		if !m.pending || ctx.Err() != nil {
			m.pending = false
			m.state = StateIdle
			result := m.copyResult()
			m.mu.Unlock()
			if m.cfg.Observer != nil {
				m.cfg.Observer(result)
			}
			return result
		}
		m.pending = false
		m.mu.Unlock()
	}
}

// Run syncs once per received signal until ctx is done or signals is
// closed. Signals that queue up while a sync runs collapse into one.
func (m *Manager) Run(ctx context.Context, signals <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case source, ok := <-signals:
			if !ok {
				return nil
			}
			m.drain(signals)
			m.cfg.Logger.Printf("evaluation: %s changed, syncing", source)
			m.Sync(ctx)
		}
	}
}

func (m *Manager) drain(signals <-chan string) {
	for {
		select {
		case _, ok := <-signals:
			if !ok {
				return
			}
			m.cfg.Metrics.Add(telemetry.MetricCoalescedSyncs, 1)
		default:
			return
		}
	}
}

// Explain forwards an explain call for stat. Failures are published like
// evaluation failures and returned.
func (m *Manager) Explain(ctx context.Context, stat string) (engine.Explanation, error) {
	m.mu.Lock()
	built := m.built
	cycle := m.cycle
	m.mu.Unlock()
	if !built {
		return engine.Explanation{}, ErrNotBuilt
	}
	explanation, err := m.engine.Explain(ctx, engine.ExplainRequest{Entity: m.cfg.EntityID, Stat: stat})
	if err != nil {
		evaluationlog.Failed(ctx, m.cfg.Publisher, cycle, m.entityRef(), evaluationlog.FailedPayload{Stage: engine.MethodExplain, Error: err.Error()}, nil)
		return engine.Explanation{}, err
	}
	return explanation, nil
}

func (m *Manager) cycleOnce(ctx context.Context) {
	ctx, _ = logging.WithTrace(ctx)
	started := time.Now()

	m.mu.Lock()
	m.cycle++
	cycle := m.cycle
	built := m.built
	generation := m.generation
	m.mu.Unlock()

	if !built {
		buildStarted := time.Now()
		if err := m.engine.Build(ctx, engine.BuildRequest{Entity: m.cfg.EntityID, Outputs: m.cfg.Outputs}); err != nil {
			m.fail(ctx, cycle, engine.MethodBuild, err)
			return
		}
		m.mu.Lock()
		if m.generation == generation {
			m.built = true
		}
		m.mu.Unlock()
		evaluationlog.BuildCompleted(ctx, m.cfg.Publisher, cycle, m.entityRef(), evaluationlog.BuildPayload{
			DurationMs: time.Since(buildStarted).Milliseconds(),
		}, nil)
	}

	deltas, changed := m.collect(ctx, cycle)
	merged := stats.Merge(deltas...)
	m.cfg.Metrics.Store(telemetry.MetricLastDeltaMods, uint64(merged.Counts().AddedMods))

	m.mu.Lock()
	current := m.result
	m.mu.Unlock()
	if built && !merged.HasChanges && current.Error == "" && current.Values != nil {
		return
	}

	resp, err := m.engine.Eval(ctx, engine.NewEvaluateRequest(m.cfg.EntityID, merged, m.cfg.Outputs))
	if err != nil {
		m.fail(ctx, cycle, engine.MethodEval, err)
		return
	}
	m.cfg.Metrics.Add(telemetry.MetricEvaluations, 1)

	values := maps.Clone(resp[m.cfg.EntityID].Values)
	if values == nil {
		values = make(map[string]any)
	}
	m.mu.Lock()
	m.result = Result{Cycle: cycle, Values: values}
	m.mu.Unlock()

	evaluationlog.Completed(ctx, m.cfg.Publisher, cycle, m.entityRef(), evaluationlog.CompletedPayload{
		Sources:    changed,
		Outputs:    len(m.cfg.Outputs),
		Values:     len(values),
		DurationMs: time.Since(started).Milliseconds(),
	}, nil)
}

// collect derives deltas for every source whose hash moved. The hash is read
// before the delta so a mutation racing the diff is picked up next cycle.
func (m *Manager) collect(ctx context.Context, cycle uint64) ([]stats.Delta, []string) {
	var (
		deltas  []stats.Delta
		changed []string
	)
	for _, src := range m.sources {
		name := src.Name()
		hash := src.Hash()

		m.mu.Lock()
		prev, seen := m.hashes[name]
		generation := m.generation
		m.mu.Unlock()
		if seen && prev == hash {
			m.cfg.Metrics.Add(telemetry.MetricSkippedSources, 1)
			continue
		}

		delta := src.Delta()
		m.mu.Lock()
		if m.generation == generation {
			m.hashes[name] = hash
		}
		m.mu.Unlock()
		if !delta.HasChanges {
			continue
		}

		counts := delta.Counts()
		contributions.Delta(ctx, m.cfg.Publisher, cycle, logging.SourceRef(name), contributions.DeltaPayload{
			Stats:             counts.AddedMods,
			RemovedStats:      counts.RemovedMods,
			Flags:             counts.AddedFlags,
			RemovedFlags:      counts.RemovedFlags,
			Broadcasts:        counts.AddedBroadcasts,
			RemovedBroadcasts: counts.RemovedBroadcasts,
		}, nil)
		deltas = append(deltas, delta)
		changed = append(changed, name)
	}
	return deltas, changed
}

// fail records err as the current result and invalidates so the next cycle
// rebuilds the graph from full states.
func (m *Manager) fail(ctx context.Context, cycle uint64, stage string, err error) {
	m.cfg.Logger.Printf("evaluation: %s failed: %v", stage, err)
	evaluationlog.Failed(ctx, m.cfg.Publisher, cycle, m.entityRef(), evaluationlog.FailedPayload{Stage: stage, Error: err.Error()}, nil)
	m.reset()
	m.mu.Lock()
	m.result = Result{Cycle: cycle, Error: err.Error()}
	m.mu.Unlock()
}

func (m *Manager) entityRef() logging.EntityRef {
	return logging.EntityRefFor(m.cfg.EntityID)
}
