package evaluation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"buildcalc/server/effects/converter"
	"buildcalc/server/internal/catalog"
	"buildcalc/server/internal/engine"
	"buildcalc/server/internal/sources"
	"buildcalc/server/logging"
	"buildcalc/server/logging/contributions"
	evaluationlog "buildcalc/server/logging/evaluation"
	"buildcalc/server/logging/sinks"
	"buildcalc/server/stats"
)

const testCatalog = `
gear:
  - id: iron_helm
    name: Iron Helm
    slot: Head
    modifiers:
      - stat: Armor
        value: 10
  - id: steel_helm
    name: Steel Helm
    slot: Head
    modifiers:
      - stat: Armor
        value: 20
statuses:
  - id: frenzy
    name: Frenzy
    max_stacks: 3
    mods:
      - type: stat
        stat: Armor
        amount: 10
        modifier: increased
`

type harness struct {
	manager  *Manager
	memory   *engine.Memory
	gear     *sources.Gear
	statuses *sources.Statuses
	events   *sinks.MemorySink
	signals  chan string
}

func newHarness(t *testing.T, eng func(*engine.Memory) Engine) *harness {
	t.Helper()
	cat, err := catalog.New(catalog.Bytes("test.yaml", []byte(testCatalog)))
	if err != nil {
		t.Fatalf("failed to load catalog: %v", err)
	}
	events := sinks.NewMemorySink()
	pub := logging.PublisherFunc(func(_ context.Context, event logging.Event) {
		events.Write(event)
	})
	signals := make(chan string, 1)
	notify := sources.WithNotifier(sources.Notify(signals))

	gear := sources.NewGear(cat, sources.WithPublisher(pub), notify)
	statuses := sources.NewStatuses(cat, converter.Default(), sources.WithPublisher(pub), notify)
	mem := engine.NewMemory(nil)
	var backend Engine = mem
	if eng != nil {
		backend = eng(mem)
	}
	manager := NewManager(backend, []sources.Source{gear, statuses}, Config{
		EntityID:  "player",
		Outputs:   []string{"Armor", sources.StatusFlag("frenzy")},
		Publisher: pub,
	})
	return &harness{manager: manager, memory: mem, gear: gear, statuses: statuses, events: events, signals: signals}
}

func (h *harness) eventTypes() []logging.EventType {
	var out []logging.EventType
	for _, event := range h.events.Events() {
		out = append(out, event.Type)
	}
	return out
}

func (h *harness) count(kind logging.EventType) int {
	return h.events.Count(kind)
}

func requireOK(t *testing.T, res sources.Result) {
	t.Helper()
	if !res.Success {
		t.Fatalf("mutation failed: %s", res.Error)
	}
}

func requireNumber(t *testing.T, res Result, name string, want float64) {
	t.Helper()
	if res.Error != "" {
		t.Fatalf("unexpected evaluation error: %s", res.Error)
	}
	got, ok := res.Number(name)
	if !ok || got != want {
		t.Fatalf("expected %s=%v, got %v (values %+v)", name, want, res.Values[name], res.Values)
	}
}

func TestStartBuildsAndEvaluates(t *testing.T) {
	h := newHarness(t, nil)
	requireOK(t, h.gear.Equip("Head", "iron_helm", 0.5))
	requireOK(t, h.statuses.Apply("self", "frenzy", 2))

	res := h.manager.Start(context.Background())
	requireNumber(t, res, "Armor", 12)
	requireNumber(t, res, "status_frenzy", 1)

	if h.manager.State() != StateIdle {
		t.Fatalf("expected idle after start, got %s", h.manager.State())
	}
	if h.count(evaluationlog.EventBuildCompleted) != 1 || h.count(evaluationlog.EventCompleted) != 1 {
		t.Fatalf("unexpected events %v", h.eventTypes())
	}
	if h.count(contributions.EventDelta) != 2 {
		t.Fatalf("expected one delta event per source, got %v", h.eventTypes())
	}
	for _, event := range h.events.Events() {
		if event.Category == logging.CategoryEvaluation && event.TraceID == "" {
			t.Fatalf("expected evaluation events to carry a trace id, got %+v", event)
		}
	}
}

func TestSyncSendsOnlyChangedSources(t *testing.T) {
	h := newHarness(t, nil)
	requireOK(t, h.gear.Equip("Head", "iron_helm", 0.5))
	requireOK(t, h.statuses.Apply("self", "frenzy", 1))
	h.manager.Start(context.Background())

	res := h.manager.Sync(context.Background())
	requireNumber(t, res, "Armor", 11)
	if n := len(h.memory.Requests()); n != 1 {
		t.Fatalf("expected unchanged sources to skip the engine, got %d requests", n)
	}

	requireOK(t, h.gear.Equip("Head", "steel_helm", 0.5))
	res = h.manager.Sync(context.Background())
	requireNumber(t, res, "Armor", 22)

	requests := h.memory.Requests()
	if len(requests) != 2 {
		t.Fatalf("expected a second request, got %d", len(requests))
	}
	delta := requests[1].SetEntity["player"]
	if ids := delta.RemoveStats["Armor.add"]; len(ids) != 1 || !strings.HasPrefix(ids[0], "gear:Head:iron_helm") {
		t.Fatalf("expected iron helm removal, got %+v", delta.RemoveStats)
	}
	if _, resent := delta.Stats["Armor.multadd"]; resent {
		t.Fatalf("expected unchanged status mods not to be resent, got %+v", delta.Stats)
	}
	if len(delta.Flags) != 0 || len(delta.RemoveFlags) != 0 {
		t.Fatalf("expected no flag changes, got %+v / %+v", delta.Flags, delta.RemoveFlags)
	}
}

func TestEngineFailureDiscardsValuesAndRebuilds(t *testing.T) {
	h := newHarness(t, nil)
	requireOK(t, h.gear.Equip("Head", "iron_helm", 0.5))
	h.manager.Start(context.Background())

	requireOK(t, h.statuses.Apply("self", "frenzy", 3))
	h.memory.FailNext("engine fell over")
	res := h.manager.Sync(context.Background())
	if !strings.Contains(res.Error, "engine fell over") || res.Values != nil {
		t.Fatalf("expected failure to replace values, got %+v", res)
	}
	if h.count(evaluationlog.EventFailed) != 1 {
		t.Fatalf("expected a failure event, got %v", h.eventTypes())
	}

	res = h.manager.Sync(context.Background())
	requireNumber(t, res, "Armor", 13)
	if h.count(evaluationlog.EventBuildCompleted) != 2 {
		t.Fatalf("expected the graph to be rebuilt, got %v", h.eventTypes())
	}
	last := h.memory.Requests()
	if stats := last[len(last)-1].SetEntity["player"].Stats; len(stats["Armor.add"]) != 1 || len(stats["Armor.multadd"]) != 1 {
		t.Fatalf("expected a full resend after the rebuild, got %+v", stats)
	}
}

func TestBuildFailureIsReported(t *testing.T) {
	h := newHarness(t, nil)
	h.memory.FailNext("no graph")
	res := h.manager.Start(context.Background())
	if !strings.Contains(res.Error, "no graph") {
		t.Fatalf("expected build failure in result, got %+v", res)
	}
	if len(h.memory.Requests()) != 0 {
		t.Fatal("expected no evaluation after a failed build")
	}
	for _, event := range h.events.Events() {
		if event.Type != evaluationlog.EventFailed {
			continue
		}
		if payload, ok := event.Payload.(evaluationlog.FailedPayload); !ok || payload.Stage != engine.MethodBuild {
			t.Fatalf("expected build stage, got %+v", event.Payload)
		}
	}
}

func TestInvalidateResendsEverything(t *testing.T) {
	h := newHarness(t, nil)
	requireOK(t, h.gear.Equip("Head", "iron_helm", 0.5))
	h.manager.Start(context.Background())

	h.manager.Invalidate(context.Background(), "catalog reloaded")
	if h.count(evaluationlog.EventInvalidated) != 1 {
		t.Fatalf("expected invalidation event, got %v", h.eventTypes())
	}
	res := h.manager.Sync(context.Background())
	requireNumber(t, res, "Armor", 10)

	requests := h.memory.Requests()
	if len(requests) != 2 || len(requests[1].SetEntity["player"].Stats["Armor.add"]) != 1 {
		t.Fatalf("expected a full resend after invalidation, got %+v", requests)
	}
}

// pausingSource blocks the first Delta call after it is armed, after the
// delta has been computed.
type pausingSource struct {
	sources.Source
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func (p *pausingSource) Delta() stats.Delta {
	delta := p.Source.Delta()
	if p.armed {
		p.armed = false
		p.entered <- struct{}{}
		<-p.release
	}
	return delta
}

func TestInvalidateDuringSyncResendsSource(t *testing.T) {
	h := newHarness(t, nil)
	gear := &pausingSource{Source: h.gear, entered: make(chan struct{}), release: make(chan struct{})}
	manager := NewManager(h.memory, []sources.Source{gear, h.statuses}, Config{
		EntityID: "player",
		Outputs:  []string{"Armor"},
	})

	requireOK(t, h.gear.Equip("Head", "iron_helm", 0))
	requireNumber(t, manager.Start(context.Background()), "Armor", 10)

	requireOK(t, h.gear.Equip("Head", "steel_helm", 0))
	gear.armed = true
	done := make(chan Result, 1)
	go func() { done <- manager.Sync(context.Background()) }()

	<-gear.entered
	manager.Invalidate(context.Background(), "catalog reloaded")
	close(gear.release)

	var res Result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sync did not finish")
	}
	requireNumber(t, res, "Armor", 20)
	requireNumber(t, manager.Sync(context.Background()), "Armor", 20)

	state, ok := h.memory.State("player")
	if !ok || len(state.Mods["Armor.add"]) != 1 || state.Mods["Armor.add"][0].Amount != 20 {
		t.Fatalf("expected the engine to hold the steel helm after the rebuild, got %+v", state.Mods)
	}
}

type gatedEngine struct {
	*engine.Memory
	entered chan struct{}
	release chan struct{}

	mu    sync.Mutex
	evals int
}

func (g *gatedEngine) Eval(ctx context.Context, req engine.EvaluateRequest) (engine.EvaluateResponse, error) {
	g.mu.Lock()
	g.evals++
	g.mu.Unlock()
	g.entered <- struct{}{}
	<-g.release
	return g.Memory.Eval(ctx, req)
}

func TestSyncCoalescesWhileEvaluating(t *testing.T) {
	gate := &gatedEngine{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, func(mem *engine.Memory) Engine {
		gate.Memory = mem
		return gate
	})
	requireOK(t, h.gear.Equip("Head", "iron_helm", 0.5))

	done := make(chan Result, 1)
	go func() { done <- h.manager.Start(context.Background()) }()
	<-gate.entered

	if h.manager.State() != StateEvaluating {
		t.Fatalf("expected evaluating state, got %s", h.manager.State())
	}
	requireOK(t, h.gear.Equip("Head", "steel_helm", 0.5))
	h.manager.Sync(context.Background())
	h.manager.Sync(context.Background())

	gate.release <- struct{}{}
	<-gate.entered
	gate.release <- struct{}{}

	res := <-done
	requireNumber(t, res, "Armor", 20)
	gate.mu.Lock()
	defer gate.mu.Unlock()
	if gate.evals != 2 {
		t.Fatalf("expected concurrent syncs to collapse into one follow-up, got %d evaluations", gate.evals)
	}
}

func TestRunSyncsOnSignals(t *testing.T) {
	h := newHarness(t, nil)
	h.manager.Start(context.Background())
	// Drop anything queued before the loop starts.
	select {
	case <-h.signals:
	default:
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.manager.Run(ctx, h.signals) }()

	requireOK(t, h.gear.Equip("Head", "steel_helm", 0.5))
	deadline := time.Now().Add(2 * time.Second)
	for {
		if v, ok := h.manager.Result().Number("Armor"); ok && v == 20 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected Run to pick up the change, got %+v", h.manager.Result())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
}

func TestExplain(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.manager.Explain(context.Background(), "Armor"); !errors.Is(err, ErrNotBuilt) {
		t.Fatalf("expected ErrNotBuilt before start, got %v", err)
	}

	requireOK(t, h.gear.Equip("Head", "iron_helm", 0.5))
	h.manager.Start(context.Background())
	explanation, err := h.manager.Explain(context.Background(), "Armor")
	if err != nil {
		t.Fatalf("explain failed: %v", err)
	}
	if !strings.Contains(string(explanation.Tree), "gear:Head:iron_helm") {
		t.Fatalf("expected helm in explanation, got %s", explanation.Tree)
	}

	h.memory.FailNext("explain broke")
	if _, err := h.manager.Explain(context.Background(), "Armor"); !errors.Is(err, engine.ErrEngine) {
		t.Fatalf("expected engine error, got %v", err)
	}
	if h.count(evaluationlog.EventFailed) != 1 {
		t.Fatalf("expected explain failure event, got %v", h.eventTypes())
	}
}

func TestObserverSeesEveryCompletedSync(t *testing.T) {
	var seen []Result
	mem := engine.NewMemory(nil)
	manager := NewManager(mem, nil, Config{
		EntityID: "player",
		Outputs:  []string{"Armor"},
		Observer: func(res Result) { seen = append(seen, res) },
	})

	manager.Start(context.Background())
	manager.Sync(context.Background())
	if len(seen) != 2 || seen[0].Error != "" {
		t.Fatalf("expected two observed results, got %+v", seen)
	}
}
