package app

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"buildcalc/server/internal/engine"
	"buildcalc/server/internal/evaluation"
	"buildcalc/server/internal/telemetry"
	"buildcalc/server/logging"
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
skills:
  - name: Cleave
    tags: [Melee, Physical]
    levels:
      20:
        - stat: Damage
          amount: 50
constellations:
  - id: crane
    nodes:
      - id: root
        devotion: {ascendant: 1}
      - id: wing
        parent: root
        max_level: 2
  - id: tortoise
    requirements: {ascendant: 1}
    nodes:
      - id: shell
bells:
  - id: dawn
    nodes:
      - id: a
      - id: b
        requires: [a]
statuses:
  - id: frenzy
    max_stacks: 3
    mods:
      - type: stat
        stat: Armor
        amount: 10
        modifier: increased
world_tiers:
  - id: t3
damage_types: [Physical]
`

const fullBuild = `
gear:
  Head: {def: iron_helm, roll: 0.5}
skills:
  - {name: Cleave, level: 20}
constellations:
  - {constellation: tortoise, node: shell}
  - {constellation: crane, node: wing, level: 2}
  - {constellation: crane, node: root}
bells:
  active: dawn
  nodes:
    dawn: [b, a]
statuses:
  - {source: self, id: frenzy, stacks: 2}
world_tier: t3
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func testConfig(t *testing.T, build string) Config {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.EntityID = "player"
	cfg.CatalogPaths = []string{writeFile(t, dir, "catalog.yaml", testCatalog)}
	cfg.BuildPath = writeFile(t, dir, "build.yaml", build)
	cfg.Outputs = []string{"Armor", "Damage"}
	cfg.LogSinks = []string{logging.SinkJSON}
	cfg.LogJSONPath = filepath.Join(dir, "events.jsonl")
	cfg.CallTimeout = 2 * time.Second
	cfg.PollInterval = 10 * time.Millisecond
	return cfg
}

func newTestRuntime(t *testing.T, build string) *Runtime {
	t.Helper()
	rt, err := NewRuntime(testConfig(t, build), nil, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("failed to construct runtime: %v", err)
	}
	t.Cleanup(func() { rt.Close(context.Background()) })
	return rt
}

func TestLoadConfigOverlaysEnvironment(t *testing.T) {
	t.Setenv("ENGINE_URL", "ws://engine:9000/engine")
	t.Setenv("OUTPUTS", "Life,Armor")
	t.Setenv("CALL_TIMEOUT", "3s")
	t.Setenv("RELIC_GRID_WIDTH", "4")
	t.Setenv("LOG_MIN_SEVERITY", "debug")
	t.Setenv("ENABLE_PPROF", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.EngineURL != "ws://engine:9000/engine" || cfg.CallTimeout != 3*time.Second {
		t.Fatalf("expected env overrides, got %+v", cfg)
	}
	if len(cfg.Outputs) != 2 || cfg.Outputs[1] != "Armor" {
		t.Fatalf("expected outputs from env, got %v", cfg.Outputs)
	}
	if cfg.RelicGrid.Width != 4 || cfg.RelicGrid.Height != DefaultConfig().RelicGrid.Height {
		t.Fatalf("expected grid width override only, got %+v", cfg.RelicGrid)
	}
	if cfg.BuildPath != DefaultConfig().BuildPath {
		t.Fatalf("expected default build path to survive, got %q", cfg.BuildPath)
	}
	if !cfg.Observability.EnablePprof {
		t.Fatal("expected pprof to be enabled from env")
	}
	if cfg.Logging().MinimumSeverity != logging.SeverityDebug {
		t.Fatalf("expected debug severity, got %v", cfg.Logging().MinimumSeverity)
	}
}

func TestDecodeBuildRejectsUnknownFields(t *testing.T) {
	if _, err := DecodeBuild([]byte("gear: {}\nweapons: []\n")); err == nil {
		t.Fatal("expected unknown field to be rejected")
	}
	if b, err := DecodeBuild(nil); err != nil || len(b.Gear) != 0 {
		t.Fatalf("expected empty build, got %+v / %v", b, err)
	}
}

func TestApplyBuildResolvesOrderingAndIsIdempotent(t *testing.T) {
	rt := newTestRuntime(t, fullBuild)
	if err := rt.ApplyBuild(); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	a := rt.Adapters
	if got := a.Constellations.Allocated(); got["tortoise"]["shell"] != 1 || got["crane"]["wing"] != 2 {
		t.Fatalf("expected out-of-order constellation nodes to settle, got %+v", got)
	}
	if got := a.Bells.Allocated("dawn"); len(got) != 2 || a.Bells.Active() != "dawn" {
		t.Fatalf("expected both bell nodes allocated, got %v (active %q)", got, a.Bells.Active())
	}
	if a.WorldTier.Selected() != "t3" || len(a.Statuses.Active()) != 1 {
		t.Fatalf("unexpected world tier or statuses: %q %+v", a.WorldTier.Selected(), a.Statuses.Active())
	}

	versions := make(map[string]uint64)
	for _, src := range a.Sources() {
		if v, ok := src.(interface{ Version() uint64 }); ok {
			versions[src.Name()] = v.Version()
		}
	}
	if err := rt.ApplyBuild(); err != nil {
		t.Fatalf("reapply failed: %v", err)
	}
	for _, src := range a.Sources() {
		if v, ok := src.(interface{ Version() uint64 }); ok && v.Version() != versions[src.Name()] {
			t.Fatalf("%s: expected reapplying the same build to be a no-op", src.Name())
		}
	}
}

func TestApplyBuildRemovesMissingEntries(t *testing.T) {
	rt := newTestRuntime(t, fullBuild)
	if err := rt.ApplyBuild(); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	writeFile(t, filepath.Dir(rt.Config.BuildPath), "build.yaml", "gear:\n  Head: {def: steel_helm, roll: 0}\n")
	if err := rt.ApplyBuild(); err != nil {
		t.Fatalf("reapply failed: %v", err)
	}

	a := rt.Adapters
	if item := a.Gear.Equipped()["Head"]; item.DefID != "steel_helm" {
		t.Fatalf("expected helm swap, got %+v", item)
	}
	if len(a.Skills.Equipped()) != 0 || len(a.Constellations.Allocated()) != 0 || len(a.Bells.Allocations()) != 0 {
		t.Fatal("expected skills, constellations and bells to be cleared")
	}
	if a.Bells.Active() != "" || a.WorldTier.Selected() != "" || len(a.Statuses.Active()) != 0 {
		t.Fatal("expected bell, world tier and statuses to be cleared")
	}
}

func TestRuntimeDeltaAdvancesBaselines(t *testing.T) {
	rt := newTestRuntime(t, fullBuild)
	if err := rt.ApplyBuild(); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	first := rt.Delta()
	if len(first.Stats["Armor.add"]) != 1 || len(first.Flags["Cleave_tag_Melee"]) != 1 {
		t.Fatalf("expected gear and skill tag contributions, got %+v", first)
	}
	if second := rt.Delta(); second.HasChanges {
		t.Fatalf("expected no changes on the second delta, got %+v", second)
	}
}

func startEngine(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(engine.NewMemory(nil))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRunEvaluatesOnce(t *testing.T) {
	cfg := testConfig(t, fullBuild)
	cfg.EngineURL = startEngine(t)

	var results []evaluation.Result
	err := Run(context.Background(), cfg, RunOptions{
		Stdout:   &bytes.Buffer{},
		OnResult: func(res evaluation.Result) { results = append(results, res) },
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected one result, got %+v", results)
	}
	if armor, _ := results[0].Number("Armor"); armor != 12 {
		t.Fatalf("expected Armor 12, got %+v", results[0].Values)
	}

	events, err := os.ReadFile(cfg.LogJSONPath)
	if err != nil {
		t.Fatalf("read event log: %v", err)
	}
	if !strings.Contains(string(events), `"evaluation.completed"`) {
		t.Fatalf("expected completion event in log, got %s", events)
	}
}

func TestRunReportsUnreachableEngine(t *testing.T) {
	cfg := testConfig(t, fullBuild)
	cfg.EngineURL = "ws://127.0.0.1:1/engine"
	if err := Run(context.Background(), cfg, RunOptions{Stdout: &bytes.Buffer{}}); err == nil {
		t.Fatal("expected dial failure")
	}
}

func TestRunWatchReappliesBuild(t *testing.T) {
	cfg := testConfig(t, "gear:\n  Head: {def: iron_helm, roll: 0}\n")
	cfg.EngineURL = startEngine(t)

	var mu sync.Mutex
	var armor []float64
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, cfg, RunOptions{
			Stdout: &bytes.Buffer{},
			Watch:  true,
			OnResult: func(res evaluation.Result) {
				mu.Lock()
				defer mu.Unlock()
				if v, ok := res.Number("Armor"); ok {
					armor = append(armor, v)
				}
			},
		})
	}()

	waitFor := func(want float64) {
		t.Helper()
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			mu.Lock()
			seen := len(armor) > 0 && armor[len(armor)-1] == want
			mu.Unlock()
			if seen {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatalf("timed out waiting for Armor=%v, saw %v", want, armor)
	}
	waitFor(10)

	writeFile(t, filepath.Dir(cfg.BuildPath), "build.yaml", "gear:\n  Head: {def: steel_helm, roll: 0}\n")
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(cfg.BuildPath, future, future); err != nil {
		t.Fatalf("touch build: %v", err)
	}
	waitFor(20)

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
}

func TestShippedSamplesLoad(t *testing.T) {
	root := filepath.Join("..", "..", "config")
	cfg := DefaultConfig()
	cfg.CatalogPaths = []string{filepath.Join(root, "catalog", "base.yaml")}
	cfg.BuildPath = filepath.Join(root, "build.example.yaml")
	cfg.LogSinks = []string{logging.SinkMemory}

	rt, err := NewRuntime(cfg, nil, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("failed to load sample catalog: %v", err)
	}
	defer rt.Close(context.Background())

	b, err := LoadBuild(cfg.BuildPath)
	if err != nil {
		t.Fatalf("failed to load sample build: %v", err)
	}
	if err := b.ApplyTo(rt.Adapters); err != nil {
		t.Fatalf("sample build rejected: %v", err)
	}
	if rt.Config.EntityID == "" {
		t.Fatal("expected a generated entity id")
	}
}

func TestRunExplainsStat(t *testing.T) {
	cfg := testConfig(t, fullBuild)
	cfg.EngineURL = startEngine(t)

	var tree string
	err := Run(context.Background(), cfg, RunOptions{
		Stdout:    &bytes.Buffer{},
		Explain:   "Armor",
		OnExplain: func(e engine.Explanation) { tree = string(e.Tree) },
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(tree, "gear:Head:iron_helm") || !strings.Contains(tree, "status:self:frenzy") {
		t.Fatalf("expected gear and status contributions, got %s", tree)
	}
}

func TestWatchReloadsCatalogAndResends(t *testing.T) {
	cfg := testConfig(t, "gear:\n  Head: {def: iron_helm, roll: 0}\n")
	cfg.EngineURL = startEngine(t)

	var (
		mu    sync.Mutex
		armor []float64
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, cfg, RunOptions{
			Stdout: &bytes.Buffer{},
			Watch:  true,
			OnResult: func(res evaluation.Result) {
				mu.Lock()
				defer mu.Unlock()
				if v, ok := res.Number("Armor"); ok {
					armor = append(armor, v)
				}
			},
		})
	}()

	waitFor := func(want float64) {
		t.Helper()
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			mu.Lock()
			seen := len(armor) > 0 && armor[len(armor)-1] == want
			mu.Unlock()
			if seen {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatalf("timed out waiting for Armor=%v, saw %v", want, armor)
	}
	waitFor(10)

	catalogPath := cfg.CatalogPaths[0]
	writeFile(t, filepath.Dir(catalogPath), filepath.Base(catalogPath), strings.Replace(testCatalog, "value: 10", "value: 15", 1))
	future := time.Now().Add(time.Minute)
	if err := os.Chtimes(catalogPath, future, future); err != nil {
		t.Fatalf("touch catalog: %v", err)
	}
	waitFor(15)

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
	events, err := os.ReadFile(cfg.LogJSONPath)
	if err != nil {
		t.Fatalf("read event log: %v", err)
	}
	if !strings.Contains(string(events), "evaluation.invalidated") {
		t.Fatal("expected the catalog reload to invalidate the manager")
	}
}

func TestCloseRecordsRouterCounters(t *testing.T) {
	rt, err := NewRuntime(testConfig(t, fullBuild), nil, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("failed to construct runtime: %v", err)
	}
	rt.Router.Publish(context.Background(), logging.Event{Type: "test.event", Severity: logging.SeverityInfo})
	if err := rt.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	snapshot := rt.Metrics.Snapshot()
	if snapshot[telemetry.MetricEventsForwarded] != 1 || snapshot[telemetry.MetricEventsDropped] != 0 {
		t.Fatalf("expected router counters in metrics, got %+v", snapshot)
	}
}
