package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"buildcalc/server/stats"
)

func sampleState() stats.TrackedState {
	state := stats.NewTrackedState()
	state.AddMod("Armor.base", stats.Mod{ConsumerID: "gear:Chest:plate:0", Source: "Plate", Amount: 10, Layer: stats.LayerBase})
	state.AddMod("Armor.add", stats.Mod{ConsumerID: "gear:Head:helm:0", Source: "Helm", Amount: 5, Layer: stats.LayerAdd})
	state.AddMod("Armor.multadd", stats.Mod{ConsumerID: "relic:r@0,0:primary:0", Source: "Relic", Amount: 50, Layer: stats.LayerMultAdd})
	state.AddMod("Armor.mult", stats.Mod{ConsumerID: "worldtier:t3:mod:0", Source: "T3", Amount: 100, Layer: stats.LayerMult})
	state.AddFlag("Unstoppable", stats.Flag{ConsumerID: "status:self:unstoppable", Source: "Buff", Enabled: true})
	state.AddBroadcast(stats.Broadcast{
		ConsumerID:   "relic:r@0,0:special:0",
		FlagSuffix:   "tag_Cold",
		StatSuffix:   "Damage",
		Contribution: stats.Contribution{Source: "Relic", Amount: 7, Layer: stats.LayerAdd},
	})
	return state
}

func dialMemory(t *testing.T, mem *Memory) *Client {
	t.Helper()
	srv := httptest.NewServer(mem)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	cfg := DefaultClientConfig()
	cfg.Defaults.Timeout = 2 * time.Second
	client := NewClient(ws, cfg)
	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(runCtx) }()
	t.Cleanup(func() {
		stop()
		<-done
		srv.Close()
	})
	return client
}

func TestMemoryEvaluatesOverWebSocket(t *testing.T) {
	mem := NewMemory(nil)
	client := dialMemory(t, mem)
	ctx := context.Background()

	if err := client.Build(ctx, BuildRequest{Entity: "player"}); err != nil {
		t.Fatalf("build failed: %v", err)
	}
	delta := stats.NewTracker().Delta(sampleState())
	outputs := []string{"Armor", "Unstoppable", "FrostNova_tag_Cold_Damage", "Missing"}
	resp, err := client.Eval(ctx, NewEvaluateRequest("player", delta, outputs))
	if err != nil {
		t.Fatalf("eval failed: %v", err)
	}

	want := map[string]any{
		"Armor":                     45.0,
		"Unstoppable":               1.0,
		"FrostNova_tag_Cold_Damage": 7.0,
		"Missing":                   0.0,
	}
	if diff := cmp.Diff(want, resp["player"].Values); diff != "" {
		t.Fatalf("unexpected values (-want +got):\n%s", diff)
	}

	held, ok := mem.State("player")
	if !ok {
		t.Fatal("expected engine to track the entity")
	}
	if diff := cmp.Diff(sampleState(), held); diff != "" {
		t.Fatalf("engine state diverged from source state (-want +got):\n%s", diff)
	}
}

func TestMemoryAppliesIncrementalDeltas(t *testing.T) {
	mem := NewMemory(nil)
	ctx := context.Background()
	if err := mem.Build(ctx, BuildRequest{Entity: "player"}); err != nil {
		t.Fatalf("build failed: %v", err)
	}

	tracker := stats.NewTracker()
	first := sampleState()
	if _, err := mem.Eval(ctx, NewEvaluateRequest("player", tracker.Delta(first), nil)); err != nil {
		t.Fatalf("first eval failed: %v", err)
	}

	next := first.Clone()
	delete(next.Mods, "Armor.mult")
	next.Broadcasts = nil
	resp, err := mem.Eval(ctx, NewEvaluateRequest("player", tracker.Delta(next), []string{"Armor", "FrostNova_tag_Cold_Damage"}))
	if err != nil {
		t.Fatalf("second eval failed: %v", err)
	}
	if got, _ := resp["player"].Number("Armor"); got != 22.5 {
		t.Fatalf("expected Armor 22.5 after removing the more multiplier, got %v", got)
	}
	if got, _ := resp["player"].Number("FrostNova_tag_Cold_Damage"); got != 0 {
		t.Fatalf("expected retracted broadcast to stop applying, got %v", got)
	}
	if n := len(mem.Requests()); n != 2 {
		t.Fatalf("expected two recorded requests, got %d", n)
	}
}

func TestMemoryRejectsUnbuiltEntity(t *testing.T) {
	mem := NewMemory(nil)
	client := dialMemory(t, mem)

	_, err := client.Eval(context.Background(), NewEvaluateRequest("ghost", stats.NewDelta(), []string{"Life"}))
	if !errors.Is(err, ErrEngine) || !strings.Contains(err.Error(), "not built") {
		t.Fatalf("expected unbuilt entity error, got %v", err)
	}
}

func TestMemoryFailNext(t *testing.T) {
	mem := NewMemory(nil)
	client := dialMemory(t, mem)
	ctx := context.Background()

	mem.FailNext("out of memory")
	if err := client.Build(ctx, BuildRequest{Entity: "player"}); !errors.Is(err, ErrEngine) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if err := client.Build(ctx, BuildRequest{Entity: "player"}); err != nil {
		t.Fatalf("expected failure to apply once, got %v", err)
	}
}

func TestMemoryExplain(t *testing.T) {
	mem := NewMemory(nil)
	client := dialMemory(t, mem)
	ctx := context.Background()

	if err := client.Build(ctx, BuildRequest{Entity: "player"}); err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if _, err := client.Eval(ctx, NewEvaluateRequest("player", stats.NewTracker().Delta(sampleState()), nil)); err != nil {
		t.Fatalf("eval failed: %v", err)
	}
	explanation, err := client.Explain(ctx, ExplainRequest{Entity: "player", Stat: "Armor"})
	if err != nil {
		t.Fatalf("explain failed: %v", err)
	}

	var tree struct {
		Stat          string  `json:"stat"`
		Value         float64 `json:"value"`
		Contributions []struct {
			ConsumerID string `json:"consumer_id"`
		} `json:"contributions"`
	}
	if err := json.Unmarshal(explanation.Tree, &tree); err != nil {
		t.Fatalf("decode tree: %v", err)
	}
	if tree.Stat != "Armor" || tree.Value != 45 || len(tree.Contributions) != 4 {
		t.Fatalf("unexpected explanation %s", explanation.Tree)
	}

	if _, err := client.Explain(ctx, ExplainRequest{Entity: "ghost", Stat: "Armor"}); !errors.Is(err, ErrEngine) {
		t.Fatalf("expected explain of unknown entity to fail, got %v", err)
	}
}
