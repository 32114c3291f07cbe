package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"buildcalc/server/internal/engine"
	"buildcalc/server/internal/evaluation"
)

const catalogYAML = `
gear:
  - id: iron_helm
    name: Iron Helm
    slot: Head
    modifiers:
      - stat: Armor
        value: 10
`

const buildYAML = `
gear:
  Head: {def: iron_helm, roll: 0}
`

func writeInputs(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	cat := filepath.Join(dir, "catalog.yaml")
	build := filepath.Join(dir, "build.yaml")
	if err := os.WriteFile(cat, []byte(catalogYAML), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	if err := os.WriteFile(build, []byte(buildYAML), 0o644); err != nil {
		t.Fatalf("write build: %v", err)
	}
	return cat, build
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out, errOut bytes.Buffer
	rootCmd := newRootCmd()
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("%v failed: %v\nstderr: %s", args, err, errOut.String())
	}
	return out.String()
}

func TestDeltaPrintsEvaluateRequest(t *testing.T) {
	cat, build := writeInputs(t)
	out := execute(t, "delta", "--catalog", cat, "--build", build, "--entity", "player", "--outputs", "Armor", "--log-sinks", "json")

	var req engine.EvaluateRequest
	if err := json.Unmarshal([]byte(out), &req); err != nil {
		t.Fatalf("expected JSON request, got %q: %v", out, err)
	}
	delta, ok := req.SetEntity["player"]
	if !ok || len(delta.Stats["Armor.add"]) != 1 {
		t.Fatalf("expected the helm contribution for player, got %s", out)
	}
	if got := req.Outputs["player"]; len(got) != 1 || got[0] != "Armor" {
		t.Fatalf("expected outputs from flag, got %v", req.Outputs)
	}
}

func TestEvalPrintsResult(t *testing.T) {
	srv := httptest.NewServer(engine.NewMemory(nil))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	cat, build := writeInputs(t)
	out := execute(t, "eval", "--engine", url, "--catalog", cat, "--build", build, "--outputs", "Armor", "--log-sinks", "json")

	var res evaluation.Result
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("expected JSON result, got %q: %v", out, err)
	}
	if armor, _ := res.Number("Armor"); armor != 10 || res.Error != "" {
		t.Fatalf("expected Armor 10, got %+v", res)
	}
}

func TestExplainRequiresStat(t *testing.T) {
	rootCmd := newRootCmd()
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs([]string{"explain"})
	if err := rootCmd.ExecuteContext(context.Background()); err == nil {
		t.Fatal("expected explain without a stat to fail")
	}
}

func TestExplainPrintsTree(t *testing.T) {
	srv := httptest.NewServer(engine.NewMemory(nil))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	cat, build := writeInputs(t)
	out := execute(t, "explain", "Armor", "--engine", url, "--catalog", cat, "--build", build, "--log-sinks", "json")

	var explanation engine.Explanation
	if err := json.Unmarshal([]byte(out), &explanation); err != nil {
		t.Fatalf("expected JSON explanation, got %q: %v", out, err)
	}
	if explanation.Stat != "Armor" || !strings.Contains(string(explanation.Tree), "gear:Head:iron_helm:0") {
		t.Fatalf("unexpected explanation %s", out)
	}
}
