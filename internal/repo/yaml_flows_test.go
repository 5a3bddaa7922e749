package repo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

const testFlowYAML = `
alias: load-orders
uid: 6f1c2a7e-3b1d-4c55-9a61-1f6b8e0f2d10
name: Load orders
steps:
  - name: Transform
    uid: transform-orders
    prototype: transform
    position: 2
    config:
      mappings:
        since: '{{ default "0" .P.last_run_increment_value }}'
  - name: Extract
    uid: extract-orders
    prototype: http_extract
    position: 1
    stop_flow_on_error: true
    timeout_sec: 120
    config:
      url: https://api.example.com/orders
      query:
        limit: 100
  - name: Stage
    prototype: group
    position: 3
    steps:
      - name: Wait
        prototype: delay
        config:
          duration_ms: 10
      - name: Check
        prototype: check
        config:
          expression: "true"
`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParseFlowYAML(t *testing.T) {
	flow, err := ParseFlowYAML([]byte(testFlowYAML))
	if err != nil {
		t.Fatal(err)
	}

	if flow.Alias != "load-orders" || flow.Name != "Load orders" {
		t.Errorf("unexpected header: %+v", flow)
	}
	if flow.UID != uuid.MustParse("6f1c2a7e-3b1d-4c55-9a61-1f6b8e0f2d10") {
		t.Errorf("uid = %s", flow.UID)
	}

	if len(flow.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(flow.Steps))
	}
	if flow.Steps[0].Name != "Extract" || flow.Steps[1].Name != "Transform" {
		t.Errorf("steps must be sorted by position: %s, %s", flow.Steps[0].Name, flow.Steps[1].Name)
	}

	extract := flow.Steps[0]
	if !extract.StopFlowOnError || extract.TimeoutSec != 120 {
		t.Errorf("unexpected extract: %+v", extract)
	}
	query, ok := extract.Config["query"].(map[string]any)
	if !ok || query["limit"] != 100 {
		t.Errorf("nested config should decode to map[string]any, got %#v", extract.Config["query"])
	}

	stage := flow.Steps[2]
	if len(stage.Steps) != 2 || stage.Steps[0].Position != 1 || stage.Steps[1].Position != 2 {
		t.Errorf("nested positions should default to file order: %+v", stage.Steps)
	}
}

func TestParseFlowYAML_Invalid(t *testing.T) {
	if _, err := ParseFlowYAML([]byte("steps: [unclosed")); err == nil {
		t.Error("expected error")
	}
}

func TestYAMLFlowSource(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "orders.yaml", testFlowYAML)
	writeFile(t, dir, "cleanup.yml", "steps:\n  - name: Wait\n    prototype: delay\n    config:\n      duration_sec: 1\n")
	writeFile(t, dir, "README.md", "not a flow")

	src := NewYAMLFlowSource(dir)
	ctx := context.Background()

	flows, err := src.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(flows) != 2 || flows[0].Alias != "cleanup" || flows[1].Alias != "load-orders" {
		t.Fatalf("unexpected flows: %+v", flows)
	}

	cleanup, err := src.GetByAlias(ctx, "cleanup")
	if err != nil {
		t.Fatal(err)
	}
	if cleanup.Name != "cleanup" {
		t.Errorf("name should default to alias, got %q", cleanup.Name)
	}
	if cleanup.UID == uuid.Nil {
		t.Error("uid should be derived from alias")
	}

	again, _ := src.GetByAlias(ctx, "cleanup")
	if again.UID != cleanup.UID {
		t.Error("derived uid must be stable")
	}

	if _, err := src.GetByAlias(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestYAMLFlowSource_DuplicateAlias(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "alias: same\nsteps: []\n")
	writeFile(t, dir, "b.yaml", "alias: same\nsteps: []\n")

	_, err := NewYAMLFlowSource(dir).List(context.Background())
	if !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestYAMLFlowSource_MissingDir(t *testing.T) {
	_, err := NewYAMLFlowSource(filepath.Join(t.TempDir(), "nope")).List(context.Background())
	if err == nil {
		t.Error("expected error for missing directory")
	}
}
