package engine

import (
	"errors"
	"strings"
	"testing"
)

func testContext() *Context {
	return NewContext(Placeholders{
		KeyFlowRunUID:              "flow-1",
		KeyStepRunUID:              "step-1",
		KeyLastRunUID:              "",
		"last_run_increment_value": "2024-01-31",
		"~parameter:region":        "Europe North",
	}, map[string]any{
		"processed_rows": int64(100),
		"kind":           "plain",
	})
}

func TestNewContext(t *testing.T) {
	ctx := NewContext(nil, nil)
	if ctx.P == nil {
		t.Error("P should not be nil")
	}
	if ctx.Prev == nil {
		t.Error("Prev should not be nil")
	}
}

func TestRender_Placeholders(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		name     string
		template string
		expected string
	}{
		{
			name:     "field access",
			template: "run={{ .P.flow_run_uid }}",
			expected: "run=flow-1",
		},
		{
			name:     "ph function",
			template: `{{ ph "last_run_increment_value" }}`,
			expected: "2024-01-31",
		},
		{
			name:     "param function",
			template: `{{ param "region" }}`,
			expected: "Europe North",
		},
		{
			name:     "parameter by full key",
			template: `{{ ph "~parameter:region" }}`,
			expected: "Europe North",
		},
		{
			name:     "hasPh with value",
			template: `{{ if hasPh "last_run_increment_value" }}inc{{ else }}full{{ end }}`,
			expected: "inc",
		},
		{
			name:     "hasPh with empty value",
			template: `{{ if hasPh "last_run_uid" }}inc{{ else }}full{{ end }}`,
			expected: "full",
		},
		{
			name:     "previous result",
			template: "rows={{ .Prev.processed_rows }}",
			expected: "rows=100",
		},
		{
			name:     "no template",
			template: "Plain text",
			expected: "Plain text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Render(tt.template, ctx)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestRender_UnknownPlaceholder(t *testing.T) {
	ctx := testContext()

	_, err := Render(`{{ ph "nope" }}`, ctx)
	if err == nil {
		t.Fatal("expected error for unknown placeholder")
	}
	if !errors.Is(err, ErrTemplateRender) {
		t.Errorf("expected ErrTemplateRender, got %v", err)
	}
	if !strings.Contains(err.Error(), "nope") {
		t.Errorf("error should name the placeholder, got %v", err)
	}

	_, err = Render(`{{ param "missing" }}`, ctx)
	if err == nil {
		t.Fatal("expected error for unknown parameter")
	}
}

func TestRender_TemplateFunctions(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		name     string
		template string
		expected string
	}{
		{
			name:     "lower",
			template: `{{ lower (param "region") }}`,
			expected: "europe north",
		},
		{
			name:     "upper",
			template: `{{ upper (param "region") }}`,
			expected: "EUROPE NORTH",
		},
		{
			name:     "replace",
			template: `{{ replace (param "region") " " "_" }}`,
			expected: "Europe_North",
		},
		{
			name:     "default with value",
			template: `{{ default "1970-01-01" .P.last_run_increment_value }}`,
			expected: "2024-01-31",
		},
		{
			name:     "default with missing key",
			template: `{{ default "1970-01-01" .P.last_run_cursor }}`,
			expected: "1970-01-01",
		},
		{
			name:     "json",
			template: `{{ json .Prev.kind }}`,
			expected: `"plain"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Render(tt.template, ctx)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestRender_InvalidTemplate(t *testing.T) {
	_, err := Render("{{ .Invalid syntax", nil)
	if err == nil {
		t.Fatal("expected error for invalid template")
	}
	if !errors.Is(err, ErrTemplateParse) {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestRenderValue(t *testing.T) {
	ctx := testContext()

	tests := []struct {
		name     string
		input    any
		expected any
	}{
		{name: "nil", input: nil, expected: nil},
		{name: "int", input: 42, expected: 42},
		{name: "bool", input: true, expected: true},
		{name: "string", input: "{{ .P.step_run_uid }}", expected: "step-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := RenderValue(tt.input, ctx)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestRenderConfig(t *testing.T) {
	ctx := testContext()

	config := map[string]any{
		"statement": "DELETE FROM staging WHERE run_id = '{{ .P.flow_run_uid }}'",
		"params": []any{
			`{{ param "region" }}`,
			7,
		},
		"headers": map[string]any{
			"X-Run": "{{ .P.step_run_uid }}",
		},
	}

	rendered, err := RenderConfig(config, ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rendered["statement"] != "DELETE FROM staging WHERE run_id = 'flow-1'" {
		t.Errorf("unexpected statement: %v", rendered["statement"])
	}

	params := rendered["params"].([]any)
	if params[0] != "Europe North" || params[1] != 7 {
		t.Errorf("unexpected params: %v", params)
	}

	headers := rendered["headers"].(map[string]any)
	if headers["X-Run"] != "step-1" {
		t.Errorf("unexpected headers: %v", headers)
	}

	// Исходный конфиг не изменяется
	if config["statement"] == rendered["statement"] {
		t.Error("source config must not be mutated")
	}
}

func TestRenderConfig_Nil(t *testing.T) {
	rendered, err := RenderConfig(nil, testContext())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rendered == nil || len(rendered) != 0 {
		t.Errorf("expected empty map, got %v", rendered)
	}
}
