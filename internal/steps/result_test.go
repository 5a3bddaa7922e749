package steps

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestSerializeParse_RoundTrip(t *testing.T) {
	id := uuid.New()

	tests := []struct {
		name   string
		result Result
	}{
		{
			name:   "plain with rows",
			result: NewPlainResult(id, Rows(100), json.RawMessage(`{"command":"INSERT 0 100"}`)),
		},
		{
			name:   "plain unknown rows",
			result: NewPlainResult(id, nil, nil),
		},
		{
			name:   "incremental",
			result: NewIncrementalResult(id, Rows(7), nil, "2024-01-31T10:00:00.123456789Z"),
		},
		{
			name:   "incremental empty value",
			result: NewIncrementalResult(id, nil, json.RawMessage(`[1,2]`), ""),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := SerializeResult(tt.result)
			if err != nil {
				t.Fatalf("serialize: %v", err)
			}

			parsed, err := ParseResult(id, payload)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}

			if parsed.StepRunID() != id {
				t.Errorf("step run id = %s, expected %s", parsed.StepRunID(), id)
			}
			assertRowsEqual(t, tt.result.ProcessedRows(), parsed.ProcessedRows())

			if string(parsed.State()) != string(tt.result.State()) {
				t.Errorf("state = %s, expected %s", parsed.State(), tt.result.State())
			}

			origInc, origIsInc := tt.result.(*IncrementalResult)
			parsedInc, parsedIsInc := parsed.(*IncrementalResult)
			if origIsInc != parsedIsInc {
				t.Fatalf("kind changed: %T → %T", tt.result, parsed)
			}
			if origIsInc && origInc.IncrementValue() != parsedInc.IncrementValue() {
				t.Errorf("increment = %q, expected %q", parsedInc.IncrementValue(), origInc.IncrementValue())
			}
		})
	}
}

func TestParseResult_UsesRowIdentity(t *testing.T) {
	payload, err := SerializeResult(NewPlainResult(uuid.New(), Rows(1), nil))
	if err != nil {
		t.Fatal(err)
	}

	rowID := uuid.New()
	parsed, err := ParseResult(rowID, payload)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.StepRunID() != rowID {
		t.Errorf("result must belong to the row it was loaded from")
	}
}

func TestParseResult_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{"empty", ""},
		{"not json", "rows=100"},
		{"unknown kind", `{"kind":"excel"}`},
		{"missing kind", `{"processed_rows":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseResult(uuid.New(), tt.payload)
			if !errors.Is(err, ErrResultParse) {
				t.Errorf("expected ErrResultParse, got %v", err)
			}
		})
	}
}

func TestResult_Immutable(t *testing.T) {
	rows := int64(5)
	state := json.RawMessage(`{"a":1}`)
	r := NewPlainResult(uuid.New(), &rows, state)

	rows = 6
	state[2] = 'b'

	if *r.ProcessedRows() != 5 {
		t.Error("result must not share the rows pointer")
	}
	if string(r.State()) != `{"a":1}` {
		t.Error("result must not share the state buffer")
	}

	got := r.ProcessedRows()
	*got = 10
	if *r.ProcessedRows() != 5 {
		t.Error("getter must return a copy")
	}
}

func TestResult_Export(t *testing.T) {
	id := uuid.New()

	plain := NewPlainResult(id, Rows(100), json.RawMessage(`{"command":"INSERT 0 100"}`)).Export()
	if plain["kind"] != KindPlain {
		t.Errorf("kind = %v", plain["kind"])
	}
	if plain["processed_rows"] != int64(100) {
		t.Errorf("processed_rows = %v (%T)", plain["processed_rows"], plain["processed_rows"])
	}
	if _, ok := plain["increment_value"]; ok {
		t.Error("plain result has no increment value")
	}

	inc := NewIncrementalResult(id, nil, nil, "V1").Export()
	if inc["kind"] != KindIncremental || inc["increment_value"] != "V1" {
		t.Errorf("unexpected export: %v", inc)
	}
	if inc["processed_rows"] != nil {
		t.Errorf("unknown rows should export as nil, got %v", inc["processed_rows"])
	}
}

func TestRebind(t *testing.T) {
	from := NewIncrementalResult(uuid.New(), Rows(3), nil, "V2")
	to := uuid.New()

	rebound := Rebind(from, to)
	if rebound.StepRunID() != to {
		t.Error("rebound result should belong to the new row")
	}
	inc, ok := rebound.(*IncrementalResult)
	if !ok || inc.IncrementValue() != "V2" {
		t.Errorf("rebind must keep the variant, got %T", rebound)
	}

	empty := Rebind(nil, to)
	if empty.StepRunID() != to || empty.ProcessedRows() != nil {
		t.Errorf("rebind of nil should give an empty plain result")
	}
}

func TestHasIncrement(t *testing.T) {
	if HasIncrement(NewPlainResult(uuid.New(), nil, nil)) {
		t.Error("plain result has no increment")
	}
	if HasIncrement(NewIncrementalResult(uuid.New(), nil, nil, "")) {
		t.Error("empty increment value is not an increment")
	}
	if !HasIncrement(NewIncrementalResult(uuid.New(), nil, nil, "1")) {
		t.Error("expected increment")
	}
}

func TestWrapError_KeepsDiagnosticID(t *testing.T) {
	base := errors.New("boom")

	first := WrapError("Extract", base)
	if first.DiagnosticID == "" {
		t.Fatal("diagnostic id must be set")
	}
	if !errors.Is(first, base) {
		t.Error("wrapped error should unwrap to the original")
	}

	second := WrapError("Group", first)
	if second.DiagnosticID != first.DiagnosticID {
		t.Error("re-wrapping must keep the diagnostic id")
	}
	if WrapError("x", nil) != nil {
		t.Error("nil error wraps to nil")
	}
}

func assertRowsEqual(t *testing.T, expected, got *int64) {
	t.Helper()
	if (expected == nil) != (got == nil) {
		t.Fatalf("rows nil mismatch: expected %v, got %v", expected, got)
	}
	if expected != nil && *expected != *got {
		t.Errorf("rows = %d, expected %d", *got, *expected)
	}
}
