package steps

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/engine"
)

// fakeRunLog — журнал запусков в памяти для тестов группы.
type fakeRunLog struct {
	mu         sync.Mutex
	runs       []domain.StepRun
	creates    int
	updates    int
	failUpdate bool
	failLookup bool
}

func (l *fakeRunLog) Create(_ context.Context, run *domain.StepRun) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.creates++
	l.runs = append(l.runs, *run)
	return nil
}

func (l *fakeRunLog) Update(_ context.Context, run *domain.StepRun) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.updates++
	if l.failUpdate {
		return errors.New("run log unavailable")
	}
	for i := range l.runs {
		if l.runs[i].ID == run.ID {
			l.runs[i] = *run
			return nil
		}
	}
	return errors.New("not found")
}

func (l *fakeRunLog) FindLastSuccessful(_ context.Context, flowAlias, stepID string) (*domain.StepRun, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failLookup {
		return nil, errors.New("lookup failed")
	}
	var found *domain.StepRun
	for i := range l.runs {
		r := l.runs[i]
		if r.FlowAlias != flowAlias || r.StepID != stepID || !r.Succeeded || r.Invalidated {
			continue
		}
		if found == nil || !r.StartedAt.Before(found.StartedAt) {
			found = &r
		}
	}
	return found, nil
}

func (l *fakeRunLog) byName(name string) []domain.StepRun {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.StepRun
	for _, r := range l.runs {
		if r.StepName == name {
			out = append(out, r)
		}
	}
	return out
}

// fakeStep — шаг с настраиваемым поведением.
type fakeStep struct {
	Base
	incremental bool
	run         func(ctx context.Context, rc *RunContext, emit Emitter) (Result, error)

	mu    sync.Mutex
	calls []*RunContext
}

func newFakeStep(def domain.StepDef, run func(ctx context.Context, rc *RunContext, emit Emitter) (Result, error)) *fakeStep {
	if def.Prototype == "" {
		def.Prototype = "fake"
	}
	if def.UID == "" {
		def.UID = "uid-" + def.Name
	}
	return &fakeStep{Base: NewBase(def), run: run}
}

func (s *fakeStep) IsIncremental() bool { return s.incremental }

func (s *fakeStep) Run(ctx context.Context, rc *RunContext, emit Emitter) (Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, rc)
	s.mu.Unlock()
	return s.run(ctx, rc, emit)
}

func (s *fakeStep) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *fakeStep) lastCall() *RunContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calls) == 0 {
		return nil
	}
	return s.calls[len(s.calls)-1]
}

func succeedWith(rows int64) func(context.Context, *RunContext, Emitter) (Result, error) {
	return func(_ context.Context, rc *RunContext, emit Emitter) (Result, error) {
		emit("working")
		return NewPlainResult(rc.StepRunID, Rows(rows), nil), nil
	}
}

func failWith(err error) func(context.Context, *RunContext, Emitter) (Result, error) {
	return func(_ context.Context, _ *RunContext, emit Emitter) (Result, error) {
		emit("about to fail")
		return nil, err
	}
}

func incrementWith(value string) func(context.Context, *RunContext, Emitter) (Result, error) {
	return func(_ context.Context, rc *RunContext, _ Emitter) (Result, error) {
		return NewIncrementalResult(rc.StepRunID, Rows(1), nil, value), nil
	}
}

func newRootContext() *RunContext {
	return &RunContext{
		FlowRunID: uuid.New(),
		FlowAlias: "load",
		Task:      &Task{Source: "test", Parameters: map[string]string{"region": "eu"}},
	}
}

// collector собирает сообщения группы.
type collector struct {
	mu   sync.Mutex
	msgs []string
}

func (c *collector) emit(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *collector) joined() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.msgs, "\n")
}

func TestGroup_RunsStepsInOrder(t *testing.T) {
	log := &fakeRunLog{}
	var order []string
	record := func(name string) func(context.Context, *RunContext, Emitter) (Result, error) {
		return func(_ context.Context, rc *RunContext, _ Emitter) (Result, error) {
			order = append(order, name)
			return NewPlainResult(rc.StepRunID, nil, nil), nil
		}
	}

	a := newFakeStep(domain.StepDef{Name: "A", Position: 1}, record("A"))
	b := newFakeStep(domain.StepDef{Name: "B", Position: 2, Disabled: true}, record("B"))
	c := newFakeStep(domain.StepDef{Name: "C", Position: 3}, record("C"))

	g := NewGroup(GroupConfig{Steps: []Step{a, b, c}, RunLog: log})
	if _, err := g.Run(context.Background(), newRootContext(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if strings.Join(order, ",") != "A,C" {
		t.Errorf("order = %v, expected A,C", order)
	}
	if b.callCount() != 0 {
		t.Error("disabled step must not be run")
	}

	rows := log.byName("B")
	if len(rows) != 1 {
		t.Fatalf("disabled step should still get a run log row, got %d", len(rows))
	}
	if !rows[0].Disabled || rows[0].FinishedAt == nil || rows[0].Succeeded || rows[0].Failed {
		t.Errorf("unexpected disabled row: %+v", rows[0])
	}

	if state, pos := g.State(); state != GroupFinished || pos != 3 {
		t.Errorf("state = %s/%d", state, pos)
	}
}

func TestGroup_PrevResultChain(t *testing.T) {
	log := &fakeRunLog{}

	a := newFakeStep(domain.StepDef{Name: "A"}, succeedWith(10))
	b := newFakeStep(domain.StepDef{Name: "B", Disabled: true}, succeedWith(20))
	c := newFakeStep(domain.StepDef{Name: "C"}, succeedWith(30))
	d := newFakeStep(domain.StepDef{Name: "D"}, succeedWith(40))

	g := NewGroup(GroupConfig{Steps: []Step{a, c, d}, RunLog: log})
	result, err := g.Run(context.Background(), newRootContext(), nil)
	if err != nil {
		t.Fatal(err)
	}

	if a.lastCall().PrevResult != nil {
		t.Error("first step has no previous result")
	}
	prev := c.lastCall().PrevResult
	if prev == nil || *prev.ProcessedRows() != 10 {
		t.Errorf("C should receive A's result, got %v", prev)
	}
	if *result.ProcessedRows() != 40 {
		t.Errorf("group result should be the last step's result")
	}

	// отключённый шаг обнуляет предыдущий результат
	g2 := NewGroup(GroupConfig{Steps: []Step{a, b, c}, RunLog: log})
	if _, err := g2.Run(context.Background(), newRootContext(), nil); err != nil {
		t.Fatal(err)
	}
	if c.lastCall().PrevResult != nil {
		t.Error("step after a disabled step should get nil previous result")
	}
}

func TestGroup_ErrorWithoutStopContinues(t *testing.T) {
	log := &fakeRunLog{}
	out := &collector{}

	a := newFakeStep(domain.StepDef{Name: "A", StopFlowOnError: false}, failWith(errors.New("broken input")))
	b := newFakeStep(domain.StepDef{Name: "B"}, succeedWith(1))

	g := NewGroup(GroupConfig{Steps: []Step{a, b}, RunLog: log})
	if _, err := g.Run(context.Background(), newRootContext(), out.emit); err != nil {
		t.Fatalf("non-critical failure must not abort the group: %v", err)
	}

	if b.callCount() != 1 {
		t.Fatal("B should run after non-critical failure")
	}
	if b.lastCall().PrevResult != nil {
		t.Error("step after a failed step should get nil previous result")
	}

	rows := log.byName("A")
	if len(rows) != 1 {
		t.Fatalf("expected one row for A, got %d", len(rows))
	}
	row := rows[0]
	if !row.Failed || row.Succeeded || row.FinishedAt == nil {
		t.Errorf("unexpected row: %+v", row)
	}
	if row.DiagnosticID == "" || row.ErrorMessage != "broken input" {
		t.Errorf("error details missing: %+v", row)
	}
	if !strings.Contains(row.Output, "about to fail") {
		t.Errorf("output so far should be kept, got %q", row.Output)
	}

	text := out.joined()
	if !strings.Contains(text, "✗ ERROR A") || !strings.Contains(text, row.DiagnosticID) {
		t.Errorf("progress should contain error line with diagnostic id:\n%s", text)
	}
}

func TestGroup_ErrorWithStopAborts(t *testing.T) {
	log := &fakeRunLog{}
	cause := errors.New("source unavailable")

	a := newFakeStep(domain.StepDef{Name: "A", StopFlowOnError: true}, failWith(cause))
	b := newFakeStep(domain.StepDef{Name: "B"}, succeedWith(1))

	g := NewGroup(GroupConfig{Steps: []Step{a, b}, RunLog: log})
	_, err := g.Run(context.Background(), newRootContext(), nil)
	if err == nil {
		t.Fatal("expected error")
	}

	var execErr *ExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected ExecutionError, got %T", err)
	}
	if !errors.Is(err, cause) {
		t.Error("original error should propagate")
	}

	if b.callCount() != 0 {
		t.Error("B must not run")
	}
	if rows := log.byName("B"); len(rows) != 0 {
		t.Errorf("B must have no run log rows, got %d", len(rows))
	}
	if rows := log.byName("A"); len(rows) != 1 || rows[0].DiagnosticID != execErr.DiagnosticID {
		t.Errorf("A row should carry the diagnostic id of the returned error")
	}

	if state, pos := g.State(); state != GroupFailed || pos != 0 {
		t.Errorf("state = %s/%d", state, pos)
	}
}

func TestGroup_LogUpdateFailureDoesNotMaskError(t *testing.T) {
	log := &fakeRunLog{failUpdate: true}
	cause := errors.New("boom")

	a := newFakeStep(domain.StepDef{Name: "A", StopFlowOnError: true}, failWith(cause))

	g := NewGroup(GroupConfig{Steps: []Step{a}, RunLog: log})
	_, err := g.Run(context.Background(), newRootContext(), nil)
	if !errors.Is(err, cause) {
		t.Fatalf("expected original error, got %v", err)
	}
	if log.updates != 1 {
		t.Errorf("update should have been attempted once, got %d", log.updates)
	}

	// Без stop_flow_on_error ошибка журнала тоже не прерывает группу.
	b := newFakeStep(domain.StepDef{Name: "B"}, failWith(cause))
	c := newFakeStep(domain.StepDef{Name: "C"}, succeedWith(1))
	g = NewGroup(GroupConfig{Steps: []Step{b, c}, RunLog: log})
	if _, err := g.Run(context.Background(), newRootContext(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.callCount() != 1 {
		t.Error("C should still run")
	}
}

func TestGroup_IncrementalChaining(t *testing.T) {
	log := &fakeRunLog{}
	def := domain.StepDef{Name: "S", UID: "step-s"}

	first := newFakeStep(def, incrementWith("V1"))
	first.incremental = true
	if _, err := NewGroup(GroupConfig{Steps: []Step{first}, RunLog: log}).Run(context.Background(), newRootContext(), nil); err != nil {
		t.Fatal(err)
	}

	firstRow := log.byName("S")[0]
	if !firstRow.Incremental || firstRow.IncrementalAfterRunID != nil {
		t.Errorf("unexpected first row: %+v", firstRow)
	}
	if first.lastCall().Placeholders[engine.KeyLastRunUID] != "" {
		t.Error("first run has no last run")
	}

	second := newFakeStep(def, incrementWith("V2"))
	second.incremental = true
	if _, err := NewGroup(GroupConfig{Steps: []Step{second}, RunLog: log}).Run(context.Background(), newRootContext(), nil); err != nil {
		t.Fatal(err)
	}

	rc := second.lastCall()
	if got := rc.Placeholders["last_run_increment_value"]; got != "V1" {
		t.Errorf("last_run_increment_value = %q, expected V1", got)
	}
	if rc.Placeholders[engine.KeyLastRunUID] != firstRow.ID.String() {
		t.Errorf("last_run_uid should point at the first run")
	}
	if rc.LastResult == nil || rc.LastResult.StepRunID() != firstRow.ID {
		t.Errorf("LastResult should be parsed from the first row")
	}

	secondRow := log.byName("S")[1]
	if secondRow.IncrementalAfterRunID == nil || *secondRow.IncrementalAfterRunID != firstRow.ID {
		t.Errorf("incremental_after_run_id should reference the first run")
	}
}

func TestGroup_FailedRunsExcludedFromLookup(t *testing.T) {
	log := &fakeRunLog{}
	def := domain.StepDef{Name: "S", UID: "step-s"}

	ok := newFakeStep(def, incrementWith("V1"))
	ok.incremental = true
	NewGroup(GroupConfig{Steps: []Step{ok}, RunLog: log}).Run(context.Background(), newRootContext(), nil)

	// Неуспешный запуск с другим значением не должен стать "последним".
	failing := newFakeStep(def, func(_ context.Context, rc *RunContext, _ Emitter) (Result, error) {
		return nil, errors.New("failed after computing V9")
	})
	failing.incremental = true
	NewGroup(GroupConfig{Steps: []Step{failing}, RunLog: log}).Run(context.Background(), newRootContext(), nil)

	third := newFakeStep(def, incrementWith("V3"))
	third.incremental = true
	NewGroup(GroupConfig{Steps: []Step{third}, RunLog: log}).Run(context.Background(), newRootContext(), nil)

	if got := third.lastCall().Placeholders["last_run_increment_value"]; got != "V1" {
		t.Errorf("last_run_increment_value = %q, expected V1", got)
	}
}

func TestGroup_FirstRunFailedGivesNoIncrement(t *testing.T) {
	log := &fakeRunLog{}
	def := domain.StepDef{Name: "S", UID: "step-s"}

	failing := newFakeStep(def, failWith(errors.New("boom")))
	failing.incremental = true
	NewGroup(GroupConfig{Steps: []Step{failing}, RunLog: log}).Run(context.Background(), newRootContext(), nil)

	second := newFakeStep(def, incrementWith("V2"))
	second.incremental = true
	NewGroup(GroupConfig{Steps: []Step{second}, RunLog: log}).Run(context.Background(), newRootContext(), nil)

	rc := second.lastCall()
	if _, ok := rc.Placeholders["last_run_increment_value"]; ok {
		t.Error("failed run must not provide an increment value")
	}
	if rc.LastResult != nil {
		t.Error("failed run must not become the last result")
	}
}

func TestGroup_InvalidatedRunsExcluded(t *testing.T) {
	log := &fakeRunLog{}
	def := domain.StepDef{Name: "S", UID: "step-s"}

	first := newFakeStep(def, incrementWith("V1"))
	first.incremental = true
	NewGroup(GroupConfig{Steps: []Step{first}, RunLog: log}).Run(context.Background(), newRootContext(), nil)

	log.mu.Lock()
	log.runs[0].Invalidated = true
	log.mu.Unlock()

	second := newFakeStep(def, incrementWith("V2"))
	second.incremental = true
	NewGroup(GroupConfig{Steps: []Step{second}, RunLog: log}).Run(context.Background(), newRootContext(), nil)

	if second.lastCall().LastResult != nil {
		t.Error("invalidated run must be ignored")
	}
}

func TestGroup_NonIncrementalSkipsLookup(t *testing.T) {
	log := &fakeRunLog{failLookup: true}

	a := newFakeStep(domain.StepDef{Name: "A"}, succeedWith(1))
	if _, err := NewGroup(GroupConfig{Steps: []Step{a}, RunLog: log}).Run(context.Background(), newRootContext(), nil); err != nil {
		t.Fatalf("lookup must not run for non-incremental steps: %v", err)
	}
}

func TestGroup_CorruptLastResultFailsClosed(t *testing.T) {
	log := &fakeRunLog{}
	def := domain.StepDef{Name: "S", UID: "step-s", StopFlowOnError: true}

	log.runs = append(log.runs, domain.StepRun{
		ID:        uuid.New(),
		FlowAlias: "load",
		StepID:    "step-s",
		StepName:  "S",
		StartedAt: time.Now().Add(-time.Hour),
		Succeeded: true,
		Result:    "not a result",
	})

	s := newFakeStep(def, incrementWith("V2"))
	s.incremental = true

	_, err := NewGroup(GroupConfig{Steps: []Step{s}, RunLog: log}).Run(context.Background(), newRootContext(), nil)
	if !errors.Is(err, ErrResultParse) {
		t.Fatalf("expected ErrResultParse, got %v", err)
	}
	if s.callCount() != 0 {
		t.Error("step must not run with an unreadable last result")
	}

	rows := log.byName("S")
	if len(rows) != 2 || !rows[1].Failed {
		t.Errorf("current run should be recorded as failed: %+v", rows)
	}
}

func TestGroup_LookupErrorFailsStep(t *testing.T) {
	log := &fakeRunLog{failLookup: true}

	s := newFakeStep(domain.StepDef{Name: "S"}, incrementWith("V1"))
	s.incremental = true

	_, err := NewGroup(GroupConfig{Steps: []Step{s}, RunLog: log}).Run(context.Background(), newRootContext(), nil)
	if err != nil {
		t.Fatalf("non-critical step failure must not abort: %v", err)
	}
	if s.callCount() != 0 {
		t.Error("step must not run when lookup fails")
	}
	if rows := log.byName("S"); len(rows) != 1 || !rows[0].Failed {
		t.Errorf("expected failed row, got %+v", rows)
	}
}

func TestGroup_PlaceholdersAndParameters(t *testing.T) {
	log := &fakeRunLog{}
	s := newFakeStep(domain.StepDef{Name: "S"}, succeedWith(1))

	root := newRootContext()
	root.Task.Parameters["step_run_uid"] = "spoofed"

	if _, err := NewGroup(GroupConfig{Steps: []Step{s}, RunLog: log}).Run(context.Background(), root, nil); err != nil {
		t.Fatal(err)
	}

	rc := s.lastCall()
	row := log.byName("S")[0]

	if rc.StepRunID != row.ID {
		t.Error("RunContext must carry the run log row id")
	}
	if rc.Placeholders[engine.KeyStepRunUID] != row.ID.String() {
		t.Errorf("step_run_uid = %q", rc.Placeholders[engine.KeyStepRunUID])
	}
	if rc.Placeholders[engine.KeyFlowRunUID] != root.FlowRunID.String() {
		t.Errorf("flow_run_uid = %q", rc.Placeholders[engine.KeyFlowRunUID])
	}
	if v, _ := rc.Placeholders.Param("region"); v != "eu" {
		t.Errorf("param region = %q", v)
	}
}

func TestGroup_StreamsMessagesAndStoresOutput(t *testing.T) {
	log := &fakeRunLog{}
	out := &collector{}

	seenBeforeReturn := false
	s := newFakeStep(domain.StepDef{Name: "S"}, func(_ context.Context, rc *RunContext, emit Emitter) (Result, error) {
		emit("line 1")
		seenBeforeReturn = strings.Contains(out.joined(), "line 1")
		emit("line 2")
		return NewPlainResult(rc.StepRunID, Rows(2), nil), nil
	})

	if _, err := NewGroup(GroupConfig{Steps: []Step{s}, RunLog: log}).Run(context.Background(), newRootContext(), out.emit); err != nil {
		t.Fatal(err)
	}

	if !seenBeforeReturn {
		t.Error("messages must be forwarded while the step runs")
	}

	row := log.byName("S")[0]
	if row.Output != "line 1\nline 2\n" {
		t.Errorf("output = %q", row.Output)
	}
	if !row.Succeeded || row.Result == "" {
		t.Errorf("unexpected row: %+v", row)
	}

	parsed, err := ParseResult(row.ID, row.Result)
	if err != nil || *parsed.ProcessedRows() != 2 {
		t.Errorf("stored result = %q (%v)", row.Result, err)
	}
}

func TestGroup_PanicBecomesStepError(t *testing.T) {
	log := &fakeRunLog{}
	s := newFakeStep(domain.StepDef{Name: "S", StopFlowOnError: true}, func(context.Context, *RunContext, Emitter) (Result, error) {
		panic("nil map")
	})

	_, err := NewGroup(GroupConfig{Steps: []Step{s}, RunLog: log}).Run(context.Background(), newRootContext(), nil)
	if err == nil || !strings.Contains(err.Error(), "panic: nil map") {
		t.Fatalf("expected panic error, got %v", err)
	}
}

func TestGroup_NilResultIsNormalized(t *testing.T) {
	log := &fakeRunLog{}
	a := newFakeStep(domain.StepDef{Name: "A"}, func(context.Context, *RunContext, Emitter) (Result, error) {
		return nil, nil
	})
	b := newFakeStep(domain.StepDef{Name: "B"}, succeedWith(1))

	if _, err := NewGroup(GroupConfig{Steps: []Step{a, b}, RunLog: log}).Run(context.Background(), newRootContext(), nil); err != nil {
		t.Fatal(err)
	}

	row := log.byName("A")[0]
	prev := b.lastCall().PrevResult
	if prev == nil || prev.StepRunID() != row.ID {
		t.Error("nil result should become an empty result bound to the row")
	}
}

func TestGroup_CancelledContext(t *testing.T) {
	log := &fakeRunLog{}
	ctx, cancel := context.WithCancel(context.Background())

	a := newFakeStep(domain.StepDef{Name: "A"}, func(_ context.Context, rc *RunContext, _ Emitter) (Result, error) {
		cancel()
		return NewPlainResult(rc.StepRunID, nil, nil), nil
	})
	b := newFakeStep(domain.StepDef{Name: "B"}, succeedWith(1))

	_, err := NewGroup(GroupConfig{Steps: []Step{a, b}, RunLog: log}).Run(ctx, newRootContext(), nil)
	if !errors.Is(err, ErrStepCancelled) {
		t.Fatalf("expected ErrStepCancelled, got %v", err)
	}
	if b.callCount() != 0 {
		t.Error("no step should start after cancellation")
	}
	if rows := log.byName("A"); len(rows) != 1 || !rows[0].Succeeded {
		t.Error("completed step should be recorded as succeeded")
	}
}

func TestGroup_IsIncremental(t *testing.T) {
	inc := newFakeStep(domain.StepDef{Name: "inc"}, succeedWith(1))
	inc.incremental = true
	plain := newFakeStep(domain.StepDef{Name: "plain"}, succeedWith(1))

	tests := []struct {
		name     string
		steps    []Step
		expected bool
	}{
		{"empty", nil, false},
		{"all incremental", []Step{inc}, true},
		{"mixed", []Step{inc, plain}, false},
		{"none", []Step{plain}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGroup(GroupConfig{Steps: tt.steps, RunLog: &fakeRunLog{}})
			if g.IsIncremental() != tt.expected {
				t.Errorf("IsIncremental() = %v, expected %v", g.IsIncremental(), tt.expected)
			}
		})
	}
}

func TestGroup_Timeout(t *testing.T) {
	a := newFakeStep(domain.StepDef{Name: "A"}, succeedWith(1))
	b := newFakeStep(domain.StepDef{Name: "B", TimeoutSec: 120}, succeedWith(1))
	c := newFakeStep(domain.StepDef{Name: "C", TimeoutSec: 600, Disabled: true}, succeedWith(1))

	g := NewGroup(GroupConfig{Steps: []Step{a, b, c}, RunLog: &fakeRunLog{}})
	if g.Timeout() != 150*time.Second {
		t.Errorf("Timeout() = %s, expected 2m30s", g.Timeout())
	}

	if a.Timeout() != DefaultTimeout {
		t.Errorf("default timeout = %s", a.Timeout())
	}
}

func TestGroup_Nested(t *testing.T) {
	log := &fakeRunLog{}

	inner1 := newFakeStep(domain.StepDef{Name: "inner1"}, succeedWith(5))
	inner2 := newFakeStep(domain.StepDef{Name: "inner2"}, incrementWith("V7"))
	inner := NewGroup(GroupConfig{
		Def:    domain.StepDef{Name: "stage", UID: "stage"},
		Steps:  []Step{inner1, inner2},
		RunLog: log,
	})
	after := newFakeStep(domain.StepDef{Name: "after"}, succeedWith(1))

	root := NewGroup(GroupConfig{Steps: []Step{inner, after}, RunLog: log})
	if _, err := root.Run(context.Background(), newRootContext(), nil); err != nil {
		t.Fatal(err)
	}

	groupRows := log.byName("stage")
	if len(groupRows) != 1 || !groupRows[0].Succeeded {
		t.Fatalf("group should have its own succeeded row: %+v", groupRows)
	}
	if len(log.byName("inner1")) != 1 || len(log.byName("inner2")) != 1 {
		t.Error("inner steps should have rows")
	}

	prev := after.lastCall().PrevResult
	if prev == nil || prev.StepRunID() != groupRows[0].ID {
		t.Fatal("group result must belong to the group's row")
	}
	if inc, ok := prev.(*IncrementalResult); !ok || inc.IncrementValue() != "V7" {
		t.Errorf("group result should be its last step's result, got %T", prev)
	}
	if !groupRows[0].Incremental {
		t.Error("group row should be flagged incremental")
	}
}

func TestGroup_NestedStopPropagates(t *testing.T) {
	log := &fakeRunLog{}
	cause := errors.New("inner failure")

	innerFail := newFakeStep(domain.StepDef{Name: "innerFail", StopFlowOnError: true}, failWith(cause))
	inner := NewGroup(GroupConfig{
		Def:    domain.StepDef{Name: "stage", StopFlowOnError: true},
		Steps:  []Step{innerFail},
		RunLog: log,
	})
	after := newFakeStep(domain.StepDef{Name: "after"}, succeedWith(1))

	_, err := NewGroup(GroupConfig{Steps: []Step{inner, after}, RunLog: log}).Run(context.Background(), newRootContext(), nil)
	if !errors.Is(err, cause) {
		t.Fatalf("expected inner cause, got %v", err)
	}

	innerRow := log.byName("innerFail")[0]
	groupRow := log.byName("stage")[0]
	if innerRow.DiagnosticID != groupRow.DiagnosticID {
		t.Error("diagnostic id should be the same on both levels")
	}
	if after.callCount() != 0 || len(log.byName("after")) != 0 {
		t.Error("steps after the failed group must not start")
	}
}

// observerSpy записывает вызовы наблюдателя.
type observerSpy struct {
	before []string
	after  []string
}

func (o *observerSpy) BeforeStep(_ context.Context, run *domain.StepRun, _ *RunContext) {
	o.before = append(o.before, run.StepName)
}

func (o *observerSpy) AfterStep(_ context.Context, run *domain.StepRun, _ Result, err error) {
	status := string(run.Status())
	if err != nil {
		status += ":err"
	}
	o.after = append(o.after, run.StepName+"="+status)
}

func TestGroup_Observer(t *testing.T) {
	spy := &observerSpy{}

	a := newFakeStep(domain.StepDef{Name: "A"}, succeedWith(1))
	b := newFakeStep(domain.StepDef{Name: "B", Disabled: true}, succeedWith(1))
	c := newFakeStep(domain.StepDef{Name: "C"}, failWith(errors.New("x")))

	g := NewGroup(GroupConfig{Steps: []Step{a, b, c}, RunLog: &fakeRunLog{}, Observer: Observers{NopObserver{}, spy}})
	if _, err := g.Run(context.Background(), newRootContext(), nil); err != nil {
		t.Fatal(err)
	}

	if strings.Join(spy.before, ",") != "A,C" {
		t.Errorf("before = %v", spy.before)
	}
	expected := "A=SUCCEEDED,B=DISABLED,C=FAILED:err"
	if strings.Join(spy.after, ",") != expected {
		t.Errorf("after = %v, expected %s", spy.after, expected)
	}
}

// TestGroup_LoadScenario — Extract (stop) успешно грузит 100 строк,
// Transform (без stop) падает; flow завершается без ошибки.
func TestGroup_LoadScenario(t *testing.T) {
	log := &fakeRunLog{}
	out := &collector{}

	extract := newFakeStep(domain.StepDef{Name: "Extract", Position: 1, StopFlowOnError: true}, succeedWith(100))
	transform := newFakeStep(domain.StepDef{Name: "Transform", Position: 2}, failWith(errors.New("bad mapping")))

	g := NewGroup(GroupConfig{Def: domain.StepDef{Name: "Load"}, Steps: []Step{extract, transform}, RunLog: log})
	if _, err := g.Run(context.Background(), newRootContext(), out.emit); err != nil {
		t.Fatalf("flow should complete: %v", err)
	}

	if len(log.runs) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(log.runs))
	}

	ex := log.byName("Extract")[0]
	parsed, err := ParseResult(ex.ID, ex.Result)
	if err != nil {
		t.Fatal(err)
	}
	if !ex.Succeeded || *parsed.ProcessedRows() != 100 {
		t.Errorf("unexpected Extract row: %+v", ex)
	}

	tr := log.byName("Transform")[0]
	if !tr.Failed || tr.DiagnosticID == "" {
		t.Errorf("unexpected Transform row: %+v", tr)
	}
	if !strings.Contains(out.joined(), "✗ ERROR Transform: bad mapping ["+tr.DiagnosticID+"]") {
		t.Errorf("missing error line:\n%s", out.joined())
	}
}
