package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/orchestrator"
	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type memFlows map[string]*domain.Flow

func (m memFlows) GetByAlias(_ context.Context, alias string) (*domain.Flow, error) {
	if f, ok := m[alias]; ok {
		return f, nil
	}
	return nil, repo.ErrNotFound
}

func (m memFlows) List(context.Context) ([]domain.Flow, error) {
	out := make([]domain.Flow, 0, len(m))
	for _, f := range m {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out, nil
}

type memFlowRuns struct {
	mu   sync.Mutex
	runs map[uuid.UUID]domain.FlowRun
}

func newMemFlowRuns() *memFlowRuns {
	return &memFlowRuns{runs: make(map[uuid.UUID]domain.FlowRun)}
}

func (m *memFlowRuns) Create(_ context.Context, run *domain.FlowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return repo.ErrAlreadyExists
	}
	m.runs[run.ID] = *run
	return nil
}

func (m *memFlowRuns) GetByID(_ context.Context, id uuid.UUID) (*domain.FlowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &run, nil
}

func (m *memFlowRuns) Update(_ context.Context, run *domain.FlowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = *run
	return nil
}

func (m *memFlowRuns) List(_ context.Context, filter repo.FlowRunFilter) ([]domain.FlowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.FlowRun
	for _, run := range m.runs {
		if filter.FlowAlias != "" && run.FlowAlias != filter.FlowAlias {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, run)
	}
	return out, nil
}

type memSchedules struct {
	mu    sync.Mutex
	items map[uuid.UUID]domain.Schedule
}

func newMemSchedules() *memSchedules {
	return &memSchedules{items: make(map[uuid.UUID]domain.Schedule)}
}

func (m *memSchedules) Create(_ context.Context, s *domain.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[s.ID] = *s
	return nil
}

func (m *memSchedules) GetByID(_ context.Context, id uuid.UUID) (*domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return &s, nil
}

func (m *memSchedules) List(_ context.Context, filter repo.ScheduleFilter) ([]domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Schedule
	for _, s := range m.items {
		if filter.Enabled != nil && s.Enabled != *filter.Enabled {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *memSchedules) Update(_ context.Context, s *domain.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[s.ID]; !ok {
		return repo.ErrNotFound
	}
	m.items[s.ID] = *s
	return nil
}

func (m *memSchedules) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return repo.ErrNotFound
	}
	delete(m.items, id)
	return nil
}

func (m *memSchedules) SetEnabled(_ context.Context, id uuid.UUID, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	if !ok {
		return repo.ErrNotFound
	}
	s.Enabled = enabled
	m.items[id] = s
	return nil
}

type recordingSender struct {
	mu   sync.Mutex
	msgs []*mq.Message
}

func (s *recordingSender) Publish(_ context.Context, _ mq.Exchange, _ mq.RoutingKey, msg *mq.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

// --- fixture ---

type fixture struct {
	server    *httptest.Server
	flowRuns  *memFlowRuns
	stepRuns  *repo.MemoryRunLog
	schedules *memSchedules
	sender    *recordingSender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	flows := memFlows{
		"orders": {
			Alias: "orders",
			Name:  "Orders",
			Steps: []domain.StepDef{
				{UID: "wait", Name: "Wait", Prototype: "delay", TimeoutSec: 5, Config: domain.StepConfig{"duration_ms": 1}},
				{UID: "verify", Name: "Verify", Prototype: "check", TimeoutSec: 5, Config: domain.StepConfig{"expression": "1 == 1"}},
			},
		},
		"broken": {
			Alias: "broken",
			Name:  "Broken",
			Steps: []domain.StepDef{
				{UID: "assert", Name: "Assert", Prototype: "check", StopFlowOnError: true, Config: domain.StepConfig{"expression": "1 == 2"}},
			},
		},
	}

	f := &fixture{
		flowRuns:  newMemFlowRuns(),
		stepRuns:  repo.NewMemoryRunLog(),
		schedules: newMemSchedules(),
		sender:    &recordingSender{},
	}

	runner := orchestrator.New(orchestrator.Config{
		Flows:    flows,
		RunLog:   f.stepRuns,
		FlowRuns: f.flowRuns,
	})

	h := NewHandler(Config{
		Flows:     flows,
		FlowRuns:  f.flowRuns,
		StepRuns:  f.stepRuns,
		Schedules: f.schedules,
		Runner:    runner,
		Sender:    f.sender,
	})

	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeData[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Data
}

func readLines(t *testing.T, resp *http.Response) []string {
	t.Helper()
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(buf.String()), "\n")
}

// --- tests ---

func TestListAndGetFlow(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/api/v1/flows", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	flows := decodeData[[]FlowSummary](t, resp)
	require.Len(t, flows, 2)
	assert.Equal(t, "broken", flows[0].Alias)
	assert.Equal(t, 2, flows[1].Steps)

	resp = f.do(t, http.MethodGet, "/api/v1/flows/orders", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	flow := decodeData[domain.Flow](t, resp)
	assert.Equal(t, "Orders", flow.Name)
	assert.Len(t, flow.Steps, 2)

	resp = f.do(t, http.MethodGet, "/api/v1/flows/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunFlow_Streams(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/flows/orders/runs", RunFlowRequest{
		Parameters: map[string]string{"day": "2026-03-01"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))
	assert.Equal(t, "10", resp.Header.Get(HeaderBudget))

	ids, err := orchestrator.ParseRunIDs(resp.Header.Get(HeaderFlowRunIDs))
	require.NoError(t, err)
	require.Len(t, ids, 1)

	lines := readLines(t, resp)
	require.NotEmpty(t, lines)
	assert.True(t, strings.HasPrefix(lines[0], "flow orders ["), lines[0])
	assert.Equal(t, StatusLineSucceeded, lines[len(lines)-1])

	run, err := f.flowRuns.GetByID(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSucceeded, run.Status)
	assert.Equal(t, "api", run.Source)

	// Журнал шагов запуска.
	resp = f.do(t, http.MethodGet, "/api/v1/runs/"+ids[0].String()+"/steps", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	stepRuns := decodeData[[]StepRunResponse](t, resp)
	require.Len(t, stepRuns, 2)
	assert.Equal(t, "Wait", stepRuns[0].StepName)
	assert.Equal(t, string(domain.StepRunStatusSucceeded), stepRuns[1].Status)

	resp = f.do(t, http.MethodPost, "/api/v1/step-runs/"+stepRuns[1].ID.String()+"/invalidate", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeData[StepRunResponse](t, resp).Invalidated)
}

func TestRunFlow_StepFailure(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/flows/broken/runs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	lines := readLines(t, resp)
	assert.Equal(t, StatusLineFailed, lines[len(lines)-1])

	ids, err := orchestrator.ParseRunIDs(resp.Header.Get(HeaderFlowRunIDs))
	require.NoError(t, err)
	run, err := f.flowRuns.GetByID(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
}

func TestRunFlow_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{"unknown flow", "/api/v1/flows/nope/runs", nil, http.StatusNotFound},
		{"id count mismatch", "/api/v1/flows/orders,broken/runs", RunFlowRequest{FlowRunIDs: []uuid.UUID{uuid.New()}}, http.StatusBadRequest},
		{"bad body", "/api/v1/flows/orders/runs", "not an object", http.StatusBadRequest},
	}

	f := newFixture(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		})
	}
}

func TestEnqueueRun(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/flows/orders,broken/runs/async", RunFlowRequest{
		Parameters: map[string]string{"day": "2026-03-01"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	out := decodeData[EnqueueRunResponse](t, resp)
	require.Len(t, out.FlowRunIDs, 2)
	assert.True(t, out.Published)
	assert.Equal(t, orchestrator.FormatRunIDs(out.FlowRunIDs), resp.Header.Get(HeaderFlowRunIDs))

	for _, id := range out.FlowRunIDs {
		run, err := f.flowRuns.GetByID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.RunStatusPending, run.Status)
	}

	require.Len(t, f.sender.msgs, 1)
	payload, err := mq.ParsePayload[mq.FlowRequestedPayload](f.sender.msgs[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "broken"}, payload.Aliases)
	assert.Equal(t, out.FlowRunIDs, payload.FlowRunIDs)

	// GET /runs/{id}
	resp = f.do(t, http.MethodGet, "/api/v1/runs/"+out.FlowRunIDs[0].String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "orders", decodeData[RunResponse](t, resp).FlowAlias)

	resp = f.do(t, http.MethodGet, "/api/v1/runs?status=PENDING", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeData[[]RunResponse](t, resp), 2)
}

func TestEnqueueRun_CreateFailureCancelsEarlierRuns(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()

	resp := f.do(t, http.MethodPost, "/api/v1/flows/orders,broken/runs/async", RunFlowRequest{
		FlowRunIDs: []uuid.UUID{id, id},
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	run, err := f.flowRuns.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCancelled, run.Status, "worker polling must not pick it up")
	assert.Empty(t, f.sender.msgs)
}

func TestEnqueueRun_UnknownFlow(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/flows/orders,nope/runs/async", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, f.flowRuns.runs)
	assert.Empty(t, f.sender.msgs)
}

func TestSchedules(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/schedules", CreateScheduleRequest{
		FlowAlias: "orders",
		Name:      "nightly",
		CronExpr:  "0 3 * * *",
		Enabled:   true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeData[ScheduleResponse](t, resp)
	assert.Equal(t, "UTC", created.Timezone)
	require.NotNil(t, created.NextDueAt)

	resp = f.do(t, http.MethodGet, "/api/v1/schedules/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodPut, "/api/v1/schedules/"+created.ID.String()+"/enabled", SetEnabledRequest{Enabled: false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decodeData[ScheduleResponse](t, resp).Enabled)

	interval := 600
	resp = f.do(t, http.MethodPut, "/api/v1/schedules/"+created.ID.String(), UpdateScheduleRequest{IntervalSec: &interval, CronExpr: new(string)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decodeData[ScheduleResponse](t, resp)
	assert.Equal(t, 600, updated.IntervalSec)
	assert.Empty(t, updated.CronExpr)

	resp = f.do(t, http.MethodGet, "/api/v1/schedules?enabled=false", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeData[[]ScheduleResponse](t, resp), 1)

	resp = f.do(t, http.MethodDelete, "/api/v1/schedules/"+created.ID.String(), nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/schedules/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateSchedule_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		req    CreateScheduleRequest
		status int
	}{
		{"no name", CreateScheduleRequest{FlowAlias: "orders", CronExpr: "* * * * *"}, http.StatusBadRequest},
		{"bad cron", CreateScheduleRequest{FlowAlias: "orders", Name: "x", CronExpr: "sometimes"}, http.StatusBadRequest},
		{"no timing", CreateScheduleRequest{FlowAlias: "orders", Name: "x"}, http.StatusBadRequest},
		{"unknown flow", CreateScheduleRequest{FlowAlias: "nope", Name: "x", IntervalSec: 60}, http.StatusNotFound},
	}

	f := newFixture(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/api/v1/schedules", tt.req)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
	assert.Empty(t, f.schedules.items)
}

func TestInvalidateStepRun_NotFound(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/v1/step-runs/"+uuid.NewString()+"/invalidate", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/step-runs/not-a-uuid/invalidate", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
