package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/api"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/orchestrator"
)

// DefaultAPIURL — адрес API по умолчанию.
const DefaultAPIURL = "http://localhost:8080"

// requestTimeout — таймаут обычных запросов. Синхронный запуск
// ограничен только контекстом.
const requestTimeout = 30 * time.Second

// APIError — ошибка, возвращённая API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ListRunsOpts — параметры фильтрации запусков.
type ListRunsOpts struct {
	FlowAlias string
	Status    string
	Limit     int
}

// RunOpts — параметры запуска flow.
type RunOpts struct {
	Aliases    []string
	FlowRunIDs []uuid.UUID
	Parameters map[string]string
}

// StreamResult — итог синхронного запуска через API.
type StreamResult struct {
	FlowRunIDs []uuid.UUID
	BudgetSec  int
	Succeeded  bool
}

// envelope — обёртка DataResponse и ListResponse API.
type envelope[T any] struct {
	Data  T   `json:"data"`
	Total int `json:"total,omitempty"`
}

// Client — HTTP-клиент для Conveyor API.
type Client struct {
	http   *resty.Client
	stream *resty.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		http:   resty.New().SetBaseURL(baseURL).SetTimeout(requestTimeout),
		stream: resty.New().SetBaseURL(baseURL),
	}
}

// --- Flows ---

// ListFlows возвращает все flows.
func (c *Client) ListFlows(ctx context.Context) ([]api.FlowSummary, error) {
	return call[[]api.FlowSummary](ctx, c, http.MethodGet, "/api/v1/flows", nil, nil)
}

// GetFlow возвращает flow по alias.
func (c *Client) GetFlow(ctx context.Context, alias string) (*domain.Flow, error) {
	flow, err := call[domain.Flow](ctx, c, http.MethodGet, "/api/v1/flows/"+url.PathEscape(alias), nil, nil)
	return &flow, err
}

// --- Runs ---

// RunFlow синхронно выполняет flow и передаёт строки хода выполнения в onLine.
func (c *Client) RunFlow(ctx context.Context, opts RunOpts, onLine func(string)) (*StreamResult, error) {
	resp, err := c.stream.R().
		SetContext(ctx).
		SetBody(api.RunFlowRequest{FlowRunIDs: opts.FlowRunIDs, Parameters: opts.Parameters}).
		SetDoNotParseResponse(true).
		Post(runPath(opts.Aliases))
	if err != nil {
		return nil, fmt.Errorf("run flow: %w", err)
	}

	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() >= http.StatusBadRequest {
		var raw json.RawMessage
		if err := json.NewDecoder(body).Decode(&raw); err != nil {
			return nil, &APIError{Status: resp.StatusCode()}
		}
		return nil, decodeError(resp.StatusCode(), raw)
	}

	result := &StreamResult{}
	result.FlowRunIDs, _ = orchestrator.ParseRunIDs(resp.Header().Get(api.HeaderFlowRunIDs))
	result.BudgetSec, _ = strconv.Atoi(resp.Header().Get(api.HeaderBudget))

	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		switch line {
		case api.StatusLineSucceeded:
			result.Succeeded = true
		case api.StatusLineFailed:
			result.Succeeded = false
		default:
			if onLine != nil {
				onLine(line)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("read run stream: %w", err)
	}
	return result, nil
}

// EnqueueRun создаёт асинхронный запуск.
func (c *Client) EnqueueRun(ctx context.Context, opts RunOpts) (*api.EnqueueRunResponse, error) {
	body := api.RunFlowRequest{FlowRunIDs: opts.FlowRunIDs, Parameters: opts.Parameters}
	out, err := call[api.EnqueueRunResponse](ctx, c, http.MethodPost, runPath(opts.Aliases)+"/async", body, nil)
	return &out, err
}

// ListRuns возвращает список запусков с фильтрацией.
func (c *Client) ListRuns(ctx context.Context, opts ListRunsOpts) ([]api.RunResponse, error) {
	params := url.Values{}
	if opts.FlowAlias != "" {
		params.Set("flow_alias", opts.FlowAlias)
	}
	if opts.Status != "" {
		params.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}
	return call[[]api.RunResponse](ctx, c, http.MethodGet, "/api/v1/runs", nil, params)
}

// GetRun возвращает запуск по ID.
func (c *Client) GetRun(ctx context.Context, id string) (*api.RunResponse, error) {
	run, err := call[api.RunResponse](ctx, c, http.MethodGet, "/api/v1/runs/"+id, nil, nil)
	return &run, err
}

// ListRunSteps возвращает журнал шагов запуска.
func (c *Client) ListRunSteps(ctx context.Context, runID string) ([]api.StepRunResponse, error) {
	return call[[]api.StepRunResponse](ctx, c, http.MethodGet, "/api/v1/runs/"+runID+"/steps", nil, nil)
}

// InvalidateStepRun исключает результат шага из инкрементальной цепочки.
func (c *Client) InvalidateStepRun(ctx context.Context, id string) (*api.StepRunResponse, error) {
	sr, err := call[api.StepRunResponse](ctx, c, http.MethodPost, "/api/v1/step-runs/"+id+"/invalidate", nil, nil)
	return &sr, err
}

// --- Schedules ---

// ListSchedules возвращает schedules. Если flowAlias не пустой — фильтрует.
func (c *Client) ListSchedules(ctx context.Context, flowAlias string) ([]api.ScheduleResponse, error) {
	params := url.Values{}
	if flowAlias != "" {
		params.Set("flow_alias", flowAlias)
	}
	return call[[]api.ScheduleResponse](ctx, c, http.MethodGet, "/api/v1/schedules", nil, params)
}

// CreateSchedule создаёт schedule.
func (c *Client) CreateSchedule(ctx context.Context, req api.CreateScheduleRequest) (*api.ScheduleResponse, error) {
	s, err := call[api.ScheduleResponse](ctx, c, http.MethodPost, "/api/v1/schedules", req, nil)
	return &s, err
}

// GetSchedule возвращает schedule по ID.
func (c *Client) GetSchedule(ctx context.Context, id string) (*api.ScheduleResponse, error) {
	s, err := call[api.ScheduleResponse](ctx, c, http.MethodGet, "/api/v1/schedules/"+id, nil, nil)
	return &s, err
}

// UpdateSchedule обновляет schedule.
func (c *Client) UpdateSchedule(ctx context.Context, id string, req api.UpdateScheduleRequest) (*api.ScheduleResponse, error) {
	s, err := call[api.ScheduleResponse](ctx, c, http.MethodPut, "/api/v1/schedules/"+id, req, nil)
	return &s, err
}

// DeleteSchedule удаляет schedule.
func (c *Client) DeleteSchedule(ctx context.Context, id string) error {
	_, err := call[struct{}](ctx, c, http.MethodDelete, "/api/v1/schedules/"+id, nil, nil)
	return err
}

// SetScheduleEnabled включает или выключает schedule.
func (c *Client) SetScheduleEnabled(ctx context.Context, id string, enabled bool) (*api.ScheduleResponse, error) {
	body := api.SetEnabledRequest{Enabled: enabled}
	s, err := call[api.ScheduleResponse](ctx, c, http.MethodPut, "/api/v1/schedules/"+id+"/enabled", body, nil)
	return &s, err
}

// --- HTTP helpers ---

// call выполняет JSON-запрос и разворачивает поле data ответа.
func call[T any](ctx context.Context, c *Client, method, path string, body any, params url.Values) (T, error) {
	var out envelope[T]

	req := c.http.R().SetContext(ctx).SetResult(&out)
	if body != nil {
		req.SetBody(body)
	}
	if len(params) > 0 {
		req.SetQueryParamsFromValues(params)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return out.Data, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		return out.Data, decodeError(resp.StatusCode(), resp.Body())
	}
	return out.Data, nil
}

func decodeError(status int, body []byte) error {
	var er api.ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Error.Code == "" {
		return &APIError{Status: status}
	}
	return &APIError{Status: status, Code: string(er.Error.Code), Message: er.Error.Message}
}

func runPath(aliases []string) string {
	return "/api/v1/flows/" + url.PathEscape(strings.Join(aliases, ",")) + "/runs"
}
