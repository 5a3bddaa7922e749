package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/mq"
	"github.com/shaiso/Conveyor/internal/orchestrator"
	"github.com/shaiso/Conveyor/internal/repo"
)

const (
	// HeaderFlowRunIDs — заголовок с идентификаторами созданных запросом запусков.
	HeaderFlowRunIDs = "X-Flow-Run-Ids"

	// HeaderBudget — заголовок с бюджетом времени в секундах.
	HeaderBudget = "X-Flow-Budget-Sec"

	// writeDeadlineSlack добавляется к бюджету при продлении write deadline.
	writeDeadlineSlack = 30 * time.Second

	defaultListLimit = 50
)

// Строки статуса в конце потока синхронного запуска.
const (
	StatusLineSucceeded = "status: SUCCEEDED"
	StatusLineFailed    = "status: FAILED"
)

// RunFlow синхронно выполняет flow и отдаёт ход выполнения строками text/plain.
// POST /api/v1/flows/{alias}/runs
//
// {alias} может содержать несколько alias через запятую.
// Ошибки конфигурации возвращаются JSON до начала потока.
func (h *Handler) RunFlow(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		Error(w, http.StatusServiceUnavailable, ErrCodeInternalError, "synchronous runs are disabled")
		return
	}

	req, ok := decodeRunRequest(w, r)
	if !ok {
		return
	}

	rc := http.NewResponseController(w)

	exec, err := h.runner.Start(r.Context(), orchestrator.Request{
		Aliases:    orchestrator.ParseAliases(r.PathValue("alias")),
		FlowRunIDs: req.FlowRunIDs,
		Parameters: req.Parameters,
		Source:     "api",
		BudgetFunc: func(budget time.Duration) {
			if err := rc.SetWriteDeadline(time.Now().Add(budget + writeDeadlineSlack)); err != nil {
				h.logger.Debug("write deadline not extended", "error", err)
			}
		},
	})
	if HandleRunError(w, h.logger, err) {
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set(HeaderFlowRunIDs, orchestrator.FormatRunIDs(exec.FlowRunIDs()))
	w.Header().Set(HeaderBudget, strconv.Itoa(int(exec.Budget()/time.Second)))
	w.WriteHeader(http.StatusOK)

	for msg := range exec.Messages() {
		fmt.Fprintln(w, msg)
		_ = rc.Flush()
	}

	if _, err := exec.Wait(); err != nil {
		fmt.Fprintln(w, StatusLineFailed)
	} else {
		fmt.Fprintln(w, StatusLineSucceeded)
	}
	_ = rc.Flush()
}

// EnqueueRun создаёт PENDING запуски и публикует flow.requested.
// POST /api/v1/flows/{alias}/runs/async
func (h *Handler) EnqueueRun(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRunRequest(w, r)
	if !ok {
		return
	}

	aliases := orchestrator.ParseAliases(r.PathValue("alias"))
	if len(aliases) == 0 {
		BadRequest(w, orchestrator.ErrNoAliases.Error())
		return
	}
	if len(req.FlowRunIDs) > 0 && len(req.FlowRunIDs) != len(aliases) {
		BadRequest(w, fmt.Sprintf("%s: %d ids for %d aliases",
			orchestrator.ErrRunIDMismatch, len(req.FlowRunIDs), len(aliases)))
		return
	}

	for _, alias := range aliases {
		if _, err := h.flows.GetByAlias(r.Context(), alias); HandleRepoError(w, h.logger, err, "flow not found: "+alias) {
			return
		}
	}

	resp := EnqueueRunResponse{}
	var created []*domain.FlowRun
	for i, alias := range aliases {
		run := domain.NewFlowRun(alias, req.Parameters, "api")
		if len(req.FlowRunIDs) > 0 {
			run.ID = req.FlowRunIDs[i]
		}
		if err := h.flowRuns.Create(r.Context(), run); err != nil {
			h.cancelRuns(r.Context(), created)
			HandleRepoError(w, h.logger, err, "")
			return
		}
		created = append(created, run)
		resp.FlowRunIDs = append(resp.FlowRunIDs, run.ID)
		resp.Runs = append(resp.Runs, RunFromDomain(*run))
	}
	w.Header().Set(HeaderFlowRunIDs, orchestrator.FormatRunIDs(resp.FlowRunIDs))

	if h.sender != nil {
		err := mq.PublishFlowRequested(r.Context(), h.sender, mq.FlowRequestedPayload{
			FlowRunIDs: resp.FlowRunIDs,
			Aliases:    aliases,
			Parameters: req.Parameters,
			Source:     "api",
		})
		if err != nil {
			// запуски уже в БД, их подберёт polling воркера
			h.logger.Warn("failed to publish flow.requested",
				"flow_run_ids", orchestrator.FormatRunIDs(resp.FlowRunIDs),
				"error", err,
			)
		} else {
			resp.Published = true
		}
	}

	JSON(w, http.StatusAccepted, DataResponse{Data: resp})
}

// cancelRuns закрывает запуски, созданные неудавшимся запросом,
// чтобы их не подобрал polling воркера.
func (h *Handler) cancelRuns(ctx context.Context, runs []*domain.FlowRun) {
	ctx = context.WithoutCancel(ctx)
	for _, run := range runs {
		run.MarkCancelled()
		if err := h.flowRuns.Update(ctx, run); err != nil {
			h.logger.Error("failed to cancel flow run", "flow_run_id", run.ID, "error", err)
		}
	}
}

// ListRuns возвращает список запусков flow с фильтрацией.
// GET /api/v1/runs?flow_alias=...&status=...&limit=...&offset=...
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repo.FlowRunFilter{
		FlowAlias: q.Get("flow_alias"),
		Status:    domain.RunStatus(q.Get("status")),
		Limit:     parseInt(q.Get("limit"), defaultListLimit),
		Offset:    parseInt(q.Get("offset"), 0),
	}

	runs, err := h.flowRuns.List(r.Context(), filter)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]RunResponse, len(runs))
	for i, run := range runs {
		result[i] = RunFromDomain(run)
	}

	List(w, result, len(result))
}

// GetRun возвращает запуск flow по ID.
// GET /api/v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	run, err := h.flowRuns.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "run not found") {
		return
	}

	Success(w, RunFromDomain(*run))
}

// ListRunSteps возвращает строки журнала шагов запуска.
// GET /api/v1/runs/{id}/steps
func (h *Handler) ListRunSteps(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	stepRuns, err := h.stepRuns.ListByFlowRun(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]StepRunResponse, len(stepRuns))
	for i, sr := range stepRuns {
		result[i] = StepRunFromDomain(sr)
	}

	List(w, result, len(result))
}

// GetStepRun возвращает строку журнала шага.
// GET /api/v1/step-runs/{id}
func (h *Handler) GetStepRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid step run id")
		return
	}

	stepRun, err := h.stepRuns.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "step run not found") {
		return
	}

	Success(w, StepRunFromDomain(*stepRun))
}

// InvalidateStepRun исключает результат шага из инкрементальной цепочки.
// POST /api/v1/step-runs/{id}/invalidate
func (h *Handler) InvalidateStepRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid step run id")
		return
	}

	if err := h.stepRuns.Invalidate(r.Context(), id); HandleRepoError(w, h.logger, err, "step run not found") {
		return
	}

	stepRun, err := h.stepRuns.GetByID(r.Context(), id)
	if HandleRepoError(w, h.logger, err, "step run not found") {
		return
	}

	Success(w, StepRunFromDomain(*stepRun))
}

// decodeRunRequest читает необязательное тело запроса на запуск.
func decodeRunRequest(w http.ResponseWriter, r *http.Request) (RunFlowRequest, bool) {
	var req RunFlowRequest
	if r.Body == nil {
		return req, true
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(w, "invalid request body")
		return req, false
	}
	return req, true
}

// parseInt парсит строку в int с дефолтным значением.
func parseInt(s string, defaultVal int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
