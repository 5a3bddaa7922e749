package steps

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-resty/resty/v2"
	"github.com/shaiso/Conveyor/internal/domain"
)

// PrototypeOpenAPI — прототип шага вызова операции OpenAPI.
const PrototypeOpenAPI = "openapi"

// openAPIConfig — конфигурация openapi-шага.
type openAPIConfig struct {
	OperationID string            `json:"operation_id"`
	Server      string            `json:"server"`
	Params      map[string]string `json:"params"`
	Headers     map[string]string `json:"headers"`
	Body        any               `json:"body"`
	RecordsPath string            `json:"records_path"`
}

// OpenAPIStep — шаг, вызывающий операцию внешнего API по operationId.
//
// Документ OpenAPI приходит в RunContext: его загружает FlowRunner.
// Параметры с in=path подставляются в путь, с in=query уходят в строку
// запроса, остальные параметры конфигурации игнорируются.
//
// Конфигурация:
//
//	{
//	    "operation_id": "listOrders",
//	    "params": {"shopId": "{{ param \"shop\" }}", "since": "{{ .P.last_run_increment_value }}"},
//	    "records_path": "items"
//	}
//
// Результат: plain, processed_rows = количество записей, если задан records_path.
type OpenAPIStep struct {
	Base
	cfg    openAPIConfig
	client *resty.Client
}

// NewOpenAPIStep — фабрика прототипа "openapi".
func NewOpenAPIStep(def domain.StepDef, env *Env) (Step, error) {
	cfg, err := DecodeConfig[openAPIConfig](def.Config)
	if err != nil {
		return nil, err
	}
	if cfg.OperationID == "" {
		return nil, fmt.Errorf("%w: %s: operation_id is required", ErrInvalidConfig, PrototypeOpenAPI)
	}

	return &OpenAPIStep{
		Base:   NewBase(def),
		cfg:    cfg,
		client: httpClient(env),
	}, nil
}

// IsIncremental возвращает true, если конфигурация ссылается на last_run_*.
func (s *OpenAPIStep) IsIncremental() bool {
	return referencesLastRun(s.def.Config)
}

// Run вызывает операцию.
func (s *OpenAPIStep) Run(ctx context.Context, rc *RunContext, emit Emitter) (Result, error) {
	if rc.OpenAPI == nil {
		return nil, fmt.Errorf("%w: %s: no OpenAPI document in run context", ErrInvalidConfig, PrototypeOpenAPI)
	}

	rendered, err := rc.RenderConfig(s.def.Config)
	if err != nil {
		return nil, err
	}
	cfg, err := DecodeConfig[openAPIConfig](rendered)
	if err != nil {
		return nil, err
	}

	method, path, op, err := FindOperation(rc.OpenAPI, cfg.OperationID)
	if err != nil {
		return nil, err
	}

	base := cfg.Server
	if base == "" && len(rc.OpenAPI.Servers) > 0 {
		base = rc.OpenAPI.Servers[0].URL
	}
	if base == "" {
		return nil, fmt.Errorf("%w: %s: no server URL", ErrInvalidConfig, PrototypeOpenAPI)
	}

	target, query := bindParameters(path, op, cfg.Params)

	req := s.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetHeaders(cfg.Headers).
		SetQueryParams(query)
	if cfg.Body != nil {
		req.SetBody(cfg.Body)
	}

	resp, err := req.Execute(method, strings.TrimRight(base, "/")+target)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrStepCancelled, ctx.Err())
		}
		return nil, fmt.Errorf("call %s: %w", cfg.OperationID, err)
	}
	emit(fmt.Sprintf("%s %s (%s) → %d (%s)", method, target, cfg.OperationID, resp.StatusCode(), resp.Time().Round(time.Millisecond)))

	if resp.IsError() {
		return nil, fmt.Errorf("%w: %d: %s", ErrHTTPStatus, resp.StatusCode(), truncate(resp.String(), 512))
	}

	state, err := MarshalState(map[string]any{
		"operation_id": cfg.OperationID,
		"status_code":  resp.StatusCode(),
	})
	if err != nil {
		return nil, err
	}

	if cfg.RecordsPath == "" {
		return NewPlainResult(rc.StepRunID, nil, state), nil
	}

	parsed, err := gabs.ParseJSON(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	records, err := extractRecords(parsed, cfg.RecordsPath)
	if err != nil {
		return nil, err
	}
	emit(fmt.Sprintf("%d records", len(records)))

	return NewPlainResult(rc.StepRunID, Rows(int64(len(records))), state), nil
}

// FindOperation ищет операцию по operationId.
// Возвращает HTTP-метод, шаблон пути и саму операцию.
func FindOperation(doc *openapi3.T, operationID string) (string, string, *openapi3.Operation, error) {
	if doc == nil || doc.Paths == nil {
		return "", "", nil, fmt.Errorf("%w: %s", ErrOperationNotFound, operationID)
	}

	paths := doc.Paths.Map()
	keys := make([]string, 0, len(paths))
	for p := range paths {
		keys = append(keys, p)
	}
	sort.Strings(keys)

	for _, path := range keys {
		for method, op := range paths[path].Operations() {
			if op != nil && op.OperationID == operationID {
				return method, path, op, nil
			}
		}
	}

	return "", "", nil, fmt.Errorf("%w: %s", ErrOperationNotFound, operationID)
}

// bindParameters подставляет параметры пути и собирает параметры запроса.
func bindParameters(path string, op *openapi3.Operation, values map[string]string) (string, map[string]string) {
	query := make(map[string]string)

	for _, ref := range op.Parameters {
		if ref == nil || ref.Value == nil {
			continue
		}
		p := ref.Value
		value, ok := values[p.Name]
		if !ok {
			continue
		}

		switch p.In {
		case openapi3.ParameterInPath:
			path = strings.ReplaceAll(path, "{"+p.Name+"}", url.PathEscape(value))
		case openapi3.ParameterInQuery:
			if value != "" {
				query[p.Name] = value
			}
		}
	}

	return path, query
}
