package steps

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Jeffail/gabs/v2"
	"github.com/go-resty/resty/v2"
	"github.com/shaiso/Conveyor/internal/domain"
)

const (
	// PrototypeHTTPExtract — прототип шага выгрузки из HTTP API.
	PrototypeHTTPExtract = "http_extract"

	defaultHTTPTimeout = 30 * time.Second
)

// httpExtractConfig — конфигурация http_extract.
type httpExtractConfig struct {
	Method         string            `json:"method"`
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers"`
	Query          map[string]string `json:"query"`
	Body           any               `json:"body"`
	RecordsPath    string            `json:"records_path"`
	IncrementField string            `json:"increment_field"`
	KeepRecords    bool              `json:"keep_records"`
}

// HTTPExtractStep — шаг выгрузки записей из HTTP API.
//
// Выполняет запрос, находит массив записей по records_path (путь через
// точку, как в gabs) и считает их. Если задан increment_field, новым
// значением инкремента становится максимум этого поля среди записей.
//
// Конфигурация:
//
//	{
//	    "method": "GET",
//	    "url": "https://api.example.com/orders",
//	    "query": {"updated_since": "{{ default \"\" .P.last_run_increment_value }}"},
//	    "headers": {"Authorization": "Bearer {{ param \"token\" }}"},
//	    "records_path": "data.items",
//	    "increment_field": "updated_at",
//	    "keep_records": false
//	}
//
// Результат: incremental, если задан increment_field, иначе plain.
type HTTPExtractStep struct {
	Base
	cfg    httpExtractConfig
	client *resty.Client
}

// NewHTTPExtractStep — фабрика прототипа "http_extract".
func NewHTTPExtractStep(def domain.StepDef, env *Env) (Step, error) {
	cfg, err := DecodeConfig[httpExtractConfig](def.Config)
	if err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: %s: url is required", ErrInvalidConfig, PrototypeHTTPExtract)
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	cfg.Method = strings.ToUpper(cfg.Method)

	return &HTTPExtractStep{
		Base:   NewBase(def),
		cfg:    cfg,
		client: httpClient(env),
	}, nil
}

// IsIncremental возвращает true, если шаг вычисляет инкремент или
// ссылается на результат прошлого запуска.
func (s *HTTPExtractStep) IsIncremental() bool {
	return s.cfg.IncrementField != "" || referencesLastRun(s.def.Config)
}

// Run выполняет запрос и разбирает ответ.
func (s *HTTPExtractStep) Run(ctx context.Context, rc *RunContext, emit Emitter) (Result, error) {
	rendered, err := rc.RenderConfig(s.def.Config)
	if err != nil {
		return nil, err
	}
	cfg, err := DecodeConfig[httpExtractConfig](rendered)
	if err != nil {
		return nil, err
	}
	if cfg.Method == "" {
		cfg.Method = s.cfg.Method
	}

	req := s.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetHeaders(cfg.Headers).
		SetQueryParams(nonEmpty(cfg.Query))
	if cfg.Body != nil {
		req.SetBody(cfg.Body)
	}

	resp, err := req.Execute(strings.ToUpper(cfg.Method), cfg.URL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrStepCancelled, ctx.Err())
		}
		return nil, fmt.Errorf("http request: %w", err)
	}
	emit(fmt.Sprintf("%s %s → %d (%s)", strings.ToUpper(cfg.Method), cfg.URL, resp.StatusCode(), resp.Time().Round(time.Millisecond)))

	if resp.IsError() {
		return nil, fmt.Errorf("%w: %d: %s", ErrHTTPStatus, resp.StatusCode(), truncate(resp.String(), 512))
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

	stateFields := map[string]any{"status_code": resp.StatusCode()}
	if cfg.KeepRecords {
		data := make([]any, len(records))
		for i, r := range records {
			data[i] = r.Data()
		}
		stateFields["records"] = data
	}
	state, err := MarshalState(stateFields)
	if err != nil {
		return nil, err
	}

	rows := Rows(int64(len(records)))
	if s.cfg.IncrementField == "" {
		return NewPlainResult(rc.StepRunID, rows, state), nil
	}

	increment := maxField(records, s.cfg.IncrementField)
	if increment == "" {
		if inc, ok := rc.LastResult.(*IncrementalResult); ok {
			increment = inc.IncrementValue()
		}
	}
	return NewIncrementalResult(rc.StepRunID, rows, state, increment), nil
}

// extractRecords возвращает элементы массива записей.
// Пустой путь означает корень документа. Объект считается одной записью.
func extractRecords(doc *gabs.Container, path string) ([]*gabs.Container, error) {
	target := doc
	if path != "" {
		if !doc.ExistsP(path) {
			return nil, fmt.Errorf("%w: records_path %q not found in response", ErrInvalidConfig, path)
		}
		target = doc.Path(path)
	}

	switch target.Data().(type) {
	case []any:
		return target.Children(), nil
	case nil:
		return nil, nil
	default:
		return []*gabs.Container{target}, nil
	}
}

// maxField возвращает максимальное значение поля среди записей.
// Если все значения числовые, они сравниваются как числа, иначе все
// сравниваются как строки. Результат не зависит от порядка записей.
func maxField(records []*gabs.Container, field string) string {
	var values []string
	numeric := true
	for _, r := range records {
		if !r.ExistsP(field) {
			continue
		}
		value := FormatIncrement(r.Path(field).Data())
		if value == "" {
			continue
		}
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			numeric = false
		}
		values = append(values, value)
	}

	var best string
	var bestNum float64
	for i, value := range values {
		if !numeric {
			if i == 0 || value > best {
				best = value
			}
			continue
		}
		n, _ := strconv.ParseFloat(value, 64)
		if i == 0 || n > bestNum {
			best, bestNum = value, n
		}
	}
	return best
}

// httpClient возвращает HTTP-клиент из окружения или создаёт новый.
func httpClient(env *Env) *resty.Client {
	if env != nil && env.HTTP != nil {
		return env.HTTP
	}
	return resty.New().SetTimeout(defaultHTTPTimeout)
}

func nonEmpty(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

// truncate обрезает s до n байт, не разрывая UTF-8 символ.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
