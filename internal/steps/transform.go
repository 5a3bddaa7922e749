package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/engine"
)

const (
	// PrototypeTransform — прототип шага трансформации.
	PrototypeTransform = "transform"

	// Ключ конфигурации.
	configMappings = "mappings"
)

// TransformStep — шаг трансформации значений.
//
// Рендерит Go templates над плейсхолдерами и результатом предыдущего
// шага. Полученные значения становятся состоянием результата и доступны
// следующему шагу через .Prev.state.
//
// Конфигурация:
//
//	{
//	    "mappings": {
//	        "window_start": "{{ default \"1970-01-01\" .P.last_run_increment_value }}",
//	        "loaded": "{{ .Prev.processed_rows }}",
//	        "region": "{{ param \"region\" }}"
//	    }
//	}
//
// Результат: plain, processed_rows = количество mappings, state = значения.
type TransformStep struct {
	Base
	mappings map[string]string
}

// NewTransformStep — фабрика прототипа "transform".
func NewTransformStep(def domain.StepDef, _ *Env) (Step, error) {
	mappings := parseMappings(def.Config)
	return &TransformStep{
		Base:     NewBase(def),
		mappings: mappings,
	}, nil
}

// IsIncremental возвращает true, если шаблоны ссылаются на last_run_*.
func (s *TransformStep) IsIncremental() bool {
	return referencesLastRun(s.def.Config)
}

// Run выполняет трансформацию.
func (s *TransformStep) Run(ctx context.Context, rc *RunContext, emit Emitter) (Result, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	tmplCtx := rc.Template()

	keys := make([]string, 0, len(s.mappings))
	for k := range s.mappings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	outputs := make(map[string]any, len(s.mappings))
	for _, key := range keys {
		rendered, err := engine.Render(s.mappings[key], tmplCtx)
		if err != nil {
			return nil, fmt.Errorf("transform %s: %w", key, err)
		}
		outputs[key] = parseValue(rendered)
		emit(fmt.Sprintf("%s = %s", key, rendered))
	}

	state, err := MarshalState(outputs)
	if err != nil {
		return nil, err
	}
	return NewPlainResult(rc.StepRunID, Rows(int64(len(outputs))), state), nil
}

// parseMappings извлекает mappings из конфигурации.
func parseMappings(config map[string]any) map[string]string {
	raw := config[configMappings]
	if raw == nil {
		return nil
	}

	switch m := raw.(type) {
	case map[string]string:
		return m

	case map[string]any:
		result := make(map[string]string, len(m))
		for key, val := range m {
			if str, ok := val.(string); ok {
				result[key] = str
			}
		}
		return result

	default:
		return nil
	}
}

// parseValue пытается распарсить строку как JSON.
// Если не получается — возвращает строку как есть.
func parseValue(value string) any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(value), &obj); err == nil {
		return obj
	}

	var arr []any
	if err := json.Unmarshal([]byte(value), &arr); err == nil {
		return arr
	}

	var num json.Number
	if err := json.Unmarshal([]byte(value), &num); err == nil {
		if i, err := num.Int64(); err == nil {
			return i
		}
		if f, err := num.Float64(); err == nil {
			return f
		}
	}

	if value == "true" {
		return true
	}
	if value == "false" {
		return false
	}

	return value
}
