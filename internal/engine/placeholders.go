package engine

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Ключи плейсхолдеров.
const (
	// KeyFlowRunUID — идентификатор текущего запуска flow.
	KeyFlowRunUID = "flow_run_uid"

	// KeyStepRunUID — идентификатор текущего запуска шага.
	KeyStepRunUID = "step_run_uid"

	// KeyLastRunUID — идентификатор последнего успешного запуска шага
	// или пустая строка, если его нет.
	KeyLastRunUID = "last_run_uid"

	// LastRunPrefix — префикс полей последнего успешного результата.
	LastRunPrefix = "last_run_"

	// ParameterPrefix — пространство имён внешних параметров.
	ParameterPrefix = "~parameter:"
)

// Placeholders — вычисленные значения для подстановки в конфигурацию шага.
type Placeholders map[string]string

// Get возвращает значение плейсхолдера и признак его наличия.
func (p Placeholders) Get(key string) (string, bool) {
	v, ok := p[key]
	return v, ok
}

// Param возвращает внешний параметр по имени (без префикса).
func (p Placeholders) Param(name string) (string, bool) {
	v, ok := p[ParameterPrefix+name]
	return v, ok
}

// Keys возвращает отсортированный список ключей.
func (p Placeholders) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Params возвращает внешние параметры без префикса.
func (p Placeholders) Params() map[string]string {
	params := make(map[string]string)
	for k, v := range p {
		if name, ok := strings.CutPrefix(k, ParameterPrefix); ok {
			params[name] = v
		}
	}
	return params
}

// setIfAbsent записывает значение, только если ключ ещё не занят
// источником с более высоким приоритетом.
func (p Placeholders) setIfAbsent(key, value string) {
	if _, exists := p[key]; exists {
		return
	}
	p[key] = value
}

// PlaceholderInput — исходные данные для вычисления плейсхолдеров.
type PlaceholderInput struct {
	// FlowRunID — идентификатор запуска flow.
	FlowRunID uuid.UUID

	// StepRunID — идентификатор запуска шага.
	StepRunID uuid.UUID

	// LastRunID — идентификатор последнего успешного запуска шага.
	// uuid.Nil, если успешных запусков не было.
	LastRunID uuid.UUID

	// LastResult — экспортированные поля последнего успешного результата.
	LastResult map[string]any

	// Parameters — внешние параметры запуска.
	Parameters map[string]string
}

// ResolvePlaceholders вычисляет плейсхолдеры шага.
//
// Источники в порядке приоритета:
//  1. идентификаторы: flow_run_uid, step_run_uid, last_run_uid
//  2. скалярные поля последнего успешного результата: last_run_<field>
//  3. внешние параметры: ~parameter:<name>
//
// Значение, записанное более приоритетным источником, никогда не
// перезаписывается. Нескалярные поля результата пропускаются.
func ResolvePlaceholders(in PlaceholderInput) Placeholders {
	p := make(Placeholders, 3+len(in.LastResult)+len(in.Parameters))

	p.setIfAbsent(KeyFlowRunUID, in.FlowRunID.String())
	p.setIfAbsent(KeyStepRunUID, in.StepRunID.String())
	if in.LastRunID != uuid.Nil {
		p.setIfAbsent(KeyLastRunUID, in.LastRunID.String())
	} else {
		p.setIfAbsent(KeyLastRunUID, "")
	}

	for _, field := range sortedKeys(in.LastResult) {
		value, ok := scalarString(in.LastResult[field])
		if !ok {
			continue
		}
		p.setIfAbsent(LastRunPrefix+field, value)
	}

	for name, value := range in.Parameters {
		p.setIfAbsent(ParameterPrefix+name, value)
	}

	return p
}

// scalarString приводит скалярное значение к строке.
// Для map, slice и структур возвращает false.
func scalarString(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", true
	case string:
		return val, true
	case bool:
		return strconv.FormatBool(val), true
	case int:
		return strconv.Itoa(val), true
	case int32:
		return strconv.FormatInt(int64(val), 10), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case *int64:
		if val == nil {
			return "", true
		}
		return strconv.FormatInt(*val, 10), true
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case uuid.UUID:
		return val.String(), true
	case fmt.Stringer:
		return val.String(), true
	default:
		return "", false
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
