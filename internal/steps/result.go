package steps

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Виды результатов в сериализованной форме.
const (
	KindPlain       = "plain"
	KindIncremental = "incremental"
)

// Result — результат выполнения шага.
//
// Не изменяется после создания. StepRunID всегда совпадает
// с идентификатором строки журнала, которая его произвела.
type Result interface {
	// StepRunID возвращает идентификатор запуска шага.
	StepRunID() uuid.UUID

	// ProcessedRows возвращает количество обработанных строк.
	// Nil означает "неизвестно".
	ProcessedRows() *int64

	// State возвращает непрозрачное состояние шага (JSON).
	State() json.RawMessage

	// Export возвращает поля результата для плейсхолдеров last_run_<field>.
	Export() map[string]any
}

// PlainResult — обычный результат шага.
type PlainResult struct {
	stepRunID     uuid.UUID
	processedRows *int64
	state         json.RawMessage
}

// NewPlainResult создаёт обычный результат.
func NewPlainResult(stepRunID uuid.UUID, processedRows *int64, state json.RawMessage) *PlainResult {
	return &PlainResult{
		stepRunID:     stepRunID,
		processedRows: copyRows(processedRows),
		state:         copyState(state),
	}
}

// StepRunID возвращает идентификатор запуска шага.
func (r *PlainResult) StepRunID() uuid.UUID { return r.stepRunID }

// ProcessedRows возвращает количество обработанных строк.
func (r *PlainResult) ProcessedRows() *int64 { return copyRows(r.processedRows) }

// State возвращает состояние шага.
func (r *PlainResult) State() json.RawMessage { return copyState(r.state) }

// Export возвращает поля результата.
func (r *PlainResult) Export() map[string]any {
	return map[string]any{
		"kind":           KindPlain,
		"processed_rows": rowsValue(r.processedRows),
		"state":          decodeState(r.state),
	}
}

// IncrementalResult — результат инкрементального шага.
//
// IncrementValue (курсор, watermark) становится доступен следующему
// запуску того же шага как плейсхолдер last_run_increment_value.
type IncrementalResult struct {
	PlainResult
	incrementValue string
}

// NewIncrementalResult создаёт инкрементальный результат.
func NewIncrementalResult(stepRunID uuid.UUID, processedRows *int64, state json.RawMessage, incrementValue string) *IncrementalResult {
	return &IncrementalResult{
		PlainResult:    *NewPlainResult(stepRunID, processedRows, state),
		incrementValue: incrementValue,
	}
}

// IncrementValue возвращает значение инкремента.
func (r *IncrementalResult) IncrementValue() string { return r.incrementValue }

// Export возвращает поля результата вместе со значением инкремента.
func (r *IncrementalResult) Export() map[string]any {
	fields := r.PlainResult.Export()
	fields["kind"] = KindIncremental
	fields["increment_value"] = r.incrementValue
	return fields
}

// HasIncrement возвращает true для инкрементального результата с непустым значением.
func HasIncrement(r Result) bool {
	inc, ok := r.(*IncrementalResult)
	return ok && inc.incrementValue != ""
}

// Rows — помощник для передачи количества строк в конструкторы результатов.
func Rows(n int64) *int64 {
	return &n
}

// MarshalState сериализует состояние шага.
func MarshalState(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return data, nil
}

// Rebind возвращает результат, привязанный к другому запуску шага.
// Используется группой: её результатом становится результат последнего
// шага, но принадлежать он должен строке журнала самой группы.
func Rebind(r Result, stepRunID uuid.UUID) Result {
	switch v := r.(type) {
	case nil:
		return NewPlainResult(stepRunID, nil, nil)
	case *IncrementalResult:
		return NewIncrementalResult(stepRunID, v.processedRows, v.state, v.incrementValue)
	case *PlainResult:
		return NewPlainResult(stepRunID, v.processedRows, v.state)
	default:
		return NewPlainResult(stepRunID, r.ProcessedRows(), r.State())
	}
}

// resultEnvelope — сериализованная форма результата.
type resultEnvelope struct {
	Kind           string          `json:"kind"`
	ProcessedRows  *int64          `json:"processed_rows"`
	State          json.RawMessage `json:"state,omitempty"`
	IncrementValue *string         `json:"increment_value,omitempty"`
}

// SerializeResult сериализует результат в строку для журнала.
func SerializeResult(r Result) (string, error) {
	if r == nil {
		return "", fmt.Errorf("serialize result: %w", ErrResultParse)
	}

	env := resultEnvelope{
		Kind:          KindPlain,
		ProcessedRows: r.ProcessedRows(),
		State:         r.State(),
	}
	if inc, ok := r.(*IncrementalResult); ok {
		env.Kind = KindIncremental
		v := inc.incrementValue
		env.IncrementValue = &v
	}

	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("serialize result: %w", err)
	}
	return string(data), nil
}

// ParseResult восстанавливает результат из строки журнала.
//
// Левый обратный к SerializeResult: ParseResult(r.StepRunID(),
// SerializeResult(r)) даёт равный результат. StepRunID берётся из строки
// журнала, а не из payload.
func ParseResult(stepRunID uuid.UUID, payload string) (Result, error) {
	if payload == "" {
		return nil, fmt.Errorf("%w: empty payload for step run %s", ErrResultParse, stepRunID)
	}

	var env resultEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResultParse, err)
	}

	switch env.Kind {
	case KindPlain:
		return NewPlainResult(stepRunID, env.ProcessedRows, env.State), nil
	case KindIncremental:
		value := ""
		if env.IncrementValue != nil {
			value = *env.IncrementValue
		}
		return NewIncrementalResult(stepRunID, env.ProcessedRows, env.State, value), nil
	default:
		return nil, fmt.Errorf("%w: unknown result kind %q", ErrResultParse, env.Kind)
	}
}

func copyRows(n *int64) *int64 {
	if n == nil {
		return nil
	}
	v := *n
	return &v
}

// rowsValue возвращает количество строк как int64 или nil, если оно неизвестно.
func rowsValue(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}

func copyState(s json.RawMessage) json.RawMessage {
	if len(s) == 0 {
		return nil
	}
	out := make(json.RawMessage, len(s))
	copy(out, s)
	return out
}

func decodeState(s json.RawMessage) any {
	if len(s) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(s, &v); err != nil {
		return string(s)
	}
	return v
}
