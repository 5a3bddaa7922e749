package engine

import "errors"

// Ошибки валидации Flow.
var (
	// ErrEmptySteps — flow или группа не содержит шагов.
	ErrEmptySteps = errors.New("flow has no steps")

	// ErrEmptyStepName — шаг не имеет имени.
	ErrEmptyStepName = errors.New("step has empty name")

	// ErrDuplicateStepName — несколько шагов flow с одинаковым именем.
	ErrDuplicateStepName = errors.New("duplicate step name")

	// ErrDuplicateStepUID — несколько шагов flow ссылаются на одну историю запусков.
	ErrDuplicateStepUID = errors.New("duplicate step uid")

	// ErrUnknownPrototype — прототип шага не зарегистрирован.
	ErrUnknownPrototype = errors.New("unknown step prototype")

	// ErrUnexpectedChildren — вложенные шаги у шага, который не является группой.
	ErrUnexpectedChildren = errors.New("only group steps may contain steps")

	// ErrNegativeTimeout — отрицательный таймаут шага.
	ErrNegativeTimeout = errors.New("step timeout must not be negative")
)

// Ошибки рендеринга шаблонов.
var (
	// ErrTemplateRender — ошибка рендеринга шаблона.
	ErrTemplateRender = errors.New("template render failed")

	// ErrTemplateParse — ошибка парсинга шаблона.
	ErrTemplateParse = errors.New("template parse failed")

	// ErrUnknownPlaceholder — шаблон ссылается на отсутствующий плейсхолдер.
	ErrUnknownPlaceholder = errors.New("unknown placeholder")
)

// ValidationError — ошибка валидации с контекстом.
type ValidationError struct {
	Step    string // имя шага, где произошла ошибка
	Field   string // поле, вызвавшее ошибку
	Message string // описание ошибки
	Err     error  // базовая ошибка
}

// Error реализует интерфейс error.
func (e *ValidationError) Error() string {
	if e.Step != "" {
		return "step " + e.Step + ": " + e.Message
	}
	return e.Message
}

// Unwrap возвращает базовую ошибку.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError создаёт новую ошибку валидации.
func NewValidationError(step, field, message string, err error) *ValidationError {
	return &ValidationError{
		Step:    step,
		Field:   field,
		Message: message,
		Err:     err,
	}
}
