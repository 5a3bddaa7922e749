package engine

import (
	"fmt"

	"github.com/shaiso/Conveyor/internal/domain"
)

// PrototypeGroup — прототип вложенной группы шагов.
const PrototypeGroup = "group"

// Validate выполняет валидацию Flow перед запуском.
//
// Проверяет:
// - Наличие шагов (в flow и в каждой группе)
// - Непустые и уникальные в рамках flow имена шагов
// - Уникальные в рамках flow ссылки журнала (StepDef.Ref)
// - Что прототип зарегистрирован (known == nil пропускает проверку)
// - Что вложенные шаги есть только у групп
// - Неотрицательные таймауты
//
// Ошибки валидации — ошибки конфигурации: flow не запускается вовсе.
func Validate(flow *domain.Flow, known func(prototype string) bool) error {
	if flow == nil || len(flow.Steps) == 0 {
		return ErrEmptySteps
	}

	seen := newStepIndex()
	return validateSteps(flow.Steps, seen, known)
}

// stepIndex — уже встреченные имена и ссылки шагов flow.
type stepIndex struct {
	names map[string]bool
	refs  map[string]bool
}

func newStepIndex() *stepIndex {
	return &stepIndex{names: make(map[string]bool), refs: make(map[string]bool)}
}

func validateSteps(steps []domain.StepDef, seen *stepIndex, known func(string) bool) error {
	for i := range steps {
		if err := validateStep(&steps[i], seen, known); err != nil {
			return err
		}
	}
	return nil
}

// validateStep валидирует один шаг и его вложенные шаги.
func validateStep(step *domain.StepDef, seen *stepIndex, known func(string) bool) error {
	if step.Name == "" {
		return NewValidationError("", "name", "step has empty name", ErrEmptyStepName)
	}

	if seen.names[step.Name] {
		return NewValidationError(step.Name, "name",
			fmt.Sprintf("duplicate step name: %s", step.Name), ErrDuplicateStepName)
	}
	seen.names[step.Name] = true

	// По ссылке журнал ищет последний успешный результат шага.
	ref := step.Ref()
	if seen.refs[ref] {
		return NewValidationError(step.Name, "uid",
			fmt.Sprintf("duplicate step uid: %s", ref), ErrDuplicateStepUID)
	}
	seen.refs[ref] = true

	if err := validatePrototype(step.Name, step.Prototype, known); err != nil {
		return err
	}

	if step.TimeoutSec < 0 {
		return NewValidationError(step.Name, "timeout_sec",
			fmt.Sprintf("negative timeout: %d", step.TimeoutSec), ErrNegativeTimeout)
	}

	if step.Prototype != PrototypeGroup {
		if len(step.Steps) > 0 {
			return NewValidationError(step.Name, "steps",
				"only group steps may contain steps", ErrUnexpectedChildren)
		}
		return nil
	}

	if len(step.Steps) == 0 {
		return NewValidationError(step.Name, "steps", "group has no steps", ErrEmptySteps)
	}

	return validateSteps(step.Steps, seen, known)
}

// validatePrototype проверяет, что прототип шага известен.
func validatePrototype(name, prototype string, known func(string) bool) error {
	if prototype == "" {
		return NewValidationError(name, "prototype",
			"step has empty prototype", ErrUnknownPrototype)
	}

	if prototype == PrototypeGroup || known == nil {
		return nil
	}

	if !known(prototype) {
		return NewValidationError(name, "prototype",
			fmt.Sprintf("unknown step prototype: %s", prototype), ErrUnknownPrototype)
	}

	return nil
}
