package domain

import (
	"strconv"

	"github.com/google/uuid"
)

// Flow — определение ETL-процесса.
//
// Flow — это именованный упорядоченный список шагов, который выполняется
// как единое целое. Flow ищется по Alias; UID и Version нужны только для
// аудита. Загруженный flow не меняется до конца запуска.
type Flow struct {
	// Alias — уникальное короткое имя flow (например, "load-orders").
	// По нему flow запускается из CLI, API и расписаний.
	Alias string `json:"alias" yaml:"alias"`

	// UID — постоянный идентификатор flow.
	UID uuid.UUID `json:"uid" yaml:"uid"`

	// Version — версия определения. 0 означает "без версии".
	Version int `json:"version,omitempty" yaml:"version,omitempty"`

	// Name — человекочитаемое имя.
	Name string `json:"name" yaml:"name"`

	// Description — описание назначения flow.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Steps — шаги, отсортированные по Position по возрастанию.
	Steps []StepDef `json:"steps" yaml:"steps"`
}

// StepDef — определение шага в flow.
type StepDef struct {
	// UID — постоянный идентификатор шага.
	// Используется как ссылка на шаг в журнале запусков, поэтому
	// переименование шага не теряет историю инкрементальной загрузки.
	UID string `json:"uid" yaml:"uid"`

	// Name — имя шага, уникальное в рамках flow.
	Name string `json:"name" yaml:"name"`

	// Prototype — ключ реализации шага в реестре: "sql", "http_extract",
	// "transform", "check", "openapi", "delay", "group".
	Prototype string `json:"prototype" yaml:"prototype"`

	// FromObject — логический источник данных. Для ядра непрозрачен.
	FromObject string `json:"from_object,omitempty" yaml:"from_object,omitempty"`

	// ToObject — логический приёмник данных. Для ядра непрозрачен.
	ToObject string `json:"to_object,omitempty" yaml:"to_object,omitempty"`

	// Config — конфигурация шага (зависит от прототипа).
	Config StepConfig `json:"config,omitempty" yaml:"config,omitempty"`

	// Position — порядковый номер шага внутри flow или группы.
	Position int `json:"position" yaml:"position"`

	// Disabled — шаг пропускается, но строка в журнале создаётся.
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty"`

	// StopFlowOnError — ошибка шага прерывает всю группу.
	StopFlowOnError bool `json:"stop_flow_on_error,omitempty" yaml:"stop_flow_on_error,omitempty"`

	// TimeoutSec — заявленное время выполнения. 0 — значение шага по умолчанию.
	TimeoutSec int `json:"timeout_sec,omitempty" yaml:"timeout_sec,omitempty"`

	// Steps — вложенные шаги (только для prototype="group").
	Steps []StepDef `json:"steps,omitempty" yaml:"steps,omitempty"`
}

// StepConfig — произвольная конфигурация шага.
//
// Каждый прототип декодирует её в свою типизированную структуру,
// неизвестные ключи остаются доступны как "сырой" словарь.
type StepConfig map[string]any

// Ref возвращает идентификатор шага для журнала запусков.
// Если UID не задан, используется Name.
func (d StepDef) Ref() string {
	if d.UID != "" {
		return d.UID
	}
	return d.Name
}

// Key возвращает ссылку на flow для логов: alias, а при наличии версии alias@version.
func (f *Flow) Key() string {
	if f.Version > 0 {
		return f.Alias + "@" + strconv.Itoa(f.Version)
	}
	return f.Alias
}
