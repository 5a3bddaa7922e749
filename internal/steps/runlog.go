package steps

import (
	"context"

	"github.com/shaiso/Conveyor/internal/domain"
)

// RunLog — хранилище журнала запусков шагов.
//
// Группа создаёт строку при старте шага и обновляет её один раз при
// завершении. Других операций записи ядро не выполняет.
type RunLog interface {
	// Create сохраняет новую строку журнала.
	Create(ctx context.Context, run *domain.StepRun) error

	// Update сохраняет завершённую строку журнала.
	Update(ctx context.Context, run *domain.StepRun) error

	// FindLastSuccessful возвращает самый свежий по started_at успешный
	// и не инвалидированный запуск шага stepID во flow flowAlias.
	// Возвращает nil, nil, если его нет.
	FindLastSuccessful(ctx context.Context, flowAlias, stepID string) (*domain.StepRun, error)
}

// Observer получает уведомления о запусках шагов.
//
// Вызывается группой синхронно: BeforeStep перед Step.Run (строка журнала
// уже создана), AfterStep после закрытия строки. Реализации не должны
// блокировать надолго.
type Observer interface {
	BeforeStep(ctx context.Context, run *domain.StepRun, rc *RunContext)
	AfterStep(ctx context.Context, run *domain.StepRun, result Result, err error)
}

// NopObserver — Observer, который ничего не делает.
type NopObserver struct{}

// BeforeStep ничего не делает.
func (NopObserver) BeforeStep(context.Context, *domain.StepRun, *RunContext) {}

// AfterStep ничего не делает.
func (NopObserver) AfterStep(context.Context, *domain.StepRun, Result, error) {}

// Observers рассылает уведомления нескольким наблюдателям по порядку.
type Observers []Observer

// BeforeStep вызывает BeforeStep у всех наблюдателей.
func (o Observers) BeforeStep(ctx context.Context, run *domain.StepRun, rc *RunContext) {
	for _, obs := range o {
		obs.BeforeStep(ctx, run, rc)
	}
}

// AfterStep вызывает AfterStep у всех наблюдателей.
func (o Observers) AfterStep(ctx context.Context, run *domain.StepRun, result Result, err error) {
	for _, obs := range o {
		obs.AfterStep(ctx, run, result, err)
	}
}
