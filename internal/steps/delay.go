package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/shaiso/Conveyor/internal/domain"
)

const (
	// PrototypeDelay — прототип шага задержки.
	PrototypeDelay = "delay"

	// Ключи конфигурации delay.
	configDurationSec = "duration_sec"
	configDurationMs  = "duration_ms"
)

// DelayStep — шаг задержки.
//
// Приостанавливает выполнение на указанное время, например чтобы дать
// внешней системе закончить выгрузку. Поддерживает отмену через context.
//
// Конфигурация:
//
//	{
//	    "duration_sec": 10,    // задержка в секундах
//	    // или
//	    "duration_ms": 5000    // задержка в миллисекундах
//	}
//
// Результат: plain, state {"duration_ms": N}.
type DelayStep struct {
	Base
	duration time.Duration
}

// NewDelayStep — фабрика прототипа "delay".
func NewDelayStep(def domain.StepDef, _ *Env) (Step, error) {
	duration, err := parseDuration(def.Config)
	if err != nil {
		return nil, err
	}

	s := &DelayStep{
		Base:     NewBase(def),
		duration: duration,
	}
	// Заявленное время не может быть меньше самой задержки.
	if def.TimeoutSec == 0 && duration > s.timeout {
		s.timeout = duration
	}
	return s, nil
}

// Run выполняет задержку.
func (s *DelayStep) Run(ctx context.Context, rc *RunContext, emit Emitter) (Result, error) {
	emit(fmt.Sprintf("waiting %s", s.duration))

	timer := time.NewTimer(s.duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrStepCancelled, ctx.Err())
	case <-timer.C:
		state, err := MarshalState(map[string]any{"duration_ms": s.duration.Milliseconds()})
		if err != nil {
			return nil, err
		}
		return NewPlainResult(rc.StepRunID, nil, state), nil
	}
}

// parseDuration извлекает длительность из конфигурации.
func parseDuration(config map[string]any) (time.Duration, error) {
	if sec := GetConfigInt(config, configDurationSec); sec > 0 {
		return time.Duration(sec) * time.Second, nil
	}

	if ms := GetConfigInt(config, configDurationMs); ms > 0 {
		return time.Duration(ms) * time.Millisecond, nil
	}

	return 0, fmt.Errorf("%w: %s: duration_sec or duration_ms required",
		ErrInvalidConfig, PrototypeDelay)
}
