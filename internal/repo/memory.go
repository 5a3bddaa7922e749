package repo

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shaiso/Conveyor/internal/domain"
)

// MemoryRunLog — журнал запусков шагов в памяти процесса.
//
// Используется в тестах и в локальном режиме CLI без базы данных.
// Хранит копии строк, поэтому изменения вызывающего кода после
// Create/Update в журнал не попадают.
type MemoryRunLog struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]domain.StepRun
	seq  map[uuid.UUID]int
	next int
}

// NewMemoryRunLog создаёт пустой журнал.
func NewMemoryRunLog() *MemoryRunLog {
	return &MemoryRunLog{
		runs: make(map[uuid.UUID]domain.StepRun),
		seq:  make(map[uuid.UUID]int),
	}
}

// Create добавляет строку.
func (l *MemoryRunLog) Create(_ context.Context, run *domain.StepRun) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.runs[run.ID]; exists {
		return ErrAlreadyExists
	}
	l.runs[run.ID] = *run
	l.seq[run.ID] = l.next
	l.next++
	return nil
}

// Update заменяет строку целиком.
func (l *MemoryRunLog) Update(_ context.Context, run *domain.StepRun) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	stored, exists := l.runs[run.ID]
	if !exists {
		return ErrNotFound
	}
	updated := *run
	updated.Invalidated = stored.Invalidated
	l.runs[run.ID] = updated
	return nil
}

// FindLastSuccessful возвращает последний успешный и не инвалидированный
// запуск шага flow. При равном времени начала побеждает строка, созданная позже.
func (l *MemoryRunLog) FindLastSuccessful(_ context.Context, flowAlias, stepID string) (*domain.StepRun, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var found *domain.StepRun
	for id, run := range l.runs {
		if run.FlowAlias != flowAlias || run.StepID != stepID || !run.Succeeded || run.Invalidated {
			continue
		}
		if found == nil || l.later(id, found) {
			r := run
			found = &r
		}
	}
	return found, nil
}

func (l *MemoryRunLog) later(id uuid.UUID, than *domain.StepRun) bool {
	run := l.runs[id]
	if !run.StartedAt.Equal(than.StartedAt) {
		return run.StartedAt.After(than.StartedAt)
	}
	return l.seq[id] > l.seq[than.ID]
}

// GetByID возвращает строку по ID.
func (l *MemoryRunLog) GetByID(_ context.Context, id uuid.UUID) (*domain.StepRun, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	run, exists := l.runs[id]
	if !exists {
		return nil, ErrNotFound
	}
	return &run, nil
}

// ListByFlowRun возвращает строки запуска flow в порядке создания.
func (l *MemoryRunLog) ListByFlowRun(_ context.Context, flowRunID uuid.UUID) ([]domain.StepRun, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var runs []domain.StepRun
	for _, run := range l.runs {
		if run.FlowRunID == flowRunID {
			runs = append(runs, run)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return l.seq[runs[i].ID] < l.seq[runs[j].ID]
	})
	return runs, nil
}

// Invalidate исключает строку из поиска последнего успешного результата.
func (l *MemoryRunLog) Invalidate(_ context.Context, id uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	run, exists := l.runs[id]
	if !exists {
		return ErrNotFound
	}
	run.Invalidated = true
	l.runs[id] = run
	return nil
}

// Len возвращает количество строк.
func (l *MemoryRunLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.runs)
}
