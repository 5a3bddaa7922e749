package steps

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/go-resty/resty/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Conveyor/internal/domain"
)

// Env — зависимости, которые фабрики передают создаваемым шагам.
type Env struct {
	// Registry — реестр для создания вложенных шагов группы.
	Registry *Registry

	// RunLog — журнал запусков (нужен группам).
	RunLog RunLog

	// Observer — наблюдатель за запусками шагов.
	Observer Observer

	// Logger — логгер для побочного канала диагностики.
	Logger *slog.Logger

	// DB — пул соединений для sql-шагов. Может быть nil.
	DB *pgxpool.Pool

	// HTTP — HTTP-клиент для http_extract и openapi шагов.
	HTTP *resty.Client
}

// Factory создаёт шаг из определения.
type Factory func(def domain.StepDef, env *Env) (Step, error)

// Registry — реестр прототипов шагов.
//
// Сопоставляет ключ прототипа с фабрикой. Реализации регистрируются при
// старте процесса. Потокобезопасен.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// DefaultRegistry создаёт реестр со всеми стандартными прототипами.
func DefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register(PrototypeGroup, NewGroupFromDef)
	r.Register(PrototypeDelay, NewDelayStep)
	r.Register(PrototypeTransform, NewTransformStep)
	r.Register(PrototypeSQL, NewSQLStep)
	r.Register(PrototypeHTTPExtract, NewHTTPExtractStep)
	r.Register(PrototypeOpenAPI, NewOpenAPIStep)
	r.Register(PrototypeCheck, NewCheckStep)

	return r
}

// Register регистрирует фабрику прототипа.
// Если прототип уже зарегистрирован, фабрика будет перезаписана.
func (r *Registry) Register(prototype string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[prototype] = factory
}

// Get возвращает фабрику прототипа.
// Возвращает ErrStepNotFound, если прототип не найден.
func (r *Registry) Get(prototype string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, exists := r.factories[prototype]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrStepNotFound, prototype)
	}

	return factory, nil
}

// Build создаёт шаг по определению.
func (r *Registry) Build(def domain.StepDef, env *Env) (Step, error) {
	factory, err := r.Get(def.Prototype)
	if err != nil {
		return nil, err
	}

	if env == nil {
		env = &Env{}
	}
	if env.Registry == nil {
		withReg := *env
		withReg.Registry = r
		env = &withReg
	}

	step, err := factory(def, env)
	if err != nil {
		return nil, fmt.Errorf("build step %s: %w", def.Name, err)
	}
	return step, nil
}

// Has проверяет, зарегистрирован ли прототип.
func (r *Registry) Has(prototype string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.factories[prototype]
	return exists
}

// Types возвращает отсортированный список прототипов.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Count возвращает количество зарегистрированных прототипов.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.factories)
}

// Unregister удаляет прототип из реестра.
func (r *Registry) Unregister(prototype string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.factories, prototype)
}
