package steps

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/skobelev/opsflow/internal/flow"
)

// ErrStepNotFound — шаг с таким именем не зарегистрирован.
var ErrStepNotFound = errors.New("step not found")

// Registry — реестр шагов по имени.
//
// Потокобезопасен. Имя шага в реестре совпадает с WorkflowStep.Name
// в store — по нему воркер находит реализацию.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]flow.Step
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{
		steps: make(map[string]flow.Step),
	}
}

// Register регистрирует шаг в реестре.
// Шаг с тем же именем перезаписывается.
func (r *Registry) Register(step flow.Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[step.Name()] = step
}

// Get возвращает шаг по имени.
// Возвращает ErrStepNotFound, если шаг не зарегистрирован.
func (r *Registry) Get(name string) (flow.Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	step, exists := r.steps[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrStepNotFound, name)
	}
	return step, nil
}

// Has проверяет, зарегистрирован ли шаг.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.steps[name]
	return exists
}

// Names возвращает отсортированный список зарегистрированных шагов.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.steps))
	for n := range r.steps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Count возвращает количество зарегистрированных шагов.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.steps)
}
