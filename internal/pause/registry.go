package pause

import (
	"sort"
	"sync"
)

// Registry owns the pause controllers of all tasks in the process. It is
// created by the composition root and handed to every component that needs it.
type Registry struct {
	mu          sync.RWMutex
	controllers map[string]*Controller

	listenersMu sync.RWMutex
	listeners   []Listener
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		controllers: make(map[string]*Controller),
	}
}

// GetOrCreate returns the controller for taskID, creating it on first use
func (r *Registry) GetOrCreate(taskID string) *Controller {
	r.mu.RLock()
	c, ok := r.controllers[taskID]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.controllers[taskID]; ok {
		return c
	}
	c = NewController(taskID, r.dispatch)
	r.controllers[taskID] = c
	return c
}

// Get returns the controller for taskID if one exists
func (r *Registry) Get(taskID string) (*Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.controllers[taskID]
	return c, ok
}

// Remove forgets the controller for taskID
func (r *Registry) Remove(taskID string) {
	r.mu.Lock()
	delete(r.controllers, taskID)
	r.mu.Unlock()
}

// Len returns the number of tracked controllers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.controllers)
}

// PausedControllers returns every controller currently suspended at a
// safepoint, oldest pause first.
func (r *Registry) PausedControllers() []*Controller {
	r.mu.RLock()
	paused := make([]*Controller, 0)
	for _, c := range r.controllers {
		if c.IsPaused() {
			paused = append(paused, c)
		}
	}
	r.mu.RUnlock()

	sort.Slice(paused, func(i, j int) bool {
		si, sj := paused[i].Snapshot(), paused[j].Snapshot()
		if si == nil || sj == nil {
			return paused[i].TaskID() < paused[j].TaskID()
		}
		return si.PausedAt.Before(sj.PausedAt)
	})
	return paused
}

// OnChange registers a listener for state changes of every controller
func (r *Registry) OnChange(l Listener) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, l)
	r.listenersMu.Unlock()
}

func (r *Registry) dispatch(change Change) {
	r.listenersMu.RLock()
	listeners := append([]Listener(nil), r.listeners...)
	r.listenersMu.RUnlock()

	for _, l := range listeners {
		l(change)
	}
}
