package oee

import (
	"sync"
	"time"

	"kpiengine/models"
)

// Engine accumulates counters for every open window. Each window has its own
// lock; the map lock is only held to find or create a window.
type Engine struct {
	mu      sync.RWMutex
	windows map[string]*windowState
}

type windowState struct {
	mu       sync.Mutex
	key      models.SnapshotKey
	counters *Counters
}

// NewEngine creates an empty engine.
func NewEngine() *Engine {
	return &Engine{windows: make(map[string]*windowState)}
}

// Has reports whether the engine holds counters for key.
func (e *Engine) Has(key models.SnapshotKey) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.windows[key.ID()]
	return ok
}

// Seed installs counters for key unless the window already exists.
func (e *Engine) Seed(key models.SnapshotKey, c *Counters) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.windows[key.ID()]; ok {
		return
	}
	e.windows[key.ID()] = &windowState{key: key, counters: c}
}

// Stage folds p into key's window and returns a rollback restoring the
// previous counters. A window created by Stage is removed on rollback.
func (e *Engine) Stage(key models.SnapshotKey, p models.Payload) (rollback func()) {
	ws, created := e.getOrCreate(key)
	ws.mu.Lock()
	saved := ws.counters.Clone()
	ws.counters.Add(p)
	ws.mu.Unlock()

	return func() {
		ws.mu.Lock()
		ws.counters = saved
		ws.mu.Unlock()
		if created {
			e.mu.Lock()
			if e.windows[key.ID()] == ws {
				delete(e.windows, key.ID())
			}
			e.mu.Unlock()
		}
	}
}

// Recompute derives the production side of key's snapshot from its summed
// counters. It is a pure function of those sums.
func (e *Engine) Recompute(key models.SnapshotKey, now time.Time) models.KPISnapshot {
	snap := models.KPISnapshot{
		Scope:       key.Scope,
		SubjectID:   key.SubjectID,
		PeriodStart: key.PeriodStart,
		PeriodEnd:   key.PeriodEnd,
		ComputedAt:  now.UTC(),
	}

	e.mu.RLock()
	ws, ok := e.windows[key.ID()]
	e.mu.RUnlock()
	if !ok {
		NewCounters().Fill(&snap)
		return snap
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.counters.Fill(&snap)
	return snap
}

// Drop forgets key's window after it has been finalized.
func (e *Engine) Drop(key models.SnapshotKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.windows, key.ID())
}

// OpenWindows returns the number of windows currently accumulating.
func (e *Engine) OpenWindows() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.windows)
}

func (e *Engine) getOrCreate(key models.SnapshotKey) (ws *windowState, created bool) {
	id := key.ID()

	e.mu.RLock()
	ws, ok := e.windows[id]
	e.mu.RUnlock()
	if ok {
		return ws, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if ws, ok := e.windows[id]; ok {
		return ws, false
	}
	ws = &windowState{key: key, counters: NewCounters()}
	e.windows[id] = ws
	return ws, true
}
