package store

import (
	"context"
	"fmt"
	"sync"

	"kpiengine/models"
)

// MemoryBackend keeps snapshots in a map.
type MemoryBackend struct {
	mu    sync.RWMutex
	snaps map[string]models.KPISnapshot
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{snaps: make(map[string]models.KPISnapshot)}
}

func (b *MemoryBackend) Get(_ context.Context, key models.SnapshotKey) (*models.KPISnapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap, ok := b.snaps[key.ID()]
	if !ok {
		return nil, fmt.Errorf("snapshot %s: %w", key, models.ErrNotFound)
	}
	return &snap, nil
}

func (b *MemoryBackend) Put(_ context.Context, snap *models.KPISnapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snaps[snap.Key().ID()] = *snap
	return nil
}

func (b *MemoryBackend) List(_ context.Context, f Filter) ([]models.KPISnapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]models.KPISnapshot, 0)
	for _, snap := range b.snaps {
		if f.Match(&snap) {
			out = append(out, snap)
		}
	}
	return out, nil
}
