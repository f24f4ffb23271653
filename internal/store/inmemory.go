package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu   sync.RWMutex
	apps map[string]Application
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{apps: make(map[string]Application)}
}

func (s *InMemoryStore) Save(_ context.Context, app Application) (Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if app.ID == "" {
		app.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if app.CreatedAt.IsZero() {
		app.CreatedAt = now
	}
	app.UpdatedAt = now
	if app.Status == "" {
		app.Status = StatusSaved
	}
	s.apps[app.ID] = app
	return app, nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	app, ok := s.apps[id]
	if !ok {
		return Application{}, ErrNotFound
	}
	return app, nil
}

func (s *InMemoryStore) List(_ context.Context, status string, limit int) ([]Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Application, 0, len(s.apps))
	for _, app := range s.apps {
		if status != "" && app.Status != status {
			continue
		}
		out = append(out, app)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) Update(_ context.Context, app Application) (Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.apps[app.ID]
	if !ok {
		return Application{}, ErrNotFound
	}
	app.CreatedAt = existing.CreatedAt
	app.UpdatedAt = time.Now().UTC()
	if app.Status == "" {
		app.Status = existing.Status
	}
	s.apps[app.ID] = app
	return app, nil
}

func (s *InMemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apps[id]; !ok {
		return ErrNotFound
	}
	delete(s.apps, id)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
