package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/voicegate/voicegate/pkg/core/session"
)

// Memory is an in-process Store for single-instance deployments and tests.
// Records are cloned on every boundary crossing so callers never share
// mutable state with the store.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*session.Record
}

func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]*session.Record)}
}

func (m *Memory) Create(_ context.Context, rec *session.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[rec.ID]; ok {
		return fmt.Errorf("session %s already exists", rec.ID)
	}
	m.sessions[rec.ID] = rec.Clone()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*session.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *Memory) List(_ context.Context, filter ListFilter) ([]*session.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*session.Record
	for _, rec := range m.sessions {
		if filter.UserID != "" && rec.UserID != filter.UserID {
			continue
		}
		if filter.State != "" && rec.State != filter.State {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *Memory) Update(_ context.Context, id string, mutate func(*session.Record) error) (*session.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := rec.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	m.sessions[id] = next
	return next.Clone(), nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}
