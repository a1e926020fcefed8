package archive

import (
	"context"
	"sort"
	"sync"

	"github.com/park285/chess-engine-bridge/internal/domain"
)

// MemoryStore is used when no database is configured.
type MemoryStore struct {
	mu    sync.RWMutex
	games map[string]*domain.FinishedGame
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{games: make(map[string]*domain.FinishedGame)}
}

func (m *MemoryStore) Save(_ context.Context, g *domain.FinishedGame) error {
	if g == nil {
		return nil
	}
	cp := clone(g)
	prepare(cp)
	m.mu.Lock()
	m.games[cp.ID] = cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*domain.FinishedGame, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.games[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(g), nil
}

func (m *MemoryStore) Recent(_ context.Context, limit int) ([]*domain.FinishedGame, error) {
	m.mu.RLock()
	items := make([]*domain.FinishedGame, 0, len(m.games))
	for _, g := range m.games {
		items = append(items, clone(g))
	}
	m.mu.RUnlock()
	sort.Slice(items, func(i, j int) bool {
		if !items[i].EndedAt.Equal(items[j].EndedAt) {
			return items[i].EndedAt.After(items[j].EndedAt)
		}
		return items[i].ID > items[j].ID
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *MemoryStore) Close() error { return nil }

func clone(g *domain.FinishedGame) *domain.FinishedGame {
	cp := *g
	cp.MovesUCI = append([]string(nil), g.MovesUCI...)
	cp.MovesSAN = append([]string(nil), g.MovesSAN...)
	return &cp
}

var _ Store = (*MemoryStore)(nil)
