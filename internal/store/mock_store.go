// ABOUTME: Mock TurnStore implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory TurnStore implementation for testing.
type MockStore struct {
	mu    sync.RWMutex
	turns map[string]*Turn // keyed by turn ID

	// SaveErr, when set, is returned by SaveTurn instead of storing.
	SaveErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		turns: make(map[string]*Turn),
	}
}

// SaveTurn stores a copy of the turn.
func (m *MockStore) SaveTurn(ctx context.Context, turn *Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveErr != nil {
		return m.SaveErr
	}
	if turn.ID == "" {
		turn.ID = uuid.New().String()
	}
	if turn.FlushedAt.IsZero() {
		turn.FlushedAt = time.Now()
	}

	t := *turn
	t.ImageIDs = append([]string(nil), turn.ImageIDs...)
	m.turns[t.ID] = &t
	return nil
}

// GetTurn retrieves a turn by ID.
func (m *MockStore) GetTurn(ctx context.Context, id string) (*Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.turns[id]
	if !ok {
		return nil, ErrTurnNotFound
	}
	result := *t
	return &result, nil
}

// ListTurns returns turns newest first, filtered like the SQLite store.
func (m *MockStore) ListTurns(ctx context.Context, params ListTurnsParams) ([]*Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Turn
	for _, t := range m.turns {
		if params.SenderID != "" && t.SenderID != params.SenderID {
			continue
		}
		if params.Since != nil && t.FlushedAt.Before(*params.Since) {
			continue
		}
		c := *t
		result = append(result, &c)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].FlushedAt.Equal(result[j].FlushedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].FlushedAt.After(result[j].FlushedAt)
	})

	limit := normalizeLimit(params.Limit)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// CountTurns returns how many turns are stored, for one sender or all of them.
func (m *MockStore) CountTurns(ctx context.Context, senderID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if senderID == "" {
		return len(m.turns), nil
	}
	count := 0
	for _, t := range m.turns {
		if t.SenderID == senderID {
			count++
		}
	}
	return count, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time interface checks
var (
	_ TurnStore = (*SQLiteStore)(nil)
	_ TurnStore = (*MockStore)(nil)
)
