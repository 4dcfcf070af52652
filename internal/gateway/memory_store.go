package gateway

import (
	"context"
	"sync"
	"time"
)

// MemoryAccountStore is an in-memory payout account store for development mode.
type MemoryAccountStore struct {
	accounts map[int64]*PayoutAccount
	mu       sync.RWMutex
}

// NewMemoryAccountStore creates a new in-memory payout account store.
func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{accounts: make(map[int64]*PayoutAccount)}
}

func (m *MemoryAccountStore) Get(_ context.Context, userID int64) (*PayoutAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryAccountStore) Upsert(_ context.Context, a *PayoutAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now()
	}
	cp := *a
	m.accounts[a.UserID] = &cp
	return nil
}
