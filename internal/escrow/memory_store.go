package escrow

import (
	"context"
	"errors"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/escrowpay/internal/syncutil"
)

// MemoryStore is an in-memory escrow store for development mode and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	rows        *syncutil.ContextShardedMutex
	escrows     map[int64]*Escrow
	transitions map[int64][]*Transition
	payments    map[int64][]*PaymentTransaction
	nextID      int64
	nextAuditID int64
	nextPayID   int64
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:        syncutil.NewContextShardedMutex(),
		escrows:     make(map[int64]*Escrow),
		transitions: make(map[int64][]*Transition),
		payments:    make(map[int64][]*PaymentTransaction),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	e.ID = m.nextID
	m.escrows[e.ID] = copyEscrow(e)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return copyEscrow(e), nil
}

func (m *MemoryStore) FindByPaymentRef(ctx context.Context, ref string) (*Escrow, error) {
	return m.findBy(func(e *Escrow) bool { return e.ExternalPaymentRef == ref })
}

func (m *MemoryStore) FindByPayoutRef(ctx context.Context, ref string) (*Escrow, error) {
	return m.findBy(func(e *Escrow) bool { return e.ExternalPayoutRef == ref })
}

func (m *MemoryStore) findBy(match func(*Escrow) bool) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.escrows {
		if match(e) {
			return copyEscrow(e), nil
		}
	}
	return nil, ErrEscrowNotFound
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID int64, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.BuyerID == userID || e.SellerID == userID {
			result = append(result, copyEscrow(e))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Mutate holds the per-escrow row lock for the whole read-modify-write and
// publishes the new row and audit entry together.
func (m *MemoryStore) Mutate(ctx context.Context, id int64, fn MutateFunc) (*Escrow, error) {
	unlock, err := m.rows.LockID(ctx, "escrow", id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	working := copyEscrow(current)
	t, err := fn(working)
	if err != nil {
		if errors.Is(err, errNoChange) {
			return current, err
		}
		return nil, err
	}

	working.UpdatedAt = time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.escrows[id] = copyEscrow(working)
	if t != nil {
		m.nextAuditID++
		t.ID = m.nextAuditID
		t.EscrowID = id
		cp := *t
		cp.Metadata = maps.Clone(t.Metadata)
		m.transitions[id] = append(m.transitions[id], &cp)
	}
	return working, nil
}

func (m *MemoryStore) ListTransitions(ctx context.Context, escrowID int64) ([]*Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Transition, 0, len(m.transitions[escrowID]))
	for _, t := range m.transitions[escrowID] {
		cp := *t
		cp.Metadata = maps.Clone(t.Metadata)
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) RecordPayment(ctx context.Context, p *PaymentTransaction) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[p.EscrowID]; !ok {
		return false, ErrEscrowNotFound
	}
	for _, existing := range m.payments[p.EscrowID] {
		if existing.Kind == p.Kind && existing.ExternalRef == p.ExternalRef {
			return false, nil
		}
	}
	m.nextPayID++
	p.ID = m.nextPayID
	cp := *p
	m.payments[p.EscrowID] = append(m.payments[p.EscrowID], &cp)
	return true, nil
}

func (m *MemoryStore) ListPayments(ctx context.Context, escrowID int64) ([]*PaymentTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*PaymentTransaction, 0, len(m.payments[escrowID]))
	for _, p := range m.payments[escrowID] {
		cp := *p
		result = append(result, &cp)
	}
	return result, nil
}

func copyEscrow(e *Escrow) *Escrow {
	cp := *e
	if e.BuyerApprovedAt != nil {
		t := *e.BuyerApprovedAt
		cp.BuyerApprovedAt = &t
	}
	return &cp
}
