package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/escrowpay/internal/money"
	"github.com/mbd888/escrowpay/internal/syncutil"
)

// MemoryStore is an in-memory ledger store for development mode and tests.
type MemoryStore struct {
	mu           sync.RWMutex
	wallets      *syncutil.ContextShardedMutex
	accounts     map[int64]*Account
	transactions []*Transaction
	withdrawals  map[int64]*Withdrawal
	nextTxID     int64
	nextWdID     int64
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:     syncutil.NewContextShardedMutex(),
		accounts:    make(map[int64]*Account),
		withdrawals: make(map[int64]*Withdrawal),
	}
}

// WithAccount stages every write in a memoryTx and publishes it only when
// fn succeeds.
func (m *MemoryStore) WithAccount(ctx context.Context, userID int64, fn func(tx AccountTx) error) error {
	unlock, err := m.wallets.LockID(ctx, "wallet", userID)
	if err != nil {
		return err
	}
	defer unlock()

	m.mu.RLock()
	acct, ok := m.accounts[userID]
	var working Account
	if ok {
		working = *acct
	} else {
		working = Account{UserID: userID, UpdatedAt: time.Now()}
	}
	m.mu.RUnlock()

	tx := &memoryTx{
		store:       m,
		account:     working,
		statuses:    make(map[int64]TxStatus),
		withdrawals: make(map[int64]*Withdrawal),
	}
	if err := fn(tx); err != nil {
		return err
	}
	m.commit(tx)
	return nil
}

func (m *MemoryStore) commit(tx *memoryTx) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct := tx.account
	if tx.dirty {
		acct.UpdatedAt = time.Now()
	}
	m.accounts[acct.UserID] = &acct

	for id, status := range tx.statuses {
		for _, t := range m.transactions {
			if t.ID == id {
				t.Status = status
			}
		}
	}
	for _, w := range tx.withdrawals {
		cp := *w
		m.withdrawals[w.ID] = &cp
	}
	for _, t := range tx.appended {
		m.nextTxID++
		t.ID = m.nextTxID
		cp := *t
		m.transactions = append(m.transactions, &cp)
	}
}

func (m *MemoryStore) GetAccount(ctx context.Context, userID int64) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if acct, ok := m.accounts[userID]; ok {
		cp := *acct
		return &cp, nil
	}
	return &Account{UserID: userID}, nil
}

func (m *MemoryStore) GetWithdrawal(ctx context.Context, id int64) (*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.withdrawals[id]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) ListWithdrawals(ctx context.Context, userID int64, limit int) ([]*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Withdrawal
	for _, w := range m.withdrawals {
		if w.UserID == userID {
			cp := *w
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, userID int64, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for i := len(m.transactions) - 1; i >= 0 && len(result) < limit; i-- {
		if t := m.transactions[i]; t.UserID == userID {
			cp := *t
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) History(ctx context.Context, userID int64) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.transactions {
		if t.UserID == userID {
			cp := *t
			result = append(result, &cp)
		}
	}
	return result, nil
}

// Snapshot reads under one read lock; commits publish under the write lock.
func (m *MemoryStore) Snapshot(ctx context.Context, userID int64) (*Account, []*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct := Account{UserID: userID}
	if a, ok := m.accounts[userID]; ok {
		acct = *a
	}
	var rows []*Transaction
	for _, t := range m.transactions {
		if t.UserID == userID {
			cp := *t
			rows = append(rows, &cp)
		}
	}
	return &acct, rows, nil
}

func (m *MemoryStore) ListAccountIDs(ctx context.Context) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]int64, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// memoryTx reads through to the committed state and overlays staged writes.
// The wallet lock is held for its whole life.
type memoryTx struct {
	store       *MemoryStore
	account     Account
	dirty       bool
	appended    []*Transaction
	statuses    map[int64]TxStatus
	withdrawals map[int64]*Withdrawal
}

func (t *memoryTx) Account() *Account {
	cp := t.account
	return &cp
}

func (t *memoryTx) SetBalances(balance, pending money.Amount) {
	t.account.Balance = balance
	t.account.PendingBalance = pending
	t.dirty = true
}

func (t *memoryTx) HasActiveCredit(escrowID int64) (bool, error) {
	active := func(tr *Transaction) bool {
		return tr.Type == TxCredit && tr.EscrowID != nil && *tr.EscrowID == escrowID && tr.Status != TxFailed
	}
	for _, tr := range t.appended {
		if active(tr) {
			return true, nil
		}
	}

	// Credits for an escrow can sit on any wallet.
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	for _, tr := range t.store.transactions {
		if !active(tr) {
			continue
		}
		if status, ok := t.statuses[tr.ID]; ok && status == TxFailed {
			continue
		}
		return true, nil
	}
	return false, nil
}

func (t *memoryTx) Append(tr *Transaction) error {
	if tr.UserID != t.account.UserID {
		return fmt.Errorf("ledger: row for user %d appended to wallet %d", tr.UserID, t.account.UserID)
	}
	t.appended = append(t.appended, tr)
	return nil
}

func (t *memoryTx) SetTransactionStatus(id int64, status TxStatus) error {
	if _, err := t.committedTx(id); err != nil {
		return err
	}
	t.statuses[id] = status
	return nil
}

func (t *memoryTx) WithdrawalTransaction(withdrawalID int64) (*Transaction, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	for _, tr := range t.store.transactions {
		if tr.Type == TxWithdrawal && tr.WithdrawalID != nil && *tr.WithdrawalID == withdrawalID {
			cp := *tr
			if status, ok := t.statuses[tr.ID]; ok {
				cp.Status = status
			}
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("ledger: no debit row for withdrawal %d", withdrawalID)
}

func (t *memoryTx) committedTx(id int64) (*Transaction, error) {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	for _, tr := range t.store.transactions {
		if tr.ID == id && tr.UserID == t.account.UserID {
			cp := *tr
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("ledger: transaction %d not found", id)
}

func (t *memoryTx) CreateWithdrawal(w *Withdrawal) error {
	// IDs are reserved at staging time so the debit row can reference them.
	t.store.mu.Lock()
	t.store.nextWdID++
	w.ID = t.store.nextWdID
	t.store.mu.Unlock()

	cp := *w
	t.withdrawals[w.ID] = &cp
	return nil
}

func (t *memoryTx) Withdrawal(id int64) (*Withdrawal, error) {
	if w, ok := t.withdrawals[id]; ok {
		cp := *w
		return &cp, nil
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	w, ok := t.store.withdrawals[id]
	if !ok || w.UserID != t.account.UserID {
		return nil, ErrWithdrawalNotFound
	}
	cp := *w
	return &cp, nil
}

func (t *memoryTx) UpdateWithdrawal(w *Withdrawal) error {
	if _, err := t.Withdrawal(w.ID); err != nil {
		return err
	}
	cp := *w
	t.withdrawals[w.ID] = &cp
	return nil
}
