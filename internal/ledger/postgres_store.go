package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/escrowpay/internal/money"
)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// WithAccount creates the wallet row if needed, locks it with
// SELECT ... FOR UPDATE and runs fn inside the same transaction.
func (p *PostgresStore) WithAccount(ctx context.Context, userID int64, fn func(tx AccountTx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_accounts (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return fmt.Errorf("ensure wallet: %w", err)
	}

	acct := &Account{UserID: userID}
	var balance, pending int64
	if err := tx.QueryRowContext(ctx, `
		SELECT balance, pending_balance, updated_at
		FROM wallet_accounts WHERE user_id = $1 FOR UPDATE`, userID,
	).Scan(&balance, &pending, &acct.UpdatedAt); err != nil {
		return fmt.Errorf("lock wallet: %w", err)
	}
	acct.Balance, acct.PendingBalance = money.FromMinor(balance), money.FromMinor(pending)

	atx := &pgAccountTx{ctx: ctx, tx: tx, account: *acct}
	if err := fn(atx); err != nil {
		return err
	}

	if atx.dirty {
		if _, err := tx.ExecContext(ctx, `
			UPDATE wallet_accounts SET balance = $1, pending_balance = $2, updated_at = $3
			WHERE user_id = $4`,
			atx.account.Balance.MinorUnits(), atx.account.PendingBalance.MinorUnits(), time.Now(), userID,
		); err != nil {
			return fmt.Errorf("update wallet: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *PostgresStore) GetAccount(ctx context.Context, userID int64) (*Account, error) {
	return getAccount(ctx, p.db, userID)
}

func getAccount(ctx context.Context, q queryer, userID int64) (*Account, error) {
	acct := &Account{UserID: userID}
	var balance, pending int64
	err := q.QueryRowContext(ctx, `
		SELECT balance, pending_balance, updated_at
		FROM wallet_accounts WHERE user_id = $1`, userID,
	).Scan(&balance, &pending, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return acct, nil
	}
	if err != nil {
		return nil, err
	}
	acct.Balance, acct.PendingBalance = money.FromMinor(balance), money.FromMinor(pending)
	return acct, nil
}

const withdrawalColumns = `id, user_id, amount, status, external_payout_ref, error_message, requested_at, processed_at`

func (p *PostgresStore) GetWithdrawal(ctx context.Context, id int64) (*Withdrawal, error) {
	w, err := scanWithdrawal(p.db.QueryRowContext(ctx,
		`SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWithdrawalNotFound
	}
	return w, err
}

func (p *PostgresStore) ListWithdrawals(ctx context.Context, userID int64, limit int) ([]*Withdrawal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+withdrawalColumns+`
		FROM withdrawal_requests
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

const transactionColumns = `id, user_id, type, amount, balance_after, escrow_id, project_id,
		       withdrawal_id, description, status, created_at`

func (p *PostgresStore) ListTransactions(ctx context.Context, userID int64, limit int) ([]*Transaction, error) {
	return queryTransactions(ctx, p.db, `
		SELECT `+transactionColumns+`
		FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT $2`, userID, limit)
}

func (p *PostgresStore) History(ctx context.Context, userID int64) ([]*Transaction, error) {
	return history(ctx, p.db, userID)
}

func history(ctx context.Context, q queryer, userID int64) ([]*Transaction, error) {
	return queryTransactions(ctx, q, `
		SELECT `+transactionColumns+`
		FROM wallet_transactions
		WHERE user_id = $1
		ORDER BY id ASC`, userID)
}

// Snapshot reads the wallet and its rows in one read-only REPEATABLE READ
// transaction, so both come from the same database snapshot without
// taking the wallet lock.
func (p *PostgresStore) Snapshot(ctx context.Context, userID int64) (*Account, []*Transaction, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, nil, fmt.Errorf("begin snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	acct, err := getAccount(ctx, tx, userID)
	if err != nil {
		return nil, nil, err
	}
	rows, err := history(ctx, tx, userID)
	if err != nil {
		return nil, nil, err
	}
	return acct, rows, tx.Commit()
}

func queryTransactions(ctx context.Context, q queryer, query string, args ...any) ([]*Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListAccountIDs(ctx context.Context) ([]int64, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT user_id FROM wallet_accounts ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// pgAccountTx runs inside the transaction that holds the wallet row lock.
type pgAccountTx struct {
	ctx     context.Context
	tx      *sql.Tx
	account Account
	dirty   bool
}

func (t *pgAccountTx) Account() *Account {
	cp := t.account
	return &cp
}

func (t *pgAccountTx) SetBalances(balance, pending money.Amount) {
	t.account.Balance = balance
	t.account.PendingBalance = pending
	t.dirty = true
}

func (t *pgAccountTx) HasActiveCredit(escrowID int64) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT EXISTS (
			SELECT 1 FROM wallet_transactions
			WHERE escrow_id = $1 AND type = 'credit' AND status <> 'failed'
		)`, escrowID).Scan(&exists)
	return exists, err
}

// Append inserts a ledger row. The partial unique index on credits turns a
// concurrent duplicate into ErrDuplicateCredit.
func (t *pgAccountTx) Append(tr *Transaction) error {
	err := t.tx.QueryRowContext(t.ctx, `
		INSERT INTO wallet_transactions (
			user_id, type, amount, balance_after, escrow_id, project_id,
			withdrawal_id, description, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		tr.UserID, string(tr.Type), tr.Amount.MinorUnits(), tr.BalanceAfter.MinorUnits(),
		nullInt64(tr.EscrowID), nullInt64(tr.ProjectID), nullInt64(tr.WithdrawalID),
		tr.Description, string(tr.Status), tr.CreatedAt,
	).Scan(&tr.ID)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && tr.Type == TxCredit {
		return ErrDuplicateCredit
	}
	if err != nil {
		return fmt.Errorf("insert wallet transaction: %w", err)
	}
	return nil
}

func (t *pgAccountTx) SetTransactionStatus(id int64, status TxStatus) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE wallet_transactions SET status = $1 WHERE id = $2 AND user_id = $3`,
		string(status), id, t.account.UserID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("ledger: transaction %d not found", id)
	}
	return nil
}

func (t *pgAccountTx) WithdrawalTransaction(withdrawalID int64) (*Transaction, error) {
	tr, err := scanTransaction(t.tx.QueryRowContext(t.ctx, `
		SELECT `+transactionColumns+`
		FROM wallet_transactions
		WHERE withdrawal_id = $1 AND type = 'withdrawal'
		LIMIT 1`, withdrawalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("ledger: no debit row for withdrawal %d", withdrawalID)
	}
	return tr, err
}

func (t *pgAccountTx) CreateWithdrawal(w *Withdrawal) error {
	return t.tx.QueryRowContext(t.ctx, `
		INSERT INTO withdrawal_requests (user_id, amount, status, requested_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		w.UserID, w.Amount.MinorUnits(), string(w.Status), w.RequestedAt,
	).Scan(&w.ID)
}

func (t *pgAccountTx) Withdrawal(id int64) (*Withdrawal, error) {
	w, err := scanWithdrawal(t.tx.QueryRowContext(t.ctx, `
		SELECT `+withdrawalColumns+`
		FROM withdrawal_requests
		WHERE id = $1 AND user_id = $2
		FOR UPDATE`, id, t.account.UserID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWithdrawalNotFound
	}
	return w, err
}

func (t *pgAccountTx) UpdateWithdrawal(w *Withdrawal) error {
	res, err := t.tx.ExecContext(t.ctx, `
		UPDATE withdrawal_requests SET
			status = $1, external_payout_ref = $2, error_message = $3, processed_at = $4
		WHERE id = $5 AND user_id = $6`,
		string(w.Status), nullString(w.ExternalPayoutRef), nullString(w.ErrorMessage),
		nullTime(w.ProcessedAt), w.ID, t.account.UserID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrWithdrawalNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanWithdrawal(s scanner) (*Withdrawal, error) {
	w := &Withdrawal{}
	var (
		amount      int64
		status      string
		payoutRef   sql.NullString
		errMessage  sql.NullString
		processedAt sql.NullTime
	)
	if err := s.Scan(&w.ID, &w.UserID, &amount, &status, &payoutRef, &errMessage,
		&w.RequestedAt, &processedAt); err != nil {
		return nil, err
	}
	w.Amount = money.FromMinor(amount)
	w.Status = WithdrawalStatus(status)
	w.ExternalPayoutRef = payoutRef.String
	w.ErrorMessage = errMessage.String
	if processedAt.Valid {
		w.ProcessedAt = &processedAt.Time
	}
	return w, nil
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		typ, status                      string
		amount, balanceAfter             int64
		escrowID, projectID, withdrawalID sql.NullInt64
	)
	if err := s.Scan(&t.ID, &t.UserID, &typ, &amount, &balanceAfter, &escrowID, &projectID,
		&withdrawalID, &t.Description, &status, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Type, t.Status = TxType(typ), TxStatus(status)
	t.Amount, t.BalanceAfter = money.FromMinor(amount), money.FromMinor(balanceAfter)
	t.EscrowID = int64Ptr(escrowID)
	t.ProjectID = int64Ptr(projectID)
	t.WithdrawalID = int64Ptr(withdrawalID)
	return t, nil
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	x := v.Int64
	return &x
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
