package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/escrowpay/internal/money"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, project_id, buyer_id, seller_id, amount,
		       status, payment_status, external_payment_ref, external_payout_ref,
		       external_refund_ref, buyer_approved_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	return p.db.QueryRowContext(ctx, `
		INSERT INTO escrows (
			project_id, buyer_id, seller_id, amount,
			status, payment_status, external_payment_ref,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		e.ProjectID, e.BuyerID, e.SellerID, e.Amount.MinorUnits(),
		string(e.Status), string(e.PaymentStatus), nullString(e.ExternalPaymentRef),
		e.CreatedAt, e.UpdatedAt,
	).Scan(&e.ID)
}

func (p *PostgresStore) Get(ctx context.Context, id int64) (*Escrow, error) {
	return p.getWhere(ctx, p.db, `id = $1`, id)
}

func (p *PostgresStore) FindByPaymentRef(ctx context.Context, ref string) (*Escrow, error) {
	return p.getWhere(ctx, p.db, `external_payment_ref = $1`, ref)
}

func (p *PostgresStore) FindByPayoutRef(ctx context.Context, ref string) (*Escrow, error) {
	return p.getWhere(ctx, p.db, `external_payout_ref = $1`, ref)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (p *PostgresStore) getWhere(ctx context.Context, q queryRower, where string, arg interface{}) (*Escrow, error) {
	row := q.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE `+where+` LIMIT 1`, arg)
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID int64, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// Mutate runs fn between SELECT ... FOR UPDATE and COMMIT. The deferred
// rollback covers early returns and panics in fn.
func (p *PostgresStore) Mutate(ctx context.Context, id int64, fn MutateFunc) (*Escrow, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1 FOR UPDATE`, id)
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, err
	}

	before := *e
	t, err := fn(e)
	if err != nil {
		if errors.Is(err, errNoChange) {
			return &before, err
		}
		return nil, err
	}

	e.UpdatedAt = time.Now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE escrows SET
			status = $1, payment_status = $2,
			external_payment_ref = $3, external_payout_ref = $4, external_refund_ref = $5,
			buyer_approved_at = $6, updated_at = $7
		WHERE id = $8`,
		string(e.Status), string(e.PaymentStatus),
		nullString(e.ExternalPaymentRef), nullString(e.ExternalPayoutRef), nullString(e.ExternalRefundRef),
		nullTime(e.BuyerApprovedAt), e.UpdatedAt,
		e.ID,
	); err != nil {
		return nil, fmt.Errorf("update escrow: %w", err)
	}

	if t != nil {
		meta, err := json.Marshal(t.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal transition metadata: %w", err)
		}
		if t.Metadata == nil {
			meta = []byte("{}")
		}
		t.EscrowID = e.ID
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO escrow_transitions (
				escrow_id, from_status, to_status, actor_kind, actor_user_id,
				reason, metadata, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id`,
			t.EscrowID, string(t.From), string(t.To), string(t.ActorKind), nullInt64(t.ActorUserID),
			t.Reason, meta, t.CreatedAt,
		).Scan(&t.ID); err != nil {
			return nil, fmt.Errorf("insert escrow transition: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return e, nil
}

func (p *PostgresStore) ListTransitions(ctx context.Context, escrowID int64) ([]*Transition, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_id, from_status, to_status, actor_kind, actor_user_id,
		       reason, metadata, created_at
		FROM escrow_transitions
		WHERE escrow_id = $1
		ORDER BY id ASC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transition
	for rows.Next() {
		t := &Transition{}
		var (
			from, to, kind string
			actorUserID    sql.NullInt64
			meta           []byte
		)
		if err := rows.Scan(&t.ID, &t.EscrowID, &from, &to, &kind, &actorUserID,
			&t.Reason, &meta, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.From, t.To, t.ActorKind = Status(from), Status(to), ActorKind(kind)
		if actorUserID.Valid {
			v := actorUserID.Int64
			t.ActorUserID = &v
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &t.Metadata)
		}
		if len(t.Metadata) == 0 {
			t.Metadata = nil
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (p *PostgresStore) RecordPayment(ctx context.Context, pt *PaymentTransaction) (bool, error) {
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO payment_transactions (escrow_id, kind, amount, external_ref, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (escrow_id, kind, external_ref) DO NOTHING
		RETURNING id`,
		pt.EscrowID, string(pt.Kind), pt.Amount.MinorUnits(), pt.ExternalRef, string(pt.Status), pt.CreatedAt,
	).Scan(&pt.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *PostgresStore) ListPayments(ctx context.Context, escrowID int64) ([]*PaymentTransaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_id, kind, amount, external_ref, status, created_at
		FROM payment_transactions
		WHERE escrow_id = $1
		ORDER BY id ASC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*PaymentTransaction
	for rows.Next() {
		pt := &PaymentTransaction{}
		var kind, status string
		var amount int64
		if err := rows.Scan(&pt.ID, &pt.EscrowID, &kind, &amount, &pt.ExternalRef, &status, &pt.CreatedAt); err != nil {
			return nil, err
		}
		pt.Kind, pt.Status, pt.Amount = PaymentKind(kind), PaymentTxStatus(status), money.FromMinor(amount)
		result = append(result, pt)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		amount        int64
		status        string
		paymentStatus string
		paymentRef    sql.NullString
		payoutRef     sql.NullString
		refundRef     sql.NullString
		approvedAt    sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.ProjectID, &e.BuyerID, &e.SellerID, &amount,
		&status, &paymentStatus, &paymentRef, &payoutRef,
		&refundRef, &approvedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Amount = money.FromMinor(amount)
	e.Status = Status(status)
	e.PaymentStatus = PaymentStatus(paymentStatus)
	e.ExternalPaymentRef = paymentRef.String
	e.ExternalPayoutRef = payoutRef.String
	e.ExternalRefundRef = refundRef.String
	if approvedAt.Valid {
		e.BuyerApprovedAt = &approvedAt.Time
	}
	return e, nil
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

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
