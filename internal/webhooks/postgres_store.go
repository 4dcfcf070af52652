package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

const eventColumns = `event_id, event_type, raw_payload, processed, processing,
	processing_attempts, reclaim_count, lease_token, lease_expires_at,
	processed_at, last_error, created_at, updated_at`

// PostgresStore persists webhook events in PostgreSQL. Lease arithmetic uses
// the database clock so several replicas agree on expiry.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed event store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Record(ctx context.Context, eventID, eventType string, raw []byte) (*Event, error) {
	return scanEvent(p.db.QueryRowContext(ctx, `
		INSERT INTO webhook_events (event_id, event_type, raw_payload)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO UPDATE SET
			processing_attempts = webhook_events.processing_attempts + 1,
			updated_at = NOW()
		RETURNING `+eventColumns,
		eventID, eventType, raw,
	))
}

func (p *PostgresStore) Claim(ctx context.Context, eventID, token string, lease time.Duration) (bool, error) {
	return p.exec(ctx, `
		UPDATE webhook_events SET
			processing = TRUE,
			lease_token = $2,
			lease_expires_at = NOW() + make_interval(secs => $3),
			reclaim_count = 0,
			updated_at = NOW()
		WHERE event_id = $1 AND NOT processed AND NOT processing`,
		eventID, token, lease.Seconds(),
	)
}

func (p *PostgresStore) Extend(ctx context.Context, eventID, token string, lease time.Duration) (bool, error) {
	return p.exec(ctx, `
		UPDATE webhook_events SET
			lease_expires_at = NOW() + make_interval(secs => $3),
			updated_at = NOW()
		WHERE event_id = $1 AND processing AND lease_token = $2`,
		eventID, token, lease.Seconds(),
	)
}

func (p *PostgresStore) MarkProcessed(ctx context.Context, eventID, token string) (bool, error) {
	return p.exec(ctx, `
		UPDATE webhook_events SET
			processed = TRUE, processing = FALSE, processed_at = NOW(),
			lease_token = NULL, lease_expires_at = NULL, last_error = NULL,
			updated_at = NOW()
		WHERE event_id = $1 AND processing AND lease_token = $2`,
		eventID, token,
	)
}

func (p *PostgresStore) MarkFailed(ctx context.Context, eventID, token, lastError string) (bool, error) {
	return p.exec(ctx, `
		UPDATE webhook_events SET
			processing = FALSE, last_error = $3,
			lease_token = NULL, lease_expires_at = NULL,
			updated_at = NOW()
		WHERE event_id = $1 AND processing AND lease_token = $2`,
		eventID, token, lastError,
	)
}

func (p *PostgresStore) ListStale(ctx context.Context, limit int) ([]*Event, error) {
	return p.query(ctx, `
		SELECT `+eventColumns+`
		FROM webhook_events
		WHERE processing AND lease_expires_at < NOW()
		ORDER BY lease_expires_at
		LIMIT $1`, limit)
}

func (p *PostgresStore) Reclaim(ctx context.Context, eventID, oldToken, newToken string, lease time.Duration) (bool, error) {
	return p.exec(ctx, `
		UPDATE webhook_events SET
			lease_token = $3,
			lease_expires_at = NOW() + make_interval(secs => $4),
			reclaim_count = reclaim_count + 1,
			processing_attempts = processing_attempts + 1,
			updated_at = NOW()
		WHERE event_id = $1 AND processing AND lease_token = $2 AND lease_expires_at < NOW()`,
		eventID, oldToken, newToken, lease.Seconds(),
	)
}

func (p *PostgresStore) ReleaseFailed(ctx context.Context, eventID, oldToken, lastError string) (bool, error) {
	return p.exec(ctx, `
		UPDATE webhook_events SET
			processing = FALSE, last_error = $3,
			lease_token = NULL, lease_expires_at = NULL,
			updated_at = NOW()
		WHERE event_id = $1 AND processing AND lease_token = $2 AND lease_expires_at < NOW()`,
		eventID, oldToken, lastError,
	)
}

func (p *PostgresStore) Get(ctx context.Context, eventID string) (*Event, error) {
	e, err := scanEvent(p.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE event_id = $1`, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return e, err
}

func (p *PostgresStore) List(ctx context.Context, filter Filter, limit int) ([]*Event, error) {
	where := "TRUE"
	switch filter {
	case FilterProcessed:
		where = "processed"
	case FilterFailed:
		where = "NOT processed AND NOT processing AND last_error IS NOT NULL"
	case FilterProcessing:
		where = "processing"
	}
	return p.query(ctx, `
		SELECT `+eventColumns+`
		FROM webhook_events
		WHERE `+where+`
		ORDER BY created_at DESC
		LIMIT $1`, limit)
}

func (p *PostgresStore) exec(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (*Event, error) {
	e := &Event{}
	var (
		token       sql.NullString
		leaseExp    sql.NullTime
		processedAt sql.NullTime
		lastError   sql.NullString
	)
	err := s.Scan(
		&e.EventID, &e.EventType, &e.RawPayload, &e.Processed, &e.Processing,
		&e.ProcessingAttempts, &e.ReclaimCount, &token, &leaseExp,
		&processedAt, &lastError, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.LeaseToken = token.String
	e.LastError = lastError.String
	if leaseExp.Valid {
		t := leaseExp.Time
		e.LeaseExpiresAt = &t
	}
	if processedAt.Valid {
		t := processedAt.Time
		e.ProcessedAt = &t
	}
	return e, nil
}
