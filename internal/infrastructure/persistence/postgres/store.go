// Package postgres persists transactions and applied events with pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/strandkasse/vipps-gateway/internal/application"
	"github.com/strandkasse/vipps-gateway/internal/config"
	"github.com/strandkasse/vipps-gateway/internal/domain"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Connect establishes the connection pool and verifies connectivity.
func Connect(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*pgxpool.Pool, error) {
	pgxCfg, err := cfg.PgxConfig(ctx)
	if err != nil {
		logger.Error("failed to build pgx config", "error", err)
		return nil, err
	}

	logger.Info("connecting to database",
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.Name,
	)

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		logger.Error("failed to create connection pool", "error", err)
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		pool.Close()
		return nil, err
	}

	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
    reference          TEXT PRIMARY KEY,
    psp_reference      TEXT,
    idempotency_key    TEXT NOT NULL,
    state              TEXT NOT NULL,
    flow_kind          TEXT NOT NULL,
    amount_minor       BIGINT NOT NULL,
    currency           TEXT NOT NULL,
    captured_minor     BIGINT NOT NULL DEFAULT 0,
    refunded_minor     BIGINT NOT NULL DEFAULT 0,
    webhook_id         TEXT,
    webhook_secret     TEXT,
    created_at         TIMESTAMPTZ NOT NULL,
    last_transition_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_stale
    ON transactions (last_transition_at)
    WHERE state IN ('CREATED', 'AUTHORIZED', 'CAPTURED');

CREATE TABLE IF NOT EXISTS applied_events (
    event_id   TEXT PRIMARY KEY,
    reference  TEXT NOT NULL,
    outcome    TEXT NOT NULL,
    from_state TEXT NOT NULL,
    to_state   TEXT NOT NULL,
    source     TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL
);
`

// Migrate applies the schema. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

const transactionColumns = `reference, psp_reference, idempotency_key, state, flow_kind,
       amount_minor, currency, captured_minor, refunded_minor,
       webhook_id, webhook_secret, created_at, last_transition_at`

func (s *Store) Create(ctx context.Context, tx *domain.Transaction) error {
	query := `
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := s.db.Exec(ctx, query,
		tx.Reference,
		tx.PSPReference,
		tx.IdempotencyKey,
		string(tx.State),
		string(tx.Flow.Kind()),
		tx.AmountMinor,
		tx.Currency,
		tx.CapturedMinor,
		tx.RefundedMinor,
		tx.WebhookID,
		tx.WebhookSecret,
		tx.CreatedAt,
		tx.LastTransitionAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction %s: %w", tx.Reference, err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, reference string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE reference = $1`
	return scanTransaction(s.db.QueryRow(ctx, query, reference))
}

func (s *Store) Save(ctx context.Context, tx *domain.Transaction) error {
	return saveTransaction(ctx, s.db, tx)
}

// LockForUpdate loads the row FOR UPDATE inside a transaction, applies fn
// and saves. An error from fn aborts without mutation.
func (s *Store) LockForUpdate(ctx context.Context, reference string, fn func(tx *domain.Transaction) error) error {
	dbTx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer dbTx.Rollback(ctx)

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE reference = $1 FOR UPDATE`
	loaded, err := scanTransaction(dbTx.QueryRow(ctx, query, reference))
	if err != nil {
		return err
	}

	if err := fn(loaded); err != nil {
		return err
	}

	if err := saveTransaction(ctx, dbTx, loaded); err != nil {
		return err
	}
	return dbTx.Commit(ctx)
}

func (s *Store) FindStale(ctx context.Context, olderThan time.Duration, limit int) ([]*domain.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE state IN ('CREATED', 'AUTHORIZED', 'CAPTURED')
		  AND last_transition_at < $1
		ORDER BY last_transition_at ASC
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, time.Now().Add(-olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("querying stale transactions: %w", err)
	}
	defer rows.Close()

	var stale []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		stale = append(stale, tx)
	}
	return stale, rows.Err()
}

func (s *Store) LookupEvent(ctx context.Context, eventID string) (*application.AppliedEvent, error) {
	query := `
		SELECT event_id, reference, outcome, from_state, to_state, source, applied_at
		FROM applied_events WHERE event_id = $1
	`
	var ev application.AppliedEvent
	var outcome, fromState, toState, source string
	err := s.db.QueryRow(ctx, query, eventID).Scan(
		&ev.EventID, &ev.Reference, &outcome, &fromState, &toState, &source, &ev.AppliedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up event %s: %w", eventID, err)
	}
	ev.Outcome = application.ApplyOutcome(outcome)
	ev.FromState = domain.LifecycleState(fromState)
	ev.ToState = domain.LifecycleState(toState)
	ev.Source = application.EventSource(source)
	return &ev, nil
}

func (s *Store) RecordEvent(ctx context.Context, event *application.AppliedEvent) error {
	query := `
		INSERT INTO applied_events (event_id, reference, outcome, from_state, to_state, source, applied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING
	`
	_, err := s.db.Exec(ctx, query,
		event.EventID,
		event.Reference,
		string(event.Outcome),
		string(event.FromState),
		string(event.ToState),
		string(event.Source),
		event.AppliedAt,
	)
	if err != nil {
		return fmt.Errorf("recording event %s: %w", event.EventID, err)
	}
	return nil
}

// executor is the common surface of pgxpool.Pool and pgx.Tx.
type executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func saveTransaction(ctx context.Context, q executor, tx *domain.Transaction) error {
	query := `
		UPDATE transactions SET
			psp_reference = $2,
			state = $3,
			captured_minor = $4,
			refunded_minor = $5,
			webhook_id = $6,
			webhook_secret = $7,
			last_transition_at = $8
		WHERE reference = $1
	`
	tag, err := q.Exec(ctx, query,
		tx.Reference,
		tx.PSPReference,
		string(tx.State),
		tx.CapturedMinor,
		tx.RefundedMinor,
		tx.WebhookID,
		tx.WebhookSecret,
		tx.LastTransitionAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save transaction %s: %w", tx.Reference, err)
	}
	if tag.RowsAffected() == 0 {
		return application.ErrTransactionNotFound
	}
	return nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		reference, idempotencyKey, state, flowKind, currency string
		pspReference, webhookID, webhookSecret               *string
		amountMinor, capturedMinor, refundedMinor            int64
		createdAt, lastTransitionAt                          time.Time
	)

	err := row.Scan(
		&reference,
		&pspReference,
		&idempotencyKey,
		&state,
		&flowKind,
		&amountMinor,
		&currency,
		&capturedMinor,
		&refundedMinor,
		&webhookID,
		&webhookSecret,
		&createdAt,
		&lastTransitionAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, application.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}

	return domain.Reconstitute(
		reference,
		pspReference,
		idempotencyKey,
		domain.LifecycleState(state),
		domain.FlowFromKind(domain.FlowKind(flowKind)),
		amountMinor,
		currency,
		capturedMinor,
		refundedMinor,
		webhookID,
		webhookSecret,
		createdAt,
		lastTransitionAt,
	), nil
}
