package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Queue is the message table as the processor sees it.
type Queue interface {
	Enqueue(ctx context.Context, p EnqueueParams) (*Message, bool, error)
	Due(ctx context.Context, limit int) ([]Message, error)
	Claim(ctx context.Context, id int64) (*Message, bool, error)
	MarkSent(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, attempts int, lastErr string, retryIn time.Duration, dead bool) error
	ReapStale(ctx context.Context, lease time.Duration) (int64, error)
	PruneSent(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Durations are resolved against the database clock, the same clock Due
// and Claim compare next_attempt_at with.

// Store is the PostgreSQL-backed Queue.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const columns = `id, sender_did, target_did, target_url, endpoint, payload,
	COALESCE(idempotency_key, ''), status, attempts, max_attempts, next_attempt_at,
	COALESCE(last_error, ''), claimed_at, sent_at, created_at, updated_at`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.SenderDID, &m.TargetDID, &m.TargetURL, &m.Endpoint, &m.Payload,
		&m.IdempotencyKey, &m.Status, &m.Attempts, &m.MaxAttempts, &m.NextAttemptAt,
		&m.LastError, &m.ClaimedAt, &m.SentAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Enqueue inserts a pending message. When the idempotency key is
// already taken the existing message is returned and created is false.
func (s *Store) Enqueue(ctx context.Context, p EnqueueParams) (*Message, bool, error) {
	if err := p.normalize(); err != nil {
		return nil, false, err
	}
	var key any
	if p.IdempotencyKey != "" {
		key = p.IdempotencyKey
	}

	m, err := scanMessage(s.pool.QueryRow(ctx,
		`INSERT INTO outbox_messages (sender_did, target_did, target_url, endpoint, payload, idempotency_key, max_attempts)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (idempotency_key) DO NOTHING
		 RETURNING `+columns,
		p.SenderDID, p.TargetDID, p.TargetURL, p.Endpoint, p.Payload, key, p.MaxAttempts))
	if err == nil {
		return m, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("outbox: enqueue: %w", err)
	}

	m, err = scanMessage(s.pool.QueryRow(ctx,
		`SELECT `+columns+` FROM outbox_messages WHERE idempotency_key = $1`, p.IdempotencyKey))
	if err != nil {
		return nil, false, fmt.Errorf("outbox: enqueue %q: load existing: %w", p.IdempotencyKey, err)
	}
	return m, false, nil
}

// Due returns up to limit messages ready for an attempt, oldest first.
func (s *Store) Due(ctx context.Context, limit int) ([]Message, error) {
	return s.query(ctx,
		`SELECT `+columns+` FROM outbox_messages
		 WHERE status IN ('pending', 'failed') AND next_attempt_at <= NOW()
		 ORDER BY next_attempt_at, id LIMIT $1`, limit)
}

// Claim moves a due message to sending. ok is false when another worker
// claimed it first or it is no longer due.
func (s *Store) Claim(ctx context.Context, id int64) (*Message, bool, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`UPDATE outbox_messages SET status = 'sending', claimed_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'failed') AND next_attempt_at <= NOW()
		 RETURNING `+columns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("outbox: claim %d: %w", id, err)
	}
	return m, true, nil
}

// MarkSent records a successful delivery.
func (s *Store) MarkSent(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE outbox_messages SET status = 'sent', attempts = attempts + 1, sent_at = NOW(),
		 last_error = NULL, updated_at = NOW()
		 WHERE id = $1 AND status = 'sending'`, id)
	if err != nil {
		return fmt.Errorf("outbox: mark sent %d: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed attempt due again retryIn from now. dead
// makes the failure terminal.
func (s *Store) MarkFailed(ctx context.Context, id int64, attempts int, lastErr string, retryIn time.Duration, dead bool) error {
	status := StatusFailed
	if dead {
		status = StatusDead
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE outbox_messages SET status = $2, attempts = $3, last_error = $4,
		 next_attempt_at = NOW() + make_interval(secs => $5), updated_at = NOW()
		 WHERE id = $1 AND status = 'sending'`,
		id, status, attempts, lastErr, retryIn.Seconds())
	if err != nil {
		return fmt.Errorf("outbox: mark failed %d: %w", id, err)
	}
	return nil
}

// ReapStale fails messages stuck in sending for longer than lease.
// The lost attempt counts, so an exhausted message becomes dead.
func (s *Store) ReapStale(ctx context.Context, lease time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE outbox_messages SET
		   attempts = attempts + 1,
		   status = CASE WHEN attempts + 1 >= max_attempts THEN 'dead' ELSE 'failed' END,
		   last_error = 'delivery lease expired',
		   next_attempt_at = NOW(),
		   updated_at = NOW()
		 WHERE status = 'sending' AND claimed_at < NOW() - make_interval(secs => $1)`, lease.Seconds())
	if err != nil {
		return 0, fmt.Errorf("outbox: reap: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneSent deletes messages sent longer than olderThan ago.
func (s *Store) PruneSent(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM outbox_messages WHERE status = 'sent' AND sent_at < NOW() - make_interval(secs => $1)`,
		olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("outbox: prune: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Get returns one message.
func (s *Store) Get(ctx context.Context, id int64) (*Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx, `SELECT `+columns+` FROM outbox_messages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("outbox: get %d: %w", id, err)
	}
	return m, nil
}

// List returns messages in the given status ("" for all), newest first.
func (s *Store) List(ctx context.Context, status string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if status == "" {
		return s.query(ctx, `SELECT `+columns+` FROM outbox_messages ORDER BY id DESC LIMIT $1`, limit)
	}
	return s.query(ctx,
		`SELECT `+columns+` FROM outbox_messages WHERE status = $1 ORDER BY id DESC LIMIT $2`, status, limit)
}

// Requeue returns a dead message to pending with its attempts reset.
func (s *Store) Requeue(ctx context.Context, id int64) (*Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`UPDATE outbox_messages SET status = 'pending', attempts = 0, next_attempt_at = NOW(),
		 claimed_at = NULL, updated_at = NOW()
		 WHERE id = $1 AND status = 'dead'
		 RETURNING `+columns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: %d", ErrNotDead, id)
	}
	if err != nil {
		return nil, fmt.Errorf("outbox: requeue %d: %w", id, err)
	}
	return m, nil
}

func (s *Store) query(ctx context.Context, sql string, args ...any) ([]Message, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("outbox: query: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
