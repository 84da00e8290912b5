// Package repo stores per-identity record collections on top of an
// append-only commit log with a single global sequence.
//
// Every write runs in one transaction that locks the identity's root,
// takes the next global seq from a single-row counter, appends the
// commit, upserts the record, advances the root and announces the seq
// with NOTIFY. The counter's row lock is held until commit, so the
// sequence has no gaps and matches commit order.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/primal-host/primal-coop/internal/firehose"
	"github.com/primal-host/primal-coop/internal/metrics"
	"github.com/primal-host/primal-coop/internal/tid"
)

var (
	// ErrNotFound means the record (or repository) does not exist, was
	// deleted, or was invalidated.
	ErrNotFound = errors.New("repo: not found")

	// ErrInvalidRecord means an identifier or record body failed
	// validation.
	ErrInvalidRecord = errors.New("repo: invalid record")

	// ErrExists means Create found a live record under the key.
	ErrExists = errors.New("repo: record exists")
)

// Store is the repository store.
type Store struct {
	pool      *pgxpool.Pool
	publisher firehose.Publisher
	clock     *tid.Clock
	logger    *zap.SugaredLogger
}

// NewStore creates a Store. publisher may be nil.
func NewStore(pool *pgxpool.Pool, publisher firehose.Publisher, logger *zap.SugaredLogger) *Store {
	return &Store{
		pool:      pool,
		publisher: publisher,
		clock:     tid.NewClock(),
		logger:    logger,
	}
}

// SetPublisher attaches the emitter once it exists. The emitter reads
// from the store, so the two are wired after construction.
func (s *Store) SetPublisher(p firehose.Publisher) {
	s.publisher = p
}

// ListOptions controls List.
type ListOptions struct {
	Limit          int
	Cursor         string
	Reverse        bool
	IncludeDeleted bool
}

// Head is the tip of an identity's commit chain.
type Head struct {
	DID       string `json:"did"`
	CommitCID string `json:"commit"`
	LocalSeq  int64  `json:"localSeq"`
}

// Create writes a new record under a fresh TID record key.
func (s *Store) Create(ctx context.Context, did, collection string, record json.RawMessage) (*Commit, error) {
	return s.apply(ctx, did, collection, s.clock.Next().String(), firehose.OpCreate, record)
}

// Put creates or replaces the record at (did, collection, rkey).
func (s *Store) Put(ctx context.Context, did, collection, rkey string, record json.RawMessage) (*Commit, error) {
	if rkey == "" {
		return nil, fmt.Errorf("%w: rkey is required", ErrInvalidRecord)
	}
	return s.apply(ctx, did, collection, rkey, firehose.OpUpdate, record)
}

// Delete writes a tombstone commit for the record.
func (s *Store) Delete(ctx context.Context, did, collection, rkey string) (*Commit, error) {
	if rkey == "" {
		return nil, fmt.Errorf("%w: rkey is required", ErrInvalidRecord)
	}
	return s.apply(ctx, did, collection, rkey, firehose.OpDelete, nil)
}

// apply performs one mutation. op is the requested operation; Put
// becomes a create when no live record exists.
func (s *Store) apply(ctx context.Context, did, collection, rkey, op string, record json.RawMessage) (*Commit, error) {
	if err := validateKey(did, collection, rkey); err != nil {
		return nil, err
	}

	var canon []byte
	var recordCID string
	if op != firehose.OpDelete {
		var err error
		canon, recordCID, err = canonicalRecord(record)
		if err != nil {
			return nil, err
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("repo: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the identity root, creating it on first write.
	if _, err := tx.Exec(ctx,
		`INSERT INTO repo_roots (did, commit_cid, local_seq) VALUES ($1, '', 0)
		 ON CONFLICT (did) DO NOTHING`, did); err != nil {
		return nil, fmt.Errorf("repo: init root: %w", err)
	}
	var prevCommit string
	var localSeq int64
	if err := tx.QueryRow(ctx,
		`SELECT commit_cid, local_seq FROM repo_roots WHERE did = $1 FOR UPDATE`, did,
	).Scan(&prevCommit, &localSeq); err != nil {
		return nil, fmt.Errorf("repo: lock root: %w", err)
	}

	var priorCID string
	var priorDeleted bool
	err = tx.QueryRow(ctx,
		`SELECT cid, deleted FROM records WHERE did = $1 AND collection = $2 AND rkey = $3`,
		did, collection, rkey,
	).Scan(&priorCID, &priorDeleted)
	exists := err == nil && !priorDeleted
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("repo: read prior: %w", err)
	}

	switch op {
	case firehose.OpCreate:
		if exists {
			return nil, fmt.Errorf("%w: %s", ErrExists, FormatURI(did, collection, rkey))
		}
	case firehose.OpUpdate:
		if !exists {
			op = firehose.OpCreate
		}
	case firehose.OpDelete:
		if !exists {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, FormatURI(did, collection, rkey))
		}
		recordCID = priorCID
	}

	c := &Commit{
		LocalSeq:   localSeq + 1,
		DID:        did,
		Operation:  op,
		Collection: collection,
		RKey:       rkey,
		CID:        recordCID,
		Record:     canon,
		PrevCommit: prevCommit,
		// Postgres keeps microseconds; hash what will be read back.
		Time: time.Now().UTC().Truncate(time.Microsecond),
	}
	if exists {
		c.PrevCID = priorCID
	}

	if err := tx.QueryRow(ctx,
		`UPDATE repo_seq SET seq = seq + 1 RETURNING seq`,
	).Scan(&c.Seq); err != nil {
		return nil, fmt.Errorf("repo: next seq: %w", err)
	}

	c.CommitCID, _, err = c.computeCID()
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO commits (seq, did, local_seq, operation, collection, rkey,
		                      record_cid, prev_cid, record, commit_cid, prev_commit, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9::json, $10, NULLIF($11, ''), $12)`,
		c.Seq, c.DID, c.LocalSeq, c.Operation, c.Collection, c.RKey,
		c.CID, c.PrevCID, nullableJSON(canon), c.CommitCID, c.PrevCommit, c.Time,
	); err != nil {
		return nil, fmt.Errorf("repo: insert commit: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO records (did, collection, rkey, cid, body, deleted, commit_seq, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::json, $6, $7, $8, $8)
		 ON CONFLICT (did, collection, rkey) DO UPDATE
		 SET cid = EXCLUDED.cid, body = EXCLUDED.body, deleted = EXCLUDED.deleted,
		     commit_seq = EXCLUDED.commit_seq, updated_at = EXCLUDED.updated_at,
		     invalidated_at = NULL, invalid_reason = NULL`,
		did, collection, rkey, c.CID, nullableJSON(canon), op == firehose.OpDelete, c.Seq, c.Time,
	); err != nil {
		return nil, fmt.Errorf("repo: upsert record: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE repo_roots SET commit_cid = $2, local_seq = $3, updated_at = NOW() WHERE did = $1`,
		did, c.CommitCID, c.LocalSeq,
	); err != nil {
		return nil, fmt.Errorf("repo: advance root: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`,
		firehose.Channel, strconv.FormatInt(c.Seq, 10)); err != nil {
		return nil, fmt.Errorf("repo: notify: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("repo: commit: %w", err)
	}

	metrics.Commits.WithLabelValues(c.Operation).Inc()
	if s.publisher != nil {
		s.publisher.Publish(c.Event())
	}
	s.logger.Debugf("Commit %d: %s %s", c.Seq, c.Operation, c.URI())
	return c, nil
}

// nullableJSON passes SQL NULL for an empty body.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// Get returns the current record. Deleted and invalidated records are
// not found.
func (s *Store) Get(ctx context.Context, did, collection, rkey string) (*Record, error) {
	if err := validateKey(did, collection, rkey); err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx,
		`SELECT did, collection, rkey, cid, body, deleted, invalidated_at IS NOT NULL, commit_seq, updated_at
		 FROM records
		 WHERE did = $1 AND collection = $2 AND rkey = $3
		   AND NOT deleted AND invalidated_at IS NULL`,
		did, collection, rkey)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, FormatURI(did, collection, rkey))
	}
	if err != nil {
		return nil, fmt.Errorf("repo: get: %w", err)
	}
	return rec, nil
}

// List returns one page of a collection ordered by record key, plus the
// cursor for the next page ("" when there is none).
func (s *Store) List(ctx context.Context, did, collection string, opts ListOptions) ([]*Record, string, error) {
	if err := validateKey(did, collection, ""); err != nil {
		return nil, "", err
	}
	if opts.Limit <= 0 || opts.Limit > 100 {
		opts.Limit = 50
	}

	q := `SELECT did, collection, rkey, cid, body, deleted, invalidated_at IS NOT NULL, commit_seq, updated_at
	      FROM records WHERE did = $1 AND collection = $2`
	args := []any{did, collection}
	if !opts.IncludeDeleted {
		q += ` AND NOT deleted AND invalidated_at IS NULL`
	}
	if opts.Cursor != "" {
		args = append(args, opts.Cursor)
		if opts.Reverse {
			q += ` AND rkey < $3`
		} else {
			q += ` AND rkey > $3`
		}
	}
	if opts.Reverse {
		q += ` ORDER BY rkey DESC`
	} else {
		q += ` ORDER BY rkey ASC`
	}
	args = append(args, opts.Limit)
	q += fmt.Sprintf(` LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, "", fmt.Errorf("repo: list: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, "", fmt.Errorf("repo: list scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("repo: list rows: %w", err)
	}

	var next string
	if len(out) == opts.Limit {
		next = out[len(out)-1].RKey
	}
	return out, next, nil
}

// History returns every commit that touched the record, oldest first.
func (s *Store) History(ctx context.Context, uri string) ([]*Commit, error) {
	did, collection, rkey, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+commitColumns+` FROM commits
		 WHERE did = $1 AND collection = $2 AND rkey = $3 ORDER BY seq`,
		did, collection, rkey)
	if err != nil {
		return nil, fmt.Errorf("repo: history: %w", err)
	}
	commits, err := collectCommits(rows)
	if err != nil {
		return nil, fmt.Errorf("repo: history: %w", err)
	}
	if len(commits) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	return commits, nil
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Head returns the latest commit of an identity's repository.
func (s *Store) Head(ctx context.Context, did string) (*Head, error) {
	return readHead(ctx, s.pool, did)
}

func readHead(ctx context.Context, q querier, did string) (*Head, error) {
	h := &Head{DID: did}
	err := q.QueryRow(ctx,
		`SELECT commit_cid, local_seq FROM repo_roots WHERE did = $1 AND local_seq > 0`, did,
	).Scan(&h.CommitCID, &h.LocalSeq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: repo %s", ErrNotFound, did)
	}
	if err != nil {
		return nil, fmt.Errorf("repo: head: %w", err)
	}
	return h, nil
}

// Invalidate hides a record from reads without writing a commit. The
// next write to the record clears the flag.
func (s *Store) Invalidate(ctx context.Context, uri, reason string) error {
	did, collection, rkey, err := ParseURI(uri)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE records SET invalidated_at = NOW(), invalid_reason = $4
		 WHERE did = $1 AND collection = $2 AND rkey = $3 AND NOT deleted`,
		did, collection, rkey, reason)
	if err != nil {
		return fmt.Errorf("repo: invalidate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	s.logger.Infof("Record invalidated: %s (%s)", uri, reason)
	return nil
}

// EventsAfter returns up to limit commits with seq > after, as firehose
// events in seq order.
func (s *Store) EventsAfter(ctx context.Context, after int64, limit int) ([]firehose.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+commitColumns+` FROM commits WHERE seq > $1 ORDER BY seq LIMIT $2`,
		after, limit)
	if err != nil {
		return nil, fmt.Errorf("repo: events after %d: %w", after, err)
	}
	commits, err := collectCommits(rows)
	if err != nil {
		return nil, fmt.Errorf("repo: events after %d: %w", after, err)
	}
	events := make([]firehose.Event, len(commits))
	for i, c := range commits {
		events[i] = c.Event()
	}
	return events, nil
}

// LatestSeq returns the highest committed global seq (0 when empty).
func (s *Store) LatestSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.pool.QueryRow(ctx, `SELECT seq FROM repo_seq`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("repo: latest seq: %w", err)
	}
	return seq, nil
}

// Commits returns an identity's whole commit chain, oldest first.
func (s *Store) Commits(ctx context.Context, did string) ([]*Commit, error) {
	return readCommits(ctx, s.pool, did)
}

func readCommits(ctx context.Context, q querier, did string) ([]*Commit, error) {
	rows, err := q.Query(ctx,
		`SELECT `+commitColumns+` FROM commits WHERE did = $1 ORDER BY local_seq`, did)
	if err != nil {
		return nil, fmt.Errorf("repo: commits: %w", err)
	}
	commits, err := collectCommits(rows)
	if err != nil {
		return nil, fmt.Errorf("repo: commits: %w", err)
	}
	return commits, nil
}

const commitColumns = `seq, local_seq, did, operation, collection, rkey, record_cid,
	COALESCE(prev_cid, ''), record, commit_cid, COALESCE(prev_commit, ''), created_at`

func collectCommits(rows pgx.Rows) ([]*Commit, error) {
	defer rows.Close()
	var out []*Commit
	for rows.Next() {
		var c Commit
		var record []byte
		if err := rows.Scan(&c.Seq, &c.LocalSeq, &c.DID, &c.Operation, &c.Collection, &c.RKey,
			&c.CID, &c.PrevCID, &record, &c.CommitCID, &c.PrevCommit, &c.Time); err != nil {
			return nil, err
		}
		if len(record) > 0 {
			c.Record = record
		}
		c.Time = c.Time.UTC()
		out = append(out, &c)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	var body []byte
	if err := row.Scan(&r.DID, &r.Collection, &r.RKey, &r.CID, &body, &r.Deleted, &r.Invalid,
		&r.CommitSeq, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if len(body) > 0 {
		r.Value = body
	}
	r.URI = FormatURI(r.DID, r.Collection, r.RKey)
	return &r, nil
}
