package saga

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGJournal records runs in the saga_runs table.
type PGJournal struct {
	pool *pgxpool.Pool
}

// NewPGJournal creates a PGJournal.
func NewPGJournal(pool *pgxpool.Pool) *PGJournal {
	return &PGJournal{pool: pool}
}

// Start implements Journal.
func (j *PGJournal) Start(ctx context.Context, id uuid.UUID, saga string) error {
	_, err := j.pool.Exec(ctx,
		`INSERT INTO saga_runs (id, saga, status) VALUES ($1, $2, $3)`,
		id, saga, StatusRunning)
	if err != nil {
		return fmt.Errorf("saga: journal start: %w", err)
	}
	return nil
}

// Finish implements Journal.
func (j *PGJournal) Finish(ctx context.Context, id uuid.UUID, status, failedStep string, runErr error, compErrs []error) error {
	var step, msg *string
	if failedStep != "" {
		step = &failedStep
	}
	if runErr != nil {
		s := runErr.Error()
		msg = &s
	}
	comp := make([]string, 0, len(compErrs))
	for _, e := range compErrs {
		comp = append(comp, e.Error())
	}
	_, err := j.pool.Exec(ctx,
		`UPDATE saga_runs SET status = $2, failed_step = $3, error = $4,
		 compensation_errors = $5, finished_at = NOW()
		 WHERE id = $1`,
		id, status, step, msg, comp)
	if err != nil {
		return fmt.Errorf("saga: journal finish: %w", err)
	}
	return nil
}

// Run is a journaled saga run.
type Run struct {
	ID                 uuid.UUID `json:"id"`
	Saga               string    `json:"saga"`
	Status             string    `json:"status"`
	FailedStep         string    `json:"failedStep,omitempty"`
	Error              string    `json:"error,omitempty"`
	CompensationErrors []string  `json:"compensationErrors,omitempty"`
}

// Get returns a journaled run.
func (j *PGJournal) Get(ctx context.Context, id uuid.UUID) (*Run, error) {
	var r Run
	err := j.pool.QueryRow(ctx,
		`SELECT id, saga, status, COALESCE(failed_step, ''), COALESCE(error, ''), compensation_errors
		 FROM saga_runs WHERE id = $1`, id,
	).Scan(&r.ID, &r.Saga, &r.Status, &r.FailedStep, &r.Error, &r.CompensationErrors)
	if err != nil {
		return nil, fmt.Errorf("saga: get run %s: %w", id, err)
	}
	return &r, nil
}
