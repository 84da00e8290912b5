// Package saga runs multi-step operations that span services with no
// shared transaction. Steps execute in order; when one fails, every step
// that already executed is compensated in reverse order.
//
// A failed Run returns an *Error, never the step's error itself. It
// unwraps to the step's error, so callers match with errors.Is or
// errors.As rather than ==.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/primal-host/primal-coop/internal/metrics"
)

// Step is one unit of a saga. Execute and Compensate share the run's
// state value.
type Step[S any] interface {
	Name() string
	Execute(ctx context.Context, state S) error
	Compensate(ctx context.Context, state S) error
}

// Run outcomes.
const (
	StatusRunning     = "running"
	StatusCompleted   = "completed"
	StatusCompensated = "compensated"
)

// Error reports a failed run. It unwraps to the failing step's error.
type Error struct {
	RunID uuid.UUID
	Step  string
	Err   error
	// CompensationErrors holds failures of individual compensations, in
	// the order they were attempted.
	CompensationErrors []error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("saga: step %s failed: %v", e.Step, e.Err)
	if n := len(e.CompensationErrors); n > 0 {
		msg += fmt.Sprintf(" (%d compensation failures)", n)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Journal records saga runs. Journal errors are logged, never fatal.
type Journal interface {
	Start(ctx context.Context, id uuid.UUID, saga string) error
	Finish(ctx context.Context, id uuid.UUID, status, failedStep string, err error, compErrs []error) error
}

// Coordinator runs a fixed list of steps.
type Coordinator[S any] struct {
	name    string
	steps   []Step[S]
	journal Journal
	logger  *zap.SugaredLogger
}

// New creates a Coordinator. journal may be nil.
func New[S any](name string, logger *zap.SugaredLogger, journal Journal, steps ...Step[S]) *Coordinator[S] {
	return &Coordinator[S]{name: name, steps: steps, journal: journal, logger: logger}
}

// Run executes the steps in order. If a step fails, the executed steps
// are compensated in reverse order and an *Error whose Unwrap is the
// step's error is returned. Compensation continues past compensation
// failures.
func (c *Coordinator[S]) Run(ctx context.Context, state S) error {
	id := uuid.New()
	if c.journal != nil {
		if err := c.journal.Start(ctx, id, c.name); err != nil {
			c.logger.Warnf("saga %s: journal start %s: %v", c.name, id, err)
		}
	}

	var executed []Step[S]
	for _, step := range c.steps {
		err := step.Execute(ctx, state)
		if err == nil {
			executed = append(executed, step)
			continue
		}

		c.logger.Warnf("saga %s (%s): step %s failed: %v", c.name, id, step.Name(), err)
		sagaErr := &Error{RunID: id, Step: step.Name(), Err: err}
		for i := len(executed) - 1; i >= 0; i-- {
			prev := executed[i]
			if cerr := prev.Compensate(ctx, state); cerr != nil {
				c.logger.Errorf("saga %s (%s): compensate %s: %v", c.name, id, prev.Name(), cerr)
				sagaErr.CompensationErrors = append(sagaErr.CompensationErrors,
					fmt.Errorf("%s: %w", prev.Name(), cerr))
			}
		}
		c.finish(ctx, id, StatusCompensated, step.Name(), err, sagaErr.CompensationErrors)
		return sagaErr
	}

	c.finish(ctx, id, StatusCompleted, "", nil, nil)
	return nil
}

func (c *Coordinator[S]) finish(ctx context.Context, id uuid.UUID, status, failedStep string, err error, compErrs []error) {
	metrics.SagaRuns.WithLabelValues(c.name, status).Inc()
	if c.journal == nil {
		return
	}
	// The run is over; record it even if the caller's context is done.
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if jerr := c.journal.Finish(jctx, id, status, failedStep, err, compErrs); jerr != nil {
		c.logger.Warnf("saga %s: journal finish %s: %v", c.name, id, jerr)
	}
}

// StepFunc builds a Step from functions. compensate may be nil.
func StepFunc[S any](name string, execute, compensate func(ctx context.Context, state S) error) Step[S] {
	return funcStep[S]{name: name, execute: execute, compensate: compensate}
}

type funcStep[S any] struct {
	name       string
	execute    func(context.Context, S) error
	compensate func(context.Context, S) error
}

func (f funcStep[S]) Name() string { return f.name }

func (f funcStep[S]) Execute(ctx context.Context, s S) error { return f.execute(ctx, s) }

func (f funcStep[S]) Compensate(ctx context.Context, s S) error {
	if f.compensate == nil {
		return nil
	}
	return f.compensate(ctx, s)
}

// IsCompensated reports whether err came from a saga that rolled back.
func IsCompensated(err error) bool {
	var e *Error
	return errors.As(err, &e)
}
