// Package outbox is the durable queue of outbound federation calls.
//
// Messages move pending -> sending -> sent on success. A failed
// delivery moves sending -> failed with an exponential backoff; once the
// backoff has elapsed the message is claimed again (failed -> sending)
// until its attempts are exhausted, when it becomes dead. Dead messages
// are never retried automatically; an operator may requeue them.
//
// Workers coordinate only through the message table: a claim is one
// conditional UPDATE, so two workers can never deliver the same message
// at once.
package outbox

import (
	"encoding/json"
	"errors"
	"time"
)

// Message statuses.
const (
	StatusPending = "pending"
	StatusSending = "sending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusDead    = "dead"
)

// DefaultMaxAttempts applies when EnqueueParams.MaxAttempts is zero.
const DefaultMaxAttempts = 5

var (
	ErrNotFound = errors.New("outbox: message not found")
	ErrInvalid  = errors.New("outbox: invalid message")
	// ErrNotDead is returned by Requeue for messages that are not dead.
	ErrNotDead = errors.New("outbox: message is not dead")
)

// Message is one outbound call.
type Message struct {
	ID             int64           `json:"id"`
	SenderDID      string          `json:"senderDid"`
	TargetDID      string          `json:"targetDid"`
	TargetURL      string          `json:"targetUrl"`
	Endpoint       string          `json:"endpoint"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Status         string          `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"maxAttempts"`
	NextAttemptAt  time.Time       `json:"nextAttemptAt"`
	LastError      string          `json:"lastError,omitempty"`
	ClaimedAt      *time.Time      `json:"claimedAt,omitempty"`
	SentAt         *time.Time      `json:"sentAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// EnqueueParams describes a message to enqueue.
type EnqueueParams struct {
	SenderDID      string
	TargetDID      string
	TargetURL      string
	Endpoint       string
	Payload        json.RawMessage
	IdempotencyKey string
	MaxAttempts    int
}

func (p *EnqueueParams) normalize() error {
	switch {
	case p.SenderDID == "" || p.TargetDID == "":
		return errors.Join(ErrInvalid, errors.New("sender and target are required"))
	case p.TargetURL == "" || p.Endpoint == "":
		return errors.Join(ErrInvalid, errors.New("target url and endpoint are required"))
	case !json.Valid(p.Payload):
		return errors.Join(ErrInvalid, errors.New("payload is not valid JSON"))
	case p.MaxAttempts < 0:
		return errors.Join(ErrInvalid, errors.New("maxAttempts must be positive"))
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	return nil
}

// Backoff returns the delay before retrying after the given number of
// attempts: base * 2^(attempts-1), capped at max.
func Backoff(base, max time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
