// Package membership implements the cross-instance join request: the
// member's request record is written to their repository, then the hub
// is notified with a signed call. If the hub cannot be notified the
// record is deleted again.
package membership

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/primal-host/primal-coop/internal/outbox"
	"github.com/primal-host/primal-coop/internal/repo"
	"github.com/primal-host/primal-coop/internal/saga"
)

// Collection holds membership request records.
const Collection = "coop.membership.request"

// ReceiveEndpoint is the federation endpoint of the hub.
const ReceiveEndpoint = "/xrpc/coop.federation.receive"

// Message types sent to the hub.
const (
	TypeRequest  = "coop.membership.request"
	TypeWithdraw = "coop.membership.withdraw"
)

// ErrInvalid means the request is missing required fields.
var ErrInvalid = errors.New("membership: invalid request")

// Records is the part of the repository store the saga writes through.
type Records interface {
	Create(ctx context.Context, did, collection string, record json.RawMessage) (*repo.Commit, error)
	Delete(ctx context.Context, did, collection, rkey string) (*repo.Commit, error)
}

// Enqueuer queues outbound calls for asynchronous delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, p outbox.EnqueueParams) (*outbox.Message, error)
}

// Hub identifies the federation hub.
type Hub struct {
	URL string
	DID string
}

// Request is the input and shared state of one join saga.
type Request struct {
	MemberDID   string
	Cooperative string
	Message     string

	// Set by CreateMembership.
	Commit *repo.Commit
}

// Record is the stored request record.
type Record struct {
	Type        string `json:"$type"`
	Cooperative string `json:"cooperative"`
	Message     string `json:"message,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

// Notification is the payload sent to the hub.
type Notification struct {
	Type        string `json:"type"`
	Member      string `json:"member"`
	Cooperative string `json:"cooperative"`
	URI         string `json:"uri"`
	CID         string `json:"cid,omitempty"`
	Message     string `json:"message,omitempty"`
}

// CreateMembership writes the request record; compensation deletes it.
type CreateMembership struct {
	Records Records
	Now     func() time.Time
}

func (CreateMembership) Name() string { return "CreateMembership" }

func (s CreateMembership) Execute(ctx context.Context, r *Request) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	body, err := json.Marshal(Record{
		Type:        Collection,
		Cooperative: r.Cooperative,
		Message:     r.Message,
		CreatedAt:   now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	c, err := s.Records.Create(ctx, r.MemberDID, Collection, body)
	if err != nil {
		return fmt.Errorf("membership: create record: %w", err)
	}
	r.Commit = c
	return nil
}

func (s CreateMembership) Compensate(ctx context.Context, r *Request) error {
	if r.Commit == nil {
		return nil
	}
	if _, err := s.Records.Delete(ctx, r.MemberDID, Collection, r.Commit.RKey); err != nil {
		return fmt.Errorf("membership: delete record %s: %w", r.Commit.URI(), err)
	}
	return nil
}

// NotifyHub calls the hub synchronously. Compensation cannot reach the
// hub reliably, so it queues a withdrawal through the outbox.
type NotifyHub struct {
	Hub     Hub
	Caller  outbox.Deliverer
	Outbox  Enqueuer
	Timeout time.Duration
}

func (NotifyHub) Name() string { return "NotifyHub" }

func (s NotifyHub) Execute(ctx context.Context, r *Request) error {
	payload, err := json.Marshal(Notification{
		Type:        TypeRequest,
		Member:      r.MemberDID,
		Cooperative: r.Cooperative,
		URI:         r.Commit.URI(),
		CID:         r.Commit.CID,
		Message:     r.Message,
	})
	if err != nil {
		return err
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	return s.Caller.Deliver(ctx, &outbox.Message{
		SenderDID: r.MemberDID,
		TargetDID: s.Hub.DID,
		TargetURL: s.Hub.URL,
		Endpoint:  ReceiveEndpoint,
		Payload:   payload,
	})
}

func (s NotifyHub) Compensate(ctx context.Context, r *Request) error {
	payload, err := json.Marshal(Notification{
		Type:        TypeWithdraw,
		Member:      r.MemberDID,
		Cooperative: r.Cooperative,
		URI:         r.Commit.URI(),
	})
	if err != nil {
		return err
	}
	_, err = s.Outbox.Enqueue(ctx, outbox.EnqueueParams{
		SenderDID:      r.MemberDID,
		TargetDID:      s.Hub.DID,
		TargetURL:      s.Hub.URL,
		Endpoint:       ReceiveEndpoint,
		Payload:        payload,
		IdempotencyKey: "withdraw:" + r.Commit.URI(),
	})
	return err
}

// Service runs join requests.
type Service struct {
	saga *saga.Coordinator[*Request]
}

// NewService builds the join saga. journal may be nil.
func NewService(records Records, hub Hub, caller outbox.Deliverer, queue Enqueuer, journal saga.Journal, logger *zap.SugaredLogger) *Service {
	return &Service{
		saga: saga.New[*Request]("membership.join", logger, journal,
			CreateMembership{Records: records},
			NotifyHub{Hub: hub, Caller: caller, Outbox: queue, Timeout: 15 * time.Second},
		),
	}
}

// RequestJoin runs the saga and returns the created request commit.
func (s *Service) RequestJoin(ctx context.Context, member, cooperative, message string) (*repo.Commit, error) {
	if member == "" || cooperative == "" {
		return nil, fmt.Errorf("%w: member and cooperative are required", ErrInvalid)
	}
	r := &Request{MemberDID: member, Cooperative: cooperative, Message: message}
	if err := s.saga.Run(ctx, r); err != nil {
		return nil, err
	}
	return r.Commit, nil
}
