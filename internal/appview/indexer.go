// Package appview tails the firehose into read-optimized projections.
//
// A single Indexer per deployment resumes from its persisted cursor,
// hands each event to the projector registered for the record's
// collection, and persists the event's seq before taking the next one.
// A crash between projecting and saving the cursor replays one event,
// which idempotent projectors absorb. Projector errors are logged and
// skipped; stream failures are retried with exponential backoff.
package appview

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/primal-host/primal-coop/internal/firehose"
	"github.com/primal-host/primal-coop/internal/membership"
	"github.com/primal-host/primal-coop/internal/metrics"
	"github.com/primal-host/primal-coop/internal/repo"
)

// Stream yields events in seq order.
type Stream interface {
	Next(ctx context.Context) (firehose.Event, error)
	Close() error
}

// Source opens a stream of events after cursor.
type Source interface {
	Subscribe(ctx context.Context, cursor int64) (Stream, error)
}

// Backoff bounds for stream reconnects.
const (
	MinBackoff = time.Second
	MaxBackoff = 30 * time.Second
)

// Indexer is the AppView consumer loop.
type Indexer struct {
	store      *Store
	source     Source
	consumer   string
	projectors map[string]Projector
	fallback   Projector
	logger     *zap.SugaredLogger

	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewIndexer creates an Indexer with the default projectors.
func NewIndexer(store *Store, source Source, consumer string, logger *zap.SugaredLogger) *Indexer {
	return &Indexer{
		store:    store,
		source:   source,
		consumer: consumer,
		projectors: map[string]Projector{
			membership.Collection: MembershipProjector{},
		},
		fallback:   RecordProjector{},
		logger:     logger,
		minBackoff: MinBackoff,
		maxBackoff: MaxBackoff,
	}
}

// Register routes a collection to p.
func (ix *Indexer) Register(collection string, p Projector) {
	ix.projectors[collection] = p
}

// Run indexes until ctx is cancelled.
func (ix *Indexer) Run(ctx context.Context) error {
	cursor, ok, err := ix.store.Cursor(ix.consumer)
	if err != nil {
		return err
	}
	if !ok {
		if err := ix.store.SetCursor(ix.consumer, 0); err != nil {
			return err
		}
	}
	ix.logger.Infof("AppView indexer %q resuming after seq %d", ix.consumer, cursor)

	backoff := ix.minBackoff
	for {
		err := ix.consume(ctx, &backoff)
		if ctx.Err() != nil {
			ix.logger.Info("AppView indexer stopped")
			return nil
		}
		metrics.IndexerErrors.WithLabelValues("stream").Inc()
		ix.logger.Warnf("AppView stream failed, retrying in %s: %v", backoff, err)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, ix.maxBackoff)
	}
}

// consume reads one subscription until it fails.
func (ix *Indexer) consume(ctx context.Context, backoff *time.Duration) error {
	cursor, _, err := ix.store.Cursor(ix.consumer)
	if err != nil {
		return err
	}
	stream, err := ix.source.Subscribe(ctx, cursor)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		if ev.Seq <= cursor {
			continue
		}
		if err := ix.Handle(ctx, ev); err != nil {
			return err
		}
		cursor = ev.Seq
		*backoff = ix.minBackoff
	}
}

// Handle projects one event and advances the cursor. Projector errors
// are logged and the event is skipped; only a cursor write failure is
// returned.
func (ix *Indexer) Handle(ctx context.Context, ev firehose.Event) error {
	p := ix.fallback
	if _, collection, _, err := repo.ParseURI(ev.URI); err == nil {
		if cp, ok := ix.projectors[collection]; ok {
			p = cp
		}
	}

	if err := p.Project(ctx, ix.store, ev); err != nil {
		kind := "projector"
		if errors.Is(err, ErrUnresolvable) {
			kind = "unresolvable"
		}
		metrics.IndexerErrors.WithLabelValues(kind).Inc()
		ix.logger.Warnf("AppView skipped seq %d (%s): %v", ev.Seq, ev.URI, err)
	}

	if err := ix.store.SetCursor(ix.consumer, ev.Seq); err != nil {
		return err
	}
	metrics.IndexerCursor.Set(float64(ev.Seq))
	return nil
}

// EmitterSource subscribes to the in-process emitter.
type EmitterSource struct {
	Emitter *firehose.Emitter
}

func (s EmitterSource) Subscribe(ctx context.Context, cursor int64) (Stream, error) {
	sub, err := s.Emitter.Listen(ctx, &cursor)
	if err != nil {
		return nil, err
	}
	return subscriptionStream{sub}, nil
}

type subscriptionStream struct {
	*firehose.Subscription
}

func (s subscriptionStream) Close() error {
	s.Subscription.Close()
	return nil
}

// ClientSource subscribes to a remote subscribeRepos endpoint.
type ClientSource struct {
	Client *firehose.Client
}

func (s ClientSource) Subscribe(ctx context.Context, cursor int64) (Stream, error) {
	rs, err := s.Client.Subscribe(ctx, &cursor)
	if err != nil {
		return nil, err
	}
	return rs, nil
}
