package firehose

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/primal-host/primal-coop/internal/metrics"
)

// ErrClosed is returned by Next after the subscription or its emitter
// has been closed.
var ErrClosed = errors.New("firehose: subscription closed")

// Options tune per-subscription buffering.
type Options struct {
	// QueueLimit is the most events a subscription may hold before it is
	// dropped and rebuilt from the log (default 4096).
	QueueLimit int
	// ReplayPage is the page size used when reading the log (default 500).
	ReplayPage int
}

// Emitter fans committed events out to subscriptions.
type Emitter struct {
	log    Log
	logger *zap.SugaredLogger
	opts   Options

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewEmitter creates an Emitter that replays from log.
func NewEmitter(log Log, logger *zap.SugaredLogger, opts Options) *Emitter {
	if opts.QueueLimit <= 0 {
		opts.QueueLimit = 4096
	}
	if opts.ReplayPage <= 0 {
		opts.ReplayPage = 500
	}
	return &Emitter{
		log:    log,
		logger: logger,
		opts:   opts,
		subs:   make(map[*Subscription]struct{}),
	}
}

// Publish hands ev to every subscription. It never blocks on a slow
// consumer.
func (e *Emitter) Publish(ev Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for sub := range e.subs {
		sub.offer(ev)
	}
}

// Listen opens a subscription. With a non-nil after, every event with
// seq > *after is delivered from the log before any live event. A nil
// after is live-only.
//
// The subscription is registered before the log is read so nothing
// committed during the replay is missed.
func (e *Emitter) Listen(ctx context.Context, after *int64) (*Subscription, error) {
	sub := &Subscription{
		emitter: e,
		wake:    make(chan struct{}, 1),
		last:    -1,
	}
	if after != nil {
		sub.last = *after
		sub.delivered = *after
		sub.resync = true
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	e.subs[sub] = struct{}{}
	e.mu.Unlock()
	metrics.FirehoseSubscribers.Inc()

	if after != nil {
		if err := sub.backfill(ctx); err != nil {
			sub.Close()
			return nil, fmt.Errorf("firehose: replay after %d: %w", *after, err)
		}
		e.logger.Debugf("Firehose subscription opened after seq %d", *after)
	} else {
		e.logger.Debugf("Firehose live subscription opened")
	}
	return sub, nil
}

// Subscribers returns the number of open subscriptions.
func (e *Emitter) Subscribers() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}

// Close ends every subscription. Pending Next calls return ErrClosed.
func (e *Emitter) Close() {
	e.mu.Lock()
	subs := e.subs
	e.subs = make(map[*Subscription]struct{})
	e.closed = true
	e.mu.Unlock()

	for sub := range subs {
		sub.shut()
	}
}

func (e *Emitter) remove(sub *Subscription) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.subs[sub]; !ok {
		return false
	}
	delete(e.subs, sub)
	return true
}

// Subscription is one consumer's ordered view of the event stream.
type Subscription struct {
	emitter *Emitter
	wake    chan struct{}

	mu        sync.Mutex
	queue     []Event
	last      int64 // highest seq queued; -1 until a live-only baseline exists
	delivered int64 // highest seq returned by Next
	resync    bool  // the queue is behind the log and must be backfilled
	missed    int64 // highest seq skipped while resync was set
	closed    bool
}

// offer queues a live event, or flags a backfill when it cannot be
// queued in order.
func (s *Subscription) offer(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.last < 0 {
		s.last = ev.Seq - 1
		s.delivered = ev.Seq - 1
	}

	switch {
	case ev.Seq <= s.last:
		return
	case s.resync:
		s.skip(ev.Seq)
		return
	case ev.Seq > s.last+1:
		s.resync = true
		s.skip(ev.Seq)
		metrics.FirehoseResyncs.WithLabelValues("gap").Inc()
	case len(s.queue) >= s.emitter.opts.QueueLimit:
		s.queue = nil
		s.last = s.delivered
		s.resync = true
		s.skip(ev.Seq)
		metrics.FirehoseResyncs.WithLabelValues("overflow").Inc()
	default:
		s.queue = append(s.queue, ev)
		s.last = ev.Seq
	}
	s.signal()
}

func (s *Subscription) skip(seq int64) {
	if seq > s.missed {
		s.missed = seq
	}
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// backfill reads the log after the last queued seq until it catches up
// with both the log and every live event skipped meanwhile, or the queue
// is full. A full queue leaves resync set so Next continues later.
func (s *Subscription) backfill(ctx context.Context) error {
	page := s.emitter.opts.ReplayPage
	limit := s.emitter.opts.QueueLimit

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrClosed
		}
		after := s.last
		room := limit - len(s.queue)
		s.mu.Unlock()

		if room <= 0 {
			return nil
		}
		n := page
		if room < n {
			n = room
		}

		events, err := s.emitter.log.EventsAfter(ctx, after, n)
		if err != nil {
			return err
		}

		s.mu.Lock()
		for _, ev := range events {
			if ev.Seq <= s.last {
				continue
			}
			if ev.Seq != s.last+1 {
				s.mu.Unlock()
				return fmt.Errorf("log gap: have %d, next %d", s.last, ev.Seq)
			}
			s.queue = append(s.queue, ev)
			s.last = ev.Seq
		}
		if len(events) == 0 || (len(events) < n && s.missed <= s.last) {
			// Nothing newer is readable yet; a later event re-opens the gap.
			s.resync = false
			s.missed = s.last
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
	}
}

// Next returns the next event, blocking until one is available, ctx is
// done, or the subscription is closed.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return Event{}, ErrClosed
		}
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = Event{}
			s.queue = s.queue[1:]
			s.delivered = ev.Seq
			s.mu.Unlock()
			return ev, nil
		}
		resync := s.resync
		s.mu.Unlock()

		if resync {
			if err := s.backfill(ctx); err != nil {
				return Event{}, fmt.Errorf("firehose: backfill: %w", err)
			}
			continue
		}

		select {
		case <-s.wake:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Cursor returns the seq of the last event returned by Next.
func (s *Subscription) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered
}

// Close detaches the subscription from its emitter.
func (s *Subscription) Close() {
	if s.emitter.remove(s) {
		s.shut()
	}
}

func (s *Subscription) shut() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	metrics.FirehoseSubscribers.Dec()
	s.signal()
}
