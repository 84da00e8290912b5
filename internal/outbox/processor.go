package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/primal-host/primal-coop/internal/metrics"
)

// Deliverer performs one outbound call.
type Deliverer interface {
	Deliver(ctx context.Context, m *Message) error
}

// Options tunes a Processor.
type Options struct {
	Workers       int
	BatchSize     int
	PollInterval  time.Duration
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	LeaseTimeout  time.Duration
	Retention     time.Duration
	RetentionCron string
	// MaxAttempts applies to messages enqueued without their own limit.
	MaxAttempts int
}

// Processor polls the queue and delivers due messages.
type Processor struct {
	queue   Queue
	deliver Deliverer
	opts    Options
	logger  *zap.SugaredLogger
	now     func() time.Time
	wake    chan struct{}
}

// NewProcessor creates a Processor.
func NewProcessor(q Queue, d Deliverer, opts Options, logger *zap.SugaredLogger) *Processor {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 2 * time.Second
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = opts.BaseBackoff
	}
	return &Processor{
		queue:   q,
		deliver: d,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue adds a message and wakes the poll loop.
func (p *Processor) Enqueue(ctx context.Context, params EnqueueParams) (*Message, error) {
	if params.MaxAttempts == 0 {
		params.MaxAttempts = p.opts.MaxAttempts
	}
	m, created, err := p.queue.Enqueue(ctx, params)
	if err != nil {
		return nil, err
	}
	if created {
		p.Notify()
	}
	return m, nil
}

// Notify wakes the poll loop without waiting for the next interval.
func (p *Processor) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run delivers messages until ctx is cancelled. In-flight deliveries
// finish (bounded by the deliverer's timeout) before Run returns.
func (p *Processor) Run(ctx context.Context) error {
	jobs := make(chan Message)
	var wg sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				p.Process(context.WithoutCancel(ctx), m)
			}
		}()
	}

	if p.opts.LeaseTimeout > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.reapLoop(ctx)
		}()
	}
	if p.opts.RetentionCron != "" && p.opts.Retention > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.retentionLoop(ctx)
		}()
	}

	p.logger.Infof("Outbox processor started with %d workers", p.opts.Workers)
	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	for {
		p.dispatch(ctx, jobs)
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			p.logger.Info("Outbox processor stopped")
			return nil
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

func (p *Processor) dispatch(ctx context.Context, jobs chan<- Message) {
	due, err := p.queue.Due(ctx, p.opts.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warnf("outbox: poll: %v", err)
		}
		return
	}
	for _, m := range due {
		select {
		case jobs <- m:
		case <-ctx.Done():
			return
		}
	}
}

// Drain delivers every currently due message sequentially and returns
// how many were attempted.
func (p *Processor) Drain(ctx context.Context) (int, error) {
	due, err := p.queue.Due(ctx, p.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range due {
		if p.Process(ctx, m) {
			n++
		}
	}
	return n, nil
}

// Process claims and delivers one message. It reports whether this
// call won the claim.
func (p *Processor) Process(ctx context.Context, m Message) bool {
	claimed, ok, err := p.queue.Claim(ctx, m.ID)
	if err != nil {
		p.logger.Warnf("outbox: %v", err)
		return false
	}
	if !ok {
		return false
	}

	err = p.deliver.Deliver(ctx, claimed)
	attempts := claimed.Attempts + 1
	if err == nil {
		if err := p.queue.MarkSent(ctx, claimed.ID); err != nil {
			p.logger.Errorf("outbox: %v", err)
		}
		metrics.OutboxDeliveries.WithLabelValues(StatusSent).Inc()
		p.logger.Debugf("Delivered outbox message %d to %s%s (attempt %d)", claimed.ID, claimed.TargetURL, claimed.Endpoint, attempts)
		return true
	}

	dead := attempts >= claimed.MaxAttempts
	retryIn := Backoff(p.opts.BaseBackoff, p.opts.MaxBackoff, attempts)
	if err := p.queue.MarkFailed(ctx, claimed.ID, attempts, err.Error(), retryIn, dead); err != nil {
		p.logger.Errorf("outbox: %v", err)
	}
	if dead {
		metrics.OutboxDeliveries.WithLabelValues(StatusDead).Inc()
		p.logger.Warnf("Outbox message %d to %s is dead after %d attempts: %v", claimed.ID, claimed.TargetDID, attempts, err)
	} else {
		metrics.OutboxDeliveries.WithLabelValues(StatusFailed).Inc()
		p.logger.Infof("Outbox message %d attempt %d failed, retry in %s: %v", claimed.ID, attempts, retryIn, err)
	}
	return true
}

func (p *Processor) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(p.opts.LeaseTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.ReapStale(ctx, p.opts.LeaseTimeout)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Warnf("outbox: %v", err)
				}
				continue
			}
			if n > 0 {
				p.logger.Warnf("Reaped %d outbox messages with expired leases", n)
				p.Notify()
			}
		}
	}
}

func (p *Processor) retentionLoop(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(p.opts.RetentionCron, p.now(), false)
		if err != nil {
			p.logger.Errorf("outbox: retention schedule %q: %v", p.opts.RetentionCron, err)
			return
		}
		timer := time.NewTimer(next.Sub(p.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		n, err := p.queue.PruneSent(ctx, p.opts.Retention)
		if err != nil {
			p.logger.Warnf("outbox: %v", err)
			continue
		}
		p.logger.Infof("Pruned %d sent outbox messages", n)
	}
}
