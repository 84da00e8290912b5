package firehose

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Channel is the PostgreSQL NOTIFY channel commits are announced on.
const Channel = "firehose"

// SeqLog is a Log that can report its newest seq.
type SeqLog interface {
	Log
	LatestSeq(ctx context.Context) (int64, error)
}

// Listener feeds commits made by any process into an Emitter. It holds
// one dedicated connection running LISTEN and publishes each announced
// seq after reading it back from the log.
//
// Notifications sent while the connection is down are lost, so every
// (re)attach republishes the newest event. Subscribers that are behind
// see it as a gap and backfill from the log.
type Listener struct {
	pool    *pgxpool.Pool
	log     SeqLog
	emitter Publisher
	logger  *zap.SugaredLogger
}

// NewListener creates a Listener.
func NewListener(pool *pgxpool.Pool, log SeqLog, emitter Publisher, logger *zap.SugaredLogger) *Listener {
	return &Listener{pool: pool, log: log, emitter: emitter, logger: logger}
}

// Run listens until ctx is cancelled, reconnecting with backoff when the
// connection drops. It returns nil on shutdown.
func (l *Listener) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warnf("Firehose listener: %v (reconnecting in %s)", err, backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	pc, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	// The connection stays in LISTEN mode, so it never goes back to the pool.
	conn := pc.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	l.logger.Infof("Firehose listener attached to channel %q", Channel)
	if err := l.resync(ctx); err != nil {
		return err
	}

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait: %w", err)
		}
		seq, err := strconv.ParseInt(n.Payload, 10, 64)
		if err != nil {
			l.logger.Warnf("Firehose listener: bad payload %q", n.Payload)
			continue
		}
		events, err := l.log.EventsAfter(ctx, seq-1, 1)
		if err != nil {
			return fmt.Errorf("read seq %d: %w", seq, err)
		}
		for _, ev := range events {
			l.emitter.Publish(ev)
		}
	}
}

// resync publishes the newest committed event.
func (l *Listener) resync(ctx context.Context) error {
	latest, err := l.log.LatestSeq(ctx)
	if err != nil {
		return fmt.Errorf("latest seq: %w", err)
	}
	if latest == 0 {
		return nil
	}
	events, err := l.log.EventsAfter(ctx, latest-1, 1)
	if err != nil {
		return fmt.Errorf("read seq %d: %w", latest, err)
	}
	for _, ev := range events {
		l.emitter.Publish(ev)
	}
	return nil
}
