package appview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/primal-host/primal-coop/internal/firehose"
	"github.com/primal-host/primal-coop/internal/membership"
)

const bob = "did:web:coop.example:u:bob"

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func requestEvent(seq int64, rkey, coop, op string) firehose.Event {
	ev := firehose.Event{
		Seq:       seq,
		DID:       bob,
		Operation: op,
		URI:       "at://" + bob + "/" + membership.Collection + "/" + rkey,
		CID:       fmt.Sprintf("bafy%d", seq),
		Time:      "2026-03-01T12:00:00Z",
	}
	if op != firehose.OpDelete {
		ev.Record = json.RawMessage(fmt.Sprintf(`{"$type":%q,"cooperative":%q,"createdAt":"2026-03-01T12:00:00Z"}`,
			membership.Collection, coop))
	}
	return ev
}

func noteEvent(seq int64, text string) firehose.Event {
	return firehose.Event{
		Seq:       seq,
		DID:       bob,
		Operation: firehose.OpCreate,
		URI:       "at://" + bob + "/coop.test.note/n1",
		CID:       fmt.Sprintf("bafy%d", seq),
		Record:    json.RawMessage(`{"text":"` + text + `"}`),
		Time:      "2026-03-01T12:00:00Z",
	}
}

func TestCursor(t *testing.T) {
	s := openStore(t)
	_, ok, err := s.Cursor("appview")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetCursor("appview", 42))
	require.NoError(t, s.SetCursor("other", 7))
	seq, ok, err := s.Cursor("appview")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(42), seq)

	all, err := s.Cursors()
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"appview": 42, "other": 7}, all)
}

func TestProjectionIsIdempotent(t *testing.T) {
	ix := NewIndexer(openStore(t), nil, "appview", zap.NewNop().Sugar())
	ctx := context.Background()
	ev := requestEvent(1, "r1", "did:web:bakery.example", firehose.OpCreate)

	require.NoError(t, ix.Handle(ctx, ev))
	once, err := ix.store.GetRecord(ev.URI)
	require.NoError(t, err)
	membersOnce, _, err := ix.store.ListMembers("did:web:bakery.example", 10, "")
	require.NoError(t, err)

	require.NoError(t, ix.Handle(ctx, ev))
	twice, err := ix.store.GetRecord(ev.URI)
	require.NoError(t, err)
	membersTwice, _, err := ix.store.ListMembers("did:web:bakery.example", 10, "")
	require.NoError(t, err)

	assert.Equal(t, once, twice)
	assert.Equal(t, membersOnce, membersTwice)
	require.Len(t, membersTwice, 1)
	assert.Equal(t, bob, membersTwice[0].Member)
}

func TestMembershipProjection(t *testing.T) {
	ix := NewIndexer(openStore(t), nil, "appview", zap.NewNop().Sugar())
	ctx := context.Background()

	require.NoError(t, ix.Handle(ctx, requestEvent(1, "r1", "did:web:bakery.example", firehose.OpCreate)))
	require.NoError(t, ix.Handle(ctx, requestEvent(2, "r2", "did:web:bakery.example", firehose.OpCreate)))
	require.NoError(t, ix.Handle(ctx, requestEvent(3, "r3", "did:web:bakery.example", firehose.OpCreate)))

	page, next, err := ix.store.ListMembers("did:web:bakery.example", 2, "")
	require.NoError(t, err)
	require.Len(t, page, 2)
	page2, next2, err := ix.store.ListMembers("did:web:bakery.example", 2, next)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Empty(t, next2)
	assert.NotEqual(t, page[1].URI, page2[0].URI)

	// Moving a request to another cooperative reindexes it.
	require.NoError(t, ix.Handle(ctx, requestEvent(4, "r1", "did:web:brewery.example", firehose.OpUpdate)))
	bakery, _, err := ix.store.ListMembers("did:web:bakery.example", 10, "")
	require.NoError(t, err)
	assert.Len(t, bakery, 2)
	brewery, _, err := ix.store.ListMembers("did:web:brewery.example", 10, "")
	require.NoError(t, err)
	assert.Len(t, brewery, 1)

	require.NoError(t, ix.Handle(ctx, requestEvent(5, "r1", "", firehose.OpDelete)))
	brewery, _, err = ix.store.ListMembers("did:web:brewery.example", 10, "")
	require.NoError(t, err)
	assert.Empty(t, brewery)
	_, err = ix.store.GetRecord("at://" + bob + "/" + membership.Collection + "/r1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnresolvableEventIsSkipped(t *testing.T) {
	ix := NewIndexer(openStore(t), nil, "appview", zap.NewNop().Sugar())
	ctx := context.Background()

	bad := requestEvent(1, "r1", "not a did", firehose.OpCreate)
	require.NoError(t, ix.Handle(ctx, bad))
	_, err := ix.store.GetRecord(bad.URI)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, ix.Handle(ctx, noteEvent(2, "hi")))
	seq, _, err := ix.store.Cursor("appview")
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)

	rv, err := ix.store.GetRecord("at://" + bob + "/coop.test.note/n1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hi"}`, string(rv.Value))
}

// flakySource fails its first subscription, then serves events from a
// script, breaking the stream once midway.
type flakySource struct {
	mu      sync.Mutex
	events  []firehose.Event
	calls   int
	cursors []int64
	breakAt int64
}

func (f *flakySource) Subscribe(_ context.Context, cursor int64) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.cursors = append(f.cursors, cursor)
	if f.calls == 1 {
		return nil, errors.New("connection refused")
	}
	var pending []firehose.Event
	for _, ev := range f.events {
		if ev.Seq > cursor {
			pending = append(pending, ev)
		}
	}
	breakAt := int64(-1)
	if f.calls == 2 {
		breakAt = f.breakAt
	}
	return &scriptStream{events: pending, breakAt: breakAt}, nil
}

type scriptStream struct {
	events  []firehose.Event
	breakAt int64
}

func (s *scriptStream) Next(ctx context.Context) (firehose.Event, error) {
	if len(s.events) == 0 {
		<-ctx.Done()
		return firehose.Event{}, ctx.Err()
	}
	ev := s.events[0]
	if ev.Seq == s.breakAt {
		return firehose.Event{}, errors.New("connection reset")
	}
	s.events = s.events[1:]
	return ev, nil
}

func (s *scriptStream) Close() error { return nil }

func TestIndexerRecoversFromStreamFailures(t *testing.T) {
	src := &flakySource{breakAt: 4}
	for i := int64(1); i <= 6; i++ {
		src.events = append(src.events, requestEvent(i, fmt.Sprintf("r%d", i), "did:web:bakery.example", firehose.OpCreate))
	}
	store := openStore(t)
	ix := NewIndexer(store, src, "appview", zap.NewNop().Sugar())
	ix.minBackoff, ix.maxBackoff = time.Millisecond, 4*time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ix.Run(ctx) }()

	assert.Eventually(t, func() bool {
		seq, _, _ := store.Cursor("appview")
		return seq == 6
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, []int64{0, 0, 3}, src.cursors)

	members, _, err := store.ListMembers("did:web:bakery.example", 10, "")
	require.NoError(t, err)
	assert.Len(t, members, 6)
}

type sliceLog struct {
	mu     sync.Mutex
	events []firehose.Event
}

func (l *sliceLog) append(ev firehose.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *sliceLog) EventsAfter(_ context.Context, after int64, limit int) ([]firehose.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []firehose.Event
	for _, ev := range l.events {
		if ev.Seq > after && len(out) < limit {
			out = append(out, ev)
		}
	}
	return out, nil
}

func TestEmitterSourceResumesFromCursor(t *testing.T) {
	log := &sliceLog{}
	for i := int64(1); i <= 3; i++ {
		log.append(requestEvent(i, fmt.Sprintf("r%d", i), "did:web:bakery.example", firehose.OpCreate))
	}
	em := firehose.NewEmitter(log, zap.NewNop().Sugar(), firehose.Options{})
	defer em.Close()

	store := openStore(t)
	require.NoError(t, store.SetCursor("appview", 1))
	ix := NewIndexer(store, EmitterSource{Emitter: em}, "appview", zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ix.Run(ctx) }()

	assert.Eventually(t, func() bool {
		seq, _, _ := store.Cursor("appview")
		return seq == 3
	}, 2*time.Second, 5*time.Millisecond)

	live := requestEvent(4, "r4", "did:web:bakery.example", firehose.OpCreate)
	log.append(live)
	em.Publish(live)

	assert.Eventually(t, func() bool {
		seq, _, _ := store.Cursor("appview")
		return seq == 4
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	members, _, err := store.ListMembers("did:web:bakery.example", 10, "")
	require.NoError(t, err)
	assert.Len(t, members, 3, "seq 1 was before the cursor")
}
