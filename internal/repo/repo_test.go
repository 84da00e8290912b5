package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/primal-host/primal-coop/internal/database"
	"github.com/primal-host/primal-coop/internal/firehose"
	"github.com/primal-host/primal-coop/internal/tid"
)

type capture struct {
	mu     sync.Mutex
	events []firehose.Event
}

func (c *capture) Publish(ev firehose.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

// testStore opens the test database and returns a store plus a DID
// unique to this test run.
func testStore(t *testing.T) (*Store, *capture, string) {
	t.Helper()
	dsn := os.Getenv("PRIMAL_COOP_TEST_DB")
	if dsn == "" {
		t.Skip("PRIMAL_COOP_TEST_DB not set")
	}
	db, err := database.Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	pub := &capture{}
	s := NewStore(db.Pool, pub, zap.NewNop().Sugar())
	return s, pub, "did:web:coop.example:u:t" + tid.Next()
}

func TestStoreLifecycle(t *testing.T) {
	s, pub, did := testStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, did, "coop.test.note", json.RawMessage(`{"text":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, firehose.OpCreate, created.Operation)
	assert.Empty(t, created.PrevCID)
	assert.Empty(t, created.PrevCommit)
	assert.Equal(t, int64(1), created.LocalSeq)

	rec, err := s.Get(ctx, did, "coop.test.note", created.RKey)
	require.NoError(t, err)
	assert.Equal(t, created.CID, rec.CID)
	assert.JSONEq(t, `{"text":"hello"}`, string(rec.Value))

	updated, err := s.Put(ctx, did, "coop.test.note", created.RKey, json.RawMessage(`{"text":"edited"}`))
	require.NoError(t, err)
	assert.Equal(t, firehose.OpUpdate, updated.Operation)
	assert.Equal(t, created.CID, updated.PrevCID)
	assert.Equal(t, created.CommitCID, updated.PrevCommit)
	assert.Greater(t, updated.Seq, created.Seq)

	deleted, err := s.Delete(ctx, did, "coop.test.note", created.RKey)
	require.NoError(t, err)
	assert.Equal(t, updated.CID, deleted.CID)
	assert.Equal(t, deleted.CID, deleted.PrevCID)

	_, err = s.Get(ctx, did, "coop.test.note", created.RKey)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Delete(ctx, did, "coop.test.note", created.RKey)
	assert.ErrorIs(t, err, ErrNotFound)

	history, err := s.History(ctx, created.URI())
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []string{"create", "update", "delete"},
		[]string{history[0].Operation, history[1].Operation, history[2].Operation})

	head, err := s.Head(ctx, did)
	require.NoError(t, err)
	assert.Equal(t, deleted.CommitCID, head.CommitCID)
	assert.Equal(t, int64(3), head.LocalSeq)

	require.Len(t, pub.events, 3)
	assert.Equal(t, created.Seq, pub.events[0].Seq)
}

func TestPutCreatesWhenMissing(t *testing.T) {
	s, _, did := testStore(t)
	c, err := s.Put(context.Background(), did, "coop.test.profile", "self", json.RawMessage(`{"name":"A"}`))
	require.NoError(t, err)
	assert.Equal(t, firehose.OpCreate, c.Operation)
}

func TestRejectsInvalidInput(t *testing.T) {
	s, _, did := testStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, did, "coop.test.note", json.RawMessage(`[1,2]`))
	assert.ErrorIs(t, err, ErrInvalidRecord)
	_, err = s.Create(ctx, "not-a-did", "coop.test.note", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrInvalidRecord)
	_, err = s.Head(ctx, did)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListPaginationAndDeleted(t *testing.T) {
	s, _, did := testStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Put(ctx, did, "coop.test.item", fmt.Sprintf("k%d", i), json.RawMessage(fmt.Sprintf(`{"i":%d}`, i)))
		require.NoError(t, err)
	}
	_, err := s.Delete(ctx, did, "coop.test.item", "k2")
	require.NoError(t, err)

	page, cursor, err := s.List(ctx, did, "coop.test.item", ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "k0", page[0].RKey)
	assert.Equal(t, "k1", cursor)

	page, _, err = s.List(ctx, did, "coop.test.item", ListOptions{Limit: 10, Cursor: cursor})
	require.NoError(t, err)
	assert.Len(t, page, 2) // k3, k4; k2 is deleted

	all, _, err := s.List(ctx, did, "coop.test.item", ListOptions{Limit: 10, IncludeDeleted: true, Reverse: true})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "k4", all[0].RKey)
	assert.True(t, all[2].Deleted)
}

func TestInvalidateHidesRecord(t *testing.T) {
	s, _, did := testStore(t)
	ctx := context.Background()

	c, err := s.Put(ctx, did, "coop.test.note", "spam", json.RawMessage(`{"text":"buy now"}`))
	require.NoError(t, err)
	require.NoError(t, s.Invalidate(ctx, c.URI(), "spam"))

	_, err = s.Get(ctx, did, "coop.test.note", "spam")
	assert.ErrorIs(t, err, ErrNotFound)

	all, _, err := s.List(ctx, did, "coop.test.note", ListOptions{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Invalid)

	assert.ErrorIs(t, s.Invalidate(ctx, FormatURI(did, "coop.test.note", "nope"), "x"), ErrNotFound)
}

func TestConcurrentWritesKeepSequenceGapless(t *testing.T) {
	s, _, did := testStore(t)
	ctx := context.Background()

	start, err := s.LatestSeq(ctx)
	require.NoError(t, err)

	const writers, each = 4, 10
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				_, err := s.Create(ctx, fmt.Sprintf("%s%d", did, w), "coop.test.note", json.RawMessage(`{"n":1}`))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	events, err := s.EventsAfter(ctx, start, 1000)
	require.NoError(t, err)
	var ours []int64
	prev := start
	for _, ev := range events {
		assert.Equal(t, prev+1, ev.Seq, "global sequence has a gap")
		prev = ev.Seq
		ours = append(ours, ev.Seq)
	}
	assert.GreaterOrEqual(t, len(ours), writers*each)
}

func TestExportFromStore(t *testing.T) {
	s, _, did := testStore(t)
	ctx := context.Background()

	c, err := s.Create(ctx, did, "coop.test.note", json.RawMessage(`{"text":"a"}`))
	require.NoError(t, err)
	_, err = s.Put(ctx, did, "coop.test.note", c.RKey, json.RawMessage(`{"text":"b"}`))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, s.Export(ctx, did, &buf))

	a, err := VerifyCAR(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, did, a.DID)
	assert.Equal(t, 2, a.Commits)
}

func TestExportDuringConcurrentWrites(t *testing.T) {
	s, _, did := testStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, did, "coop.test.note", json.RawMessage(`{"n":0}`))
	require.NoError(t, err)

	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for i := 1; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			_, err := s.Create(ctx, did, "coop.test.note", json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
			assert.NoError(t, err)
		}
	}()
	defer func() {
		close(stop)
		<-writerDone
	}()

	for i := 0; i < 25; i++ {
		var buf bytes.Buffer
		require.NoError(t, s.Export(ctx, did, &buf), "export %d", i)
		a, err := VerifyCAR(ctx, &buf)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, a.Commits, 1)
	}
}

func (c *capture) has(did string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if ev.DID == did {
			return true
		}
	}
	return false
}

func TestListenerPublishesNotifiedCommits(t *testing.T) {
	s, _, did := testStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	remote := &capture{}
	l := firehose.NewListener(s.pool, s, remote, zap.NewNop().Sugar())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	// LISTEN attaches asynchronously, so keep committing until one lands.
	require.Eventually(t, func() bool {
		if _, err := s.Create(context.Background(), did, "coop.test.note", json.RawMessage(`{"n":1}`)); err != nil {
			return false
		}
		return remote.has(did)
	}, 5*time.Second, 100*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not stop")
	}
}
