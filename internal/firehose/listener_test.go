package firehose

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func (m *memLog) LatestSeq(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.events)), nil
}

func TestResyncRecoversMissedNotifications(t *testing.T) {
	log := &memLog{}
	log.commit(2)
	e := newTestEmitter(log, Options{})
	defer e.Close()

	sub, err := e.Listen(context.Background(), nil)
	require.NoError(t, err)
	defer sub.Close()

	first := log.commit(1)
	e.Publish(first[0])
	assert.Equal(t, []int64{3}, collect(t, sub, 1))

	// Committed while the listener was disconnected: never announced.
	log.commit(3)

	l := NewListener(nil, log, e, zap.NewNop().Sugar())
	require.NoError(t, l.resync(context.Background()))
	assert.Equal(t, seqRange(4, 6), collect(t, sub, 3))
}

func TestResyncEmptyLog(t *testing.T) {
	log := &memLog{}
	e := newTestEmitter(log, Options{})
	defer e.Close()

	l := NewListener(nil, log, e, zap.NewNop().Sugar())
	assert.NoError(t, l.resync(context.Background()))
}
