package identity

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/primal-host/primal-coop/internal/database"
	"github.com/primal-host/primal-coop/internal/tid"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("PRIMAL_COOP_TEST_DB")
	if dsn == "" {
		t.Skip("PRIMAL_COOP_TEST_DB not set")
	}
	db, err := database.Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	sealer, err := NewSealer("test-secret")
	require.NoError(t, err)
	host := "t" + tid.Next() + ".coop.test"
	return NewStore(db.Pool, sealer, host, zap.NewNop().Sugar())
}

func TestStoreMemberLifecycle(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	inst, err := s.EnsureInstance(ctx)
	require.NoError(t, err)
	assert.Equal(t, KindInstance, inst.Kind)
	again, err := s.EnsureInstance(ctx)
	require.NoError(t, err)
	assert.Equal(t, inst.PublicMultibase, again.PublicMultibase)

	alice, err := s.CreateMember(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(alice.DID, ":u:alice"))

	_, err = s.CreateMember(ctx, "alice")
	assert.ErrorIs(t, err, ErrExists)
	_, err = s.CreateMember(ctx, "Not Valid")
	assert.ErrorIs(t, err, ErrInvalidDID)

	byName, err := s.GetByName(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, alice.DID, byName.DID)

	priv, err := s.SigningKey(ctx, alice.DID)
	require.NoError(t, err)
	pub, err := priv.PublicKey()
	require.NoError(t, err)
	assert.Equal(t, alice.PublicMultibase, pub.Multibase())

	rotated, err := s.RotateKey(ctx, alice.DID)
	require.NoError(t, err)
	assert.NotEqual(t, alice.PublicMultibase, rotated.PublicMultibase)

	doc, err := s.Document(ctx, alice.DID)
	require.NoError(t, err)
	key, err := doc.SigningKey()
	require.NoError(t, err)
	assert.Equal(t, rotated.PublicMultibase, key.Multibase())

	_, err = s.Get(ctx, MemberDID("nowhere.test", "alice"))
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.RotateKey(ctx, MemberDID("nowhere.test", "alice"))
	assert.ErrorIs(t, err, ErrNotFound)
}
