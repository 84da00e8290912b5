package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDIDs(t *testing.T) {
	assert.Equal(t, "did:web:coop.example", InstanceDID("coop.example"))
	assert.Equal(t, "did:web:localhost%3A3000", InstanceDID("localhost:3000"))
	assert.Equal(t, "did:web:coop.example:u:alice", MemberDID("coop.example", "alice"))

	assert.True(t, ValidName("alice"))
	assert.True(t, ValidName("bob-2"))
	assert.False(t, ValidName(""))
	assert.False(t, ValidName("-bob"))
	assert.False(t, ValidName("Alice"))
	assert.False(t, ValidName("a/b"))
}

func TestDocumentURL(t *testing.T) {
	cases := []struct {
		did  string
		http bool
		want string
	}{
		{"did:web:coop.example", false, "https://coop.example/.well-known/did.json"},
		{"did:web:coop.example:u:alice", false, "https://coop.example/u/alice/did.json"},
		{"did:web:localhost%3A3000", true, "http://localhost:3000/.well-known/did.json"},
		{"did:plc:ewvi7nxzyoun6zhxrhs64oiz", false, "https://plc.directory/did:plc:ewvi7nxzyoun6zhxrhs64oiz"},
	}
	for _, tc := range cases {
		got, err := DocumentURL(tc.did, "https://plc.directory/", tc.http)
		require.NoError(t, err, tc.did)
		assert.Equal(t, tc.want, got)
	}

	for _, bad := range []string{"", "alice", "did:key:zQ3shabc"} {
		_, err := DocumentURL(bad, "https://plc.directory", false)
		assert.ErrorIs(t, err, ErrInvalidDID, bad)
	}
}
