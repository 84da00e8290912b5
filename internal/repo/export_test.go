package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/primal-host/primal-coop/internal/firehose"
)

const alice = "did:web:coop.example:u:alice"

// chain builds a valid commit chain the way Store.apply does.
func chain(t *testing.T, ops ...string) []*Commit {
	t.Helper()
	var out []*Commit
	var prevCommit, prevCID string
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, op := range ops {
		c := &Commit{
			Seq:        int64(100 + i),
			LocalSeq:   int64(i + 1),
			DID:        alice,
			Operation:  op,
			Collection: "coop.test.note",
			RKey:       "self",
			PrevCommit: prevCommit,
			PrevCID:    prevCID,
			Time:       base.Add(time.Duration(i) * time.Second),
		}
		if op == firehose.OpDelete {
			c.CID = prevCID
		} else {
			canon, id, err := canonicalRecord(json.RawMessage(`{"text":"v` + string(rune('0'+i)) + `"}`))
			require.NoError(t, err)
			c.Record, c.CID = canon, id
		}
		id, _, err := c.computeCID()
		require.NoError(t, err)
		c.CommitCID = id

		prevCommit = id
		if op == firehose.OpDelete {
			prevCID = ""
		} else {
			prevCID = c.CID
		}
		out = append(out, c)
	}
	return out
}

func TestExportRoundTrip(t *testing.T) {
	commits := chain(t, firehose.OpCreate, firehose.OpUpdate, firehose.OpDelete, firehose.OpCreate)

	bs, root, err := BuildBlocks(commits)
	require.NoError(t, err)
	assert.Equal(t, commits[3].CommitCID, root.String())
	// 3 record versions + 4 commits.
	assert.Equal(t, 7, bs.Len())

	var buf bytes.Buffer
	require.NoError(t, WriteCAR(&buf, root, bs))

	a, err := VerifyCAR(context.Background(), &buf)
	require.NoError(t, err)
	assert.Equal(t, alice, a.DID)
	assert.Equal(t, 4, a.Commits)
	assert.Equal(t, 7, a.Blocks)
	assert.True(t, a.Root.Equals(root))
}

func TestBuildBlocksDetectsTampering(t *testing.T) {
	commits := chain(t, firehose.OpCreate, firehose.OpUpdate)
	commits[0].Record = json.RawMessage(`{"text":"forged"}`)
	_, _, err := BuildBlocks(commits)
	assert.Error(t, err)

	commits = chain(t, firehose.OpCreate, firehose.OpUpdate)
	commits[1].Operation = firehose.OpCreate
	_, _, err = BuildBlocks(commits)
	assert.Error(t, err)

	commits = chain(t, firehose.OpCreate, firehose.OpUpdate)
	commits[1].PrevCommit = ""
	_, _, err = BuildBlocks(commits)
	assert.Error(t, err)
}

func TestBuildBlocksEmpty(t *testing.T) {
	_, _, err := BuildBlocks(nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVerifyCARRejectsCorruption(t *testing.T) {
	commits := chain(t, firehose.OpCreate)
	bs, root, err := BuildBlocks(commits)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteCAR(&buf, root, bs))
	raw := buf.Bytes()
	raw[len(raw)-2] ^= 0xff

	_, err = VerifyCAR(context.Background(), bytes.NewReader(raw))
	assert.Error(t, err)
}

func TestCommitEventShape(t *testing.T) {
	commits := chain(t, firehose.OpCreate, firehose.OpDelete)

	ev := commits[1].Event()
	assert.Equal(t, firehose.OpDelete, ev.Operation)
	assert.Equal(t, commits[0].CID, ev.CID)
	assert.Equal(t, ev.CID, ev.PrevCID)
	assert.Nil(t, ev.Record)
	assert.Equal(t, "at://"+alice+"/coop.test.note/self", ev.URI)
	assert.Equal(t, commits[1].CommitCID, ev.Commit)
}
