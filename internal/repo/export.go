package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	car "github.com/ipld/go-car"
	carutil "github.com/ipld/go-car/util"
	"github.com/jackc/pgx/v5"

	cidutil "github.com/primal-host/primal-coop/internal/cid"
)

// Export writes the identity's commit chain as a CAR v1 archive. The
// root is the head commit; every record version and commit body follows
// as a dag-json block, oldest first. Head and chain are read from one
// snapshot, so concurrent writes do not tear the export.
func (s *Store) Export(ctx context.Context, did string, w io.Writer) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return fmt.Errorf("repo: export %s: %w", did, err)
	}
	defer tx.Rollback(ctx)

	head, err := readHead(ctx, tx, did)
	if err != nil {
		return err
	}
	commits, err := readCommits(ctx, tx, did)
	if err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("repo: export %s: %w", did, err)
	}
	bs, root, err := BuildBlocks(commits)
	if err != nil {
		return err
	}
	if root.String() != head.CommitCID {
		return fmt.Errorf("repo: export %s: chain tip %s does not match head %s", did, root, head.CommitCID)
	}
	return WriteCAR(w, root, bs)
}

// BuildBlocks turns a commit chain into blocks, checking that each
// commit's stored CID matches its recomputed body and links to the
// previous one. It returns the blocks and the tip's CID.
func BuildBlocks(commits []*Commit) (*MemBlockstore, cid.Cid, error) {
	if len(commits) == 0 {
		return nil, cid.Undef, fmt.Errorf("%w: empty commit chain", ErrNotFound)
	}

	ctx := context.Background()
	bs := NewMemBlockstore()
	var prev string
	var tip cid.Cid
	for _, c := range commits {
		if c.PrevCommit != prev {
			return nil, cid.Undef, fmt.Errorf("repo: commit %d links %q, want %q", c.LocalSeq, c.PrevCommit, prev)
		}

		if len(c.Record) > 0 {
			blk, err := newBlock(c.CID, c.Record)
			if err != nil {
				return nil, cid.Undef, fmt.Errorf("repo: record block for commit %d: %w", c.LocalSeq, err)
			}
			if err := bs.Put(ctx, blk); err != nil {
				return nil, cid.Undef, err
			}
		}

		id, raw, err := c.computeCID()
		if err != nil {
			return nil, cid.Undef, err
		}
		if id != c.CommitCID {
			return nil, cid.Undef, fmt.Errorf("repo: commit %d cid %s, recomputed %s", c.LocalSeq, c.CommitCID, id)
		}
		blk, err := newBlock(id, raw)
		if err != nil {
			return nil, cid.Undef, err
		}
		if err := bs.Put(ctx, blk); err != nil {
			return nil, cid.Undef, err
		}
		prev = c.CommitCID
		tip = blk.Cid()
	}
	return bs, tip, nil
}

// newBlock wraps data under an expected CID, verifying the hash.
func newBlock(expected string, data []byte) (blocks.Block, error) {
	c, err := cidutil.Parse(expected)
	if err != nil {
		return nil, err
	}
	sum, err := c.Prefix().Sum(data)
	if err != nil {
		return nil, fmt.Errorf("hash block: %w", err)
	}
	if !sum.Equals(c) {
		return nil, fmt.Errorf("block hashes to %s, want %s", sum, c)
	}
	return blocks.NewBlockWithCid(data, c)
}

// WriteCAR writes a CAR v1 header with root followed by every block.
func WriteCAR(w io.Writer, root cid.Cid, bs *MemBlockstore) error {
	if err := car.WriteHeader(&car.CarHeader{Roots: []cid.Cid{root}, Version: 1}, w); err != nil {
		return fmt.Errorf("repo: car header: %w", err)
	}
	return bs.Each(func(blk blocks.Block) error {
		if err := carutil.LdWrite(w, blk.Cid().Bytes(), blk.RawData()); err != nil {
			return fmt.Errorf("repo: car block %s: %w", blk.Cid(), err)
		}
		return nil
	})
}

// Archive summarizes a verified CAR export.
type Archive struct {
	Root    cid.Cid
	DID     string
	Commits int
	Blocks  int
}

// VerifyCAR reads an export, checking every block's hash and walking the
// commit chain back from the root to its first commit.
func VerifyCAR(ctx context.Context, r io.Reader) (*Archive, error) {
	cr, err := car.NewCarReader(r)
	if err != nil {
		return nil, fmt.Errorf("repo: read car: %w", err)
	}
	if len(cr.Header.Roots) != 1 {
		return nil, fmt.Errorf("repo: car has %d roots, want 1", len(cr.Header.Roots))
	}

	bs := NewMemBlockstore()
	for {
		blk, err := cr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("repo: read car block: %w", err)
		}
		if err := bs.Put(ctx, blk); err != nil {
			return nil, err
		}
	}

	a := &Archive{Root: cr.Header.Roots[0], Blocks: bs.Len()}
	next := a.Root
	for next.Defined() {
		blk, err := bs.Get(ctx, next)
		if err != nil {
			return nil, fmt.Errorf("repo: walk chain: %w", err)
		}
		var body commitBody
		if err := json.Unmarshal(blk.RawData(), &body); err != nil {
			return nil, fmt.Errorf("repo: decode commit %s: %w", next, err)
		}
		if a.DID == "" {
			a.DID = body.DID
		} else if body.DID != a.DID {
			return nil, fmt.Errorf("repo: commit %s belongs to %s, want %s", next, body.DID, a.DID)
		}
		if body.Operation != "delete" {
			c, err := cidutil.Parse(body.CID)
			if err != nil {
				return nil, err
			}
			if ok, _ := bs.Has(ctx, c); !ok {
				return nil, fmt.Errorf("repo: commit %s references missing record block %s", next, c)
			}
		}
		a.Commits++

		next = cid.Undef
		if body.Prev != nil {
			if next, err = cidutil.Parse(*body.Prev); err != nil {
				return nil, err
			}
		}
	}
	return a, nil
}
