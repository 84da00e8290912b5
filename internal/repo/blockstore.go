package repo

import (
	"context"

	blocks "github.com/ipfs/go-block-format"
	gocid "github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
)

// MemBlockstore is an in-memory, insertion-ordered block set used to
// assemble CAR exports and to hold blocks read back from one.
type MemBlockstore struct {
	blocks map[string]blocks.Block
	order  []gocid.Cid
}

// NewMemBlockstore creates an empty in-memory blockstore.
func NewMemBlockstore() *MemBlockstore {
	return &MemBlockstore{blocks: make(map[string]blocks.Block, 64)}
}

// Get retrieves a block by CID.
func (m *MemBlockstore) Get(_ context.Context, c gocid.Cid) (blocks.Block, error) {
	blk, ok := m.blocks[c.KeyString()]
	if !ok {
		return nil, &ipld.ErrNotFound{Cid: c}
	}
	return blk, nil
}

// Put stores a block. Content addressing makes repeated puts no-ops.
func (m *MemBlockstore) Put(_ context.Context, blk blocks.Block) error {
	key := blk.Cid().KeyString()
	if _, ok := m.blocks[key]; ok {
		return nil
	}
	m.blocks[key] = blk
	m.order = append(m.order, blk.Cid())
	return nil
}

// Has reports whether a block exists.
func (m *MemBlockstore) Has(_ context.Context, c gocid.Cid) (bool, error) {
	_, ok := m.blocks[c.KeyString()]
	return ok, nil
}

// Len returns the number of blocks.
func (m *MemBlockstore) Len() int {
	return len(m.order)
}

// Each calls fn for every block in insertion order.
func (m *MemBlockstore) Each(fn func(blocks.Block) error) error {
	for _, c := range m.order {
		if err := fn(m.blocks[c.KeyString()]); err != nil {
			return err
		}
	}
	return nil
}
