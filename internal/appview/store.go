package appview

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// ErrNotFound means no projection exists under the key.
var ErrNotFound = errors.New("appview: not found")

// Key layout:
//
//	cursor/<consumer>         last indexed seq
//	rec/<uri>                 RecordView
//	mem/<coop>/<uri>          MemberView
//	memuri/<uri>              coop the request is indexed under
const (
	prefixCursor = "cursor/"
	prefixRecord = "rec/"
	prefixMember = "mem/"
	prefixMemURI = "memuri/"
)

// Store holds projections and cursors in pebble.
type Store struct {
	db *pebble.DB
}

// Open opens the store in dir, or in memory when dir is "".
func Open(dir string) (*Store, error) {
	opts := &pebble.Options{}
	if dir == "" {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("appview: open %q: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Cursor returns the consumer's last indexed seq. ok is false on first
// run.
func (s *Store) Cursor(consumer string) (seq int64, ok bool, err error) {
	v, closer, err := s.db.Get([]byte(prefixCursor + consumer))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("appview: read cursor %s: %w", consumer, err)
	}
	defer closer.Close()
	seq, err = strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("appview: corrupt cursor %s: %w", consumer, err)
	}
	return seq, true, nil
}

// SetCursor durably records the consumer's position.
func (s *Store) SetCursor(consumer string, seq int64) error {
	if err := s.db.Set([]byte(prefixCursor+consumer), []byte(strconv.FormatInt(seq, 10)), pebble.Sync); err != nil {
		return fmt.Errorf("appview: write cursor %s: %w", consumer, err)
	}
	return nil
}

// Cursors returns every consumer's cursor.
func (s *Store) Cursors() (map[string]int64, error) {
	out := map[string]int64{}
	err := s.scan(prefixCursor, func(k, v []byte) error {
		n, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return err
		}
		out[string(k[len(prefixCursor):])] = n
		return nil
	})
	return out, err
}

// GetRecord returns the projected record at uri.
func (s *Store) GetRecord(uri string) (*RecordView, error) {
	var rv RecordView
	if err := s.getJSON(prefixRecord+uri, &rv); err != nil {
		return nil, err
	}
	return &rv, nil
}

// ListMembers returns membership requests targeting coop, ordered by
// request URI. cursor is the last URI of the previous page.
func (s *Store) ListMembers(coop string, limit int, cursor string) ([]MemberView, string, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	prefix := prefixMember + coop + "/"
	lower := []byte(prefix)
	if cursor != "" {
		lower = append([]byte(prefix+cursor), 0)
	}

	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, "", fmt.Errorf("appview: list members: %w", err)
	}
	defer it.Close()

	var out []MemberView
	for ok := it.First(); ok && len(out) < limit; ok = it.Next() {
		var mv MemberView
		if err := json.Unmarshal(it.Value(), &mv); err != nil {
			return nil, "", fmt.Errorf("appview: decode %s: %w", it.Key(), err)
		}
		out = append(out, mv)
	}
	if err := it.Error(); err != nil {
		return nil, "", fmt.Errorf("appview: list members: %w", err)
	}

	next := ""
	if len(out) == limit {
		next = out[len(out)-1].URI
	}
	return out, next, nil
}

func (s *Store) getJSON(key string, v any) error {
	raw, closer, err := s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("appview: get %s: %w", key, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("appview: decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) scan(prefix string, fn func(k, v []byte) error) error {
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: []byte(prefix), UpperBound: upperBound(prefix)})
	if err != nil {
		return fmt.Errorf("appview: scan %s: %w", prefix, err)
	}
	defer it.Close()
	for ok := it.First(); ok; ok = it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			return err
		}
	}
	return it.Error()
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix string) []byte {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return b[:i+1]
		}
	}
	return nil
}

// batch collects projection writes applied atomically.
type batch struct {
	s *Store
	b *pebble.Batch
}

func (s *Store) newBatch() *batch {
	return &batch{s: s, b: s.db.NewBatch()}
}

func (b *batch) setJSON(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.b.Set([]byte(key), raw, nil)
}

func (b *batch) set(key, value string) error {
	return b.b.Set([]byte(key), []byte(value), nil)
}

func (b *batch) delete(key string) error {
	return b.b.Delete([]byte(key), nil)
}

// get reads committed state, not the batch's pending writes.
func (b *batch) get(key string) (string, bool, error) {
	v, closer, err := b.s.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	defer closer.Close()
	return string(v), true, nil
}

func (b *batch) commit() error {
	if err := b.b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("appview: commit batch: %w", err)
	}
	return b.b.Close()
}

func (b *batch) abort() {
	_ = b.b.Close()
}
