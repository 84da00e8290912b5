// Package tid generates timestamp identifiers used as record keys.
//
// A TID is a 13-character base32-sortable string: 53 bits of
// microseconds since the Unix epoch followed by a 10-bit clock id. TIDs
// from one Clock are strictly increasing, so lexical order matches
// creation order.
package tid

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

// Clock hands out monotonic TIDs. The zero value is not usable; call
// NewClock.
type Clock struct {
	mu      sync.Mutex
	clockID uint
	last    int64
	now     func() time.Time
}

// NewClock returns a Clock with a random 10-bit clock id.
func NewClock() *Clock {
	var b [2]byte
	_, _ = rand.Read(b[:])
	return &Clock{
		clockID: uint(binary.BigEndian.Uint16(b[:]) & 0x3FF),
		now:     time.Now,
	}
}

// NewClockWithID returns a Clock using a fixed clock id (masked to 10
// bits) and time source. Mostly useful in tests.
func NewClockWithID(id uint, now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{clockID: id & 0x3FF, now: now}
}

// Next returns a TID strictly greater than every TID previously
// returned by this clock. Calls landing in the same microsecond (or a
// clock that stepped backwards) bump the timestamp by one.
func (c *Clock) Next() syntax.TID {
	c.mu.Lock()
	defer c.mu.Unlock()

	us := c.now().UnixMicro()
	if us <= c.last {
		us = c.last + 1
	}
	c.last = us
	return syntax.NewTID(us, c.clockID)
}

// Next draws from the package-level clock.
func Next() string {
	return defaultClock.Next().String()
}

var defaultClock = NewClock()

// Parse validates s as a TID.
func Parse(s string) (syntax.TID, error) {
	t, err := syntax.ParseTID(s)
	if err != nil {
		return "", fmt.Errorf("tid: parse %q: %w", s, err)
	}
	return t, nil
}
