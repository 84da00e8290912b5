package tid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextIsMonotonicWithinSameMicrosecond(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewClockWithID(7, func() time.Time { return fixed })

	prev := c.Next().String()
	for i := 0; i < 1000; i++ {
		next := c.Next().String()
		require.Len(t, next, 13)
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestNextSurvivesClockGoingBackwards(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewClockWithID(1, func() time.Time { return now })

	a := c.Next()
	now = now.Add(-time.Hour)
	b := c.Next()
	assert.Greater(t, b.String(), a.String())
	assert.Equal(t, a.Integer()+1<<10, b.Integer())
}

func TestNextEncodesTimeAndClockID(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewClockWithID(0x3FF+5, func() time.Time { return at })

	got := c.Next()
	assert.Equal(t, at.UnixMicro(), got.Time().UnixMicro())
	assert.Equal(t, uint(5), got.ClockID())
}

func TestParse(t *testing.T) {
	s := Next()
	parsed, err := Parse(s)
	require.NoError(t, err)
	assert.Equal(t, s, parsed.String())

	_, err = Parse("not-a-tid")
	assert.Error(t, err)
}

func TestPackageNextOrdering(t *testing.T) {
	a, b := Next(), Next()
	assert.Less(t, a, b)
}
