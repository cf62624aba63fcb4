package boundedcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRU[string, int](2, 0)
	c.Set("a", 1)
	c.Set("b", 2)
	_, _ = c.Get("a") // touch a, making b the LRU
	c.Set("c", 3)     // evicts b

	_, ok := c.Get("b")
	assert.False(t, ok)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestLRUExpiresOnRead(t *testing.T) {
	c := NewLRU[string, int](4, 10*time.Millisecond)
	c.Set("a", 1)
	time.Sleep(20 * time.Millisecond)
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestWindowedCounterPrunesOldEvents(t *testing.T) {
	w := NewWindowedCounter(50*time.Millisecond, 0)
	base := time.Now()
	w.Record(base)
	assert.Equal(t, 1, w.Count(base))
	assert.Equal(t, 0, w.Count(base.Add(100*time.Millisecond)))
}

func TestRingEvictsFromFront(t *testing.T) {
	r := NewRing[int](3)
	r.Append(1)
	r.Append(2)
	r.Append(3)
	r.Append(4)
	assert.Equal(t, []int{2, 3, 4}, r.Items())
	last, ok := r.Last()
	require.True(t, ok)
	assert.Equal(t, 4, last)
}
