package dedup

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGuardShouldAllow(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	t.Run("Should allow the first trigger for a key", func(t *testing.T) {
		g := NewGuard(3 * time.Second)
		assert.True(t, g.ShouldAllow("upload:homework", base))
	})

	t.Run("Should reject a repeat inside the window", func(t *testing.T) {
		g := NewGuard(3 * time.Second)
		assert.True(t, g.ShouldAllow("upload:homework", base))
		assert.False(t, g.ShouldAllow("upload:homework", base.Add(500*time.Millisecond)))
		assert.False(t, g.ShouldAllow("upload:homework", base.Add(2999*time.Millisecond)))
	})

	t.Run("Should allow again once the window has elapsed", func(t *testing.T) {
		g := NewGuard(3 * time.Second)
		assert.True(t, g.ShouldAllow("upload:homework", base))
		assert.True(t, g.ShouldAllow("upload:homework", base.Add(3*time.Second)))
	})

	t.Run("Should not extend the window on rejected calls", func(t *testing.T) {
		g := NewGuard(3 * time.Second)
		assert.True(t, g.ShouldAllow("k", base))
		assert.False(t, g.ShouldAllow("k", base.Add(2*time.Second)))
		// measured from the accepted call, not the rejected one
		assert.True(t, g.ShouldAllow("k", base.Add(3*time.Second)))
	})

	t.Run("Should track keys independently", func(t *testing.T) {
		g := NewGuard(3 * time.Second)
		assert.True(t, g.ShouldAllow("upload:homework", base))
		assert.True(t, g.ShouldAllow("upload:practice", base))
		assert.False(t, g.ShouldAllow("upload:homework", base.Add(time.Second)))
	})
}

func TestGuardCapacity(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	g := NewGuardWithCapacity(time.Minute, 2)

	assert.True(t, g.ShouldAllow("a", base))
	assert.True(t, g.ShouldAllow("b", base))
	assert.True(t, g.ShouldAllow("c", base))
	assert.Equal(t, 2, g.last.len())

	// "a" was evicted, so it is forgotten and allowed again
	assert.True(t, g.ShouldAllow("a", base.Add(time.Second)))
	assert.False(t, g.ShouldAllow("c", base.Add(time.Second)))
}

func TestLRUCache(t *testing.T) {
	c := newLRUCache[string, int](3)
	for i := 0; i < 3; i++ {
		c.put(fmt.Sprintf("k%d", i), i)
	}

	// touch k0 so k1 becomes the eviction candidate
	v, ok := c.get("k0")
	assert.True(t, ok)
	assert.Equal(t, 0, v)

	c.put("k3", 3)
	_, ok = c.get("k1")
	assert.False(t, ok, "least recently used key should be evicted")

	c.put("k0", 10)
	v, _ = c.get("k0")
	assert.Equal(t, 10, v)
	assert.Equal(t, 3, c.len())
}
