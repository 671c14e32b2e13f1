package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_SetGetDelete(t *testing.T) {
	c := New(time.Minute)
	defer c.Stop()

	c.Set("a", 42, time.Minute)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 42, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	c.Delete("a")
	_, ok = c.Get("a")
	assert.False(t, ok)

	// Deleting an absent key is a no-op.
	c.Delete("a")
}

func TestCache_Expiry(t *testing.T) {
	c := New(time.Minute)
	defer c.Stop()

	c.Set("short", "v", 10*time.Millisecond)

	_, ok := c.Get("short")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	_, ok = c.Get("short")
	assert.False(t, ok)
}

func TestCache_Overwrite(t *testing.T) {
	c := New(time.Minute)
	defer c.Stop()

	c.Set("k", 1, time.Minute)
	c.Set("k", 2, time.Minute)

	v, _ := c.Get("k")
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Len())
}

func TestCache_JanitorSweeps(t *testing.T) {
	c := New(10 * time.Millisecond)
	defer c.Stop()

	c.Set("gone", "v", time.Millisecond)
	c.Set("kept", "v", time.Minute)

	assert.Eventually(t, func() bool {
		return c.Len() == 1
	}, time.Second, 5*time.Millisecond)
}
