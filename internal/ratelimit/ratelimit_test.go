package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPerKeyLimit(t *testing.T) {
	now := time.Unix(0, 0)
	l := New(2, 0)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"), "keys are independent")

	now = now.Add(61 * time.Second)
	assert.True(t, l.Allow("a"), "window slid")
}

func TestGlobalLimit(t *testing.T) {
	now := time.Unix(0, 0)
	l := New(10, 3)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	assert.True(t, l.Allow("c"))
	assert.False(t, l.Allow("d"))
}

func TestSweep(t *testing.T) {
	now := time.Unix(0, 0)
	l := NewWindow(1, 0, time.Second)
	l.now = func() time.Time { return now }

	l.Allow("a")
	l.Allow("b")
	assert.Equal(t, 0, l.Sweep())
	assert.False(t, l.Allow("b"))

	now = now.Add(2 * time.Second)
	assert.Equal(t, 2, l.Sweep())
}
