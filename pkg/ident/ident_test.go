package ident

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		assert.NotEmpty(t, id)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestFakeClock_Advance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewFakeClock(start)

	assert.Equal(t, start, clock.Now())

	clock.Advance(30 * time.Second)
	assert.Equal(t, start.Add(30*time.Second), clock.Now())

	clock.Set(start.Add(time.Hour))
	assert.Equal(t, start.Add(time.Hour), clock.Now())
}
