package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMockClock_AfterFiresOnAdvance(t *testing.T) {
	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	ch := c.After(5 * time.Minute)
	assert.Equal(t, 1, c.Waiters())

	c.Advance(4 * time.Minute)
	select {
	case <-ch:
		t.Fatal("fired too early")
	default:
	}

	c.Advance(time.Minute)
	select {
	case got := <-ch:
		assert.Equal(t, start.Add(5*time.Minute), got)
	default:
		t.Fatal("expected waiter to fire")
	}
	assert.Equal(t, 0, c.Waiters())
}

func TestMockClock_AfterNonPositiveFiresImmediately(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))

	select {
	case <-c.After(0):
	default:
		t.Fatal("expected immediate fire")
	}
	assert.Equal(t, 0, c.Waiters())
}

func TestMockClock_SetBackwardsDoesNotFire(t *testing.T) {
	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	c := NewMockClock(start)
	ch := c.After(time.Hour)

	c.Set(start.Add(-time.Hour))
	assert.Equal(t, start.Add(-time.Hour), c.Now())
	assert.Equal(t, 1, c.Waiters())

	c.Set(start.Add(2 * time.Hour))
	select {
	case <-ch:
	default:
		t.Fatal("expected waiter to fire after Set forward")
	}
	assert.Equal(t, time.Hour, c.Since(start.Add(time.Hour)))
}

func TestMockClock_BlockUntil(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))

	assert.False(t, c.BlockUntil(1, 10*time.Millisecond))

	go func() {
		time.Sleep(5 * time.Millisecond)
		c.After(time.Second)
	}()
	assert.True(t, c.BlockUntil(1, time.Second))
}
