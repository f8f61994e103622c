package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)

func TestFakeClock_StartsAtGivenTime(t *testing.T) {
	clock := NewFakeClock(epoch)
	assert.Equal(t, epoch, clock.Now())
}

func TestFakeClock_Advance(t *testing.T) {
	clock := NewFakeClock(epoch)

	clock.Advance(90 * time.Minute)
	assert.Equal(t, epoch.Add(90*time.Minute), clock.Now())

	clock.Set(epoch.Add(48 * time.Hour))
	assert.Equal(t, epoch.Add(48*time.Hour), clock.Now())
}

func TestFakeClock_AfterFiresOnDeadline(t *testing.T) {
	clock := NewFakeClock(epoch)

	ch := clock.After(time.Hour)
	assert.Equal(t, 1, clock.Waiters())

	clock.Advance(59 * time.Minute)
	select {
	case <-ch:
		t.Fatal("fired before deadline")
	default:
	}

	clock.Advance(time.Minute)
	select {
	case got := <-ch:
		assert.Equal(t, epoch.Add(time.Hour), got)
	default:
		t.Fatal("did not fire at deadline")
	}
	assert.Equal(t, 0, clock.Waiters())
}

func TestFakeClock_AfterNonPositiveFiresImmediately(t *testing.T) {
	clock := NewFakeClock(epoch)

	select {
	case got := <-clock.After(0):
		assert.Equal(t, epoch, got)
	default:
		t.Fatal("After(0) did not fire")
	}
}

func TestFakeClock_BlockUntil(t *testing.T) {
	clock := NewFakeClock(epoch)

	go func() {
		time.Sleep(10 * time.Millisecond)
		clock.After(time.Hour)
	}()

	require.True(t, clock.BlockUntil(1, time.Second))
	assert.False(t, clock.BlockUntil(2, 20*time.Millisecond))
}

func TestFakeClock_ThreadSafe(t *testing.T) {
	clock := NewFakeClock(epoch)
	const numGoroutines = 50

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			clock.After(time.Minute)
			clock.Now()
		}()
	}
	wg.Wait()

	require.Equal(t, numGoroutines, clock.Waiters())
	clock.Advance(time.Minute)
	assert.Equal(t, 0, clock.Waiters())
}
