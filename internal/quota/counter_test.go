package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCounter_ResetsOnNewDay(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()
	id := uuid.New()
	day1 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	for i := 0; i < 3; i++ {
		_, err := c.Incr(ctx, id, day1)
		require.NoError(t, err)
	}
	n, _ := c.Count(ctx, id, day1)
	assert.Equal(t, 3, n)

	n, _ = c.Count(ctx, id, day2)
	assert.Equal(t, 0, n)
	n, _ = c.Incr(ctx, id, day2)
	assert.Equal(t, 1, n)
}

func TestMemoryCounter_Concurrent(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()
	id := uuid.New()
	day := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Incr(ctx, id, day)
		}()
	}
	wg.Wait()
	n, _ := c.Count(ctx, id, day)
	assert.Equal(t, 50, n)
}

func TestFallbackCounter_UsesSecondaryWhenPrimaryFails(t *testing.T) {
	secondary := NewMemoryCounter()
	c := NewFallbackCounter(failingCounter{err: errors.New("redis down")}, secondary, nil)
	ctx := context.Background()
	id := uuid.New()

	n, err := c.Incr(ctx, id, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = c.Count(ctx, id, fixedNow)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFallbackCounter_PrefersPrimary(t *testing.T) {
	primary := NewMemoryCounter()
	secondary := NewMemoryCounter()
	c := NewFallbackCounter(primary, secondary, nil)
	ctx := context.Background()
	id := uuid.New()

	_, err := c.Incr(ctx, id, fixedNow)
	require.NoError(t, err)

	n, _ := primary.Count(ctx, id, fixedNow)
	assert.Equal(t, 1, n)
	n, _ = secondary.Count(ctx, id, fixedNow)
	assert.Equal(t, 0, n)
}

func TestCounterExpiry_OutlivesDay(t *testing.T) {
	day := time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC), counterExpiry(day))
	assert.Equal(t, "2026-03-14", dayKey(day))
}
