package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipline/internal/config"
)

func TestApplyDefaults(t *testing.T) {
	p := Policy{}.ApplyDefaults()
	assert.Equal(t, Default(), p)

	p = Policy{MaxAttempts: 5, InitialInterval: time.Second, MaxInterval: time.Millisecond}.ApplyDefaults()
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, time.Second, p.MaxInterval)
}

func TestFromConfig(t *testing.T) {
	p := FromConfig(config.Default().Pipeline)
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, p.InitialInterval)
	assert.Equal(t, 10*time.Second, p.MaxInterval)
	assert.Equal(t, 2.0, p.Multiplier)
}

func TestTrackerExhaustsBudget(t *testing.T) {
	tr := Policy{MaxAttempts: 3, InitialInterval: 10 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2}.Start()

	d, ok := tr.Next(false)
	require.True(t, ok)
	assert.Equal(t, 10*time.Millisecond, d)

	d, ok = tr.Next(false)
	require.True(t, ok)
	assert.Equal(t, 20*time.Millisecond, d)

	_, ok = tr.Next(false)
	assert.False(t, ok)
	assert.Equal(t, 3, tr.Attempts())
	assert.Equal(t, 2, tr.Retries())
}

func TestTrackerPartialGetsOneRetry(t *testing.T) {
	tr := Policy{MaxAttempts: 5, InitialInterval: time.Millisecond}.Start()
	_, ok := tr.Next(true)
	require.True(t, ok)
	_, ok = tr.Next(true)
	assert.False(t, ok)
	assert.Equal(t, 1, tr.Retries())
}

func TestTrackerPartialSharesBudget(t *testing.T) {
	tr := Policy{MaxAttempts: 2, InitialInterval: time.Millisecond}.Start()
	_, ok := tr.Next(false)
	require.True(t, ok)
	_, ok = tr.Next(true)
	assert.False(t, ok)
}

func TestTrackerBackoffIsCapped(t *testing.T) {
	tr := Policy{MaxAttempts: 10, InitialInterval: 4 * time.Millisecond, MaxInterval: 10 * time.Millisecond, Multiplier: 2}.Start()
	var last time.Duration
	for i := 0; i < 5; i++ {
		d, ok := tr.Next(false)
		require.True(t, ok)
		last = d
	}
	assert.Equal(t, 10*time.Millisecond, last)
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 3, InitialInterval: time.Millisecond}, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoGivesUp(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 2, InitialInterval: time.Millisecond}, func() error {
		calls++
		return errors.New("disk I/O error")
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}
