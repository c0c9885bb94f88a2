package tier

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/errors"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/owner"
)

func TestTurnstileForgetsIdleOwners(t *testing.T) {
	ts := NewTurnstile(time.Second)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		release, err := ts.Acquire(ctx, owner.New(fmt.Sprintf("user%d", i), "elena"))
		require.NoError(t, err)
		release()
	}
	assert.Zero(t, ts.size())
}

func TestTurnstileKeepsSlotWhileWaiting(t *testing.T) {
	ts := NewTurnstile(time.Second)
	ctx := context.Background()
	key := owner.New("alice", "elena")

	hold, err := ts.Acquire(ctx, key)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	acquired := make(chan func(), 1)
	go func() {
		defer wg.Done()
		release, err := ts.Acquire(ctx, key)
		if err == nil {
			acquired <- release
		}
	}()

	// the waiter must join the same slot before the holder leaves
	require.Eventually(t, func() bool {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		s := ts.slots[key]
		return s != nil && s.refs == 2
	}, time.Second, time.Millisecond)

	hold()
	wg.Wait()
	release := <-acquired
	assert.Equal(t, 1, ts.size())
	release()
	assert.Zero(t, ts.size())
}

func TestTurnstileForgetsRejectedWaiters(t *testing.T) {
	ctx := context.Background()
	key := owner.New("alice", "elena")

	fast := NewTurnstile(0)
	hold, err := fast.Acquire(ctx, key)
	require.NoError(t, err)
	_, err = fast.Acquire(ctx, key)
	require.ErrorIs(t, err, errors.ErrSweepInProgress)
	hold()
	assert.Zero(t, fast.size())

	slow := NewTurnstile(time.Minute)
	hold, err = slow.Acquire(ctx, key)
	require.NoError(t, err)
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = slow.Acquire(cancelled, key)
	require.ErrorIs(t, err, context.Canceled)
	hold()
	assert.Zero(t, slow.size())
}
