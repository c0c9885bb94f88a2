package tier

import (
	"context"
	"sync"
	"time"

	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/errors"
	"github.com/whisperengine-ai/whisperengine-v2-sub025/pkg/owner"
)

// Turnstile admits one sweep per owner at a time. Different owners never
// wait on each other.
type Turnstile struct {
	mu      sync.Mutex
	slots   map[owner.Key]*slot
	timeout time.Duration
}

// slot is shared by the holder and every waiter of one owner. It is dropped
// from the map when the last of them leaves.
type slot struct {
	ch   chan struct{}
	refs int
}

// NewTurnstile creates a Turnstile. A non-positive timeout fails fast when
// the slot is taken.
func NewTurnstile(timeout time.Duration) *Turnstile {
	return &Turnstile{
		slots:   make(map[owner.Key]*slot),
		timeout: timeout,
	}
}

func (t *Turnstile) join(key owner.Key) *slot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		t.slots[key] = s
	}
	s.refs++
	return s
}

func (t *Turnstile) leave(key owner.Key, s *slot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(t.slots, key)
	}
}

// Acquire takes the owner's slot and returns its release func.
func (t *Turnstile) Acquire(ctx context.Context, key owner.Key) (func(), error) {
	s := t.join(key)
	release := func() func() {
		var once sync.Once
		return func() {
			once.Do(func() {
				<-s.ch
				t.leave(key, s)
			})
		}
	}

	if t.timeout <= 0 {
		select {
		case s.ch <- struct{}{}:
			return release(), nil
		default:
			t.leave(key, s)
			return nil, errors.Wrap(errors.ErrSweepInProgress, "owner %s", key)
		}
	}

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case s.ch <- struct{}{}:
		return release(), nil
	case <-timer.C:
		t.leave(key, s)
		return nil, errors.Wrap(errors.ErrSweepInProgress, "owner %s", key)
	case <-ctx.Done():
		t.leave(key, s)
		return nil, ctx.Err()
	}
}

func (t *Turnstile) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}
