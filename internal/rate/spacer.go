package rate

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Spacer enforces a minimum delay between consecutive requests.
type Spacer struct {
	minDelay time.Duration
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	last time.Time
}

// NewSpacer creates a Spacer. A non-positive minDelay disables spacing.
func NewSpacer(minDelay time.Duration) *Spacer {
	return &Spacer{
		minDelay: minDelay,
		now:      time.Now,
		sleep:    sleep,
	}
}

// Reserve takes the next slot and returns how long the caller must wait for it.
func (s *Spacer) Reserve() time.Duration {
	if s == nil || s.minDelay <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	slot := now
	if !s.last.IsZero() {
		if next := s.last.Add(s.minDelay); next.After(now) {
			slot = next
		}
	}
	s.last = slot
	return slot.Sub(now)
}

// Wait blocks until the caller's slot. It returns the time spent waiting.
func (s *Spacer) Wait(ctx context.Context) (time.Duration, error) {
	d := s.Reserve()
	if d <= 0 {
		return 0, nil
	}
	if err := s.sleep(ctx, d); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrWaitAborted, err)
	}
	return d, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
