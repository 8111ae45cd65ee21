package refresh

import (
	"context"
	"math"
	"time"
)

// Backoff returns the delay that follows failed attempt k (1-based):
// base * 2^(k-1). The result saturates instead of overflowing.
func Backoff(base time.Duration, k int) time.Duration {
	if base <= 0 || k < 1 {
		return 0
	}
	shift := k - 1
	if shift > 62 || base > time.Duration(math.MaxInt64>>uint(shift)) {
		return time.Duration(math.MaxInt64)
	}
	return base << uint(shift)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
