package coord

import (
	"context"
	"fmt"
	"time"
)

// waitFor polls condition() every interval until it returns true or ctx is done.
// Tests use it to wait for socket sessions to register and unwind.
//
// Example usage:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
//	defer cancel()
//	err := waitFor(ctx, 10*time.Millisecond, func() bool {
//	    return srv.booking.Stats().Workers == 1
//	})
//	require.NoError(t, err, "worker not registered")
func waitFor(ctx context.Context, interval time.Duration, condition func() bool) error {
	if condition() {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waitFor: %w", ctx.Err())
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}
