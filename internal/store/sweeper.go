package store

import (
	"context"
	"time"

	"github.com/zerodha/logf"
)

// Sweep calls DeleteExpired on st every interval until ctx is cancelled.
// Sweeping is housekeeping only; reads already ignore expired sessions.
func Sweep(ctx context.Context, st Store, interval time.Duration, lo logf.Logger) {
	if interval <= 0 {
		return
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := st.DeleteExpired(ctx)
			if err != nil {
				lo.Error("error sweeping expired sessions", "error", err)
				continue
			}
			if n > 0 {
				lo.Debug("swept expired sessions", "count", n)
			}
		}
	}
}
