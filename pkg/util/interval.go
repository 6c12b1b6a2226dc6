package util

import (
	"context"
	"time"
)

// RunEvery calls fn every interval until ctx is done. fn runs once right
// away. Calls never overlap.
func RunEvery(ctx context.Context, clock Clock, interval time.Duration, fn func(context.Context)) {
	for {
		fn(ctx)
		select {
		case <-ctx.Done():
			return
		case <-clock.After(interval):
		}
	}
}
