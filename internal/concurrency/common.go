// Package concurrency has helpers for the control plane's background loops
// (reconciliation sweeps, command GC, provisioning retries).
package concurrency

import (
	mathrand "math/rand"
	"time"
)

// RunLoop invokes fn when signaled and every resync interval (with jitter),
// retrying with backoff until fn reports success. Sweeps that want plain
// periodic semantics return true unconditionally and handle per-item errors
// themselves.
func RunLoop(signal <-chan struct{}, resync, maxRetry time.Duration, fn func() bool) {
	ch := make(chan struct{}, 1)
	ch <- struct{}{} // initial sync

	go func() {
		for range signal {
			ch <- struct{}{}
		}
		close(ch)
	}()

	if resync > 0 {
		go func() {
			timer := time.NewTicker(Jitter(resync))
			for range timer.C {
				select {
				case ch <- struct{}{}:
				default:
				}
				timer.Reset(Jitter(resync))
			}
		}()
	}

	attempt := func() {
		var lastRetry time.Duration
		for {
			if fn() {
				break
			}

			if lastRetry == 0 {
				lastRetry = time.Millisecond * 50
			}
			lastRetry += lastRetry / 8
			if lastRetry > maxRetry {
				lastRetry = maxRetry
			}

			time.Sleep(Jitter(lastRetry))
		}
	}

	for range ch {
		attempt()
		time.Sleep(Jitter(time.Millisecond * 100)) // cooldown
	}
}

// Jitter spreads out periodic work so many loops started together don't
// thundering-herd the database.
func Jitter(duration time.Duration) time.Duration {
	maxJitter := int64(duration) * int64(5) / 100 // 5% jitter
	return duration + time.Duration(mathrand.Int63n(maxJitter*2)-maxJitter)
}
