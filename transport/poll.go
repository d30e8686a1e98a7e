package transport

import (
	"context"
	"time"

	"ctrl-rpc/rpcerr"
)

// PollInterval bounds each cycle of every wait in this package. No wait ever
// blocks longer than this without re-checking cancellation and its deadline.
const PollInterval = 20 * time.Millisecond

// Forever disables the deadline of a wait; it then ends only on readiness or
// cancellation.
const Forever time.Duration = -1

// CancelCheck is polled on every wait cycle. Returning true aborts the wait
// with rpcerr.ErrCancelled.
type CancelCheck func() bool

// Wait polls ready until it reports true, returns an error, the timeout
// elapses (rpcerr.ErrTimeout), or ctx or cancel signal (rpcerr.ErrCancelled;
// a context deadline counts as a timeout).
//
// A zero timeout makes exactly one attempt; a negative timeout never expires.
func Wait(ctx context.Context, timeout time.Duration, cancel CancelCheck, ready func() (bool, error)) error {
	start := time.Now()
	for {
		ok, err := ready()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if cancel != nil && cancel() {
			return rpcerr.ErrCancelled
		}
		if err := rpcerr.FromContext(ctx); err != nil {
			return err
		}

		sleep := PollInterval
		if timeout >= 0 {
			remaining := timeout - time.Since(start)
			if remaining <= 0 {
				return rpcerr.Timeoutf("gave up after %s", timeout)
			}
			if remaining < sleep {
				sleep = remaining
			}
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}
