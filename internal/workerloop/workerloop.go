// Package workerloop provides two pieces of worker scaffolding: Run, a
// periodic tick with a recover boundary (used by the status publisher),
// and RetryTransient, an exponential-backoff retry helper backed by
// github.com/cenkalti/backoff/v5 (used by the command ledger). The config
// reloader, aggregator and command dispatcher run their own loops.
package workerloop

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

// Tick is one iteration of periodic work. Returning an error marks the
// tick as failed; Run logs it and calls tick again at the next regular
// interval rather than crashing the worker goroutine.
type Tick func(ctx context.Context) error

// Run invokes tick every interval until ctx is canceled. A panic or error
// inside tick is caught and logged with the given component name; Run then
// simply waits for the next regular tick rather than retrying immediately,
// so a persisting failure doesn't spin hot. For transient operations that
// should retry sooner, with real backoff, use RetryTransient inside tick.
func Run(ctx context.Context, component string, interval time.Duration, tick Tick) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runTickWithRecover(ctx, component, tick)
		}
	}
}

func runTickWithRecover(ctx context.Context, component string, tick Tick) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("component", component).Interface("panic", r).Msg("worker tick panicked")
		}
	}()

	if err := tick(ctx); err != nil {
		log.Error().Str("component", component).Err(err).Msg("worker tick failed")
	}
}

// RetryTransient runs fn, retrying with exponential backoff for up to 10 s
// while fn returns an error. fn controls retryability: an error wrapped with
// backoff.Permanent stops the retries at once. Used by the command ledger
// for its connection pings and migrations; those callers return errors
// unwrapped, so every failure there is retried until the 10 s limit.
func RetryTransient(ctx context.Context, fn func() error) error {
	op := func() (struct{}, error) {
		return struct{}{}, fn()
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(10*time.Second),
	)
	return err
}
