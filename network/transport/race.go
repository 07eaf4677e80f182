package transport

import (
	"context"
	"errors"
)

// Attempt is one way of producing a capability, such as a link or a bound listener.
type Attempt[T any] func(ctx context.Context) (T, error)

type raceResult[T any] struct {
	value T
	err   error
}

// Race runs a and b concurrently and returns the first successful result.
// The context passed to the loser is cancelled as soon as a winner is known.
// If both fail, the errors are joined.
func Race[T any](ctx context.Context, a, b Attempt[T]) (T, error) {
	var zero T

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so a late loser never blocks after Race has returned
	results := make(chan raceResult[T], 2)
	for _, attempt := range []Attempt[T]{a, b} {
		go func(attempt Attempt[T]) {
			v, err := attempt(ctx)
			results <- raceResult[T]{value: v, err: err}
		}(attempt)
	}

	var errs []error
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			if r.err == nil {
				return r.value, nil
			}
			errs = append(errs, r.err)
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, errors.Join(errs...)
}
