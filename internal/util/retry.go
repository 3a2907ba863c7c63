package util

import (
	"context"
	"errors"
)

// RetryErr calls fn up to maxTries times until it returns nil. Returns
// the last error when every attempt fails. maxTries <= 0 means one try.
func RetryErr(maxTries int, fn func() error) error {
	if maxTries <= 0 {
		maxTries = 1
	}
	var lastErr error
	for i := 0; i < maxTries; i++ {
		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// Retry is RetryErr for functions returning a value.
func Retry[T any](maxTries int, fn func() (T, error)) (T, error) {
	var result T
	err := RetryErr(maxTries, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// RetryErrWithContext is RetryErr but stops immediately on context
// cancellation, both between attempts and when fn reports it.
func RetryErrWithContext(ctx context.Context, maxTries int, fn func(context.Context) error) error {
	if maxTries <= 0 {
		maxTries = 1
	}
	var lastErr error
	for i := 0; i < maxTries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
	}
	return lastErr
}

// RetryWithContext is RetryErrWithContext for functions returning a value.
func RetryWithContext[T any](ctx context.Context, maxTries int, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := RetryErrWithContext(ctx, maxTries, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = fn(ctx)
		return innerErr
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
