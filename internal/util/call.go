package util

import (
	"context"
	"fmt"
	"time"
)

// CallWithTimeout runs fn with a context bounded by timeout (no bound when
// timeout is zero). A panic inside fn is recovered and reported as an error.
// When the deadline passes, the context error wins over whatever fn returns.
func CallWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (v T, err error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		v   T
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("provider panic: %v", r)}
			}
		}()
		v, err := fn(ctx)
		ch <- outcome{v: v, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil && ctx.Err() != nil {
			return out.v, ctx.Err()
		}
		return out.v, out.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
