package middleware

import (
	"context"
	"errors"
	"time"
)

var ErrTimeout = errors.New("middleware: request timed out")

// Timeout bounds a call. The handler's context is cancelled at the deadline
// and the caller gets ErrTimeout without waiting for the handler to notice.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (*Response, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type result struct {
				resp *Response
				err  error
			}
			done := make(chan result, 1)
			go func() {
				resp, err := next(ctx, req)
				done <- result{resp, err}
			}()

			select {
			case r := <-done:
				return r.resp, r.err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return nil, ErrTimeout
				}
				return nil, ctx.Err()
			}
		}
	}
}
