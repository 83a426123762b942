package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"rerpc/failure"
)

// ErrRateLimited is returned to callers turned away by RateLimit. It maps to
// the serviceNotReady failure.
var ErrRateLimited = failure.New("rate limit", failure.NotReady("rate limit exceeded"))

// RateLimit admits calls through a token bucket of r calls per second with
// the given burst.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (*Response, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(ctx, req)
		}
	}
}
