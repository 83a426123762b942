package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"rerpc/failure"
)

// Logging logs every call with its duration, and its failure if any.
func Logging(log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (*Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("call", req.Name()),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				info := failure.FromError(err)
				log.Warn("call failed", append(fields, zap.String("failure", info.Kind()), zap.String("error", info.Message()))...)
				return resp, err
			}
			log.Debug("call handled", fields...)
			return resp, nil
		}
	}
}
