package middleware

import (
	"context"

	"curryx/message"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware rejects requests beyond r per second (token bucket of
// size burst) with a rate-limited failure.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return message.NewFailure(req.ID, message.Errorf(message.KindRateLimited, "rate limit exceeded"))
			}
			return next(ctx, req)
		}
	}
}
