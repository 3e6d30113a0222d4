package middleware

import (
	"context"
	"time"

	"curryx/message"
	"curryx/metrics"
)

// MetricsMiddleware records the count and latency of served requests.
func MetricsMiddleware(c *metrics.Collector) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			c.ObserveServed(req.ServiceKey(), req.MethodName, resp.Err(), time.Since(start))
			return resp
		}
	}
}
