package middleware

import (
	"context"
	"time"

	"curryx/message"
)

// TimeOutMiddleware answers with a timeout failure when the handler takes
// longer than timeout. The handler's context is cancelled; a handler that
// ignores it keeps running in the background and its result is discarded.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return message.NewFailure(req.ID, message.Errorf(message.KindTimeout, "%s exceeded %s", method(req), timeout))
			}
		}
	}
}
