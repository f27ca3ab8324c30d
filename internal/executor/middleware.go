package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Middleware wraps an Executor with a cross-cutting concern.
type Middleware func(next Executor) Executor

// Wrap applies middlewares so that the first one listed is the outermost.
func Wrap(exec Executor, mws ...Middleware) Executor {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			exec = mws[i](exec)
		}
	}
	return exec
}

// WithTimeout bounds each call. A zero or negative duration disables it.
func WithTimeout(d time.Duration) Middleware {
	return func(next Executor) Executor {
		if d <= 0 {
			return next
		}
		return Func(func(ctx context.Context, req Request) (json.RawMessage, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			out, err := next.Execute(ctx, req)
			if err != nil && ctx.Err() == context.DeadlineExceeded {
				return nil, fmt.Errorf("stage %s timed out after %s: %w", req.Stage.ID, d, err)
			}
			return out, err
		})
	}
}

// RateLimit throttles calls to at most rps per second with the given burst.
// rps <= 0 disables it.
func RateLimit(rps float64, burst int) Middleware {
	return func(next Executor) Executor {
		if rps <= 0 {
			return next
		}
		if burst <= 0 {
			burst = 1
		}
		limiter := rate.NewLimiter(rate.Limit(rps), burst)
		return Func(func(ctx context.Context, req Request) (json.RawMessage, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
			return next.Execute(ctx, req)
		})
	}
}

// Logging records the duration and outcome of each call.
func Logging(logger *zap.Logger) Middleware {
	return func(next Executor) Executor {
		if logger == nil {
			return next
		}
		return Func(func(ctx context.Context, req Request) (json.RawMessage, error) {
			start := time.Now()
			out, err := next.Execute(ctx, req)
			fields := []zap.Field{
				zap.String("session_id", req.SessionID),
				zap.String("stage", req.Stage.ID),
				zap.Int("context_sources", len(req.Context)),
				zap.Duration("elapsed", time.Since(start)),
			}
			if err != nil {
				logger.Warn("stage executor failed", append(fields, zap.Error(err))...)
				return nil, err
			}
			logger.Debug("stage executor finished", append(fields, zap.Int("bytes", len(out)))...)
			return out, nil
		})
	}
}
