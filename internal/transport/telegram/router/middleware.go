package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	logx "castbot/pkg/logx"

	"golang.org/x/time/rate"
)

// slowRequest promotes successful request logs from DEBUG to INFO.
const slowRequest = 750 * time.Millisecond

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] runs first.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func reqLogger(fallback logx.Logger, req *Request) logx.Logger {
	if req != nil && !req.Logger.IsZero() {
		return req.Logger
	}
	return fallback
}

// Observe recovers handler panics and logs every request outcome.
func Observe(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			logger := reqLogger(log, req)
			start := time.Now()
			defer func() {
				if r := recover(); r != nil {
					logger.Error("panic recovered", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
					err = fmt.Errorf("panic: %v", r)
				}
				d := time.Since(start)
				fields := []logx.Field{logx.String("kind", string(req.Update.Kind)), logx.Duration("dur", d)}
				switch {
				case err != nil:
					logger.Warn("request failed", append(fields, logx.Err(err))...)
				case d >= slowRequest:
					logger.Info("request ok", fields...)
				default:
					logger.Debug("request ok", fields...)
				}
			}()
			return next(ctx, req)
		}
	}
}

// Timeout bounds the handler context; d <= 0 means no bound.
func Timeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

// floodGuard rate limits commands per sender. Owners are never limited.
type floodGuard struct {
	limit rate.Limit
	burst int

	mu   sync.Mutex
	byID map[int64]*rate.Limiter
}

const maxTrackedSenders = 4096

func newFloodGuard(perSec float64, burst int) *floodGuard {
	return &floodGuard{limit: rate.Limit(perSec), burst: burst, byID: map[int64]*rate.Limiter{}}
}

func (g *floodGuard) allow(fromID int64) bool {
	if g == nil || g.limit <= 0 {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	lim, ok := g.byID[fromID]
	if !ok {
		if len(g.byID) >= maxTrackedSenders {
			clear(g.byID)
		}
		lim = rate.NewLimiter(g.limit, g.burst)
		g.byID[fromID] = lim
	}
	return lim.Allow()
}
