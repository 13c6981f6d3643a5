package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "slotpost/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// chain wraps h so that mw[0] runs first.
func chain(h HandlerFunc, mw ...Middleware) HandlerFunc {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}

// slowRequest promotes a successful request's log line from debug to info.
const slowRequest = 750 * time.Millisecond

func withTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if d <= 0 {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

// recoverPanics turns a handler panic into an error so one bad command
// cannot take the dispatch worker down.
func recoverPanics(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) (err error) {
		defer func() {
			if r := recover(); r != nil {
				req.Logger.Error("handler panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return next(ctx, req)
	}
}

// logRequests logs each finished request on the request's own logger.
func logRequests(next HandlerFunc) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		start := time.Now()
		err := next(ctx, req)
		took := logx.Duration("dur", time.Since(start))
		switch {
		case err != nil:
			req.Logger.Warn("request failed", took, logx.Err(err))
		case time.Since(start) >= slowRequest:
			req.Logger.Info("request ok (slow)", took)
		default:
			req.Logger.Debug("request ok", took)
		}
		return err
	}
}
