package provider

import (
	"context"
	"log/slog"
	"time"
)

// Middleware wraps a Describer with one cross-cutting concern.
type Middleware func(Describer) Describer

// Chain applies middlewares so the first listed is outermost.
func Chain(d Describer, mws ...Middleware) Describer {
	for i := len(mws) - 1; i >= 0; i-- {
		d = mws[i](d)
	}
	return d
}

// -------- Retry with exponential backoff --------

// WithRetry retries Describe up to maxAttempts with exponential backoff
// starting at baseDelay. Permanent errors fail immediately; if the context
// is canceled, it stops at once.
func WithRetry(maxAttempts int, baseDelay time.Duration) Middleware {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 300 * time.Millisecond
	}
	return func(next Describer) Describer {
		return &retrying{next: next, max: maxAttempts, base: baseDelay}
	}
}

type retrying struct {
	next Describer
	max  int
	base time.Duration
}

func (r *retrying) Name() string                         { return r.next.Name() }
func (r *retrying) Close() error                         { return r.next.Close() }
func (r *retrying) IsAvailable(ctx context.Context) bool { return r.next.IsAvailable(ctx) }

func (r *retrying) Describe(ctx context.Context, req Request) (*Response, error) {
	var last error
	for i := 0; i < r.max; i++ {
		resp, err := r.next.Describe(ctx, req)
		if err == nil {
			return resp, nil
		}
		if IsPermanent(err) {
			return nil, err
		}
		last = err
		if i == r.max-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		time.Sleep(r.base * time.Duration(1<<i))
	}
	return nil, last
}

// -------- Per-call timeout --------

// WithTimeout bounds every Describe call, so one item can never block the
// queue indefinitely. A timeout surfaces as a transient error.
func WithTimeout(d time.Duration) Middleware {
	return func(next Describer) Describer {
		return &timed{next: next, d: d}
	}
}

type timed struct {
	next Describer
	d    time.Duration
}

func (t *timed) Name() string                         { return t.next.Name() }
func (t *timed) Close() error                         { return t.next.Close() }
func (t *timed) IsAvailable(ctx context.Context) bool { return t.next.IsAvailable(ctx) }

func (t *timed) Describe(ctx context.Context, req Request) (*Response, error) {
	if t.d <= 0 {
		return t.next.Describe(ctx, req)
	}
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	resp, err := t.next.Describe(ctx, req)
	if err != nil && ctx.Err() == context.DeadlineExceeded && !IsPermanent(err) {
		return nil, NewTransientError(err)
	}
	return resp, err
}

// -------- Structured logging --------

// WithLogging logs every call with duration and outcome.
func WithLogging(logger *slog.Logger) Middleware {
	return func(next Describer) Describer {
		return &logged{next: next, logger: logger}
	}
}

type logged struct {
	next   Describer
	logger *slog.Logger
}

func (l *logged) Name() string                         { return l.next.Name() }
func (l *logged) Close() error                         { return l.next.Close() }
func (l *logged) IsAvailable(ctx context.Context) bool { return l.next.IsAvailable(ctx) }

func (l *logged) Describe(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := l.next.Describe(ctx, req)
	elapsed := time.Since(start).Round(time.Millisecond)
	if err != nil {
		l.logger.Warn("describe failed",
			"provider", l.next.Name(), "item", req.ItemPath,
			"elapsed", elapsed, "permanent", IsPermanent(err), "err", err)
		return nil, err
	}
	attrs := []any{
		"provider", l.next.Name(), "item", req.ItemPath, "elapsed", elapsed,
	}
	if resp.Usage != nil {
		attrs = append(attrs, "tokens", resp.Usage.Total)
	}
	l.logger.Debug("describe ok", attrs...)
	return resp, nil
}
