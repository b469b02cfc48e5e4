// Package wait provides race and retry combinators over readiness strategies.
//
// Failures are data: a strategy that does not become ready returns a Result
// with Success=false and a TimeoutError, it never panics or returns an error.
package wait

import (
	"context"
	"errors"
	"fmt"
	"time"

	"viewguard-mcp-server/internal/config"
)

// Result is the outcome of one wait attempt.
type Result struct {
	Success  bool          `json:"success"`
	Strategy string        `json:"strategy"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// DurationMs is the elapsed wall-clock time in milliseconds.
func (r Result) DurationMs() int64 {
	return r.Duration.Milliseconds()
}

// ErrorMessage returns the failure message, or "" on success.
func (r Result) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Strategy is a self-bounded readiness check.
type Strategy func(ctx context.Context) Result

// TimeoutError reports that a strategy's own bound elapsed.
type TimeoutError struct {
	Strategy string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("wait %s: timed out after %s", e.Strategy, e.Timeout)
}

// ErrNoStrategies is returned in the Result of a race with nothing to run.
var ErrNoStrategies = errors.New("wait: no strategies")

// Options bound a polling strategy.
type Options struct {
	Timeout  time.Duration
	Interval time.Duration
}

const (
	DefaultTimeout  = 10 * time.Second
	DefaultInterval = 500 * time.Millisecond
)

func (o Options) normalized() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	return o
}

// Scaled builds Options from an unscaled base timeout using the configured
// environment multiplier and poll interval.
func Scaled(v config.VerifyConfig, base time.Duration) Options {
	return Options{Timeout: v.Scale(base), Interval: v.GetPollInterval()}
}

// Poll turns a condition into a Strategy that re-checks it every interval
// until it holds or the timeout elapses.
func Poll(name string, opts Options, cond func(ctx context.Context) bool) Strategy {
	opts = opts.normalized()
	return func(ctx context.Context) Result {
		start := time.Now()
		pctx, cancel := context.WithTimeout(ctx, opts.Timeout)
		defer cancel()

		ticker := time.NewTicker(opts.Interval)
		defer ticker.Stop()

		for {
			if cond(pctx) {
				return Result{Success: true, Strategy: name, Duration: time.Since(start)}
			}
			select {
			case <-pctx.Done():
				res := Result{Strategy: name, Duration: time.Since(start)}
				if ctx.Err() != nil {
					res.Err = ctx.Err()
				} else {
					res.Err = &TimeoutError{Strategy: name, Timeout: opts.Timeout}
				}
				return res
			case <-ticker.C:
			}
		}
	}
}

// Named wraps s so its Result reports name.
func Named(name string, s Strategy) Strategy {
	return func(ctx context.Context) Result {
		r := s(ctx)
		r.Strategy = name
		return r
	}
}

type anyConfig struct {
	cancelLosers bool
}

// AnyOption configures WaitForAny.
type AnyOption func(*anyConfig)

// CancelLosers cancels the context of strategies still running once a
// winner is found. Without it, losers run to completion in the background.
func CancelLosers() AnyOption {
	return func(c *anyConfig) { c.cancelLosers = true }
}

// WaitForAny runs all strategies concurrently and returns the first
// successful Result. If none succeeds it returns the Result of the first
// strategy in the list once every strategy has finished.
func WaitForAny(ctx context.Context, strategies []Strategy, opts ...AnyOption) Result {
	if len(strategies) == 0 {
		return Result{Strategy: "none", Err: ErrNoStrategies}
	}
	var cfg anyConfig
	for _, o := range opts {
		o(&cfg)
	}

	runCtx := ctx
	if cfg.cancelLosers {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	type indexed struct {
		i   int
		res Result
	}
	// Buffered so finished losers never block after we return.
	results := make(chan indexed, len(strategies))
	for i, s := range strategies {
		go func(i int, s Strategy) {
			results <- indexed{i: i, res: s(runCtx)}
		}(i, s)
	}

	all := make([]Result, len(strategies))
	for range strategies {
		r := <-results
		if r.res.Success {
			return r.res
		}
		all[r.i] = r.res
	}
	return all[0]
}

// WaitWithRetry invokes s up to maxRetries+1 times, sleeping delay between
// attempts, and returns the last Result. It returns early on success or when
// ctx is done.
func WaitWithRetry(ctx context.Context, s Strategy, maxRetries int, delay time.Duration) Result {
	if maxRetries < 0 {
		maxRetries = 0
	}
	var last Result
	for attempt := 0; attempt <= maxRetries; attempt++ {
		last = s(ctx)
		if last.Success || attempt == maxRetries {
			return last
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			if last.Err == nil {
				last.Err = ctx.Err()
			}
			return last
		case <-timer.C:
		}
	}
	return last
}
