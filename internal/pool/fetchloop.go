package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetchpool/internal/failedlog"
	"github.com/JakeFAU/fetchpool/internal/fetch"
	"github.com/JakeFAU/fetchpool/internal/metrics"
	"github.com/JakeFAU/fetchpool/internal/progress"
)

// ProxySource issues a proxy per attempt and learns about failed attempts.
type ProxySource interface {
	PickProxy() (string, error)
	ProxyURL(endpoint string) string
	ReportFailure(ctx context.Context, endpoint string) (bool, error)
}

// FailureRecorder persists tasks that exhausted their attempts.
type FailureRecorder interface {
	Record(ctx context.Context, rec failedlog.Record) error
}

// Result is the terminal outcome of one task.
type Result struct {
	Body      string
	Succeeded bool
	Attempts  int
	LastErr   error
	Duration  time.Duration
}

// FetchLoop drives one task through Attempting(0..maxRetries-1) into either
// Succeeded or Exhausted. It is owned by a single worker.
type FetchLoop struct {
	fetcher    fetch.Fetcher
	proxies    ProxySource
	failed     FailureRecorder
	metrics    *metrics.Collectors
	logger     *zap.Logger
	maxRetries int
	backoff    time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// Run executes task to its terminal outcome. The handler runs before Run
// returns and tracker, when non-nil, is advanced exactly once.
func (l *FetchLoop) Run(ctx context.Context, task Task, tracker *progress.Tracker) Result {
	start := time.Now()
	logger := l.logger.With(zap.String("url", task.Target))
	var (
		lastErr  error
		attempts int
	)
	for n := 0; n < l.maxRetries; n++ {
		attempts++
		body, endpoint, err := l.attempt(ctx, task.Target)
		if err == nil {
			res := Result{Body: body, Succeeded: true, Attempts: attempts, Duration: time.Since(start)}
			l.invokeHandler(ctx, logger, task, body)
			if tracker != nil {
				tracker.Succeed(task.Target, attempts, len(body), res.Duration)
			}
			l.metrics.ObserveTask("succeeded")
			logger.Debug("fetch succeeded", zap.Int("attempt", attempts))
			return res
		}
		lastErr = err
		logger.Debug("fetch attempt failed",
			zap.Int("attempt", attempts),
			zap.String("proxy", endpoint),
			zap.String("kind", string(fetch.Classify(err))),
			zap.Error(err),
		)
		if endpoint != "" {
			l.reportFailure(ctx, logger, endpoint)
		}
		if ctx.Err() != nil {
			break
		}
		if err := l.sleep(ctx, l.backoff); err != nil {
			break
		}
	}
	return l.exhaust(ctx, logger, task, tracker, attempts, lastErr, time.Since(start))
}

// attempt performs a single GET and returns the decoded body together with
// the proxy endpoint it went through.
func (l *FetchLoop) attempt(ctx context.Context, target string) (string, string, error) {
	req := fetch.Request{Target: target}
	var endpoint string
	if l.proxies != nil {
		ep, err := l.proxies.PickProxy()
		if err != nil {
			l.logger.Warn("no proxy available, fetching directly", zap.String("url", target), zap.Error(err))
		} else {
			endpoint = ep
			req.ProxyURL = l.proxies.ProxyURL(ep)
		}
	}

	started := time.Now()
	resp, err := l.fetcher.Fetch(ctx, req)
	if err == nil {
		var body string
		body, err = fetch.Check(resp)
		if err == nil {
			l.metrics.ObserveAttempt(target, string(fetch.KindOK), endpoint != "", time.Since(started))
			return body, endpoint, nil
		}
	}
	l.metrics.ObserveAttempt(target, string(fetch.Classify(err)), endpoint != "", time.Since(started))
	return "", endpoint, err
}

func (l *FetchLoop) reportFailure(ctx context.Context, logger *zap.Logger, endpoint string) {
	evicted, err := l.proxies.ReportFailure(ctx, endpoint)
	if evicted {
		logger.Info("proxy evicted", zap.String("proxy", endpoint))
	}
	if err != nil {
		logger.Warn("proxy replenish failed", zap.String("proxy", endpoint), zap.Error(err))
	}
}

// invokeHandler runs the task handler and contains its panics.
func (l *FetchLoop) invokeHandler(ctx context.Context, logger *zap.Logger, task Task, body string) {
	if task.Handler == nil {
		return
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
				logger.Error("handler panicked",
					zap.String("handler", task.Handler.Name()),
					zap.ByteString("stack", debug.Stack()),
				)
			}
		}()
		return task.Handler.Handle(ctx, body)
	}()
	if err != nil {
		l.metrics.ObserveHandlerError()
		logger.Error("handler failed", zap.String("handler", task.Handler.Name()), zap.Error(err))
	}
}

func (l *FetchLoop) exhaust(
	ctx context.Context,
	logger *zap.Logger,
	task Task,
	tracker *progress.Tracker,
	attempts int,
	lastErr error,
	dur time.Duration,
) Result {
	if lastErr == nil {
		lastErr = errors.New("no attempts made")
	}
	rec := failedlog.Record{
		At:        time.Now().UTC(),
		Target:    task.Target,
		Handler:   HandlerName(task.Handler),
		Attempts:  attempts,
		LastError: lastErr.Error(),
	}
	if l.failed != nil {
		// The record is written even when ctx has ended.
		if err := l.failed.Record(context.WithoutCancel(ctx), rec); err != nil {
			logger.Error("failed task record failed", zap.Error(err))
		}
	}
	if tracker != nil {
		tracker.Exhaust(task.Target, attempts, dur, rec.LastError)
	}
	l.metrics.ObserveTask("exhausted")
	logger.Warn("fetch exhausted",
		zap.Int("attempts", attempts),
		zap.String("handler", rec.Handler),
		zap.Error(lastErr),
	)
	return Result{Attempts: attempts, LastErr: lastErr, Duration: dur}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
