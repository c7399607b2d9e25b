package webhooks

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/port-labs/ocean-sub007/core"
)

const (
	defaultHandlerTimeout = 30 * time.Second
	defaultMaxRetries     = 5
)

// Executor runs the authenticate -> validate -> handle pipeline of a single
// (mapping, handler) pair.
type Executor struct {
	Timeout           time.Duration
	DefaultMaxRetries int
	Hooks             []WorkerHook
	Observer          *core.Observer
}

func NewExecutor(cfg core.WebhookConfig, observer *core.Observer, hooks ...WorkerHook) *Executor {
	return &Executor{
		Timeout:           cfg.HandlerTimeout(),
		DefaultMaxRetries: cfg.DefaultMaxRetries,
		Hooks:             append([]WorkerHook(nil), hooks...),
		Observer:          observer,
	}
}

type handleResult struct {
	result  core.HandlerResult
	err     error
	expired bool
}

// Run never returns an error; failures are recorded on the outcome so that
// one pair cannot affect its siblings.
func (e *Executor) Run(ctx context.Context, event core.InboundEvent, match Match) core.HandlerOutcome {
	startedAt := time.Now()
	name := handlerName(match.Handler)
	outcome := core.HandlerOutcome{Mapping: match.Mapping, Handler: name}
	workerEvent := WorkerEvent{
		Path:      event.Path,
		Handler:   name,
		Kind:      match.Mapping.Kind,
		TraceID:   event.TraceID,
		StartedAt: startedAt,
	}
	hooks := hookChain(e.hooks())
	hooks.start(ctx, workerEvent)

	outcome.Result, outcome.Attempts, outcome.Err = e.pipeline(ctx, event, match, workerEvent)

	workerEvent.Attempt = outcome.Attempts
	workerEvent.Duration = time.Since(startedAt)
	workerEvent.Err = outcome.Err
	if outcome.Err != nil {
		hooks.failure(ctx, workerEvent)
	} else {
		hooks.success(ctx, workerEvent)
	}
	e.Observer.ObserveOperation(ctx, startedAt, "webhook_handler", outcome.Err, map[string]any{
		"path":     event.Path,
		"handler":  name,
		"kind":     match.Mapping.Kind,
		"trace_id": event.TraceID,
		"attempts": outcome.Attempts,
	})
	return outcome
}

// pipeline runs authenticate -> validate -> handle on its own goroutine so
// that a deadline or a cancelled ctx reaches the handler in every stage. The
// deadline bounds Handle and all of its retries; on expiry the handler is
// cancelled once and the pair is not retried.
func (e *Executor) pipeline(
	ctx context.Context,
	event core.InboundEvent,
	match Match,
	workerEvent WorkerEvent,
) (core.HandlerResult, int, error) {
	handler := match.Handler
	if handler == nil {
		return core.HandlerResult{}, 0, core.NewInternalError("webhooks: matched handler is nil", nil)
	}
	if err := ctx.Err(); err != nil {
		return core.HandlerResult{}, 0, core.NewCancelledError(workerEvent.Handler, err)
	}

	timeout := e.timeout()
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var attempts atomic.Int32
	expired := make(chan struct{})
	done := make(chan handleResult, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				done <- handleResult{err: core.NewInternalError(
					fmt.Sprintf("webhooks: handler %q panicked: %v", workerEvent.Handler, recovered),
					map[string]any{"handler": workerEvent.Handler},
				)}
			}
		}()
		done <- e.runStages(runCtx, event, match, workerEvent, timeout, expired, &attempts)
	}()

	select {
	case out := <-done:
		if out.err == nil || (!out.expired && ctx.Err() == nil) {
			return out.result, int(attempts.Load()), out.err
		}
	case <-expired:
	case <-ctx.Done():
	}
	select {
	case out := <-done:
		if out.err == nil {
			return out.result, int(attempts.Load()), nil
		}
	default:
	}
	stop()
	handler.Cancel(context.WithoutCancel(ctx))
	if parentErr := ctx.Err(); parentErr != nil {
		return core.HandlerResult{}, int(attempts.Load()), core.NewCancelledError(workerEvent.Handler, parentErr)
	}
	return core.HandlerResult{}, int(attempts.Load()), core.NewTimeoutError(workerEvent.Handler, timeout)
}

// runStages closes expired when the handle deadline passes.
func (e *Executor) runStages(
	ctx context.Context,
	event core.InboundEvent,
	match Match,
	workerEvent WorkerEvent,
	timeout time.Duration,
	expired chan<- struct{},
	attempts *atomic.Int32,
) handleResult {
	handler := match.Handler
	if err := handler.Authenticate(ctx, event.Clone()); err != nil {
		return handleResult{err: err}
	}
	if err := handler.ValidatePayload(ctx, event.Clone()); err != nil {
		return handleResult{err: err}
	}

	handleCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	stopWatch := context.AfterFunc(handleCtx, func() {
		if errors.Is(handleCtx.Err(), context.DeadlineExceeded) {
			close(expired)
		}
	})
	defer stopWatch()

	result, err := e.handleWithRetry(handleCtx, event, match, workerEvent, attempts)
	return handleResult{
		result:  result,
		err:     err,
		expired: errors.Is(handleCtx.Err(), context.DeadlineExceeded),
	}
}

func (e *Executor) handleWithRetry(
	ctx context.Context,
	event core.InboundEvent,
	match Match,
	workerEvent WorkerEvent,
	attempts *atomic.Int32,
) (core.HandlerResult, error) {
	handler := match.Handler
	maxRetries := handler.MaxRetries()
	if maxRetries < 0 {
		maxRetries = e.defaultMaxRetries()
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(maxRetries)),
		ctx,
	)
	hooks := hookChain(e.hooks())

	var result core.HandlerResult
	operation := func() error {
		attempt := attempts.Add(1)
		handled, err := handler.Handle(ctx, event.Clone(), match.Mapping)
		if err == nil {
			result = handled
			return nil
		}
		handler.OnError(context.WithoutCancel(ctx), err)
		if ctx.Err() != nil || !core.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		retryEvent := workerEvent
		retryEvent.Attempt = int(attempt)
		retryEvent.Err = err
		hooks.retry(ctx, retryEvent)
		e.logger().Warn("webhook handler attempt failed",
			"handler", workerEvent.Handler,
			"path", workerEvent.Path,
			"attempt", attempt,
			"max_retries", maxRetries,
			"error", err,
		)
		return err
	}
	if err := backoff.Retry(operation, policy); err != nil {
		return core.HandlerResult{}, err
	}
	return result, nil
}

func (e *Executor) timeout() time.Duration {
	if e != nil && e.Timeout > 0 {
		return e.Timeout
	}
	return defaultHandlerTimeout
}

func (e *Executor) defaultMaxRetries() int {
	if e != nil && e.DefaultMaxRetries >= 0 {
		return e.DefaultMaxRetries
	}
	return defaultMaxRetries
}

func (e *Executor) hooks() []WorkerHook {
	if e == nil {
		return nil
	}
	return e.Hooks
}

func (e *Executor) logger() core.Logger {
	if e == nil || e.Observer == nil {
		return glog.Nop()
	}
	return e.Observer.Logger()
}
