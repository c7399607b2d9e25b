package webhooks

import (
	"context"
	"time"
)

// WorkerEvent describes one (mapping, handler) pipeline run.
type WorkerEvent struct {
	Path      string
	Handler   string
	Kind      string
	TraceID   string
	Attempt   int
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

type WorkerHook interface {
	OnStart(ctx context.Context, event WorkerEvent)
	OnSuccess(ctx context.Context, event WorkerEvent)
	OnFailure(ctx context.Context, event WorkerEvent)
	OnRetry(ctx context.Context, event WorkerEvent)
}

type hookChain []WorkerHook

func (h hookChain) start(ctx context.Context, event WorkerEvent) {
	for _, hook := range h {
		if hook != nil {
			hook.OnStart(ctx, event)
		}
	}
}

func (h hookChain) success(ctx context.Context, event WorkerEvent) {
	for _, hook := range h {
		if hook != nil {
			hook.OnSuccess(ctx, event)
		}
	}
}

func (h hookChain) failure(ctx context.Context, event WorkerEvent) {
	for _, hook := range h {
		if hook != nil {
			hook.OnFailure(ctx, event)
		}
	}
}

func (h hookChain) retry(ctx context.Context, event WorkerEvent) {
	for _, hook := range h {
		if hook != nil {
			hook.OnRetry(ctx, event)
		}
	}
}
