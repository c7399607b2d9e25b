package gojob

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"

	"github.com/port-labs/ocean-sub007/core"
	"github.com/port-labs/ocean-sub007/execution"
	"github.com/port-labs/ocean-sub007/webhooks"
)

const (
	JobIDWebhookEvent = "ocean.webhook.event"
	JobIDWebhookRun   = "ocean.webhook.run"

	paramPath    = "path"
	paramPayload = "payload"
	paramHeaders = "headers"
	paramBody    = "body"
	paramTraceID = "trace_id"
	paramAttempt = "attempt"
	paramHandler = "handler"
	paramKind    = "kind"
)

// RetryPolicy defines queue retry bounds to avoid unbounded retry loops.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// NormalizeAttempt enforces bounded retry behavior for a nack operation.
func (p RetryPolicy) NormalizeAttempt(opts queue.NackOptions, attempt int) queue.NackOptions {
	out := opts
	out.Reason = strings.TrimSpace(out.Reason)
	if out.Delay < 0 {
		out.Delay = 0
	}
	if p.MaxDelay > 0 && out.Delay > p.MaxDelay {
		out.Delay = p.MaxDelay
	}
	if out.DeadLetter {
		out.Requeue = false
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		out.Requeue = false
		if p.DeadLetterOnMax || out.DeadLetter {
			out.DeadLetter = true
		}
	}
	if !out.Requeue && !out.DeadLetter {
		out.Requeue = true
	}
	return out
}

// ToExecutionMessage maps an inbound webhook event to a go-job message.
func ToExecutionMessage(event core.InboundEvent, attempt int) *job.ExecutionMessage {
	headers := make(map[string]any, len(event.Headers))
	for key, value := range event.Headers {
		headers[key] = value
	}
	return &job.ExecutionMessage{
		JobID:      JobIDWebhookEvent,
		ScriptPath: strings.TrimSpace(event.Path),
		Parameters: map[string]any{
			paramPath:    strings.TrimSpace(event.Path),
			paramPayload: core.CloneAnyMap(event.Payload),
			paramHeaders: headers,
			paramBody:    base64.StdEncoding.EncodeToString(event.Body),
			paramTraceID: strings.TrimSpace(event.TraceID),
			paramAttempt: attempt,
		},
		IdempotencyKey: strings.TrimSpace(event.TraceID),
	}
}

// FromExecutionMessage restores the inbound event carried by msg and the
// number of deliveries already attempted.
func FromExecutionMessage(msg *job.ExecutionMessage) (core.InboundEvent, int, error) {
	if msg == nil {
		return core.InboundEvent{}, 0, fmt.Errorf("gojob: execution message is required")
	}
	if strings.TrimSpace(msg.JobID) != JobIDWebhookEvent {
		return core.InboundEvent{}, 0, fmt.Errorf("gojob: unexpected job id %q", msg.JobID)
	}
	params := msg.Parameters
	path := stringParam(params, paramPath)
	if path == "" {
		path = strings.TrimSpace(msg.ScriptPath)
	}
	if path == "" {
		return core.InboundEvent{}, 0, fmt.Errorf("gojob: webhook path is required")
	}
	event := core.InboundEvent{
		TraceID: stringParam(params, paramTraceID),
		Path:    path,
		Payload: map[string]any{},
		Headers: map[string]string{},
	}
	if payload, ok := params[paramPayload].(map[string]any); ok {
		event.Payload = core.CloneAnyMap(payload)
	}
	switch headers := params[paramHeaders].(type) {
	case map[string]any:
		for key, value := range headers {
			event.Headers[key] = fmt.Sprint(value)
		}
	case map[string]string:
		for key, value := range headers {
			event.Headers[key] = value
		}
	}
	if encoded := stringParam(params, paramBody); encoded != "" {
		body, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return core.InboundEvent{}, 0, fmt.Errorf("gojob: decode body: %w", err)
		}
		event.Body = body
	}
	return event, intParam(params, paramAttempt), nil
}

// EventMatcher resolves the handlers claiming an event; webhooks.Dispatcher
// satisfies it.
type EventMatcher interface {
	Match(ctx context.Context, event core.InboundEvent) ([]webhooks.Match, error)
}

// Enqueuer forwards inbound events to a go-job queue instead of the
// in-process path queues. It satisfies inbound.Enqueuer. With a matcher set,
// events no handler claims are rejected before they reach the queue.
type Enqueuer struct {
	enqueuer queue.Enqueuer
	matcher  EventMatcher
}

func NewEnqueuer(enqueuer queue.Enqueuer, matcher EventMatcher) *Enqueuer {
	return &Enqueuer{enqueuer: enqueuer, matcher: matcher}
}

func (a *Enqueuer) Enqueue(ctx context.Context, _ *execution.Context, event core.InboundEvent) error {
	if a == nil || a.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	if a.matcher != nil {
		if _, err := a.matcher.Match(ctx, event); err != nil {
			return err
		}
	}
	return a.enqueuer.Enqueue(ctx, ToExecutionMessage(event, 0))
}

// EventTarget receives events drained from a go-job queue; the webhook
// manager satisfies it.
type EventTarget interface {
	Enqueue(ctx context.Context, ec *execution.Context, event core.InboundEvent) error
}

// Consumer drains a go-job queue into an EventTarget, acking accepted
// events and nacking failures through the retry policy.
type Consumer struct {
	dequeuer queue.Dequeuer
	target   EventTarget
	policy   RetryPolicy

	RetryDelay time.Duration
	Observer   *core.Observer
}

func NewConsumer(dequeuer queue.Dequeuer, target EventTarget, policy RetryPolicy) *Consumer {
	return &Consumer{dequeuer: dequeuer, target: target, policy: policy, RetryDelay: time.Second}
}

// ConsumeOne processes a single delivery.
func (c *Consumer) ConsumeOne(ctx context.Context) error {
	if c == nil || c.dequeuer == nil || c.target == nil {
		return fmt.Errorf("gojob: consumer is not configured")
	}
	delivery, err := c.dequeuer.Dequeue(ctx)
	if err != nil {
		return err
	}
	if delivery == nil {
		return nil
	}
	event, attempt, err := FromExecutionMessage(delivery.Message())
	if err != nil {
		return delivery.Nack(ctx, queue.NackOptions{DeadLetter: true, Reason: err.Error()})
	}
	attempt++

	ec := execution.Current(ctx).Child(
		execution.KindWebhook,
		execution.WithTrigger("queue"),
		execution.WithAttributes(map[string]any{
			paramTraceID:   event.TraceID,
			"webhook_path": event.Path,
		}),
	)
	defer ec.Release()

	start := time.Now()
	enqueueErr := c.target.Enqueue(ctx, ec, event)
	c.Observer.ObserveOperation(ctx, start, "queue_consume", enqueueErr, map[string]any{
		"path":     event.Path,
		"trace_id": event.TraceID,
		"attempt":  attempt,
	})
	if enqueueErr == nil {
		return delivery.Ack(ctx)
	}
	opts := c.policy.NormalizeAttempt(queue.NackOptions{
		Delay:      c.RetryDelay,
		Requeue:    !core.IsEventNotSupported(enqueueErr),
		DeadLetter: core.IsEventNotSupported(enqueueErr),
		Reason:     enqueueErr.Error(),
	}, attempt)
	return delivery.Nack(ctx, opts)
}

// Run consumes until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := c.ConsumeOne(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.Observer.Warn(ctx, "queue consume failed", map[string]any{"error": err.Error()})
		}
	}
}

// HookBridge exposes a go-job worker hook as a webhook worker hook so that
// go-job instrumentation observes every (mapping, handler) run.
type HookBridge struct {
	hook worker.Hook
}

func NewHookBridge(hook worker.Hook) *HookBridge {
	return &HookBridge{hook: hook}
}

func (b *HookBridge) OnStart(ctx context.Context, event webhooks.WorkerEvent) {
	if b == nil || b.hook == nil {
		return
	}
	b.hook.OnStart(ctx, toWorkerEvent(event))
}

func (b *HookBridge) OnSuccess(ctx context.Context, event webhooks.WorkerEvent) {
	if b == nil || b.hook == nil {
		return
	}
	b.hook.OnSuccess(ctx, toWorkerEvent(event))
}

func (b *HookBridge) OnFailure(ctx context.Context, event webhooks.WorkerEvent) {
	if b == nil || b.hook == nil {
		return
	}
	b.hook.OnFailure(ctx, toWorkerEvent(event))
}

func (b *HookBridge) OnRetry(ctx context.Context, event webhooks.WorkerEvent) {
	if b == nil || b.hook == nil {
		return
	}
	b.hook.OnRetry(ctx, toWorkerEvent(event))
}

func toWorkerEvent(event webhooks.WorkerEvent) worker.Event {
	return worker.Event{
		Message: &job.ExecutionMessage{
			JobID:      JobIDWebhookRun,
			ScriptPath: event.Path,
			Parameters: map[string]any{
				paramPath:    event.Path,
				paramHandler: event.Handler,
				paramKind:    event.Kind,
				paramTraceID: event.TraceID,
			},
			IdempotencyKey: event.TraceID,
		},
		Attempt:   event.Attempt,
		Err:       event.Err,
		StartedAt: event.StartedAt,
		Duration:  event.Duration,
	}
}

func stringParam(params map[string]any, key string) string {
	value, ok := params[key]
	if !ok || value == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(value))
}

func intParam(params map[string]any, key string) int {
	switch typed := params[key].(type) {
	case int:
		return typed
	case int64:
		return int(typed)
	case float64:
		return int(typed)
	default:
		return 0
	}
}

var (
	_ webhooks.WorkerHook = (*HookBridge)(nil)
	_ EventTarget         = (*Enqueuer)(nil)
	_ EventMatcher        = (*webhooks.Dispatcher)(nil)
)
