package gojob

import (
	"context"
	"errors"
	"testing"
	"time"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
	"github.com/goliatone/go-job/queue/worker"

	"github.com/port-labs/ocean-sub007/core"
	"github.com/port-labs/ocean-sub007/execution"
	"github.com/port-labs/ocean-sub007/webhooks"
)

func TestMessageMappingRoundTrip(t *testing.T) {
	original := core.InboundEvent{
		TraceID: "trace-1",
		Path:    "/webhook",
		Payload: map[string]any{"action": "opened"},
		Headers: map[string]string{"X-GitHub-Event": "issues"},
		Body:    []byte(`{"action":"opened"}`),
	}

	converted := ToExecutionMessage(original, 2)
	if converted.JobID != JobIDWebhookEvent {
		t.Fatalf("expected job id %q, got %q", JobIDWebhookEvent, converted.JobID)
	}
	if converted.IdempotencyKey != "trace-1" {
		t.Fatalf("expected trace id as idempotency key, got %q", converted.IdempotencyKey)
	}

	roundTrip, attempt, err := FromExecutionMessage(converted)
	if err != nil {
		t.Fatalf("from execution message: %v", err)
	}
	if attempt != 2 {
		t.Fatalf("expected attempt 2, got %d", attempt)
	}
	if roundTrip.Path != "/webhook" || roundTrip.TraceID != "trace-1" {
		t.Fatalf("unexpected identity: %+v", roundTrip)
	}
	if roundTrip.Payload["action"] != "opened" {
		t.Fatalf("expected payload to survive mapping, got %+v", roundTrip.Payload)
	}
	if roundTrip.Header("x-github-event") != "issues" {
		t.Fatalf("expected headers to survive mapping, got %+v", roundTrip.Headers)
	}
	if string(roundTrip.Body) != `{"action":"opened"}` {
		t.Fatalf("expected body to survive mapping, got %q", roundTrip.Body)
	}
}

func TestFromExecutionMessageRejectsForeignJobs(t *testing.T) {
	if _, _, err := FromExecutionMessage(&job.ExecutionMessage{JobID: "other"}); err == nil {
		t.Fatalf("expected foreign job id to fail")
	}
	if _, _, err := FromExecutionMessage(nil); err == nil {
		t.Fatalf("expected nil message to fail")
	}
}

func TestEnqueuerForwardsToQueue(t *testing.T) {
	enqueuer := &stubQueueEnqueuer{}
	adapter := NewEnqueuer(enqueuer, nil)
	event := core.InboundEvent{TraceID: "t1", Path: "/webhook", Payload: map[string]any{}}

	if err := adapter.Enqueue(context.Background(), execution.New(execution.KindWebhook), event); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if enqueuer.last == nil || enqueuer.last.ScriptPath != "/webhook" {
		t.Fatalf("expected mapped go-job message, got %+v", enqueuer.last)
	}
}

func TestEnqueuerRejectsUnclaimedEventsBeforeQueueing(t *testing.T) {
	enqueuer := &stubQueueEnqueuer{}
	registry := webhooks.NewRegistry()
	adapter := NewEnqueuer(enqueuer, webhooks.NewDispatcher(registry, core.StaticMappings(nil)))
	event := core.InboundEvent{TraceID: "t2", Path: "/unclaimed", Payload: map[string]any{}}

	err := adapter.Enqueue(context.Background(), execution.New(execution.KindWebhook), event)
	if !core.IsEventNotSupported(err) {
		t.Fatalf("expected event not supported, got %v", err)
	}
	if enqueuer.last != nil {
		t.Fatalf("expected nothing queued, got %+v", enqueuer.last)
	}
}

func TestConsumerAcksAcceptedEvents(t *testing.T) {
	delivery := &stubQueueDelivery{msg: ToExecutionMessage(core.InboundEvent{TraceID: "t1", Path: "/webhook"}, 0)}
	target := &stubTarget{}
	consumer := NewConsumer(&stubQueueDequeuer{delivery: delivery}, target, RetryPolicy{})

	if err := consumer.ConsumeOne(context.Background()); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !delivery.acked {
		t.Fatalf("expected ack on accepted event")
	}
	if len(target.events) != 1 || target.events[0].Path != "/webhook" {
		t.Fatalf("expected event to reach target, got %+v", target.events)
	}
	if target.kinds[0] != execution.KindWebhook {
		t.Fatalf("expected webhook execution context, got %q", target.kinds[0])
	}
}

func TestConsumerNacksThroughRetryPolicy(t *testing.T) {
	delivery := &stubQueueDelivery{msg: ToExecutionMessage(core.InboundEvent{Path: "/webhook"}, 2)}
	target := &stubTarget{err: errors.New("manager stopping")}
	consumer := NewConsumer(&stubQueueDequeuer{delivery: delivery}, target, RetryPolicy{
		MaxAttempts:     3,
		DeadLetterOnMax: true,
	})

	if err := consumer.ConsumeOne(context.Background()); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if delivery.acked {
		t.Fatalf("expected failed event not to be acked")
	}
	if delivery.nackOpts.Requeue || !delivery.nackOpts.DeadLetter {
		t.Fatalf("expected dead letter on third attempt, got %+v", delivery.nackOpts)
	}
}

func TestConsumerDeadLettersUnsupportedEvents(t *testing.T) {
	delivery := &stubQueueDelivery{msg: ToExecutionMessage(core.InboundEvent{Path: "/unknown"}, 0)}
	target := &stubTarget{err: core.NewEventNotSupportedError("/unknown", "")}
	consumer := NewConsumer(&stubQueueDequeuer{delivery: delivery}, target, RetryPolicy{})

	if err := consumer.ConsumeOne(context.Background()); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !delivery.nackOpts.DeadLetter {
		t.Fatalf("expected unsupported event to be dead lettered, got %+v", delivery.nackOpts)
	}
}

func TestNackRetryPolicyBoundaries(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts:     3,
		MaxDelay:        10 * time.Second,
		DeadLetterOnMax: true,
	}

	first := policy.NormalizeAttempt(queue.NackOptions{
		Delay:   30 * time.Second,
		Requeue: true,
		Reason:  " transient ",
	}, 1)
	if first.Delay != 10*time.Second {
		t.Fatalf("expected delay to be bounded, got %s", first.Delay)
	}
	if !first.Requeue {
		t.Fatalf("expected message to be requeued before max attempts")
	}
	if first.Reason != "transient" {
		t.Fatalf("expected trimmed reason, got %q", first.Reason)
	}

	last := policy.NormalizeAttempt(queue.NackOptions{Delay: time.Second, Requeue: true}, 3)
	if last.Requeue {
		t.Fatalf("expected no requeue once max attempts is reached")
	}
	if !last.DeadLetter {
		t.Fatalf("expected dead letter on max attempts")
	}
}

func TestHookBridgeEventMapping(t *testing.T) {
	now := time.Now().UTC().Add(-time.Second)
	hook := &capturingWorkerHook{}
	var bridge webhooks.WorkerHook = NewHookBridge(hook)

	bridge.OnRetry(context.Background(), webhooks.WorkerEvent{
		Path:      "/webhook",
		Handler:   "issues",
		Kind:      "issue",
		TraceID:   "trace-9",
		Attempt:   2,
		Err:       errors.New("retry"),
		StartedAt: now,
		Duration:  250 * time.Millisecond,
	})
	if hook.last.Message == nil {
		t.Fatalf("expected worker message mapping")
	}
	if hook.last.Message.JobID != JobIDWebhookRun {
		t.Fatalf("expected job id mapping, got %q", hook.last.Message.JobID)
	}
	if hook.last.Message.Parameters["handler"] != "issues" || hook.last.Message.Parameters["kind"] != "issue" {
		t.Fatalf("expected handler and kind parameters, got %+v", hook.last.Message.Parameters)
	}
	if hook.last.Attempt != 2 {
		t.Fatalf("expected attempt 2, got %d", hook.last.Attempt)
	}
	if hook.last.Duration != 250*time.Millisecond {
		t.Fatalf("expected duration mapping")
	}
	if hook.last.StartedAt.IsZero() {
		t.Fatalf("expected started_at mapping")
	}
	if hook.last.Err == nil || hook.last.Err.Error() != "retry" {
		t.Fatalf("expected error mapping")
	}
	if hook.retries != 1 {
		t.Fatalf("expected one retry callback, got %d", hook.retries)
	}
}

type stubQueueEnqueuer struct {
	last *job.ExecutionMessage
}

func (s *stubQueueEnqueuer) Enqueue(_ context.Context, msg *job.ExecutionMessage) error {
	s.last = msg
	return nil
}

type stubQueueDequeuer struct {
	delivery queue.Delivery
}

func (s *stubQueueDequeuer) Dequeue(context.Context) (queue.Delivery, error) {
	return s.delivery, nil
}

type stubQueueDelivery struct {
	msg      *job.ExecutionMessage
	acked    bool
	nackOpts queue.NackOptions
}

func (s *stubQueueDelivery) Message() *job.ExecutionMessage {
	return s.msg
}

func (s *stubQueueDelivery) Ack(context.Context) error {
	s.acked = true
	return nil
}

func (s *stubQueueDelivery) Nack(_ context.Context, opts queue.NackOptions) error {
	s.nackOpts = opts
	return nil
}

type stubTarget struct {
	err    error
	events []core.InboundEvent
	kinds  []execution.Kind
}

func (s *stubTarget) Enqueue(_ context.Context, ec *execution.Context, event core.InboundEvent) error {
	s.events = append(s.events, event.Clone())
	s.kinds = append(s.kinds, ec.Kind())
	return s.err
}

type capturingWorkerHook struct {
	last    worker.Event
	retries int
}

func (h *capturingWorkerHook) OnStart(context.Context, worker.Event)   {}
func (h *capturingWorkerHook) OnSuccess(context.Context, worker.Event) {}
func (h *capturingWorkerHook) OnFailure(context.Context, worker.Event) {}
func (h *capturingWorkerHook) OnRetry(_ context.Context, event worker.Event) {
	h.last = event
	h.retries++
}
