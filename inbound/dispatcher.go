package inbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"

	"github.com/port-labs/ocean-sub007/core"
	"github.com/port-labs/ocean-sub007/execution"
)

const (
	HeaderTraceID    = "X-Trace-Id"
	MetadataTraceID  = "trace_id"
	defaultClaimTTL  = 10 * time.Minute
	attributeTraceID = "trace_id"
	attributePath    = "webhook_path"
)

type Verifier interface {
	Verify(ctx context.Context, req core.InboundRequest) error
}

// Enqueuer accepts a normalized event for asynchronous processing.
// webhooks.Manager satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, ec *execution.Context, event core.InboundEvent) error
}

// ClaimStore provides claim/complete/fail idempotency keyed by delivery id.
type ClaimStore interface {
	Claim(ctx context.Context, key string, lease time.Duration) (claimID string, accepted bool, err error)
	Complete(ctx context.Context, claimID string) error
	Fail(ctx context.Context, claimID string, cause error, retryAt time.Time) error
}

// IdempotencyKeyExtractor returns the delivery key of req; an empty key
// disables deduplication for that request.
type IdempotencyKeyExtractor func(req core.InboundRequest) string

type Dispatcher struct {
	Enqueuer   Enqueuer
	Verifier   Verifier
	Store      ClaimStore
	ExtractKey IdempotencyKeyExtractor
	KeyTTL     time.Duration
	Observer   *core.Observer
}

func NewDispatcher(enqueuer Enqueuer, verifier Verifier, store ClaimStore) *Dispatcher {
	return &Dispatcher{
		Enqueuer:   enqueuer,
		Verifier:   verifier,
		Store:      store,
		ExtractKey: DefaultIdempotencyKeyExtractor,
		KeyTTL:     defaultClaimTTL,
	}
}

// Dispatch builds an InboundEvent from req and queues it. A nil error means
// the event was accepted for processing, not that it was processed.
func (d *Dispatcher) Dispatch(ctx context.Context, req core.InboundRequest) (result core.InboundResult, err error) {
	if d == nil || d.Enqueuer == nil {
		return core.InboundResult{}, inboundInternal("inbound: dispatcher is not configured", nil)
	}
	start := time.Now()
	defer func() {
		d.Observer.ObserveOperation(ctx, start, "inbound_dispatch", err, map[string]any{
			"path":     req.Path,
			"trace_id": result.TraceID,
		})
	}()

	path, pathErr := core.NormalizePath(req.Path)
	if pathErr != nil {
		return rejected(http.StatusBadRequest, ""), inboundBadInput(pathErr.Error(), map[string]any{"path": req.Path})
	}
	req.Path = path
	traceID := resolveTraceID(req)

	if d.Verifier != nil {
		if verifyErr := d.Verifier.Verify(ctx, req); verifyErr != nil {
			return rejected(http.StatusUnauthorized, traceID), inboundUnauthorized(verifyErr, map[string]any{
				"path":     path,
				"trace_id": traceID,
			})
		}
	}

	payload, decodeErr := decodePayload(req.Body)
	if decodeErr != nil {
		return rejected(http.StatusBadRequest, traceID), inboundWrapError(
			decodeErr,
			goerrors.CategoryBadInput,
			"inbound: request body is not a JSON object",
			http.StatusBadRequest,
			core.ErrorBadInput,
			map[string]any{"path": path, "trace_id": traceID},
		)
	}

	claimID, duplicate, claimErr := d.claim(ctx, req)
	if claimErr != nil {
		return rejected(http.StatusInternalServerError, traceID), claimErr
	}
	if duplicate {
		return core.InboundResult{
			Accepted:   true,
			StatusCode: http.StatusOK,
			TraceID:    traceID,
			Metadata:   map[string]any{"path": path, "deduped": true},
		}, nil
	}

	event := core.InboundEvent{
		TraceID: traceID,
		Path:    path,
		Payload: payload,
		Headers: cloneHeaders(req.Headers),
		Body:    append([]byte(nil), req.Body...),
	}
	ec := execution.Current(ctx).Child(
		execution.KindWebhook,
		execution.WithTrigger("webhook"),
		execution.WithAttributes(map[string]any{
			attributeTraceID: traceID,
			attributePath:    path,
		}),
	)
	defer ec.Release()

	if enqueueErr := d.Enqueuer.Enqueue(ctx, ec, event); enqueueErr != nil {
		status := statusFor(enqueueErr)
		if failErr := d.fail(ctx, claimID, enqueueErr); failErr != nil {
			return rejected(status, traceID), errors.Join(enqueueErr, failErr)
		}
		return rejected(status, traceID), enqueueErr
	}
	if completeErr := d.complete(ctx, claimID); completeErr != nil {
		d.Observer.Warn(ctx, "inbound claim completion failed", map[string]any{
			"path":     path,
			"trace_id": traceID,
			"error":    completeErr.Error(),
		})
	}
	return core.InboundResult{
		Accepted:   true,
		StatusCode: http.StatusOK,
		TraceID:    traceID,
		Metadata:   map[string]any{"path": path},
	}, nil
}

func (d *Dispatcher) claim(ctx context.Context, req core.InboundRequest) (string, bool, error) {
	if d.Store == nil {
		return "", false, nil
	}
	extractor := d.ExtractKey
	if extractor == nil {
		extractor = DefaultIdempotencyKeyExtractor
	}
	key := strings.TrimSpace(extractor(req))
	if key == "" {
		return "", false, nil
	}
	claimID, accepted, err := d.Store.Claim(ctx, req.Path+":"+key, d.keyTTL())
	if err != nil {
		return "", false, inboundWrapError(
			err,
			goerrors.CategoryOperation,
			"inbound: idempotency claim failed",
			http.StatusInternalServerError,
			core.ErrorInternal,
			map[string]any{"path": req.Path, "idempotency": key},
		)
	}
	return claimID, !accepted, nil
}

func (d *Dispatcher) complete(ctx context.Context, claimID string) error {
	if d.Store == nil || claimID == "" {
		return nil
	}
	return d.Store.Complete(ctx, claimID)
}

func (d *Dispatcher) fail(ctx context.Context, claimID string, cause error) error {
	if d.Store == nil || claimID == "" {
		return nil
	}
	if err := d.Store.Fail(ctx, claimID, cause, time.Time{}); err != nil {
		return inboundWrapError(
			err,
			goerrors.CategoryOperation,
			"inbound: mark idempotency claim failed",
			http.StatusInternalServerError,
			core.ErrorInternal,
			map[string]any{"claim_id": claimID},
		)
	}
	return nil
}

func (d *Dispatcher) keyTTL() time.Duration {
	if d != nil && d.KeyTTL > 0 {
		return d.KeyTTL
	}
	return defaultClaimTTL
}

// DefaultIdempotencyKeyExtractor reads the provider delivery id from the
// request metadata or the common delivery headers.
func DefaultIdempotencyKeyExtractor(req core.InboundRequest) string {
	if req.Metadata != nil {
		for _, key := range []string{"idempotency_key", "delivery_id"} {
			if value := trimAny(req.Metadata[key]); value != "" {
				return value
			}
		}
	}
	for _, header := range []string{"Idempotency-Key", "X-Delivery-Id", "X-GitHub-Delivery", "X-Gitlab-Event-UUID"} {
		if value := core.HeaderValue(req.Headers, header); value != "" {
			return value
		}
	}
	return ""
}

func resolveTraceID(req core.InboundRequest) string {
	if value := core.HeaderValue(req.Headers, HeaderTraceID); value != "" {
		return value
	}
	if req.Metadata != nil {
		if value := trimAny(req.Metadata[MetadataTraceID]); value != "" {
			return value
		}
	}
	return uuid.NewString()
}

func decodePayload(body []byte) (map[string]any, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return map[string]any{}, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return payload, nil
}

func rejected(status int, traceID string) core.InboundResult {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return core.InboundResult{
		Accepted:   false,
		StatusCode: status,
		TraceID:    traceID,
		Metadata:   map[string]any{"rejected": true},
	}
}

func cloneHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(headers))
	for key, value := range headers {
		out[key] = value
	}
	return out
}

func trimAny(value any) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(value))
}
