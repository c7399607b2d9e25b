// Package inbound turns raw webhook requests into queued events.
//
// The caller only learns whether the event was accepted (queued) or rejected
// before queueing; processing happens asynchronously. Deliveries carrying a
// delivery id use claim/complete/fail idempotency so a failed enqueue stays
// retryable while a queued one is deduped.
package inbound
