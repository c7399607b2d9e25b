// Package webhooks routes inbound events to registered handlers.
//
// Each registered path owns exactly one FIFO queue and one worker. The worker
// re-matches every dequeued event against the active resource mappings, runs
// the matched (mapping, handler) pairs concurrently through
// authenticate -> validate -> handle, joins them and hands the outcomes to the
// reconciler. Handle runs under a deadline and an immediate retry policy for
// retryable errors.
package webhooks
