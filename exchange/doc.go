// Package exchange tracks in-flight exchanges by correlation id.
//
// Requests is the correlation registry for one-shot request/response
// exchanges: each entry completes exactly once, by response, remote error,
// timeout or cancellation, whichever happens first. Streams is the registry
// for subscription-style exchanges: it routes data, error and closed frames to
// the subscriber and emits a cancellation notice when the consumer cancels.
//
// Both registries are owned by a single context (guest or host). They are
// safe for concurrent use because transports deliver on their own goroutines;
// first-terminal-event-wins is enforced by removing the entry under the lock
// before completing it, which makes every losing path a no-op.
package exchange
