// Package idempotency maps client-supplied idempotency keys to the reference
// of the transaction they produced, giving retried requests at-most-once
// effect. Begin is an atomic check-and-set: two concurrent retries can never
// both proceed.
package idempotency

import (
	"context"
	"errors"
)

var (
	// ErrInFlight indicates another request holding the same key is still
	// being processed.
	ErrInFlight = errors.New("request with this idempotency key is in progress")
)

// Registry records the outcome of externally-triggered mutations keyed by
// idempotency key.
type Registry interface {
	// Begin returns the recorded result when the key has completed before
	// (done=true), otherwise atomically reserves the key for this caller.
	Begin(ctx context.Context, key string) (result string, done bool, err error)

	// Complete records the result for a key reserved by Begin.
	Complete(ctx context.Context, key, result string) error

	// Abort releases a reservation whose operation failed before having any
	// effect, allowing a later retry to proceed.
	Abort(ctx context.Context, key string) error
}
