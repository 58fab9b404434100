// Package idempotency records the first response produced for a client-supplied key so a
// retried request can be answered without repeating its side effects.
//
// Records expire after a fixed retention window. Expiry is not atomic with ticket state: a
// retry that arrives after expiry is treated as a new request.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateKey is returned by Save when a live record already exists for the key.
// Callers may ignore it; the stored response is byte-identical by contract.
var ErrDuplicateKey = errors.New("idempotency key already recorded")

// DefaultTTL is the retention window for replay records.
const DefaultTTL = 24 * time.Hour

// Store maps idempotency keys to previously returned responses.
type Store interface {
	// Lookup returns the stored response for key, or ok=false when none is live.
	Lookup(ctx context.Context, key string) (response []byte, ok bool, err error)
	// Save records response under key. Records are never updated after creation.
	Save(ctx context.Context, key string, response []byte) error
}
