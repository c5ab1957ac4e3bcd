// Package repository defines the keyed-store contract the auth core is
// written against. Records are addressed by full path (session id, hashed
// identifier); no implementation needs range scans for correctness.
package repository

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no record exists at the path.
var ErrNotFound = errors.New("record not found")

// KeyedStore is the storage primitive behind sessions and login-attempt
// records. Any backend offering get/set/delete by full key satisfies it.
type KeyedStore interface {
	// Get returns the raw value stored at path, or ErrNotFound.
	Get(ctx context.Context, path string) ([]byte, error)
	// Set writes value at path, replacing any existing record. A ttl of
	// zero means no expiry.
	Set(ctx context.Context, path string, value []byte, ttl time.Duration) error
	// Delete removes the record at path. Deleting a missing path is not
	// an error.
	Delete(ctx context.Context, path string) error
}
