// storage/storage.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package storage defines the uniform contract the backup engine uses to
// talk to object stores, plus the policy wrappers (retry, write
// verification, bandwidth limiting) composed around any backend.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound: the named object does not exist in the backend.
	ErrNotFound = errors.New("object not found")

	// ErrCapacity: the backend rejected a write for lack of space or
	// quota. Never retried.
	ErrCapacity = errors.New("backend capacity exceeded")

	// ErrReadFailed / ErrWriteFailed: a transient failure persisted
	// through every configured attempt.
	ErrReadFailed  = errors.New("read failed after retries")
	ErrWriteFailed = errors.New("write failed after retries")

	// ErrHashMismatch: a write consistency check read back different
	// bytes than were written. Never retried.
	ErrHashMismatch = errors.New("hash value mismatch")
)

// Backend is the uniform put/get/delete/list contract over named objects.
// Backends differ in transport and authentication only; everything above
// them is backend-agnostic. Implementations must be safe to invoke
// concurrently from multiple goroutines with no shared mutable state
// beyond connection pooling.
type Backend interface {
	// String returns the name of the Backend in the form of a string.
	String() string

	// Put durably stores data under key. Objects are write-once by
	// contract: storing the same key again with an identical payload is a
	// no-op.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the payload stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object under key. Best-effort, used by retention
	// logic.
	Delete(ctx context.Context, key string) error

	// List returns the keys of all objects whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Size reports the stored length of the object under key, or
	// ErrNotFound.
	Size(ctx context.Context, key string) (int64, error)
}

// permanent reports whether an error must never be retried.
func permanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrCapacity) ||
		errors.Is(err, ErrHashMismatch) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Duplicate the provided byte slice.
func dupe(src []byte) []byte {
	d := make([]byte, len(src))
	copy(d, src)
	return d
}
