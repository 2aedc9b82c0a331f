// Package store persists detector session values.
package store

import (
	"context"
	"errors"

	"possum/internal/detector"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store: closed")
	// ErrReadOnly is returned by Persist on a store opened with Inspect.
	ErrReadOnly = errors.New("store: read-only")
	// ErrNoSecret is returned for a batch without a secret key hash.
	ErrNoSecret = errors.New("store: secret key hash required")
)

// Row is one stored session value.
type Row struct {
	ID         int64
	SessionID  string
	DetectorID string
	Type       detector.Type
	Seq        int
	Value      string
	HMAC       []byte
	CreatedNs  int64
	Uploaded   bool
}

// Stats summarizes a store.
type Stats struct {
	SessionID string
	Rows      int64
	Pending   int64
	Detectors int64
}

// SessionStore is implemented by every store backend.
type SessionStore interface {
	detector.Store

	Pending(ctx context.Context, detectorID string, limit int) ([]Row, error)
	MarkUploaded(ctx context.Context, ids []int64) error
	Verify(ctx context.Context, detectorID, secretKeyHash string) (corrupted []int64, err error)
	Count(ctx context.Context, detectorID string) (int64, error)
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}
