// Package objectstore is the blob storage used for the load history archive.
//
// The archive only appends small compressed snapshots and lists them back for
// offline analysis, so the interface is limited to whole-object reads and
// writes. Implementations must be safe for concurrent use.
package objectstore

import (
	"context"
	"errors"
	"io"

	"github.com/dray-io/placement/internal/faults"
)

// Sentinel errors returned by Store implementations.
var (
	ErrNotFound           = errors.New("objectstore: object not found")
	ErrPreconditionFailed = errors.New("objectstore: precondition failed")
	ErrBucketNotFound     = errors.New("objectstore: bucket not found")
	ErrAccessDenied       = errors.New("objectstore: access denied")
	ErrClosed             = errors.New("objectstore: store is closed")
)

// ObjectError carries the operation and key that failed.
type ObjectError struct {
	Op  string
	Key string
	Err error
}

func (e *ObjectError) Error() string {
	return "objectstore: " + e.Op + " " + e.Key + ": " + e.Err.Error()
}

func (e *ObjectError) Unwrap() error { return e.Err }

// ObjectMeta describes a stored object.
type ObjectMeta struct {
	Key          string
	Size         int64
	ContentType  string
	ETag         string
	LastModified int64 // unix millis
	Metadata     map[string]string
}

// PutOptions are optional parameters for PutWithOptions.
type PutOptions struct {
	// Metadata is stored alongside the object (x-amz-meta-* on S3).
	Metadata map[string]string

	// IfNoneMatch "*" makes the write fail with ErrPreconditionFailed when
	// the key already exists.
	IfNoneMatch string
}

// Store is a flat key/object namespace.
type Store interface {
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	PutWithOptions(ctx context.Context, key string, reader io.Reader, size int64, contentType string, opts PutOptions) error

	// Get returns the full object. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	Head(ctx context.Context, key string) (ObjectMeta, error)

	// Delete is idempotent: a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns every object under prefix sorted by key.
	List(ctx context.Context, prefix string) ([]ObjectMeta, error)

	Close() error
}

// Classify maps a store error onto the control plane's fault kinds.
func Classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return faults.Wrap(faults.KindNotFound, op, err)
	case errors.Is(err, ErrAccessDenied):
		return faults.Wrap(faults.KindForbidden, op, err)
	default:
		return faults.Transport(op, err)
	}
}
