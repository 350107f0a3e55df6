// Package metadata defines the MetadataStore interface: the watched
// key-value contract the control plane uses for broker liveness, load
// reports, policy documents, resource quotas and leader election.
// The default implementation uses Oxia.
package metadata

import (
	"context"
	"errors"
)

// Common errors returned by MetadataStore operations.
var (
	// ErrKeyNotFound is returned when a key does not exist.
	ErrKeyNotFound = errors.New("metadata: key not found")

	// ErrVersionMismatch is returned when the expected version does not match
	// the current version during a compare-and-set.
	ErrVersionMismatch = errors.New("metadata: version mismatch")

	// ErrSessionExpired is returned when an ephemeral key's session has expired.
	ErrSessionExpired = errors.New("metadata: session expired")

	// ErrStoreClosed is returned when operations are attempted on a closed store.
	ErrStoreClosed = errors.New("metadata: store closed")
)

// Version is a key's version in the metadata store. Zero means the key has
// never been written; versions increase on every write.
type Version int64

// NoVersion is a sentinel value indicating no version constraint.
const NoVersion Version = -1

// KV is a key-value pair with its version.
type KV struct {
	Key     string
	Value   []byte
	Version Version
}

// GetResult is the result of a Get operation.
type GetResult struct {
	Value   []byte
	Version Version
	Exists  bool
}

// Notification reports a change to a key. It does not carry the value;
// watchers re-read the key (or re-list its parent) to observe the new state.
type Notification struct {
	Key     string
	Version Version
	Deleted bool
}

// NotificationStream delivers change notifications in order.
//
//	stream, err := store.Notifications(ctx)
//	if err != nil {
//	    return err
//	}
//	defer stream.Close()
//	for {
//	    n, err := stream.Next(ctx)
//	    if err != nil {
//	        return err
//	    }
//	    // re-read n.Key
//	}
type NotificationStream interface {
	// Next blocks until the next notification is available or ctx is done.
	Next(ctx context.Context) (Notification, error)

	// Close releases the stream. Next returns an error afterwards.
	Close() error
}

// PutOption configures a Put operation.
type PutOption func(*putOptions)

type putOptions struct {
	expectedVersion *Version
}

// WithExpectedVersion makes Put a compare-and-set. Version 0 means the key
// must not exist.
func WithExpectedVersion(v Version) PutOption {
	return func(o *putOptions) {
		o.expectedVersion = &v
	}
}

// DeleteOption configures a Delete operation.
type DeleteOption func(*deleteOptions)

type deleteOptions struct {
	expectedVersion *Version
}

// WithDeleteExpectedVersion makes Delete conditional on the current version.
func WithDeleteExpectedVersion(v Version) DeleteOption {
	return func(o *deleteOptions) {
		o.expectedVersion = &v
	}
}

// ExtractExpectedVersion returns the expected version in opts, or nil.
func ExtractExpectedVersion(opts []PutOption) *Version {
	var pOpts putOptions
	for _, opt := range opts {
		opt(&pOpts)
	}
	return pOpts.expectedVersion
}

// ExtractDeleteExpectedVersion returns the expected version in opts, or nil.
func ExtractDeleteExpectedVersion(opts []DeleteOption) *Version {
	var dOpts deleteOptions
	for _, opt := range opts {
		opt(&dOpts)
	}
	return dOpts.expectedVersion
}

// EphemeralOption configures a PutEphemeral operation.
type EphemeralOption func(*ephemeralOptions)

type ephemeralOptions struct {
	expectNotExists bool
	expectedVersion *Version
}

// WithEphemeralExpectNotExists makes PutEphemeral fail with
// ErrVersionMismatch if the key already exists. Used to acquire a lease.
func WithEphemeralExpectNotExists() EphemeralOption {
	return func(o *ephemeralOptions) {
		o.expectNotExists = true
	}
}

// WithEphemeralExpectedVersion makes PutEphemeral fail with
// ErrVersionMismatch unless the key is at version v. Used to renew a lease.
func WithEphemeralExpectedVersion(v Version) EphemeralOption {
	return func(o *ephemeralOptions) {
		o.expectedVersion = &v
	}
}

// ExtractEphemeralOptions returns the options set in opts.
func ExtractEphemeralOptions(opts []EphemeralOption) (expectNotExists bool, expectedVersion *Version) {
	var o ephemeralOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.expectNotExists, o.expectedVersion
}

// MetadataStore is the coordination-service contract.
//
// All operations accept a context for cancellation and timeouts and may
// return context.Canceled or context.DeadlineExceeded.
type MetadataStore interface {
	// Get retrieves a value by key. A missing key is Exists=false, not an error.
	Get(ctx context.Context, key string) (GetResult, error)

	// Put stores a value and returns the new version.
	// With WithExpectedVersion, a mismatch returns ErrVersionMismatch.
	Put(ctx context.Context, key string, value []byte, opts ...PutOption) (Version, error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string, opts ...DeleteOption) error

	// List returns keys in [startKey, endKey) in lexicographic order.
	// An empty endKey lists every key with the prefix startKey.
	// A limit of 0 or less returns all matches.
	List(ctx context.Context, startKey, endKey string, limit int) ([]KV, error)

	// Notifications subscribes to every change in the namespace made after
	// the call returns.
	Notifications(ctx context.Context) (NotificationStream, error)

	// PutEphemeral stores a value that is deleted when this client's
	// session ends. Used for broker liveness and the leader lease.
	PutEphemeral(ctx context.Context, key string, value []byte, opts ...EphemeralOption) (Version, error)

	// Close releases resources. Later operations return ErrStoreClosed.
	Close() error
}
