package objectstore

import (
	"context"
	"io"
	"time"
)

// MetricsRecorder records archive store operations.
// Implemented by metrics.ArchiveMetrics.
type MetricsRecorder interface {
	RecordOperation(operation string, durationSeconds float64, success bool)
	RecordBytes(direction string, n int64)
}

// Operation label values passed to MetricsRecorder.
const (
	OpPut    = "put"
	OpGet    = "get"
	OpHead   = "head"
	OpDelete = "delete"
	OpList   = "list"
)

// Byte direction label values.
const (
	DirectionRead  = "read"
	DirectionWrite = "write"
)

// InstrumentedStore wraps a Store and records metrics for each operation.
type InstrumentedStore struct {
	store   Store
	metrics MetricsRecorder
}

// NewInstrumentedStore wraps store. A nil recorder passes calls straight through.
func NewInstrumentedStore(store Store, metrics MetricsRecorder) *InstrumentedStore {
	return &InstrumentedStore{store: store, metrics: metrics}
}

func (s *InstrumentedStore) record(op string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordOperation(op, time.Since(start).Seconds(), err == nil)
	}
}

func (s *InstrumentedStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	return s.PutWithOptions(ctx, key, reader, size, contentType, PutOptions{})
}

func (s *InstrumentedStore) PutWithOptions(ctx context.Context, key string, reader io.Reader, size int64, contentType string, opts PutOptions) error {
	start := time.Now()
	err := s.store.PutWithOptions(ctx, key, reader, size, contentType, opts)
	s.record(OpPut, start, err)
	if err == nil && s.metrics != nil {
		s.metrics.RecordBytes(DirectionWrite, size)
	}
	return err
}

// Get records the read bytes when the returned reader is closed.
func (s *InstrumentedStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := s.store.Get(ctx, key)
	if err != nil || s.metrics == nil {
		s.record(OpGet, start, err)
		return rc, err
	}
	return &instrumentedReadCloser{ReadCloser: rc, start: start, metrics: s.metrics}, nil
}

func (s *InstrumentedStore) Head(ctx context.Context, key string) (ObjectMeta, error) {
	start := time.Now()
	meta, err := s.store.Head(ctx, key)
	s.record(OpHead, start, err)
	return meta, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.store.Delete(ctx, key)
	s.record(OpDelete, start, err)
	return err
}

func (s *InstrumentedStore) List(ctx context.Context, prefix string) ([]ObjectMeta, error) {
	start := time.Now()
	result, err := s.store.List(ctx, prefix)
	s.record(OpList, start, err)
	return result, err
}

func (s *InstrumentedStore) Close() error {
	return s.store.Close()
}

type instrumentedReadCloser struct {
	io.ReadCloser
	start     time.Time
	metrics   MetricsRecorder
	bytesRead int64
	readErr   bool
	closed    bool
}

func (r *instrumentedReadCloser) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.bytesRead += int64(n)
	if err != nil && err != io.EOF {
		r.readErr = true
	}
	return n, err
}

func (r *instrumentedReadCloser) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.ReadCloser.Close()
	r.metrics.RecordOperation(OpGet, time.Since(r.start).Seconds(), err == nil && !r.readErr)
	r.metrics.RecordBytes(DirectionRead, r.bytesRead)
	return err
}

var _ Store = (*InstrumentedStore)(nil)
