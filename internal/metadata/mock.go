package metadata

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// Mock operation names accepted by MockStore.FailOn.
const (
	MockOpGet          = "get"
	MockOpPut          = "put"
	MockOpDelete       = "delete"
	MockOpList         = "list"
	MockOpPutEphemeral = "put_ephemeral"
	MockOpNotify       = "notifications"
)

// MockStore is an in-memory MetadataStore for tests in any package.
// Every write is fanned out as a notification to all open streams.
// Ephemeral keys are removed by ExpireSession.
type MockStore struct {
	mu        sync.RWMutex
	data      map[string]KV
	ephemeral map[string]bool
	closed    bool
	nextVer   Version
	streams   []*mockNotificationStream
	failures  map[string]error
	calls     map[string]int
	closeErr  error
}

// NewMockStore creates an empty MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		data:      make(map[string]KV),
		ephemeral: make(map[string]bool),
		nextVer:   1,
		failures:  make(map[string]error),
		calls:     make(map[string]int),
	}
}

// FailOn makes every call of op return err until cleared with a nil err.
func (m *MockStore) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Calls returns how many times op was invoked.
func (m *MockStore) Calls(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

// enter records a call and returns the injected or closed error, if any.
// Caller holds m.mu for writing.
func (m *MockStore) enter(op string) error {
	m.calls[op]++
	if m.closed {
		return ErrStoreClosed
	}
	return m.failures[op]
}

func (m *MockStore) Get(_ context.Context, key string) (GetResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(MockOpGet); err != nil {
		return GetResult{}, err
	}
	kv, ok := m.data[key]
	if !ok {
		return GetResult{Exists: false}, nil
	}
	return GetResult{Value: kv.Value, Version: kv.Version, Exists: true}, nil
}

func (m *MockStore) Put(_ context.Context, key string, value []byte, opts ...PutOption) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(MockOpPut); err != nil {
		return 0, err
	}
	if err := m.checkVersion(key, ExtractExpectedVersion(opts)); err != nil {
		return 0, err
	}
	delete(m.ephemeral, key)
	return m.write(key, value), nil
}

func (m *MockStore) Delete(_ context.Context, key string, opts ...DeleteOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(MockOpDelete); err != nil {
		return err
	}
	existing, ok := m.data[key]
	if !ok {
		return nil
	}
	if v := ExtractDeleteExpectedVersion(opts); v != nil && existing.Version != *v {
		return ErrVersionMismatch
	}
	m.remove(key)
	return nil
}

func (m *MockStore) List(_ context.Context, startKey, endKey string, limit int) ([]KV, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(MockOpList); err != nil {
		return nil, err
	}

	var keys []string
	for k := range m.data {
		if endKey == "" {
			if strings.HasPrefix(k, startKey) {
				keys = append(keys, k)
			}
		} else if k >= startKey && k < endKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	result := make([]KV, len(keys))
	for i, k := range keys {
		result[i] = m.data[k]
	}
	return result, nil
}

func (m *MockStore) PutEphemeral(_ context.Context, key string, value []byte, opts ...EphemeralOption) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(MockOpPutEphemeral); err != nil {
		return 0, err
	}
	expectNotExists, expected := ExtractEphemeralOptions(opts)
	if expectNotExists {
		if _, ok := m.data[key]; ok {
			return 0, ErrVersionMismatch
		}
	} else if err := m.checkVersion(key, expected); err != nil {
		return 0, err
	}
	m.ephemeral[key] = true
	return m.write(key, value), nil
}

func (m *MockStore) Notifications(_ context.Context) (NotificationStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enter(MockOpNotify); err != nil {
		return nil, err
	}
	s := &mockNotificationStream{ch: make(chan Notification, 256), done: make(chan struct{})}
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	for _, s := range m.streams {
		s.Close()
	}
	m.streams = nil
	return m.closeErr
}

// ExpireSession deletes every ephemeral key, as a lost client session would.
func (m *MockStore) ExpireSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.ephemeral {
		m.remove(key)
	}
}

// SetRaw writes a key without version checks or failure injection.
func (m *MockStore) SetRaw(key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.write(key, value)
}

// SimulateNotification delivers n to every open stream without touching data.
func (m *MockStore) SimulateNotification(n Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcast(n)
}

func (m *MockStore) checkVersion(key string, expected *Version) error {
	if expected == nil {
		return nil
	}
	existing, ok := m.data[key]
	if !ok && *expected != 0 {
		return ErrVersionMismatch
	}
	if ok && existing.Version != *expected {
		return ErrVersionMismatch
	}
	return nil
}

func (m *MockStore) write(key string, value []byte) Version {
	ver := m.nextVer
	m.nextVer++
	m.data[key] = KV{Key: key, Value: append([]byte(nil), value...), Version: ver}
	m.broadcast(Notification{Key: key, Version: ver})
	return ver
}

func (m *MockStore) remove(key string) {
	delete(m.data, key)
	delete(m.ephemeral, key)
	m.broadcast(Notification{Key: key, Deleted: true})
}

// broadcast drops notifications for streams whose buffer is full, like a
// watcher that fell behind; periodic resyncs must cover the gap.
func (m *MockStore) broadcast(n Notification) {
	live := m.streams[:0]
	for _, s := range m.streams {
		if s.isClosed() {
			continue
		}
		select {
		case s.ch <- n:
		default:
		}
		live = append(live, s)
	}
	m.streams = live
}

type mockNotificationStream struct {
	ch        chan Notification
	done      chan struct{}
	closeOnce sync.Once
}

var errStreamClosed = errors.New("metadata: notification stream closed")

func (s *mockNotificationStream) Next(ctx context.Context) (Notification, error) {
	select {
	case <-s.done:
		return Notification{}, errStreamClosed
	default:
	}
	select {
	case <-ctx.Done():
		return Notification{}, ctx.Err()
	case <-s.done:
		return Notification{}, errStreamClosed
	case n := <-s.ch:
		return n, nil
	}
}

func (s *mockNotificationStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *mockNotificationStream) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

var _ MetadataStore = (*MockStore)(nil)
