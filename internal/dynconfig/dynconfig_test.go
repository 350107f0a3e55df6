package dynconfig

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/dray-io/placement/internal/admission"
	"github.com/dray-io/placement/internal/faults"
	"github.com/dray-io/placement/internal/loadreport"
	"github.com/dray-io/placement/internal/metadata"
	"github.com/dray-io/placement/internal/metadata/keys"
)

var defaults = Settings{MaxConcurrentLookups: 100, MinAvailableBrokers: 1, OverloadThreshold: 85}

func TestParse(t *testing.T) {
	s, err := Parse(map[string]string{
		KeyMaxConcurrentLookups:            "7",
		KeyMinAvailableBrokers:             "3",
		KeyThresholdPrefix + "bandwidthIn": "90",
		"somethingElse":                    "ignored",
	}, defaults)
	require.NoError(t, err)
	assert.Equal(t, 7, s.MaxConcurrentLookups)
	assert.Equal(t, 3, s.MinAvailableBrokers)
	assert.Equal(t, 90.0, s.Threshold(loadreport.DimBandwidthIn))
	assert.Equal(t, 85.0, s.Threshold(loadreport.DimCPU))
	assert.Empty(t, defaults.Thresholds, "defaults are not mutated")
}

func TestParse_InvalidEntriesKeepDefaults(t *testing.T) {
	s, err := Parse(map[string]string{
		KeyMaxConcurrentLookups:     "lots",
		KeyOverloadThreshold:        "-5",
		KeyThresholdPrefix + "disk": "50",
		KeyMinAvailableBrokers:      "2",
	}, defaults)
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 3)
	assert.Equal(t, 100, s.MaxConcurrentLookups)
	assert.Equal(t, 85.0, s.OverloadThreshold)
	assert.Equal(t, 2, s.MinAvailableBrokers)
}

func TestWatcher_ResizesGateLive(t *testing.T) {
	ctx := context.Background()
	store := metadata.NewMockStore()
	store.SetRaw(keys.DynamicConfigKey, []byte(`{"maxConcurrentLookupRequest": "0"}`))

	gate := admission.NewGate(defaults.MaxConcurrentLookups, nil)
	w := NewWatcher(store, defaults, nil)
	w.OnChange(func(s Settings) { gate.Resize(s.MaxConcurrentLookups) })
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	assert.Equal(t, 0, gate.Capacity())
	_, err := gate.TryAcquire()
	assert.ErrorIs(t, err, faults.ErrTooManyRequests)

	store.SetRaw(keys.DynamicConfigKey, []byte(`{"maxConcurrentLookupRequest": "1", "loadBalancerSheddingThreshold.cpu": "70"}`))
	assert.Eventually(t, func() bool { return gate.Capacity() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 70.0, w.Thresholds()[loadreport.DimCPU])

	permit, err := gate.TryAcquire()
	require.NoError(t, err)
	permit.Release()

	store.SetRaw(keys.DynamicConfigKey, []byte(`not json`))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, gate.Capacity(), "malformed document keeps previous settings")

	require.NoError(t, store.Delete(ctx, keys.DynamicConfigKey))
	assert.Eventually(t, func() bool { return gate.Capacity() == 100 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, w.MinAvailableBrokers())
}

func TestWatcher_StartFailsOnStoreError(t *testing.T) {
	store := metadata.NewMockStore()
	store.FailOn(metadata.MockOpGet, errors.New("no route"))
	w := NewWatcher(store, defaults, nil)
	assert.ErrorIs(t, w.Start(context.Background()), faults.ErrTransportFailure)
	assert.Equal(t, defaults.MaxConcurrentLookups, w.Current().MaxConcurrentLookups)
}

func TestWatcher_StopAfterFailedWatch(t *testing.T) {
	store := metadata.NewMockStore()
	store.FailOn(metadata.MockOpNotify, errors.New("oxia unreachable"))
	w := NewWatcher(store, defaults, nil, WithResync(time.Minute))
	require.ErrorIs(t, w.Start(context.Background()), faults.ErrTransportFailure)

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked after a failed Start")
	}
}

// deafStore never delivers notifications.
type deafStore struct {
	*metadata.MockStore
}

type deafStream struct{}

func (deafStream) Next(ctx context.Context) (metadata.Notification, error) {
	<-ctx.Done()
	return metadata.Notification{}, ctx.Err()
}

func (deafStream) Close() error { return nil }

func (deafStore) Notifications(context.Context) (metadata.NotificationStream, error) {
	return deafStream{}, nil
}

func TestWatcher_ResyncAppliesMissedChange(t *testing.T) {
	store := deafStore{metadata.NewMockStore()}
	w := NewWatcher(store, defaults, nil, WithResync(10*time.Millisecond))

	var calls atomic.Int32
	w.OnChange(func(Settings) { calls.Add(1) })
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	store.SetRaw(keys.DynamicConfigKey, []byte(`{"maxConcurrentLookupRequest": "3"}`))
	assert.Eventually(t, func() bool { return w.Current().MaxConcurrentLookups == 3 }, time.Second, 5*time.Millisecond)

	// An unchanged document is not applied again.
	seen := calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, seen, calls.Load())
}
