package quota

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/placement/internal/faults"
	"github.com/dray-io/placement/internal/loadreport"
	"github.com/dray-io/placement/internal/metadata"
	"github.com/dray-io/placement/internal/metadata/keys"
)

const (
	bundleA = "acme/c1/ns/0x00000000_0x80000000"
	bundleB = "acme/c1/ns/0x80000000_0xffffffff"
)

func withBundles(stats map[string]loadreport.BundleStats) *loadreport.LoadReport {
	return &loadreport.LoadReport{BundleStats: stats}
}

type captureArchiver struct{ got map[string]ResourceQuota }

func (a *captureArchiver) ArchiveQuotas(_ context.Context, q map[string]ResourceQuota) error {
	a.got = q
	return nil
}

func TestAggregate(t *testing.T) {
	got := Aggregate(map[string]*loadreport.LoadReport{
		"b1:6650": withBundles(map[string]loadreport.BundleStats{
			bundleA: {MsgRateIn: 10, MsgThroughputIn: 1000},
			bundleB: {MsgRateOut: 5},
		}),
		"b2:6650": withBundles(map[string]loadreport.BundleStats{
			bundleA: {MsgRateIn: 15, MsgThroughputIn: 500},
		}),
		"b3:6650": nil,
	})
	require.Len(t, got, 2)
	assert.Equal(t, 25.0, got[bundleA].MsgRateIn)
	assert.Equal(t, 1500.0, got[bundleA].MsgThroughputIn)
	assert.Equal(t, 5.0, got[bundleB].MsgRateOut)
}

func TestPublisher_SmoothsAndOverwrites(t *testing.T) {
	ctx := context.Background()
	store := metadata.NewMockStore()
	cache := loadreport.NewCache()
	arch := &captureArchiver{}
	p := NewPublisher(store, Config{Cache: cache, Alpha: 0.25, Archiver: arch})

	cache.Put("b1:6650", withBundles(map[string]loadreport.BundleStats{
		bundleA: {MsgRateIn: 100, CacheSize: 2 * bytesPerMB},
	}))
	res, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Written)

	q, err := p.Get(ctx, bundleA)
	require.NoError(t, err)
	assert.Equal(t, 100.0, q.MsgRateIn, "first observation is taken as is")
	assert.Equal(t, 2.0, q.Memory)
	assert.True(t, q.Dynamic)
	assert.Contains(t, arch.got, bundleA)

	cache.Put("b1:6650", withBundles(map[string]loadreport.BundleStats{
		bundleA: {MsgRateIn: 200},
	}))
	_, err = p.RunOnce(ctx)
	require.NoError(t, err)

	q, err = p.Get(ctx, bundleA)
	require.NoError(t, err)
	assert.InDelta(t, 125.0, q.MsgRateIn, 1e-9)
	assert.InDelta(t, 1.5, q.Memory, 1e-9)
}

func TestPublisher_DropsFailedWrites(t *testing.T) {
	ctx := context.Background()
	store := metadata.NewMockStore()
	cache := loadreport.NewCache()
	cache.Put("b1:6650", withBundles(map[string]loadreport.BundleStats{
		bundleA: {MsgRateIn: 1},
		bundleB: {MsgRateIn: 2},
	}))
	p := NewPublisher(store, Config{Cache: cache})

	store.FailOn(metadata.MockOpPut, errors.New("leader moved"))
	res, err := p.RunOnce(ctx)
	require.Error(t, err)
	assert.Equal(t, 2, res.Failed)
	assert.Zero(t, res.Written)
	assert.Equal(t, 2, store.Calls(metadata.MockOpPut), "no retry within the cycle")

	store.FailOn(metadata.MockOpPut, nil)
	res, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Written)

	all, err := List(ctx, store)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestPublisher_ForgetsUnreportedBundles(t *testing.T) {
	ctx := context.Background()
	store := metadata.NewMockStore()
	cache := loadreport.NewCache()
	p := NewPublisher(store, Config{Cache: cache, Alpha: 0.5})

	cache.Put("b1:6650", withBundles(map[string]loadreport.BundleStats{bundleA: {MsgRateIn: 100}}))
	_, err := p.RunOnce(ctx)
	require.NoError(t, err)

	cache.Put("b1:6650", withBundles(map[string]loadreport.BundleStats{bundleB: {MsgRateIn: 1}}))
	res, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Written)

	cache.Put("b1:6650", withBundles(map[string]loadreport.BundleStats{bundleA: {MsgRateIn: 10}}))
	_, err = p.RunOnce(ctx)
	require.NoError(t, err)
	q, err := p.Get(ctx, bundleA)
	require.NoError(t, err)
	assert.Equal(t, 10.0, q.MsgRateIn, "history restarts after a gap")
}

func TestPublisher_LeavesStaticQuotas(t *testing.T) {
	ctx := context.Background()
	store := metadata.NewMockStore()
	static, err := json.Marshal(ResourceQuota{MsgRateIn: 9999, Dynamic: false})
	require.NoError(t, err)
	store.SetRaw(keys.QuotaKey(bundleA), static)

	cache := loadreport.NewCache()
	cache.Put("b1:6650", withBundles(map[string]loadreport.BundleStats{
		bundleA: {MsgRateIn: 1},
		bundleB: {MsgRateIn: 2},
	}))
	arch := &captureArchiver{}
	p := NewPublisher(store, Config{Cache: cache, Archiver: arch})

	res, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Written)
	assert.Equal(t, 1, res.Static)
	assert.NotContains(t, arch.got, bundleA)

	q, err := p.Get(ctx, bundleA)
	require.NoError(t, err)
	assert.Equal(t, 9999.0, q.MsgRateIn)
	assert.False(t, q.Dynamic)

	q, err = p.Get(ctx, bundleB)
	require.NoError(t, err)
	assert.Equal(t, 2.0, q.MsgRateIn)
}

func TestPublisher_StaticQuotaSetDuringCycleWins(t *testing.T) {
	ctx := context.Background()
	store := &racingStore{MockStore: metadata.NewMockStore()}
	cache := loadreport.NewCache()
	cache.Put("b1:6650", withBundles(map[string]loadreport.BundleStats{bundleA: {MsgRateIn: 1}}))
	p := NewPublisher(store, Config{Cache: cache})

	res, err := p.RunOnce(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, metadata.ErrVersionMismatch)
	assert.Equal(t, 1, res.Failed)

	q, err := p.Get(ctx, bundleA)
	require.NoError(t, err)
	assert.False(t, q.Dynamic)
}

func TestPublisher_ListFailureWritesNothing(t *testing.T) {
	store := metadata.NewMockStore()
	store.FailOn(metadata.MockOpList, errors.New("unreachable"))
	cache := loadreport.NewCache()
	cache.Put("b1:6650", withBundles(map[string]loadreport.BundleStats{bundleA: {MsgRateIn: 1}}))
	p := NewPublisher(store, Config{Cache: cache})

	_, err := p.RunOnce(context.Background())
	assert.ErrorIs(t, err, faults.ErrTransportFailure)
	assert.Zero(t, store.Calls(metadata.MockOpPut))
}

// racingStore stores an operator quota right after the publisher lists.
type racingStore struct {
	*metadata.MockStore
}

func (s *racingStore) List(ctx context.Context, startKey, endKey string, limit int) ([]metadata.KV, error) {
	kvs, err := s.MockStore.List(ctx, startKey, endKey, limit)
	s.SetRaw(keys.QuotaKey(bundleA), []byte(`{"msgRateIn": 5, "dynamic": false}`))
	return kvs, err
}

func TestPublisher_OnlyOnLeader(t *testing.T) {
	store := metadata.NewMockStore()
	cache := loadreport.NewCache()
	cache.Put("b1:6650", withBundles(map[string]loadreport.BundleStats{bundleA: {MsgRateIn: 1}}))
	p := NewPublisher(store, Config{Cache: cache, IsLeader: func() bool { return false }})

	res, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, store.Calls(metadata.MockOpPut))
}

func TestGet(t *testing.T) {
	ctx := context.Background()
	store := metadata.NewMockStore()

	q, err := Get(ctx, store, bundleA)
	require.NoError(t, err)
	assert.Equal(t, DefaultQuota, q)

	store.SetRaw(keys.QuotaKey(bundleA), []byte("{"))
	_, err = Get(ctx, store, bundleA)
	assert.ErrorIs(t, err, faults.ErrMalformedData)

	store.FailOn(metadata.MockOpGet, errors.New("down"))
	_, err = Get(ctx, store, bundleA)
	assert.ErrorIs(t, err, faults.ErrTransportFailure)
}
