package leader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/placement/internal/faults"
	"github.com/dray-io/placement/internal/metadata"
)

func TestElector_SingleLeader(t *testing.T) {
	ctx := context.Background()
	store := metadata.NewMockStore()
	a := New(store, Config{BrokerID: "a:6650"})
	b := New(store, Config{BrokerID: "b:6650"})

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, b.IsLeader())

	ok, err = a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "holder renews")

	rec, exists, err := b.Current(ctx)
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, "a:6650", rec.BrokerID)
	assert.Equal(t, int64(1), rec.Epoch)
}

func TestElector_FailoverAfterSessionLoss(t *testing.T) {
	ctx := context.Background()
	store := metadata.NewMockStore()
	a := New(store, Config{BrokerID: "a:6650"})
	b := New(store, Config{BrokerID: "b:6650"})

	_, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	store.ExpireSession()

	ok, err := b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, a.IsLeader())
}

func TestElector_ResignHandsOver(t *testing.T) {
	ctx := context.Background()
	store := metadata.NewMockStore()
	a := New(store, Config{BrokerID: "a:6650"})
	b := New(store, Config{BrokerID: "b:6650"})

	_, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Resign(ctx))
	assert.False(t, a.IsLeader())
	require.NoError(t, a.Resign(ctx), "resigning twice is a no-op")

	ok, err := b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestElector_StoreErrorDropsLeadership(t *testing.T) {
	ctx := context.Background()
	store := metadata.NewMockStore()
	e := New(store, Config{BrokerID: "a:6650"})

	var mu sync.Mutex
	var changes []bool
	e.OnChange(func(v bool) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, v)
	})

	_, err := e.TryAcquire(ctx)
	require.NoError(t, err)

	store.FailOn(metadata.MockOpGet, errors.New("partitioned"))
	ok, err := e.TryAcquire(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, faults.ErrTransportFailure)
	assert.False(t, e.IsLeader())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, changes)
}

func TestElector_MalformedRecord(t *testing.T) {
	store := metadata.NewMockStore()
	store.SetRaw("/loadbalance/leader", []byte("garbage"))
	e := New(store, Config{BrokerID: "a:6650"})

	_, err := e.TryAcquire(context.Background())
	assert.ErrorIs(t, err, faults.ErrMalformedData)
}

func TestElector_StartCampaigns(t *testing.T) {
	store := metadata.NewMockStore()
	e := New(store, Config{BrokerID: "a:6650", RenewInterval: 10 * time.Millisecond})
	e.Start(context.Background())
	defer e.Stop()

	assert.Eventually(t, e.IsLeader, time.Second, 5*time.Millisecond)
	calls := store.Calls(metadata.MockOpPutEphemeral)
	assert.Eventually(t, func() bool {
		return store.Calls(metadata.MockOpPutEphemeral) > calls
	}, time.Second, 5*time.Millisecond, "leader keeps renewing")
}
