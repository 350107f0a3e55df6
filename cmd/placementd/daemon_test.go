package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/placement/internal/config"
	"github.com/dray-io/placement/internal/health"
	"github.com/dray-io/placement/internal/logging"
	"github.com/dray-io/placement/internal/lookup"
	"github.com/dray-io/placement/internal/metadata"
	"github.com/dray-io/placement/internal/metadata/keys"
	"github.com/dray-io/placement/internal/metadata/oxia"
	"github.com/dray-io/placement/internal/objectstore"
)

const testBroker = "127.0.0.1:6650"

type fakeHost struct{}

func (fakeHost) CPUPercent(context.Context) (float64, error) { return 20, nil }
func (fakeHost) CPUCount(context.Context) (int, error)       { return 4, nil }
func (fakeHost) Memory(context.Context) (uint64, uint64, error) {
	return 8 << 30, 2 << 30, nil
}
func (fakeHost) NetBytes(context.Context) (uint64, uint64, error) { return 0, 0, nil }

// openStore keeps the wrapped store readable after the daemon closes it.
type openStore struct {
	metadata.MetadataStore
}

func (openStore) Close() error { return nil }

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Cluster.Name = "c1"
	cfg.Broker.AdvertisedAddr = testBroker
	cfg.Broker.ServiceURL = "pulsar://" + testBroker
	cfg.Broker.ReportIntervalMs = 200
	cfg.Broker.RegisterTimeoutMs = 2000
	cfg.LoadBalancer.RankingRebuildIntervalMs = 200
	cfg.LoadBalancer.LeaderLeaseMs = 100
	cfg.LoadBalancer.SheddingIntervalMs = 200
	cfg.LoadBalancer.QuotaIntervalMs = 200
	cfg.Observability.HealthAddr = "127.0.0.1:0"
	cfg.Observability.MetricsAddr = "127.0.0.1:0"
	return cfg
}

func startDaemon(t *testing.T, cfg *config.Config, store metadata.MetadataStore, blobs objectstore.Store) *Daemon {
	t.Helper()

	logger := logging.DefaultLogger()
	logger.SetLevel(logging.LevelError)

	d, err := NewDaemon(Options{
		Config:        cfg,
		Logger:        logger,
		InstanceID:    "test-instance",
		Version:       "1.0.0",
		MetadataStore: store,
		ArchiveStore:  blobs,
		Registry:      prometheus.NewRegistry(),
		HostUsage:     fakeHost{},
	})
	require.NoError(t, err)

	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return d
}

func waitReady(t *testing.T, d *Daemon) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + d.HealthAddr() + "/readyz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 50*time.Millisecond)
}

func TestNewDaemonRequiresConfig(t *testing.T) {
	_, err := NewDaemon(Options{})
	assert.Error(t, err)

	cfg := config.Default()
	cfg.Broker.AdvertisedAddr = ""
	_, err = NewDaemon(Options{Config: cfg})
	assert.Error(t, err)

	d, err := NewDaemon(Options{Config: testConfig()})
	require.NoError(t, err)
	assert.Equal(t, testBroker, d.opts.BrokerID)
}

func TestDaemonServesLookups(t *testing.T) {
	mock := metadata.NewMockStore()
	d := startDaemon(t, testConfig(), openStore{mock}, nil)
	waitReady(t, d)

	topic := "persistent://acme/c1/ns/orders"
	resp, err := http.Get("http://" + d.HealthAddr() + "/lookup/v2/topic?topic=" + url.QueryEscape(topic) + "&role=app")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view lookup.TopicView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, testBroker, view.Broker)
	assert.Equal(t, "pulsar://"+testBroker, view.ServiceURL)

	res, err := d.Lookups().Lookup(context.Background(), topic, "app")
	require.NoError(t, err)
	assert.Equal(t, view.Bundle, res.Bundle.String())
}

func TestDaemonBecomesLeader(t *testing.T) {
	mock := metadata.NewMockStore()
	d := startDaemon(t, testConfig(), openStore{mock}, nil)

	require.Eventually(t, d.elector.IsLeader, 5*time.Second, 20*time.Millisecond)

	waitReady(t, d)
	resp, err := http.Get("http://" + d.HealthAddr() + "/debug/rankings")
	require.NoError(t, err)
	defer resp.Body.Close()

	var view health.RankingsView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.True(t, view.Leader)
	assert.Equal(t, 1, view.Brokers)
	assert.Equal(t, "availability", view.Strategy)
}

func TestDaemonDynamicConfigResizesGate(t *testing.T) {
	mock := metadata.NewMockStore()
	d := startDaemon(t, testConfig(), openStore{mock}, nil)
	assert.Equal(t, 50000, d.gate.Capacity())

	doc, err := json.Marshal(map[string]string{"maxConcurrentLookupRequest": "7"})
	require.NoError(t, err)
	_, err = mock.Put(context.Background(), keys.DynamicConfigKey, doc)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return d.gate.Capacity() == 7 }, 5*time.Second, 20*time.Millisecond)
}

func TestDaemonArchivesRankings(t *testing.T) {
	cfg := testConfig()
	cfg.Archive.Enabled = true
	blobs := objectstore.NewMockStore()

	d := startDaemon(t, cfg, openStore{metadata.NewMockStore()}, blobs)
	waitReady(t, d)

	require.Eventually(t, func() bool { return blobs.Len() > 0 }, 5*time.Second, 20*time.Millisecond)
}

func TestDaemonShutdownReleasesKeys(t *testing.T) {
	mock := metadata.NewMockStore()
	d := startDaemon(t, testConfig(), openStore{mock}, nil)
	require.Eventually(t, d.elector.IsLeader, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))

	for _, key := range []string{keys.BrokerKey(testBroker), keys.LeaderKey} {
		res, err := mock.Get(ctx, key)
		require.NoError(t, err)
		assert.False(t, res.Exists, key)
	}

	// Second shutdown is a no-op.
	require.NoError(t, d.Shutdown(ctx))
}

func TestDaemonShutdownAfterFailedStart(t *testing.T) {
	mock := metadata.NewMockStore()
	mock.FailOn(metadata.MockOpNotify, errors.New("oxia unreachable"))

	logger := logging.DefaultLogger()
	logger.SetLevel(logging.LevelError)
	d, err := NewDaemon(Options{
		Config:        testConfig(),
		Logger:        logger,
		MetadataStore: openStore{mock},
		Registry:      prometheus.NewRegistry(),
		HostUsage:     fakeHost{},
	})
	require.NoError(t, err)
	require.Error(t, d.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Shutdown(ctx) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Shutdown blocked after a failed Start")
	}
}

func TestDaemonAgainstOxia(t *testing.T) {
	store := oxia.NewTestStore(t, 5*time.Second)

	d := startDaemon(t, testConfig(), openStore{store}, nil)
	waitReady(t, d)

	res, err := d.Lookups().Lookup(context.Background(), "persistent://acme/c1/ns/payments", "app")
	require.NoError(t, err)
	assert.Equal(t, testBroker, res.Broker)
}
