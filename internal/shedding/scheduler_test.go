package shedding

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/dray-io/placement/internal/loadreport"
	"github.com/dray-io/placement/internal/naming"
)

const (
	bundleA = "acme/c1/ns/0x00000000_0x80000000"
	bundleB = "acme/c1/ns/0x80000000_0xffffffff"
	bundleC = "acme/c1/other/0x00000000_0xffffffff"
)

type recordingUnloader struct {
	mu    sync.Mutex
	calls []Candidate
	fail  map[string]error
}

func (u *recordingUnloader) Unload(_ context.Context, bundle, broker string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls = append(u.calls, Candidate{Broker: broker, Bundle: bundle})
	return u.fail[bundle]
}

func report(dim loadreport.Dimension, usage, limit float64, bundles map[string]float64) *loadreport.LoadReport {
	r := &loadreport.LoadReport{BundleStats: map[string]loadreport.BundleStats{}}
	r.SystemResourceUsage.Set(dim, loadreport.ResourceUsage{Usage: usage, Limit: limit})
	for name, rate := range bundles {
		r.BundleStats[name] = loadreport.BundleStats{MsgRateOut: rate}
	}
	return r
}

func newScheduler(cache *loadreport.Cache, u Unloader, mutate func(*Config)) *Scheduler {
	cfg := Config{
		Cache:              cache,
		Unloader:           u,
		Interval:           time.Hour,
		GracePeriod:        30 * time.Minute,
		MaxBundlesPerCycle: 10,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

func bundlesOf(cs []Candidate) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.Broker+" "+c.Bundle)
	}
	return out
}

func TestFindCandidates_OverloadedBandwidthIn(t *testing.T) {
	s := newScheduler(loadreport.NewCache(), &recordingUnloader{}, nil)

	got := s.FindCandidates(map[string]*loadreport.LoadReport{
		"hot:6650":  report(loadreport.DimBandwidthIn, 90, 100, map[string]float64{bundleA: 10000, bundleB: 10000}),
		"idle:6650": report(loadreport.DimBandwidthIn, 0, 0, map[string]float64{bundleC: 10000, bundleC + "x": 1}),
	}, time.Now())

	require.Len(t, got, 1)
	assert.Equal(t, "hot:6650", got[0].Broker)
	assert.Equal(t, bundleA, got[0].Bundle, "equal weights fall back to bundle name")
	assert.Equal(t, 10000.0, got[0].Weight)
}

func TestFindCandidates_TakesUntilProjectedUnder(t *testing.T) {
	s := newScheduler(loadreport.NewCache(), &recordingUnloader{}, func(c *Config) {
		c.DefaultThreshold = 40
	})

	got := s.FindCandidates(map[string]*loadreport.LoadReport{
		"b1:6650": report(loadreport.DimCPU, 100, 100, map[string]float64{bundleA: 30, bundleB: 50, bundleC: 20}),
	}, time.Now())

	// 100% -> 50% after the heaviest bundle, 20% after the second.
	assert.Equal(t, []string{"b1:6650 " + bundleB, "b1:6650 " + bundleA}, bundlesOf(got))
}

func TestFindCandidates_RespectsCycleCap(t *testing.T) {
	s := newScheduler(loadreport.NewCache(), &recordingUnloader{}, func(c *Config) {
		c.MaxBundlesPerCycle = 1
		c.DefaultThreshold = 10
	})

	got := s.FindCandidates(map[string]*loadreport.LoadReport{
		"b2:6650": report(loadreport.DimMemory, 95, 100, map[string]float64{bundleA: 5, bundleB: 5}),
		"b1:6650": report(loadreport.DimMemory, 95, 100, map[string]float64{bundleA: 5, bundleB: 5}),
	}, time.Now())

	assert.Equal(t, []string{"b1:6650 " + bundleA}, bundlesOf(got))
}

func TestFindCandidates_SkipsSingleBundleBroker(t *testing.T) {
	s := newScheduler(loadreport.NewCache(), &recordingUnloader{}, nil)
	got := s.FindCandidates(map[string]*loadreport.LoadReport{
		"b1:6650": report(loadreport.DimCPU, 99, 100, map[string]float64{bundleA: 100}),
	}, time.Now())
	assert.Empty(t, got)
}

func TestFindCandidates_DynamicThresholds(t *testing.T) {
	thresholds := map[loadreport.Dimension]float64{}
	s := newScheduler(loadreport.NewCache(), &recordingUnloader{}, func(c *Config) {
		c.Thresholds = func() map[loadreport.Dimension]float64 { return thresholds }
	})
	reports := map[string]*loadreport.LoadReport{
		"b1:6650": report(loadreport.DimCPU, 70, 100, map[string]float64{bundleA: 1, bundleB: 1}),
	}

	assert.Empty(t, s.FindCandidates(reports, time.Now()))
	thresholds[loadreport.DimCPU] = 60
	assert.Len(t, s.FindCandidates(reports, time.Now()), 1)
}

type fixedEligibility map[string][]string

func (f fixedEligibility) EligibleBrokers(ns naming.NamespaceName) ([]string, error) {
	brokers, ok := f[ns.String()]
	if !ok {
		return nil, errors.New("no eligible broker")
	}
	return brokers, nil
}

func TestFindCandidates_SkipsPinnedBundles(t *testing.T) {
	s := newScheduler(loadreport.NewCache(), &recordingUnloader{}, func(c *Config) {
		c.Placement = fixedEligibility{
			"acme/c1/ns":    {"b1:6650"},
			"acme/c1/other": {"b1:6650", "b2:6650"},
		}
	})

	got := s.FindCandidates(map[string]*loadreport.LoadReport{
		"b1:6650": report(loadreport.DimCPU, 99, 100, map[string]float64{bundleA: 100, bundleB: 90, bundleC: 1}),
	}, time.Now())

	assert.Equal(t, []string{"b1:6650 " + bundleC}, bundlesOf(got))
}

func TestRunOnce_GracePeriod(t *testing.T) {
	cache := loadreport.NewCache()
	cache.Put("b1:6650", report(loadreport.DimCPU, 90, 100, map[string]float64{bundleA: 10, bundleB: 10}))
	u := &recordingUnloader{}
	now := time.Unix(1700000000, 0)
	s := newScheduler(cache, u, func(c *Config) { c.Now = func() time.Time { return now } })

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unloaded)

	now = now.Add(time.Minute)
	res, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"b1:6650 " + bundleB}, bundlesOf(res.Candidates), "recently moved bundle stays put")

	now = now.Add(time.Hour)
	res, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"b1:6650 " + bundleA}, bundlesOf(res.Candidates))
}

func TestRunOnce_FailuresDoNotStopCycle(t *testing.T) {
	cache := loadreport.NewCache()
	cache.Put("b1:6650", report(loadreport.DimCPU, 90, 100, map[string]float64{bundleA: 10, bundleB: 5}))
	cache.Put("b2:6650", report(loadreport.DimCPU, 90, 100, map[string]float64{bundleC: 10, bundleB: 5}))
	u := &recordingUnloader{fail: map[string]error{bundleA: errors.New("owner unreachable")}}
	s := newScheduler(cache, u, nil)

	res, err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 1)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Unloaded)
	assert.Len(t, u.calls, 2)

	// The failed bundle is retried next cycle.
	u.fail = nil
	res, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Contains(t, bundlesOf(res.Candidates), "b1:6650 "+bundleA)
}

func TestRunOnce_OnlyOnLeader(t *testing.T) {
	cache := loadreport.NewCache()
	cache.Put("b1:6650", report(loadreport.DimCPU, 90, 100, map[string]float64{bundleA: 10, bundleB: 10}))
	u := &recordingUnloader{}
	s := newScheduler(cache, u, func(c *Config) { c.IsLeader = func() bool { return false } })

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, u.calls)
}

func TestScheduler_StartStop(t *testing.T) {
	cache := loadreport.NewCache()
	cache.Put("b1:6650", report(loadreport.DimCPU, 90, 100, map[string]float64{bundleA: 10, bundleB: 10}))
	u := &recordingUnloader{}
	s := newScheduler(cache, u, func(c *Config) { c.Interval = 10 * time.Millisecond })

	s.Start(context.Background())
	assert.Eventually(t, func() bool {
		u.mu.Lock()
		defer u.mu.Unlock()
		return len(u.calls) > 0
	}, time.Second, 5*time.Millisecond)
	s.Stop()
}
