// Package shedding moves bundles off overloaded brokers.
//
// Each cycle the leader inspects every broker's latest report. A broker is
// overloaded when any dimension's usage percentage exceeds its threshold.
// Its bundles are taken heaviest first (by message rate) until the usage
// projected after their removal is back under every exceeded threshold.
// Projection assumes usage scales with message rate:
//
//	projected = usage * (1 - removedRate/totalRate)
//
// A per-cycle cap bounds how many bundles move at once.
package shedding

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/dray-io/placement/internal/loadreport"
	"github.com/dray-io/placement/internal/logging"
	"github.com/dray-io/placement/internal/naming"
	"github.com/dray-io/placement/internal/periodic"
)

// DefaultThreshold is the usage percentage above which a dimension is overloaded.
const DefaultThreshold = 85.0

// Unloader releases a bundle from a broker so it is reassigned on next lookup.
type Unloader interface {
	Unload(ctx context.Context, bundle, brokerID string) error
}

// UnloaderFunc adapts a function to Unloader.
type UnloaderFunc func(ctx context.Context, bundle, brokerID string) error

func (f UnloaderFunc) Unload(ctx context.Context, bundle, brokerID string) error {
	return f(ctx, bundle, brokerID)
}

// EligibilityChecker lists the brokers allowed to own a namespace's bundles.
// Implemented by placement.Selector.
type EligibilityChecker interface {
	EligibleBrokers(ns naming.NamespaceName) ([]string, error)
}

// Observer records cycle outcomes. Implemented by metrics.SheddingMetrics.
type Observer interface {
	SheddingCycle(candidates, unloaded, failed int, durationSeconds float64)
}

// Config configures a Scheduler.
type Config struct {
	Cache    *loadreport.Cache
	Unloader Unloader
	Interval time.Duration

	// GracePeriod keeps a bundle in place after it was unloaded.
	GracePeriod time.Duration

	// MaxBundlesPerCycle caps unloads per cycle across all brokers.
	MaxBundlesPerCycle int

	// DefaultThreshold applies to dimensions Thresholds leaves unset.
	// Defaults to 85.
	DefaultThreshold float64

	// Thresholds returns the per-dimension overrides currently in force.
	Thresholds func() map[loadreport.Dimension]float64

	// IsLeader gates each cycle. Nil means always run.
	IsLeader func() bool

	// Placement, when set, is used to skip bundles pinned to their broker.
	Placement EligibilityChecker

	Observer Observer
	Logger   *logging.Logger
	Now      func() time.Time
}

// Candidate is a bundle chosen for unloading.
type Candidate struct {
	Broker string
	Bundle string
	// Weight is the bundle's message rate in and out.
	Weight float64
}

// Result summarizes one cycle.
type Result struct {
	Candidates []Candidate
	Unloaded   int
	Failed     int
	Skipped    bool
}

// Scheduler runs shedding cycles.
type Scheduler struct {
	cfg  Config
	log  *logging.Logger
	task *periodic.Task

	mu       sync.Mutex
	unloaded map[string]time.Time // bundle → last successful unload
}

// New creates a stopped Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DefaultThreshold <= 0 {
		cfg.DefaultThreshold = DefaultThreshold
	}
	if cfg.MaxBundlesPerCycle <= 0 {
		cfg.MaxBundlesPerCycle = 1
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Global()
	}
	s := &Scheduler{
		cfg:      cfg,
		log:      log.WithComponent("shedding"),
		unloaded: make(map[string]time.Time),
	}
	s.task = periodic.New(cfg.Interval, func(ctx context.Context) {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Warnf("shedding cycle finished with failures", map[string]any{"error": err})
		}
	})
	return s
}

func (s *Scheduler) Start(ctx context.Context) { s.task.Start(ctx) }
func (s *Scheduler) Stop()                     { s.task.Stop() }

// RunOnce runs a single cycle. Unload failures do not stop the cycle;
// they are combined into the returned error and retried next cycle.
func (s *Scheduler) RunOnce(ctx context.Context) (Result, error) {
	if s.cfg.IsLeader != nil && !s.cfg.IsLeader() {
		return Result{Skipped: true}, nil
	}

	ctx, log := logging.StartCycle(ctx, s.log)
	start := time.Now()
	now := s.cfg.Now()
	s.expireGrace(now)

	candidates := s.FindCandidates(s.cfg.Cache.Snapshot(), now)
	res := Result{Candidates: candidates}

	var errs error
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			errs = multierr.Append(errs, err)
			break
		}
		if err := s.cfg.Unloader.Unload(ctx, c.Bundle, c.Broker); err != nil {
			res.Failed++
			errs = multierr.Append(errs, fmt.Errorf("unload %s from %s: %w", c.Bundle, c.Broker, err))
			log.Warnf("bundle unload failed", map[string]any{
				"bundle": c.Bundle,
				"broker": c.Broker,
				"error":  err,
			})
			continue
		}
		res.Unloaded++
		s.mu.Lock()
		s.unloaded[c.Bundle] = now
		s.mu.Unlock()
		log.Infof("bundle unloaded", map[string]any{
			"bundle": c.Bundle,
			"broker": c.Broker,
			"weight": c.Weight,
		})
	}

	if s.cfg.Observer != nil {
		s.cfg.Observer.SheddingCycle(len(candidates), res.Unloaded, res.Failed, time.Since(start).Seconds())
	}
	if len(candidates) > 0 {
		log.Infof("shedding cycle complete", map[string]any{
			"candidates": len(candidates),
			"unloaded":   res.Unloaded,
			"failed":     res.Failed,
		})
	}
	return res, errs
}

// FindCandidates chooses the bundles to unload from reports without acting.
func (s *Scheduler) FindCandidates(reports map[string]*loadreport.LoadReport, now time.Time) []Candidate {
	thresholds := s.thresholds()
	budget := s.cfg.MaxBundlesPerCycle

	ids := make([]string, 0, len(reports))
	for id, r := range reports {
		if r != nil {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	var out []Candidate
	for _, id := range ids {
		if budget <= 0 {
			break
		}
		report := reports[id]
		over := overloaded(report.SystemResourceUsage, thresholds)
		if len(over) == 0 {
			continue
		}
		if report.NumBundles() <= 1 {
			s.log.Debugf("overloaded broker has a single bundle, not shedding", map[string]any{"broker": id})
			continue
		}

		picked := s.pick(id, report, over, thresholds, budget, now)
		budget -= len(picked)
		out = append(out, picked...)
	}
	return out
}

func (s *Scheduler) pick(id string, report *loadreport.LoadReport, over []loadreport.Dimension,
	thresholds map[loadreport.Dimension]float64, budget int, now time.Time) []Candidate {

	bundles := make([]Candidate, 0, len(report.BundleStats))
	total := 0.0
	for name, st := range report.BundleStats {
		w := st.MsgRate()
		total += w
		bundles = append(bundles, Candidate{Broker: id, Bundle: name, Weight: w})
	}
	slices.SortFunc(bundles, func(a, b Candidate) int {
		if c := cmp.Compare(b.Weight, a.Weight); c != 0 {
			return c
		}
		return cmp.Compare(a.Bundle, b.Bundle)
	})

	var picked []Candidate
	removed := 0.0
	for _, c := range bundles {
		if len(picked) >= budget {
			break
		}
		if s.inGrace(c.Bundle, now) || s.pinned(c.Bundle, id) {
			continue
		}
		picked = append(picked, c)
		removed += c.Weight
		// Without traffic there is nothing to project; one bundle is enough.
		if total <= 0 || projectedUnder(report.SystemResourceUsage, over, thresholds, removed/total) {
			break
		}
	}
	return picked
}

func overloaded(u loadreport.SystemResourceUsage, thresholds map[loadreport.Dimension]float64) []loadreport.Dimension {
	var over []loadreport.Dimension
	for _, d := range loadreport.Dimensions {
		if u.Get(d).PercentUsage() > thresholds[d] {
			over = append(over, d)
		}
	}
	return over
}

func projectedUnder(u loadreport.SystemResourceUsage, over []loadreport.Dimension,
	thresholds map[loadreport.Dimension]float64, fraction float64) bool {
	for _, d := range over {
		r := u.Get(d)
		projected := loadreport.ResourceUsage{Usage: r.Usage * (1 - fraction), Limit: r.Limit}
		if projected.PercentUsage() > thresholds[d] {
			return false
		}
	}
	return true
}

func (s *Scheduler) thresholds() map[loadreport.Dimension]float64 {
	out := make(map[loadreport.Dimension]float64, len(loadreport.Dimensions))
	var overrides map[loadreport.Dimension]float64
	if s.cfg.Thresholds != nil {
		overrides = s.cfg.Thresholds()
	}
	for _, d := range loadreport.Dimensions {
		out[d] = s.cfg.DefaultThreshold
		if v, ok := overrides[d]; ok && v > 0 {
			out[d] = v
		}
	}
	return out
}

func (s *Scheduler) inGrace(bundle string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.unloaded[bundle]
	return ok && now.Sub(at) < s.cfg.GracePeriod
}

func (s *Scheduler) expireGrace(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for b, at := range s.unloaded {
		if now.Sub(at) >= s.cfg.GracePeriod {
			delete(s.unloaded, b)
		}
	}
}

// pinned reports whether isolation leaves brokerID as the only possible
// owner of bundle. Bundles whose namespace cannot be placed anywhere else
// count as pinned.
func (s *Scheduler) pinned(bundle, brokerID string) bool {
	if s.cfg.Placement == nil {
		return false
	}
	b, err := naming.ParseBundle(bundle)
	if err != nil {
		return false
	}
	eligible, err := s.cfg.Placement.EligibleBrokers(b.Namespace)
	if err != nil {
		return true
	}
	return len(eligible) == 0 || (len(eligible) == 1 && eligible[0] == brokerID)
}
