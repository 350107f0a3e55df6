// Package quota publishes per-bundle resource quotas derived from the
// traffic brokers report. Quotas are best effort: each cycle overwrites the
// previous dynamic value and a failed write is simply dropped. A quota
// stored with dynamic=false was set by an operator and is never replaced.
package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/dray-io/placement/internal/faults"
	"github.com/dray-io/placement/internal/loadreport"
	"github.com/dray-io/placement/internal/logging"
	"github.com/dray-io/placement/internal/metadata"
	"github.com/dray-io/placement/internal/metadata/keys"
	"github.com/dray-io/placement/internal/periodic"
)

const bytesPerMB = 1024 * 1024

// ResourceQuota is the expected resource consumption of one bundle.
type ResourceQuota struct {
	MsgRateIn    float64 `json:"msgRateIn"`
	MsgRateOut   float64 `json:"msgRateOut"`
	BandwidthIn  float64 `json:"bandwidthIn"`
	BandwidthOut float64 `json:"bandwidthOut"`
	// Memory is in MB.
	Memory float64 `json:"memory"`
	// Dynamic quotas are recomputed from traffic; static ones are left alone.
	Dynamic bool `json:"dynamic"`
}

// DefaultQuota is returned for bundles without a stored quota.
var DefaultQuota = ResourceQuota{
	MsgRateIn:    40,
	MsgRateOut:   120,
	BandwidthIn:  100000,
	BandwidthOut: 300000,
	Memory:       80,
	Dynamic:      true,
}

// FromStats derives the instantaneous quota of a bundle.
func FromStats(s loadreport.BundleStats) ResourceQuota {
	return ResourceQuota{
		MsgRateIn:    s.MsgRateIn,
		MsgRateOut:   s.MsgRateOut,
		BandwidthIn:  s.MsgThroughputIn,
		BandwidthOut: s.MsgThroughputOut,
		Memory:       float64(s.CacheSize) / bytesPerMB,
		Dynamic:      true,
	}
}

// Smooth blends a new observation into q with weight alpha.
func (q ResourceQuota) Smooth(observed ResourceQuota, alpha float64) ResourceQuota {
	mix := func(prev, cur float64) float64 { return alpha*cur + (1-alpha)*prev }
	return ResourceQuota{
		MsgRateIn:    mix(q.MsgRateIn, observed.MsgRateIn),
		MsgRateOut:   mix(q.MsgRateOut, observed.MsgRateOut),
		BandwidthIn:  mix(q.BandwidthIn, observed.BandwidthIn),
		BandwidthOut: mix(q.BandwidthOut, observed.BandwidthOut),
		Memory:       mix(q.Memory, observed.Memory),
		Dynamic:      true,
	}
}

// Aggregate sums each bundle's stats over every broker reporting it.
// A bundle briefly reported by two brokers during a handover counts once
// per broker.
func Aggregate(reports map[string]*loadreport.LoadReport) map[string]loadreport.BundleStats {
	out := make(map[string]loadreport.BundleStats)
	for _, r := range reports {
		if r == nil {
			continue
		}
		for name, st := range r.BundleStats {
			acc := out[name]
			acc.Add(st)
			out[name] = acc
		}
	}
	return out
}

// Observer records cycle outcomes. Implemented by metrics.QuotaMetrics.
type Observer interface {
	QuotaCycle(written, failed int)
}

// Archiver stores a cycle's quotas for offline analysis.
type Archiver interface {
	ArchiveQuotas(ctx context.Context, quotas map[string]ResourceQuota) error
}

// Config configures a Publisher.
type Config struct {
	Cache    *loadreport.Cache
	Interval time.Duration
	// Alpha is the weight of the newest observation, in (0, 1].
	Alpha    float64
	IsLeader func() bool
	Observer Observer
	Archiver Archiver
	Logger   *logging.Logger
}

// Result summarizes one cycle.
type Result struct {
	Written int
	Failed  int
	// Static counts reported bundles left alone because their stored quota
	// is not dynamic.
	Static  int
	Skipped bool
}

// Publisher computes and stores bundle quotas.
type Publisher struct {
	store metadata.MetadataStore
	cfg   Config
	log   *logging.Logger
	task  *periodic.Task

	mu       sync.Mutex
	previous map[string]ResourceQuota
}

// NewPublisher creates a stopped Publisher.
func NewPublisher(store metadata.MetadataStore, cfg Config) *Publisher {
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = 0.25
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Global()
	}
	p := &Publisher{
		store:    store,
		cfg:      cfg,
		log:      log.WithComponent("quota"),
		previous: make(map[string]ResourceQuota),
	}
	p.task = periodic.New(cfg.Interval, func(ctx context.Context) {
		if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
			p.log.Warnf("quota writes dropped", map[string]any{"error": err})
		}
	})
	return p
}

func (p *Publisher) Start(ctx context.Context) { p.task.Start(ctx) }
func (p *Publisher) Stop()                     { p.task.Stop() }

// RunOnce computes and writes every reported bundle's dynamic quota. Failed
// writes are counted and returned combined; they are never retried. A cycle
// that cannot read the stored quotas writes nothing.
func (p *Publisher) RunOnce(ctx context.Context) (Result, error) {
	if p.cfg.IsLeader != nil && !p.cfg.IsLeader() {
		return Result{Skipped: true}, nil
	}
	ctx, log := logging.StartCycle(ctx, p.log)

	stored, err := p.stored(ctx)
	if err != nil {
		return Result{}, err
	}

	var res Result
	stats := Aggregate(p.cfg.Cache.Snapshot())
	for name := range stats {
		if s, ok := stored[name]; ok && !s.quota.Dynamic {
			delete(stats, name)
			res.Static++
		}
	}
	quotas := p.smooth(stats)

	names := make([]string, 0, len(quotas))
	for name := range quotas {
		names = append(names, name)
	}
	slices.Sort(names)

	var errs error
	for _, name := range names {
		if err := p.put(ctx, name, quotas[name], stored[name]); err != nil {
			res.Failed++
			errs = multierr.Append(errs, err)
			continue
		}
		res.Written++
	}

	if p.cfg.Observer != nil {
		p.cfg.Observer.QuotaCycle(res.Written, res.Failed)
	}
	if p.cfg.Archiver != nil && len(quotas) > 0 {
		if err := p.cfg.Archiver.ArchiveQuotas(ctx, quotas); err != nil {
			log.Warnf("quota batch not archived", map[string]any{"error": err})
		}
	}
	log.Debugf("quota cycle complete", map[string]any{"written": res.Written, "failed": res.Failed, "static": res.Static})
	return res, errs
}

// smooth folds stats into the in-memory history and returns this cycle's
// quotas. Bundles no longer reported are forgotten.
func (p *Publisher) smooth(stats map[string]loadreport.BundleStats) map[string]ResourceQuota {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[string]ResourceQuota, len(stats))
	for name, st := range stats {
		observed := FromStats(st)
		if prev, ok := p.previous[name]; ok {
			observed = prev.Smooth(observed, p.cfg.Alpha)
		}
		next[name] = observed
	}
	p.previous = next
	return next
}

type storedQuota struct {
	quota   ResourceQuota
	version metadata.Version
}

// stored reads every quota currently in the store. An undecodable entry is
// treated as dynamic so the next write repairs it.
func (p *Publisher) stored(ctx context.Context) (map[string]storedQuota, error) {
	kvs, err := p.store.List(ctx, keys.QuotaRoot+"/", "", 0)
	if err != nil {
		return nil, faults.Transport("list-quotas", err)
	}
	out := make(map[string]storedQuota, len(kvs))
	for _, kv := range kvs {
		bundle, err := keys.ParseQuotaKey(kv.Key)
		if err != nil {
			continue
		}
		s := storedQuota{quota: ResourceQuota{Dynamic: true}, version: kv.Version}
		if err := json.Unmarshal(kv.Value, &s.quota); err != nil {
			s.quota = ResourceQuota{Dynamic: true}
		}
		out[bundle] = s
	}
	return out, nil
}

// put writes q conditionally on the version read at the start of the cycle,
// so an operator's concurrent static quota is not overwritten.
func (p *Publisher) put(ctx context.Context, bundle string, q ResourceQuota, prev storedQuota) error {
	data, err := json.Marshal(q)
	if err != nil {
		return err
	}
	if _, err := p.store.Put(ctx, keys.QuotaKey(bundle), data, metadata.WithExpectedVersion(prev.version)); err != nil {
		return fmt.Errorf("write quota %s: %w", bundle, err)
	}
	return nil
}

// Get reads a bundle's stored quota. A bundle with no stored quota gets
// DefaultQuota.
func (p *Publisher) Get(ctx context.Context, bundle string) (ResourceQuota, error) {
	return Get(ctx, p.store, bundle)
}

// Get reads a bundle's stored quota from store, defaulting when absent.
func Get(ctx context.Context, store metadata.MetadataStore, bundle string) (ResourceQuota, error) {
	const op = "get-quota"
	res, err := store.Get(ctx, keys.QuotaKey(bundle))
	if err != nil {
		return ResourceQuota{}, faults.Transport(op, err)
	}
	if !res.Exists {
		return DefaultQuota, nil
	}
	var q ResourceQuota
	if err := json.Unmarshal(res.Value, &q); err != nil {
		return ResourceQuota{}, faults.Malformed(op, err)
	}
	return q, nil
}

// List returns every stored quota keyed by bundle. Undecodable entries are skipped.
func List(ctx context.Context, store metadata.MetadataStore) (map[string]ResourceQuota, error) {
	kvs, err := store.List(ctx, keys.QuotaRoot+"/", "", 0)
	if err != nil {
		return nil, faults.Transport("list-quotas", err)
	}
	out := make(map[string]ResourceQuota, len(kvs))
	for _, kv := range kvs {
		bundle, err := keys.ParseQuotaKey(kv.Key)
		if err != nil {
			continue
		}
		var q ResourceQuota
		if err := json.Unmarshal(kv.Value, &q); err != nil {
			continue
		}
		out[bundle] = q
	}
	return out, nil
}
