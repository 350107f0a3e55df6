package ranking

import (
	"context"
	"time"

	"github.com/dray-io/placement/internal/loadreport"
	"github.com/dray-io/placement/internal/logging"
	"github.com/dray-io/placement/internal/periodic"
)

// Observer receives rebuild outcomes. Implemented by metrics.RankingMetrics.
type Observer interface {
	RankingRebuilt(brokers, buckets int, durationSeconds float64)
}

// Archiver stores ranking snapshots for offline analysis.
type Archiver interface {
	ArchiveRanking(ctx context.Context, t *Table) error
}

// RebuilderConfig configures a Rebuilder.
type RebuilderConfig struct {
	Cache    *loadreport.Cache
	Holder   *Holder
	Ranker   Ranker
	Interval time.Duration
	// Debounce delays a rebuild after a report change so bursts coalesce.
	Debounce time.Duration
	Observer Observer
	Archiver Archiver
	Logger   *logging.Logger
	Now      func() time.Time
}

// Rebuilder keeps the Holder's table current: on a fixed interval and
// shortly after any report cache change.
type Rebuilder struct {
	cfg  RebuilderConfig
	log  *logging.Logger
	task *periodic.Task
}

// NewRebuilder returns a stopped Rebuilder.
func NewRebuilder(cfg RebuilderConfig) *Rebuilder {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 100 * time.Millisecond
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Global()
	}
	r := &Rebuilder{cfg: cfg, log: log.WithComponent("ranking")}
	r.task = periodic.New(cfg.Interval, func(ctx context.Context) { r.Rebuild(ctx) },
		periodic.WithImmediate(),
		periodic.WithTrigger(cfg.Cache.Changed(), cfg.Debounce))
	return r
}

func (r *Rebuilder) Start(ctx context.Context) { r.task.Start(ctx) }
func (r *Rebuilder) Stop()                     { r.task.Stop() }

// Rebuild ranks the current cache content and swaps the table in.
func (r *Rebuilder) Rebuild(ctx context.Context) *Table {
	start := time.Now()
	t := r.cfg.Holder.Rebuild(r.cfg.Cache.Snapshot(), r.cfg.Ranker, r.cfg.Now())
	elapsed := time.Since(start).Seconds()

	if r.cfg.Observer != nil {
		r.cfg.Observer.RankingRebuilt(t.Len(), len(t.Buckets()), elapsed)
	}
	r.log.Debugf("ranking table rebuilt", map[string]any{
		"brokers":  t.Len(),
		"buckets":  len(t.Buckets()),
		"strategy": string(t.Strategy()),
	})

	if r.cfg.Archiver != nil && !t.Empty() {
		if err := r.cfg.Archiver.ArchiveRanking(ctx, t); err != nil {
			r.log.Warnf("ranking snapshot not archived", map[string]any{"error": err})
		}
	}
	return t
}
