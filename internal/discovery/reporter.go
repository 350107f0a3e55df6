package discovery

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dray-io/placement/internal/loadreport"
	"github.com/dray-io/placement/internal/logging"
	"github.com/dray-io/placement/internal/metadata"
	"github.com/dray-io/placement/internal/metadata/keys"
	"github.com/dray-io/placement/internal/periodic"
)

// UsageSampler measures host resource usage. Implemented by hostusage.Collector.
type UsageSampler interface {
	Sample(ctx context.Context) (loadreport.SystemResourceUsage, error)
}

// BundleStatsSource reports per-bundle traffic for the bundles this broker owns.
type BundleStatsSource interface {
	BundleStats(ctx context.Context) (map[string]loadreport.BundleStats, error)
}

// BundleStatsFunc adapts a function to BundleStatsSource.
type BundleStatsFunc func(ctx context.Context) (map[string]loadreport.BundleStats, error)

func (f BundleStatsFunc) BundleStats(ctx context.Context) (map[string]loadreport.BundleStats, error) {
	return f(ctx)
}

// ReporterConfig configures a Reporter.
type ReporterConfig struct {
	// BrokerID is this broker's host:port.
	BrokerID      string
	ServiceURL    string
	WebServiceURL string
	Version       string

	// Interval between report publications.
	Interval time.Duration

	// RegisterTimeout bounds the startup registration retries.
	RegisterTimeout time.Duration

	Usage   UsageSampler
	Bundles BundleStatsSource
	// Metrics feeds BrokerUsage; optional.
	Metrics func() map[string]any

	Logger *logging.Logger
	Now    func() time.Time
}

// Reporter publishes this broker's load report to its ephemeral liveness key.
type Reporter struct {
	store metadata.MetadataStore
	cfg   ReporterConfig
	log   *logging.Logger
	key   string
	task  *periodic.Task

	mu         sync.Mutex
	registered bool
	last       *loadreport.LoadReport
}

// NewReporter creates an unregistered reporter.
func NewReporter(store metadata.MetadataStore, cfg ReporterConfig) *Reporter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logging.DefaultLogger()
	}
	r := &Reporter{
		store: store,
		cfg:   cfg,
		log:   log.WithComponent("reporter").With(map[string]any{"broker": cfg.BrokerID}),
		key:   keys.BrokerKey(cfg.BrokerID),
	}
	r.task = periodic.New(cfg.Interval, func(ctx context.Context) {
		if err := r.Publish(ctx); err != nil && ctx.Err() == nil {
			r.log.Warnf("load report not published", map[string]any{"error": err})
		}
	})
	return r
}

// Register creates the liveness key. A key left behind by a previous
// session of the same broker blocks registration until that session
// expires, so failures are retried with exponential backoff until
// RegisterTimeout elapses.
func (r *Reporter) Register(ctx context.Context) error {
	if _, err := keys.ParseBrokerKey(r.key); err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = r.cfg.RegisterTimeout

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		report, err := r.build(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		data, err := report.Marshal()
		if err != nil {
			return backoff.Permanent(err)
		}
		if _, err := r.store.PutEphemeral(ctx, r.key, data, metadata.WithEphemeralExpectNotExists()); err != nil {
			if errors.Is(err, context.Canceled) {
				return backoff.Permanent(err)
			}
			return err
		}
		r.mu.Lock()
		r.registered = true
		r.last = report
		r.mu.Unlock()
		return nil
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		r.log.Warnf("broker registration failed, retrying", map[string]any{
			"attempt": attempt,
			"error":   err,
			"wait":    wait.String(),
		})
	})
	if err != nil {
		return fmt.Errorf("register broker %s: %w", r.cfg.BrokerID, err)
	}

	r.log.Infof("broker registered", map[string]any{"key": r.key})
	return nil
}

// Start publishes a fresh report every Interval.
func (r *Reporter) Start(ctx context.Context) { r.task.Start(ctx) }

// Stop stops periodic publication without removing the key.
func (r *Reporter) Stop() { r.task.Stop() }

// Publish writes a fresh report to the liveness key.
func (r *Reporter) Publish(ctx context.Context) error {
	r.mu.Lock()
	registered := r.registered
	r.mu.Unlock()
	if !registered {
		return errors.New("broker not registered")
	}

	report, err := r.build(ctx)
	if err != nil {
		return err
	}
	data, err := report.Marshal()
	if err != nil {
		return err
	}
	if _, err := r.store.PutEphemeral(ctx, r.key, data); err != nil {
		return fmt.Errorf("publish load report: %w", err)
	}

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()
	return nil
}

// Deregister stops publication and deletes the liveness key.
func (r *Reporter) Deregister(ctx context.Context) error {
	r.task.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.registered {
		return nil
	}
	if err := r.store.Delete(ctx, r.key); err != nil {
		return fmt.Errorf("deregister broker: %w", err)
	}
	r.registered = false
	r.log.Infof("broker deregistered", map[string]any{"key": r.key})
	return nil
}

// IsRegistered reports whether the liveness key is held.
func (r *Reporter) IsRegistered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered
}

// LastReport returns the most recently published report, or nil.
func (r *Reporter) LastReport() *loadreport.LoadReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *Reporter) build(ctx context.Context) (*loadreport.LoadReport, error) {
	report := &loadreport.LoadReport{
		Name:          r.cfg.BrokerID,
		BrokerVersion: r.cfg.Version,
		ServiceURL:    r.cfg.ServiceURL,
		WebServiceURL: r.cfg.WebServiceURL,
		Timestamp:     r.cfg.Now().UnixMilli(),
	}

	if r.cfg.Usage != nil {
		usage, err := r.cfg.Usage.Sample(ctx)
		if err != nil {
			// Unknown usage is published as -1.
			r.log.Warnf("host usage unavailable", map[string]any{"error": err})
			usage.Reset()
		}
		report.SystemResourceUsage = usage
	}

	if r.cfg.Bundles != nil {
		stats, err := r.cfg.Bundles.BundleStats(ctx)
		if err != nil {
			return nil, fmt.Errorf("bundle stats: %w", err)
		}
		report.BundleStats = maps.Clone(stats)
	}

	if r.cfg.Metrics != nil {
		report.BrokerUsage = loadreport.PopulateBrokerUsage(r.cfg.Metrics())
	}
	return report, nil
}
