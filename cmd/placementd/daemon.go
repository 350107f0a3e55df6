package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/dray-io/placement/internal/admission"
	"github.com/dray-io/placement/internal/archive"
	"github.com/dray-io/placement/internal/config"
	"github.com/dray-io/placement/internal/discovery"
	"github.com/dray-io/placement/internal/dynconfig"
	"github.com/dray-io/placement/internal/health"
	"github.com/dray-io/placement/internal/hostusage"
	"github.com/dray-io/placement/internal/leader"
	"github.com/dray-io/placement/internal/loadreport"
	"github.com/dray-io/placement/internal/logging"
	"github.com/dray-io/placement/internal/lookup"
	"github.com/dray-io/placement/internal/metadata"
	"github.com/dray-io/placement/internal/metadata/oxia"
	"github.com/dray-io/placement/internal/metrics"
	"github.com/dray-io/placement/internal/objectstore"
	"github.com/dray-io/placement/internal/objectstore/s3"
	"github.com/dray-io/placement/internal/placement"
	"github.com/dray-io/placement/internal/quota"
	"github.com/dray-io/placement/internal/ranking"
	"github.com/dray-io/placement/internal/shedding"
)

// Options contains the configuration for creating a daemon.
type Options struct {
	Config     *config.Config
	Logger     *logging.Logger
	BrokerID   string
	InstanceID string
	Version    string
	GitCommit  string
	BuildTime  string

	// MetadataStore replaces the Oxia client. The daemon closes it on shutdown.
	MetadataStore metadata.MetadataStore

	// ArchiveStore replaces the S3 client when the archive is enabled.
	ArchiveStore objectstore.Store

	// Registry receives every metric. Nil uses the Prometheus default registry.
	Registry *prometheus.Registry

	// HostUsage replaces the gopsutil-backed host sampler.
	HostUsage hostusage.Source

	// BundleStats reports the bundles this broker serves. Nil reports none.
	BundleStats discovery.BundleStatsSource
}

// Daemon is a running placement control plane member: it reports its own
// load, watches every other broker, answers lookups and, while it holds the
// leader key, runs shedding and quota cycles.
type Daemon struct {
	opts   Options
	logger *logging.Logger

	metaStore    metadata.MetadataStore
	archiveStore objectstore.Store

	archiver  *archive.Archiver
	lbMetrics *metrics.LoadBalancerMetrics
	gate      *admission.Gate
	dynconfig *dynconfig.Watcher
	registry  *discovery.Registry
	holder    *ranking.Holder
	rebuilder *ranking.Rebuilder
	policies  *placement.PolicyCache
	selector  *placement.Selector
	reporter  *discovery.Reporter
	elector   *leader.Elector
	shedder   *shedding.Scheduler
	quotas    *quota.Publisher
	lookups   *lookup.Service

	healthServer  *health.Server
	metricsServer *metrics.Server

	mu      sync.Mutex
	started bool
	stopped bool
}

// NewDaemon creates a Daemon but does not start it.
func NewDaemon(opts Options) (*Daemon, error) {
	if opts.Config == nil {
		return nil, errors.New("placementd: config is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.DefaultLogger()
	}
	if opts.BrokerID == "" {
		opts.BrokerID = opts.Config.Broker.BrokerID()
	}
	if opts.BrokerID == "" {
		return nil, errors.New("placementd: broker id is required")
	}
	return &Daemon{
		opts:   opts,
		logger: opts.Logger,
	}, nil
}

// Start connects to the coordination service, registers this broker and
// starts every background task. It returns once the daemon is serving.
// A failed Start leaves partially started components for Shutdown to release.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	cfg := d.opts.Config

	d.logger.Infof("starting placement daemon", map[string]any{
		"brokerId":   d.opts.BrokerID,
		"instanceId": d.opts.InstanceID,
		"cluster":    cfg.Cluster.Name,
		"strategy":   cfg.LoadBalancer.Strategy,
		"version":    d.opts.Version,
	})

	var reg prometheus.Registerer = prometheus.DefaultRegisterer
	if d.opts.Registry != nil {
		reg = d.opts.Registry
	}
	d.lbMetrics = metrics.NewLoadBalancerMetricsWithRegistry(reg)

	if err := d.openStores(ctx, reg); err != nil {
		return err
	}

	d.healthServer = health.NewServer(cfg.Observability.HealthAddr, d.logger)
	if d.opts.Registry != nil {
		d.metricsServer = metrics.NewServerWithRegistry(cfg.Observability.MetricsAddr, d.opts.Registry)
	} else {
		d.metricsServer = metrics.NewServer(cfg.Observability.MetricsAddr)
	}

	d.dynconfig = dynconfig.NewWatcher(d.metaStore, dynconfig.Settings{
		MaxConcurrentLookups: cfg.Admission.MaxConcurrentLookups,
		MinAvailableBrokers:  cfg.LoadBalancer.MinAvailableBrokers,
		OverloadThreshold:    cfg.LoadBalancer.OverloadThreshold,
	}, d.logger, dynconfig.WithResync(cfg.LoadBalancer.RegistryResyncInterval()))
	if err := d.dynconfig.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dynamic config watcher: %w", err)
	}
	d.gate = admission.NewGate(d.dynconfig.Current().MaxConcurrentLookups, metrics.NewAdmissionMetricsWithRegistry(reg))
	d.dynconfig.OnChange(func(s dynconfig.Settings) {
		d.gate.Resize(s.MaxConcurrentLookups)
	})

	d.registry = discovery.NewRegistry(d.metaStore, discovery.RegistryConfig{
		ResyncInterval: cfg.LoadBalancer.RegistryResyncInterval(),
		ReadTimeout:    cfg.Metadata.RequestTimeout(),
		Authorization: discovery.AuthorizationConfig{
			Enabled:    cfg.Authorization.Enabled,
			SuperUsers: cfg.Authorization.SuperUsers,
		},
		Observer: d.lbMetrics,
		Logger:   d.logger,
	})
	if err := d.registry.Start(ctx); err != nil {
		return fmt.Errorf("failed to start broker registry: %w", err)
	}

	if err := d.startRanking(ctx); err != nil {
		return err
	}

	d.policies = placement.NewPolicyCache(d.metaStore, cfg.Cluster.Name, d.logger,
		placement.WithResync(cfg.LoadBalancer.RegistryResyncInterval()))
	if err := d.policies.Start(ctx); err != nil {
		return fmt.Errorf("failed to start isolation policy cache: %w", err)
	}
	d.selector = placement.NewSelector(placement.SelectorConfig{
		Table:        d.holder,
		Policies:     d.policies,
		MinAvailable: d.dynconfig.MinAvailableBrokers,
		Observer:     d.lbMetrics,
	})

	if err := d.startReporter(ctx); err != nil {
		return err
	}

	d.startLeaderTasks(ctx)

	d.lookups = lookup.NewService(lookup.Config{
		Gate:     d.gate,
		Registry: d.registry,
		Selector: d.selector,
		Timeout:  cfg.Metadata.RequestTimeout(),
		Observer: metrics.NewLookupMetricsWithRegistry(reg),
		Logger:   d.logger,
	})

	d.healthServer.RegisterHandler("/lookup/", lookup.Handler(d.lookups))
	d.healthServer.RegisterHandler("/debug/rankings", health.RankingsHandler(d.holder, d.elector.IsLeader))
	d.healthServer.RegisterReadinessCheck(health.NewMetadataStoreChecker(d.metaStore))
	d.healthServer.RegisterReadinessCheck(health.NewRankingChecker(d.holder))
	d.healthServer.RegisterReadinessCheck(health.NewFuncChecker("registration", func(context.Context) error {
		if !d.reporter.IsRegistered() {
			return errors.New("broker not registered")
		}
		return nil
	}))
	if d.archiveStore != nil {
		d.healthServer.RegisterReadinessCheck(health.NewObjectStoreChecker(d.archiveStore, cfg.Archive.Prefix))
	}
	if err := d.healthServer.Start(); err != nil {
		return fmt.Errorf("failed to start health server: %w", err)
	}
	if err := d.metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	d.logger.Infof("placement daemon started", map[string]any{
		"healthAddr":  d.healthServer.Addr(),
		"metricsAddr": d.metricsServer.Addr(),
	})
	return nil
}

func (d *Daemon) openStores(ctx context.Context, reg prometheus.Registerer) error {
	cfg := d.opts.Config

	store := d.opts.MetadataStore
	if store == nil {
		oxiaStore, err := oxia.New(ctx, oxia.Config{
			ServiceAddress: cfg.Metadata.OxiaEndpoint,
			Namespace:      cfg.Metadata.Namespace,
			RequestTimeout: cfg.Metadata.RequestTimeout(),
			SessionTimeout: cfg.Metadata.SessionTimeout(),
		})
		if err != nil {
			return fmt.Errorf("failed to connect to metadata store: %w", err)
		}
		store = oxiaStore
	}
	d.metaStore = metadata.NewInstrumentedStore(store, metrics.NewMetadataMetricsWithRegistry(reg))

	if !cfg.Archive.Enabled {
		return nil
	}
	blobs := d.opts.ArchiveStore
	if blobs == nil {
		s3Store, err := s3.New(ctx, s3.Config{
			Bucket:          cfg.Archive.Bucket,
			Region:          cfg.Archive.Region,
			Endpoint:        cfg.Archive.Endpoint,
			AccessKeyID:     cfg.Archive.AccessKey,
			SecretAccessKey: cfg.Archive.SecretKey,
			UsePathStyle:    cfg.Archive.Endpoint != "",
		})
		if err != nil {
			return fmt.Errorf("failed to create archive store: %w", err)
		}
		blobs = s3Store
	}
	d.archiveStore = objectstore.NewInstrumentedStore(blobs, metrics.NewArchiveMetricsWithRegistry(reg))
	return nil
}

func (d *Daemon) startRanking(ctx context.Context) error {
	cfg := d.opts.Config

	strategy, err := ranking.ParseStrategy(cfg.LoadBalancer.Strategy)
	if err != nil {
		return err
	}

	if d.archiveStore != nil {
		codec, err := archive.ParseCodec(cfg.Archive.Codec)
		if err != nil {
			return err
		}
		d.archiver, err = archive.New(d.archiveStore, archive.Config{
			Prefix: cfg.Archive.Prefix,
			Codec:  codec,
			Logger: d.logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create load history archive: %w", err)
		}
	}

	d.holder = ranking.NewHolder()
	rcfg := ranking.RebuilderConfig{
		Cache:    d.registry.Cache(),
		Holder:   d.holder,
		Ranker:   ranking.NewRanker(strategy),
		Interval: cfg.LoadBalancer.RankingRebuildInterval(),
		Observer: d.lbMetrics,
		Logger:   d.logger,
	}
	// A typed nil in the interface would be called.
	if d.archiver != nil {
		rcfg.Archiver = d.archiver
	}
	d.rebuilder = ranking.NewRebuilder(rcfg)
	d.rebuilder.Start(ctx)
	return nil
}

func (d *Daemon) startReporter(ctx context.Context) error {
	cfg := d.opts.Config

	bundles := d.opts.BundleStats
	if bundles == nil {
		bundles = discovery.BundleStatsFunc(func(context.Context) (map[string]loadreport.BundleStats, error) {
			return nil, nil
		})
	}

	d.reporter = discovery.NewReporter(d.metaStore, discovery.ReporterConfig{
		BrokerID:        d.opts.BrokerID,
		ServiceURL:      cfg.Broker.ServiceURL,
		WebServiceURL:   cfg.Broker.WebServiceURL,
		Version:         d.opts.Version,
		Interval:        cfg.Broker.ReportInterval(),
		RegisterTimeout: cfg.Broker.RegisterTimeout(),
		Usage: hostusage.NewCollector(hostusage.Config{
			NICSpeedMbps: cfg.Broker.NICSpeedMbps,
			Source:       d.opts.HostUsage,
		}),
		Bundles: bundles,
		Logger:  d.logger,
	})
	if err := d.reporter.Register(ctx); err != nil {
		return fmt.Errorf("failed to register broker: %w", err)
	}
	d.reporter.Start(ctx)
	return nil
}

func (d *Daemon) startLeaderTasks(ctx context.Context) {
	cfg := d.opts.Config

	d.elector = leader.New(d.metaStore, leader.Config{
		BrokerID:      d.opts.BrokerID,
		RenewInterval: cfg.LoadBalancer.LeaderLease(),
		Logger:        d.logger,
	})
	d.elector.OnChange(func(isLeader bool) {
		d.lbMetrics.SetLeader(isLeader)
		d.logger.Infof("leadership changed", map[string]any{"leader": isLeader})
	})
	d.elector.Start(ctx)

	if cfg.LoadBalancer.SheddingEnabled {
		d.shedder = shedding.New(shedding.Config{
			Cache:              d.registry.Cache(),
			Unloader:           shedding.NewMetadataUnloader(d.metaStore),
			Interval:           cfg.LoadBalancer.SheddingInterval(),
			GracePeriod:        cfg.LoadBalancer.SheddingGrace(),
			MaxBundlesPerCycle: cfg.LoadBalancer.MaxBundlesPerCycle,
			DefaultThreshold:   cfg.LoadBalancer.OverloadThreshold,
			Thresholds:         d.dynconfig.Thresholds,
			IsLeader:           d.elector.IsLeader,
			Placement:          d.selector,
			Observer:           d.lbMetrics,
			Logger:             d.logger,
		})
		d.shedder.Start(ctx)
	}

	if cfg.LoadBalancer.QuotaEnabled {
		qcfg := quota.Config{
			Cache:    d.registry.Cache(),
			Interval: cfg.LoadBalancer.QuotaInterval(),
			Alpha:    cfg.LoadBalancer.QuotaAlpha,
			IsLeader: d.elector.IsLeader,
			Observer: d.lbMetrics,
			Logger:   d.logger,
		}
		if d.archiver != nil {
			qcfg.Archiver = d.archiver
		}
		d.quotas = quota.NewPublisher(d.metaStore, qcfg)
		d.quotas.Start(ctx)
	}
}

// Lookups returns the lookup service, nil before Start.
func (d *Daemon) Lookups() *lookup.Service { return d.lookups }

// HealthAddr returns the bound health server address.
func (d *Daemon) HealthAddr() string {
	if d.healthServer == nil {
		return ""
	}
	return d.healthServer.Addr()
}

// Shutdown deregisters this broker, gives up leadership and stops every
// component in reverse start order.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	d.mu.Unlock()

	d.logger.Info("shutting down placement daemon")

	if d.healthServer != nil {
		d.healthServer.SetShuttingDown()
	}

	var errs error
	if d.shedder != nil {
		d.shedder.Stop()
	}
	if d.quotas != nil {
		d.quotas.Stop()
	}
	if d.elector != nil {
		d.elector.Stop()
		if err := d.elector.Resign(ctx); err != nil {
			d.logger.Warnf("failed to resign leadership", map[string]any{"error": err.Error()})
		}
	}
	if d.reporter != nil {
		d.reporter.Stop()
		if err := d.reporter.Deregister(ctx); err != nil {
			d.logger.Warnf("failed to deregister broker", map[string]any{"error": err.Error()})
		}
	}
	if d.policies != nil {
		d.policies.Stop()
	}
	if d.rebuilder != nil {
		d.rebuilder.Stop()
	}
	if d.registry != nil {
		d.registry.Stop()
	}
	if d.dynconfig != nil {
		d.dynconfig.Stop()
	}

	if d.healthServer != nil {
		if err := d.healthServer.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close health server: %w", err))
		}
	}
	if d.metricsServer != nil {
		if err := d.metricsServer.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close metrics server: %w", err))
		}
	}
	if d.archiveStore != nil {
		if err := d.archiveStore.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close archive store: %w", err))
		}
	}
	if d.metaStore != nil {
		if err := d.metaStore.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close metadata store: %w", err))
		}
	}

	if errs != nil {
		d.logger.Warnf("placement daemon shutdown incomplete", map[string]any{"error": errs.Error()})
		return errs
	}
	d.logger.Info("placement daemon shutdown complete")
	return nil
}
