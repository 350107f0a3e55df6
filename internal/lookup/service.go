// Package lookup serves topic lookups: which broker should serve a topic,
// and how many partitions it has. Every request passes the admission gate
// first, then authorization, then placement.
package lookup

import (
	"context"
	"fmt"
	"time"

	"github.com/dray-io/placement/internal/admission"
	"github.com/dray-io/placement/internal/async"
	"github.com/dray-io/placement/internal/discovery"
	"github.com/dray-io/placement/internal/faults"
	"github.com/dray-io/placement/internal/logging"
	"github.com/dray-io/placement/internal/naming"
)

// Registry is the part of discovery.Registry a lookup needs.
type Registry interface {
	Authorize(ctx context.Context, dest naming.DestinationName, role string) error
	PartitionMetadata(ctx context.Context, dest naming.DestinationName) (discovery.PartitionedTopicMetadata, error)
	Broker(id string) (discovery.BrokerDescriptor, bool)
}

// Selector picks a bundle owner. Implemented by placement.Selector.
type Selector interface {
	GetLeastLoaded(ctx context.Context, bundle naming.Bundle) (string, error)
}

// Observer records lookup outcomes. Implemented by metrics.LookupMetrics.
type Observer interface {
	LookupCompleted(kind, outcome string, durationSeconds float64)
}

// Lookup kinds reported to the Observer.
const (
	KindTopic     = "topic"
	KindPartition = "partition_metadata"
)

// Config configures a Service.
type Config struct {
	Gate     *admission.Gate
	Registry Registry
	Selector Selector

	// BundlesPerNamespace is how many equal hash ranges a namespace is split into.
	BundlesPerNamespace int

	// Timeout bounds each request. Zero means no timeout beyond the caller's.
	Timeout time.Duration

	Observer Observer
	Logger   *logging.Logger
}

// Result is the answer to a topic lookup.
type Result struct {
	Broker        string
	ServiceURL    string
	WebServiceURL string
	Bundle        naming.Bundle
}

// Service answers lookups.
type Service struct {
	cfg Config
	log *logging.Logger
}

// NewService builds a Service.
func NewService(cfg Config) *Service {
	if cfg.BundlesPerNamespace <= 0 {
		cfg.BundlesPerNamespace = 4
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Global()
	}
	return &Service{cfg: cfg, log: log.WithComponent("lookup")}
}

// Lookup returns the broker that should serve topic for role.
func (s *Service) Lookup(ctx context.Context, topic, role string) (Result, error) {
	start := time.Now()
	ctx, cancel := s.withTimeout(withRequestID(ctx))
	defer cancel()

	var res Result
	err := s.cfg.Gate.Do(ctx, func(ctx context.Context) error {
		dest, err := naming.ParseDestination(topic)
		if err != nil {
			return fmt.Errorf("lookup %s: %w", topic, err)
		}
		if err := s.cfg.Registry.Authorize(ctx, dest, role); err != nil {
			return err
		}

		bundle := BundleFor(dest, s.cfg.BundlesPerNamespace)
		id, err := s.cfg.Selector.GetLeastLoaded(ctx, bundle)
		if err != nil {
			return err
		}

		res = Result{Broker: id, Bundle: bundle}
		if d, ok := s.cfg.Registry.Broker(id); ok && d.Report != nil {
			res.ServiceURL = d.Report.ServiceURL
			res.WebServiceURL = d.Report.WebServiceURL
		}
		return nil
	})
	s.observe(ctx, KindTopic, topic, err, start)
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// PartitionMetadata resolves the partition count of topic asynchronously.
// Admission is decided before returning: a rejected request yields an
// already-failed task. The permit is held until the task resolves.
func (s *Service) PartitionMetadata(ctx context.Context, topic, role string) *async.Task[discovery.PartitionedTopicMetadata] {
	start := time.Now()
	permit, err := s.cfg.Gate.TryAcquire()
	if err != nil {
		s.observe(ctx, KindPartition, topic, err, start)
		return async.Failed[discovery.PartitionedTopicMetadata](err)
	}

	dest, err := naming.ParseDestination(topic)
	if err != nil {
		permit.Release()
		err = fmt.Errorf("partition metadata %s: %w", topic, err)
		s.observe(ctx, KindPartition, topic, err, start)
		return async.Failed[discovery.PartitionedTopicMetadata](err)
	}

	ctx, cancel := s.withTimeout(withRequestID(ctx))
	authorized := async.Go(ctx, func(ctx context.Context) (naming.DestinationName, error) {
		return dest, s.cfg.Registry.Authorize(ctx, dest, role)
	})
	result := async.Then(ctx, authorized, func(ctx context.Context, d naming.DestinationName) (discovery.PartitionedTopicMetadata, error) {
		return s.cfg.Registry.PartitionMetadata(ctx, d)
	})

	go func() {
		<-result.Done()
		_, err := result.Wait(context.Background())
		permit.Release()
		cancel()
		s.observe(ctx, KindPartition, topic, err, start)
	}()
	return result
}

// BundleFor returns the bundle of dest when its namespace is split into n
// equal ranges.
func BundleFor(dest naming.DestinationName, n int) naming.Bundle {
	bundles := naming.SplitNamespace(dest.Namespace, n)
	for _, b := range bundles {
		if b.Includes(dest) {
			return b
		}
	}
	return bundles[len(bundles)-1]
}

func withRequestID(ctx context.Context) context.Context {
	if logging.RequestIDFromCtx(ctx) != "" {
		return ctx
	}
	return logging.WithRequestIDCtx(ctx, logging.NewID())
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, s.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

func (s *Service) observe(ctx context.Context, kind, topic string, err error, start time.Time) {
	elapsed := time.Since(start).Seconds()
	outcome := "ok"
	if err != nil {
		outcome = faults.KindOf(err).String()
	}
	if s.cfg.Observer != nil {
		s.cfg.Observer.LookupCompleted(kind, outcome, elapsed)
	}
	if err != nil {
		logging.ContextLogger(ctx, s.log).Debugf("lookup failed", map[string]any{
			"kind":    kind,
			"topic":   topic,
			"outcome": outcome,
			"error":   err,
		})
	}
}
