package config

import (
	"errors"
	"fmt"
	"net"

	"go.uber.org/multierr"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

var validStrategies = map[string]bool{"availability": true, "max-usage": true}

var validCodecs = map[string]bool{"none": true, "zstd": true, "lz4": true, "snappy": true}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs error
	invalid := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.Cluster.Name == "" {
		invalid("cluster.name is required")
	}
	if id := c.Broker.BrokerID(); id == "" {
		invalid("broker.id or broker.advertisedAddr is required")
	} else if _, _, err := net.SplitHostPort(id); err != nil {
		invalid("broker id %q is not host:port", id)
	}
	if c.Broker.ReportIntervalMs <= 0 {
		invalid("broker.reportIntervalMs must be positive")
	}
	if c.Metadata.OxiaEndpoint == "" {
		invalid("metadata.oxiaEndpoint is required")
	}
	if c.Metadata.Namespace == "" {
		invalid("metadata.namespace is required")
	}

	lb := c.LoadBalancer
	if !validStrategies[lb.Strategy] {
		invalid("loadBalancer.strategy %q is not one of availability, max-usage", lb.Strategy)
	}
	if lb.RankingRebuildIntervalMs <= 0 {
		invalid("loadBalancer.rankingRebuildIntervalMs must be positive")
	}
	if lb.SheddingEnabled && lb.SheddingIntervalMs <= 0 {
		invalid("loadBalancer.sheddingIntervalMs must be positive")
	}
	if lb.MaxBundlesPerCycle < 0 {
		invalid("loadBalancer.maxBundlesPerCycle must not be negative")
	}
	if lb.OverloadThreshold <= 0 || lb.OverloadThreshold > 100 {
		invalid("loadBalancer.overloadThresholdPercent must be in (0, 100]")
	}
	if lb.QuotaEnabled && lb.QuotaIntervalMs <= 0 {
		invalid("loadBalancer.quotaIntervalMs must be positive")
	}
	if lb.QuotaAlpha <= 0 || lb.QuotaAlpha > 1 {
		invalid("loadBalancer.quotaAlpha must be in (0, 1]")
	}
	if lb.LeaderLeaseMs <= 0 {
		invalid("loadBalancer.leaderLeaseMs must be positive")
	}

	if c.Admission.MaxConcurrentLookups < 0 {
		invalid("admission.maxConcurrentLookups must not be negative")
	}

	if c.Archive.Enabled {
		if c.Archive.Bucket == "" {
			invalid("archive.bucket is required when the archive is enabled")
		}
		if !validCodecs[c.Archive.Codec] {
			invalid("archive.codec %q is not one of none, zstd, lz4, snappy", c.Archive.Codec)
		}
	}
	return errs
}
