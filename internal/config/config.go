// Package config provides configuration loading and validation for placementd.
// Supports YAML files with environment variable overrides.
package config

import (
	"time"
)

// Config holds the static configuration of a placementd process.
// Runtime knobs that operators change while the cluster runs live in the
// dynamic configuration document instead.
type Config struct {
	Cluster       ClusterConfig       `yaml:"cluster"`
	Broker        BrokerConfig        `yaml:"broker"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	LoadBalancer  LoadBalancerConfig  `yaml:"loadBalancer"`
	Admission     AdmissionConfig     `yaml:"admission"`
	Authorization AuthorizationConfig `yaml:"authorization"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ClusterConfig struct {
	Name string `yaml:"name" env:"PLACEMENT_CLUSTER_NAME"`
}

// BrokerConfig describes the broker this process reports load for.
type BrokerConfig struct {
	// ID is host:port of the broker; empty means derive from AdvertisedAddr.
	ID               string `yaml:"id" env:"PLACEMENT_BROKER_ID"`
	AdvertisedAddr   string `yaml:"advertisedAddr" env:"PLACEMENT_ADVERTISED_ADDR"`
	ServiceURL       string `yaml:"serviceUrl" env:"PLACEMENT_SERVICE_URL"`
	WebServiceURL    string `yaml:"webServiceUrl" env:"PLACEMENT_WEB_SERVICE_URL"`
	ReportIntervalMs int64  `yaml:"reportIntervalMs" env:"PLACEMENT_REPORT_INTERVAL_MS"`

	// RegisterTimeoutMs bounds the startup registration retries.
	RegisterTimeoutMs int64 `yaml:"registerTimeoutMs" env:"PLACEMENT_REGISTER_TIMEOUT_MS"`

	// NICSpeedMbps is the link speed used as the bandwidth limit. Zero disables bandwidth usage.
	NICSpeedMbps int64 `yaml:"nicSpeedMbps" env:"PLACEMENT_NIC_SPEED_MBPS"`
}

type MetadataConfig struct {
	OxiaEndpoint     string `yaml:"oxiaEndpoint" env:"PLACEMENT_OXIA_ENDPOINT"`
	Namespace        string `yaml:"namespace" env:"PLACEMENT_OXIA_NAMESPACE"`
	RequestTimeoutMs int64  `yaml:"requestTimeoutMs" env:"PLACEMENT_OXIA_REQUEST_TIMEOUT_MS"`
	SessionTimeoutMs int64  `yaml:"sessionTimeoutMs" env:"PLACEMENT_OXIA_SESSION_TIMEOUT_MS"`
}

// LoadBalancerConfig controls ranking, shedding and quota publication.
type LoadBalancerConfig struct {
	// Strategy selects the ranker: "availability" or "max-usage".
	Strategy                 string `yaml:"strategy" env:"PLACEMENT_LB_STRATEGY"`
	RankingRebuildIntervalMs int64  `yaml:"rankingRebuildIntervalMs" env:"PLACEMENT_LB_RANKING_INTERVAL_MS"`
	// RegistryResyncIntervalMs re-reads the broker registry, dynamic
	// configuration and isolation policies to repair lost notifications.
	RegistryResyncIntervalMs int64 `yaml:"registryResyncIntervalMs" env:"PLACEMENT_LB_RESYNC_INTERVAL_MS"`

	SheddingEnabled     bool    `yaml:"sheddingEnabled" env:"PLACEMENT_LB_SHEDDING_ENABLED"`
	SheddingIntervalMs  int64   `yaml:"sheddingIntervalMs" env:"PLACEMENT_LB_SHEDDING_INTERVAL_MS"`
	SheddingGraceMs     int64   `yaml:"sheddingGracePeriodMs" env:"PLACEMENT_LB_SHEDDING_GRACE_MS"`
	MaxBundlesPerCycle  int     `yaml:"maxBundlesPerCycle" env:"PLACEMENT_LB_MAX_BUNDLES_PER_CYCLE"`
	OverloadThreshold   float64 `yaml:"overloadThresholdPercent" env:"PLACEMENT_LB_OVERLOAD_THRESHOLD"`
	QuotaEnabled        bool    `yaml:"quotaEnabled" env:"PLACEMENT_LB_QUOTA_ENABLED"`
	QuotaIntervalMs     int64   `yaml:"quotaIntervalMs" env:"PLACEMENT_LB_QUOTA_INTERVAL_MS"`
	QuotaAlpha          float64 `yaml:"quotaAlpha" env:"PLACEMENT_LB_QUOTA_ALPHA"`
	LeaderLeaseMs       int64   `yaml:"leaderLeaseMs" env:"PLACEMENT_LB_LEADER_LEASE_MS"`
	MinAvailableBrokers int     `yaml:"minAvailableBrokers" env:"PLACEMENT_LB_MIN_AVAILABLE_BROKERS"`
}

type AdmissionConfig struct {
	MaxConcurrentLookups int `yaml:"maxConcurrentLookups" env:"PLACEMENT_MAX_CONCURRENT_LOOKUPS"`
}

type AuthorizationConfig struct {
	Enabled    bool     `yaml:"enabled" env:"PLACEMENT_AUTHZ_ENABLED"`
	SuperUsers []string `yaml:"superUsers" env:"PLACEMENT_SUPER_USERS"`
}

// ArchiveConfig configures the compressed load history written to object storage.
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled" env:"PLACEMENT_ARCHIVE_ENABLED"`
	Codec     string `yaml:"codec" env:"PLACEMENT_ARCHIVE_CODEC"`
	Prefix    string `yaml:"prefix" env:"PLACEMENT_ARCHIVE_PREFIX"`
	Endpoint  string `yaml:"endpoint" env:"PLACEMENT_S3_ENDPOINT"`
	Bucket    string `yaml:"bucket" env:"PLACEMENT_S3_BUCKET"`
	Region    string `yaml:"region" env:"PLACEMENT_S3_REGION"`
	AccessKey string `yaml:"accessKey" env:"PLACEMENT_S3_ACCESS_KEY"`
	SecretKey string `yaml:"secretKey" env:"PLACEMENT_S3_SECRET_KEY"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"PLACEMENT_METRICS_ADDR"`
	HealthAddr  string `yaml:"healthAddr" env:"PLACEMENT_HEALTH_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"PLACEMENT_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"PLACEMENT_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Cluster: ClusterConfig{
			Name: "standalone",
		},
		Broker: BrokerConfig{
			AdvertisedAddr:    "localhost:6650",
			ReportIntervalMs:  60000, // 1 minute
			RegisterTimeoutMs: 30000,
		},
		Metadata: MetadataConfig{
			OxiaEndpoint:     "localhost:6648",
			Namespace:        "placement",
			RequestTimeoutMs: 30000,
			SessionTimeoutMs: 15000,
		},
		LoadBalancer: LoadBalancerConfig{
			Strategy:                 "availability",
			RankingRebuildIntervalMs: 60000,
			RegistryResyncIntervalMs: 300000, // 5 minutes
			SheddingEnabled:          true,
			SheddingIntervalMs:       60000,
			SheddingGraceMs:          1800000, // 30 minutes
			MaxBundlesPerCycle:       10,
			OverloadThreshold:        85,
			QuotaEnabled:             true,
			QuotaIntervalMs:          60000,
			QuotaAlpha:               0.25,
			LeaderLeaseMs:            10000,
			MinAvailableBrokers:      1,
		},
		Admission: AdmissionConfig{
			MaxConcurrentLookups: 50000,
		},
		Archive: ArchiveConfig{
			Codec:  "zstd",
			Prefix: "load-history",
			Region: "us-east-1",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			HealthAddr:  ":8080",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

func (c BrokerConfig) ReportInterval() time.Duration  { return ms(c.ReportIntervalMs) }
func (c BrokerConfig) RegisterTimeout() time.Duration { return ms(c.RegisterTimeoutMs) }

// BrokerID returns the configured broker ID, falling back to the advertised address.
func (c BrokerConfig) BrokerID() string {
	if c.ID != "" {
		return c.ID
	}
	return c.AdvertisedAddr
}

func (c MetadataConfig) RequestTimeout() time.Duration { return ms(c.RequestTimeoutMs) }
func (c MetadataConfig) SessionTimeout() time.Duration { return ms(c.SessionTimeoutMs) }

func (c LoadBalancerConfig) RankingRebuildInterval() time.Duration {
	return ms(c.RankingRebuildIntervalMs)
}
func (c LoadBalancerConfig) RegistryResyncInterval() time.Duration {
	return ms(c.RegistryResyncIntervalMs)
}
func (c LoadBalancerConfig) SheddingInterval() time.Duration { return ms(c.SheddingIntervalMs) }
func (c LoadBalancerConfig) SheddingGrace() time.Duration    { return ms(c.SheddingGraceMs) }
func (c LoadBalancerConfig) QuotaInterval() time.Duration    { return ms(c.QuotaIntervalMs) }
func (c LoadBalancerConfig) LeaderLease() time.Duration      { return ms(c.LeaderLeaseMs) }
