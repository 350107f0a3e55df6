// Package metrics provides Prometheus metrics for the placement control plane.
//
// Each component declares a small observer interface; the types here
// implement them:
//
//	AdmissionMetrics     -> admission.Observer
//	LoadBalancerMetrics  -> ranking.Observer, discovery.Observer,
//	                        placement.Observer, shedding.Observer,
//	                        quota.Observer
//	LookupMetrics        -> lookup.Observer
//	MetadataMetrics      -> metadata.MetricsRecorder
//	ArchiveMetrics       -> objectstore.MetricsRecorder
//
// Every constructor registers with the default registry through promauto.
// The WithRegistry variants take a custom registerer for tests.
//
// Metrics are exposed via a dedicated HTTP server on /metrics:
//
//	srv := metrics.NewServer(":9090")
//	if err := srv.Start(); err != nil { ... }
//	defer srv.Close()
package metrics

const namespace = "placement"

// Status label values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

func statusLabel(success bool) string {
	if success {
		return StatusSuccess
	}
	return StatusFailure
}

// DefaultMetadataLatencyBuckets suit coordination-service calls, which are
// typically sub-millisecond to tens of milliseconds.
var DefaultMetadataLatencyBuckets = []float64{
	0.0001, // 0.1ms
	0.0005, // 0.5ms
	0.001,  // 1ms
	0.002,  // 2ms
	0.005,  // 5ms
	0.01,   // 10ms
	0.025,  // 25ms
	0.05,   // 50ms
	0.1,    // 100ms
	0.25,   // 250ms
	0.5,    // 500ms
	1.0,    // 1s
	2.5,    // 2.5s
	5.0,    // 5s
}

// DefaultObjectStoreLatencyBuckets suit S3-style blob operations.
var DefaultObjectStoreLatencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}
