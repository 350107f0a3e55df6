package loadreport

import (
	"cmp"
	"strconv"
)

// BundleStats is the traffic a broker observed for one bundle.
type BundleStats struct {
	MsgRateIn        float64 `json:"msgRateIn"`
	MsgRateOut       float64 `json:"msgRateOut"`
	MsgThroughputIn  float64 `json:"msgThroughputIn"`
	MsgThroughputOut float64 `json:"msgThroughputOut"`
	ProducerCount    int64   `json:"producerCount"`
	ConsumerCount    int64   `json:"consumerCount"`
	Topics           int64   `json:"topics"`
	CacheSize        int64   `json:"cacheSize"`
}

// MsgRate is the combined inbound and outbound message rate.
func (b BundleStats) MsgRate() float64 { return b.MsgRateIn + b.MsgRateOut }

// TopicConnections is the combined producer and consumer count.
func (b BundleStats) TopicConnections() int64 { return b.ProducerCount + b.ConsumerCount }

func (b BundleStats) CompareByMsgRate(o BundleStats) int {
	return cmp.Compare(b.MsgRate(), o.MsgRate())
}

func (b BundleStats) CompareByTopicConnections(o BundleStats) int {
	if c := cmp.Compare(b.Topics, o.Topics); c != 0 {
		return c
	}
	return cmp.Compare(b.TopicConnections(), o.TopicConnections())
}

func (b BundleStats) CompareByCacheSize(o BundleStats) int {
	return cmp.Compare(b.CacheSize, o.CacheSize)
}

func (b BundleStats) CompareByBandwidthIn(o BundleStats) int {
	return cmp.Compare(b.MsgThroughputIn, o.MsgThroughputIn)
}

func (b BundleStats) CompareByBandwidthOut(o BundleStats) int {
	return cmp.Compare(b.MsgThroughputOut, o.MsgThroughputOut)
}

// Compare orders bundles by message rate, then topic connections, then
// cache size. Negative means b carries less load than o.
func (b BundleStats) Compare(o BundleStats) int {
	if c := b.CompareByMsgRate(o); c != 0 {
		return c
	}
	if c := b.CompareByTopicConnections(o); c != 0 {
		return c
	}
	return b.CompareByCacheSize(o)
}

// Add accumulates o into b.
func (b *BundleStats) Add(o BundleStats) {
	b.MsgRateIn += o.MsgRateIn
	b.MsgRateOut += o.MsgRateOut
	b.MsgThroughputIn += o.MsgThroughputIn
	b.MsgThroughputOut += o.MsgThroughputOut
	b.ProducerCount += o.ProducerCount
	b.ConsumerCount += o.ConsumerCount
	b.Topics += o.Topics
	b.CacheSize += o.CacheSize
}

// Metric names read by PopulateBrokerUsage.
const (
	MetricConnectionCount            = "brk_conn_cnt"
	MetricReplicationConnectionCount = "brk_repl_conn_cnt"
)

// BrokerUsage is connection-level usage of a broker.
type BrokerUsage struct {
	ConnectionCount            int64 `json:"connectionCount"`
	ReplicationConnectionCount int64 `json:"replicationConnectionCount"`
}

// PopulateBrokerUsage builds a BrokerUsage from a flat metrics map.
// Missing or non-numeric entries read as zero.
func PopulateBrokerUsage(metrics map[string]any) BrokerUsage {
	return BrokerUsage{
		ConnectionCount:            metricInt(metrics[MetricConnectionCount]),
		ReplicationConnectionCount: metricInt(metrics[MetricReplicationConnectionCount]),
	}
}

func metricInt(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}
