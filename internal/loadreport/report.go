package loadreport

import (
	"encoding/json"
	"time"

	"github.com/dray-io/placement/internal/faults"
)

// LoadReport is what a broker publishes under its liveness key.
// It is treated as immutable once ingested.
type LoadReport struct {
	Name                string                 `json:"name"`
	BrokerVersion       string                 `json:"brokerVersionString,omitempty"`
	ServiceURL          string                 `json:"pulsarServiceUrl,omitempty"`
	WebServiceURL       string                 `json:"webServiceUrl,omitempty"`
	Timestamp           int64                  `json:"timestamp"`
	SystemResourceUsage SystemResourceUsage    `json:"systemResourceUsage"`
	BundleStats         map[string]BundleStats `json:"bundleStats,omitempty"`
	BrokerUsage         BrokerUsage            `json:"brokerUsage"`
}

// Time returns the report timestamp.
func (r *LoadReport) Time() time.Time {
	return time.UnixMilli(r.Timestamp)
}

// NumBundles returns how many bundles the broker reported.
func (r *LoadReport) NumBundles() int {
	return len(r.BundleStats)
}

// Parse decodes a report. Undecodable input is MalformedData.
func Parse(data []byte) (*LoadReport, error) {
	var r LoadReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, faults.Malformed("loadreport.Parse", err)
	}
	return &r, nil
}

// Marshal encodes a report for publication.
func (r *LoadReport) Marshal() ([]byte, error) {
	return json.Marshal(r)
}
