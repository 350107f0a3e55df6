// Package keys builds and parses the coordination-service key layout.
//
//	/loadbalance/brokers/<host:port>                                  ephemeral load report
//	/loadbalance/leader                                               ephemeral leader record
//	/loadbalance/resource-quota/namespace/<bundle>                    resource quota
//	/loadbalance/bundle-unload/<bundle>                               unload request
//	/admin/partitioned-topics/<tenant>/<cluster>/<ns>/<domain>/<topic> partition metadata
//	/admin/policies/<tenant>                                          tenant policy
//	/admin/clusters/<cluster>/namespaceIsolationPolicies              isolation policies
//	/admin/configuration                                              dynamic configuration
package keys

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/dray-io/placement/internal/naming"
)

const (
	LoadBalancePrefix = "/loadbalance"

	// BrokersRoot is the broker-liveness root. Children are ephemeral.
	BrokersRoot = LoadBalancePrefix + "/brokers"

	LeaderKey = LoadBalancePrefix + "/leader"

	QuotaRoot = LoadBalancePrefix + "/resource-quota/namespace"

	// UnloadRoot holds unload requests written by the shedding leader.
	UnloadRoot = LoadBalancePrefix + "/bundle-unload"

	AdminPrefix = "/admin"

	PartitionedTopicsRoot = AdminPrefix + "/partitioned-topics"

	PoliciesRoot = AdminPrefix + "/policies"

	ClustersRoot = AdminPrefix + "/clusters"

	DynamicConfigKey = AdminPrefix + "/configuration"
)

// ErrInvalidKey is returned when a key cannot be parsed.
var ErrInvalidKey = errors.New("keys: invalid key format")

// BrokerKey returns the liveness key of a broker identified by host:port.
func BrokerKey(brokerID string) string {
	return BrokersRoot + "/" + brokerID
}

// ParseBrokerKey extracts the broker ID from a liveness key.
func ParseBrokerKey(key string) (string, error) {
	id, ok := strings.CutPrefix(key, BrokersRoot+"/")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", fmt.Errorf("%w: not a broker key: %q", ErrInvalidKey, key)
	}
	if _, _, err := net.SplitHostPort(id); err != nil {
		return "", fmt.Errorf("%w: broker id %q is not host:port", ErrInvalidKey, id)
	}
	return id, nil
}

// IsBrokerKey reports whether key lives directly under the liveness root.
func IsBrokerKey(key string) bool {
	_, err := ParseBrokerKey(key)
	return err == nil
}

// QuotaKey returns the resource-quota key of a bundle.
func QuotaKey(bundle string) string {
	return QuotaRoot + "/" + bundle
}

// ParseQuotaKey extracts the bundle name from a resource-quota key.
func ParseQuotaKey(key string) (string, error) {
	bundle, ok := strings.CutPrefix(key, QuotaRoot+"/")
	if !ok || bundle == "" {
		return "", fmt.Errorf("%w: not a quota key: %q", ErrInvalidKey, key)
	}
	return bundle, nil
}

// PartitionedTopicKey returns the partition-metadata key of a destination.
func PartitionedTopicKey(d naming.DestinationName) string {
	return PartitionedTopicsRoot + "/" + d.Namespace.Tenant + "/" + d.Namespace.Cluster + "/" +
		d.Namespace.Namespace + "/" + string(d.Domain) + "/" + d.EncodedLocalName()
}

// TenantPolicyKey returns the policy key of a tenant.
func TenantPolicyKey(tenant string) string {
	return PoliciesRoot + "/" + tenant
}

// IsolationPoliciesKey returns the isolation-policy document key of a cluster.
func IsolationPoliciesKey(cluster string) string {
	return ClustersRoot + "/" + cluster + "/namespaceIsolationPolicies"
}

// UnloadKey returns the unload-request key of a bundle.
func UnloadKey(bundle string) string {
	return UnloadRoot + "/" + bundle
}
