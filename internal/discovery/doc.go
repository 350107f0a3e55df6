// Package discovery tracks the live broker fleet and publishes this broker's
// own load report.
//
// Every broker owns one ephemeral key under the liveness root. The key is
// removed by the coordination service when the broker's session expires, so
// the set of keys is the set of live brokers:
//
//	/loadbalance/brokers/<host>:<port>
//
// The value is the broker's latest LoadReport as JSON:
//
//	{
//	  "name": "broker-1.example.com:6650",
//	  "pulsarServiceUrl": "pulsar://broker-1.example.com:6650",
//	  "timestamp": 1703721600000,
//	  "systemResourceUsage": {
//	    "cpu": {"usage": 120, "limit": 800},
//	    "bandwidthIn": {"usage": 25000, "limit": 1000000},
//	    ...
//	  },
//	  "bundleStats": {"tenant/cluster/ns/0x00000000_0xffffffff": {...}}
//	}
//
// Registry watches the root and keeps an in-memory snapshot plus the shared
// report cache; Reporter writes the local broker's key.
package discovery
