// Package naming parses destination, namespace and bundle names.
//
// Destinations use the form
//
//	persistent://<tenant>/<cluster>/<namespace>/<topic>
//
// and bundles are hash-range shards of a namespace written as
//
//	<tenant>/<cluster>/<namespace>/0x00000000_0xffffffff
package naming

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net/url"
	"strconv"
	"strings"
)

// Domain is the persistence domain of a destination.
type Domain string

const (
	DomainPersistent    Domain = "persistent"
	DomainNonPersistent Domain = "non-persistent"
)

// ErrInvalidName is returned for names that do not parse.
var ErrInvalidName = errors.New("naming: invalid name")

// NamespaceName identifies a tenant namespace within a cluster.
type NamespaceName struct {
	Tenant    string
	Cluster   string
	Namespace string
}

// ParseNamespace parses "tenant/cluster/namespace".
func ParseNamespace(s string) (NamespaceName, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return NamespaceName{}, fmt.Errorf("%w: namespace %q", ErrInvalidName, s)
	}
	return NamespaceName{Tenant: parts[0], Cluster: parts[1], Namespace: parts[2]}, nil
}

func (n NamespaceName) String() string {
	return n.Tenant + "/" + n.Cluster + "/" + n.Namespace
}

// DestinationName identifies a topic.
type DestinationName struct {
	Domain    Domain
	Namespace NamespaceName
	LocalName string
}

// ParseDestination parses "persistent://tenant/cluster/namespace/topic".
// The local name may itself contain slashes.
func ParseDestination(s string) (DestinationName, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return DestinationName{}, fmt.Errorf("%w: destination %q has no domain", ErrInvalidName, s)
	}
	domain := Domain(scheme)
	if domain != DomainPersistent && domain != DomainNonPersistent {
		return DestinationName{}, fmt.Errorf("%w: unknown domain %q", ErrInvalidName, scheme)
	}
	parts := strings.SplitN(rest, "/", 4)
	if len(parts) != 4 || parts[3] == "" {
		return DestinationName{}, fmt.Errorf("%w: destination %q", ErrInvalidName, s)
	}
	ns, err := ParseNamespace(strings.Join(parts[:3], "/"))
	if err != nil {
		return DestinationName{}, fmt.Errorf("%w: destination %q", ErrInvalidName, s)
	}
	return DestinationName{Domain: domain, Namespace: ns, LocalName: parts[3]}, nil
}

func (d DestinationName) String() string {
	return string(d.Domain) + "://" + d.Namespace.String() + "/" + d.LocalName
}

// Tenant returns the owning tenant (property).
func (d DestinationName) Tenant() string { return d.Namespace.Tenant }

// EncodedLocalName returns the local name escaped for use as a single key component.
func (d DestinationName) EncodedLocalName() string {
	return url.QueryEscape(d.LocalName)
}

// HashCode returns the 32-bit hash that places this destination in a bundle range.
func (d DestinationName) HashCode() uint32 {
	h := fnv.New32a()
	h.Write([]byte(d.String()))
	return h.Sum32()
}

// FullRange is the hash range covering a whole namespace.
const FullRange = "0x00000000_0xffffffff"

// Bundle is a hash-range shard of a namespace; the unit of ownership assignment.
type Bundle struct {
	Namespace NamespaceName
	Lower     uint32
	Upper     uint32
}

// ParseBundle parses "tenant/cluster/namespace/0xLLLLLLLL_0xUUUUUUUU".
func ParseBundle(s string) (Bundle, error) {
	idx := strings.LastIndex(s, "/")
	if idx < 0 {
		return Bundle{}, fmt.Errorf("%w: bundle %q", ErrInvalidName, s)
	}
	ns, err := ParseNamespace(s[:idx])
	if err != nil {
		return Bundle{}, fmt.Errorf("%w: bundle %q", ErrInvalidName, s)
	}
	lo, hi, ok := strings.Cut(s[idx+1:], "_")
	if !ok {
		return Bundle{}, fmt.Errorf("%w: bundle range %q", ErrInvalidName, s[idx+1:])
	}
	lower, err := parseHex32(lo)
	if err != nil {
		return Bundle{}, fmt.Errorf("%w: bundle %q: %v", ErrInvalidName, s, err)
	}
	upper, err := parseHex32(hi)
	if err != nil {
		return Bundle{}, fmt.Errorf("%w: bundle %q: %v", ErrInvalidName, s, err)
	}
	if lower >= upper {
		return Bundle{}, fmt.Errorf("%w: bundle %q has an empty range", ErrInvalidName, s)
	}
	return Bundle{Namespace: ns, Lower: lower, Upper: upper}, nil
}

func parseHex32(s string) (uint32, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return 0, fmt.Errorf("missing 0x prefix in %q", s)
	}
	v, err := strconv.ParseUint(s[2:], 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// Range returns the "0xLLLLLLLL_0xUUUUUUUU" form of the bundle's hash range.
func (b Bundle) Range() string {
	return fmt.Sprintf("0x%08x_0x%08x", b.Lower, b.Upper)
}

func (b Bundle) String() string {
	return b.Namespace.String() + "/" + b.Range()
}

// Includes reports whether the destination hashes into this bundle.
// The upper bound is inclusive only for the last bundle of the namespace.
func (b Bundle) Includes(d DestinationName) bool {
	if d.Namespace != b.Namespace {
		return false
	}
	h := d.HashCode()
	if b.Upper == 0xffffffff {
		return h >= b.Lower
	}
	return h >= b.Lower && h < b.Upper
}

// SplitNamespace divides the full hash range into n equal bundles.
func SplitNamespace(ns NamespaceName, n int) []Bundle {
	if n <= 0 {
		n = 1
	}
	step := uint64(1<<32) / uint64(n)
	bundles := make([]Bundle, 0, n)
	lower := uint64(0)
	for i := 0; i < n; i++ {
		upper := lower + step
		if i == n-1 {
			upper = 0xffffffff
		}
		bundles = append(bundles, Bundle{Namespace: ns, Lower: uint32(lower), Upper: uint32(upper)})
		lower = upper
	}
	return bundles
}
