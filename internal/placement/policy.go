// Package placement chooses the broker that should own a namespace bundle.
//
// Eligibility comes from namespace isolation policies: a policy names the
// brokers that are primary for its namespaces and the secondaries that take
// over when too few primaries have spare capacity. Brokers that are primary
// for no policy form the shared pool used by unrestricted namespaces.
package placement

import (
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"

	"github.com/dray-io/placement/internal/faults"
	"github.com/dray-io/placement/internal/naming"
)

// FailoverMinAvailable is the only auto-failover policy type.
const FailoverMinAvailable = "min_available"

// Failover parameter names.
const (
	ParamMinLimit       = "min_limit"
	ParamUsageThreshold = "usage_threshold"
)

// AutoFailoverPolicy decides when a policy widens from primary to secondary brokers.
type AutoFailoverPolicy struct {
	PolicyType string            `json:"policy_type"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// IsolationPolicy is one entry of a cluster's namespace isolation document.
// All patterns are regular expressions matched against the whole broker ID
// or its host part.
type IsolationPolicy struct {
	Namespaces         []string           `json:"namespaces"`
	Primary            []string           `json:"primary"`
	Secondary          []string           `json:"secondary,omitempty"`
	AutoFailoverPolicy AutoFailoverPolicy `json:"auto_failover_policy"`
	Mandatory          bool               `json:"mandatory,omitempty"`
}

// Policy is a compiled IsolationPolicy.
type Policy struct {
	Name string

	namespaces []*regexp.Regexp
	primary    []*regexp.Regexp
	secondary  []*regexp.Regexp

	// minLimit is zero when the document leaves it to the dynamic default.
	minLimit       int
	usageThreshold float64
	mandatory      bool
}

// MatchesNamespace reports whether the policy applies to ns.
func (p *Policy) MatchesNamespace(ns naming.NamespaceName) bool {
	return matchAny(p.namespaces, ns.String())
}

// IsPrimary reports whether brokerID is a primary broker of the policy.
func (p *Policy) IsPrimary(brokerID string) bool { return matchBroker(p.primary, brokerID) }

// IsSecondary reports whether brokerID is a secondary broker of the policy.
func (p *Policy) IsSecondary(brokerID string) bool { return matchBroker(p.secondary, brokerID) }

func (p *Policy) Mandatory() bool { return p.mandatory }

// MinLimit returns the configured minimum of available primaries, or def
// when the policy does not set one.
func (p *Policy) MinLimit(def int) int {
	if p.minLimit > 0 {
		return p.minLimit
	}
	return def
}

// UsageThreshold is the max usage percentage below which a primary counts
// as available.
func (p *Policy) UsageThreshold() float64 { return p.usageThreshold }

// Policies is an immutable, name-ordered set of compiled policies.
type Policies struct {
	list []*Policy
}

// NoPolicies is the empty set.
var NoPolicies = &Policies{}

// ParsePolicies decodes a cluster isolation document (policy name → policy).
func ParsePolicies(data []byte) (*Policies, error) {
	const op = "isolation-policies"
	var raw map[string]IsolationPolicy
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, faults.Malformed(op, err)
	}
	return CompilePolicies(raw)
}

// CompilePolicies compiles every policy. The first invalid one fails the whole set.
func CompilePolicies(raw map[string]IsolationPolicy) (*Policies, error) {
	const op = "isolation-policies"
	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	ps := &Policies{list: make([]*Policy, 0, len(names))}
	for _, name := range names {
		p, err := compile(name, raw[name])
		if err != nil {
			return nil, faults.Malformed(op, err)
		}
		ps.list = append(ps.list, p)
	}
	return ps, nil
}

func compile(name string, ip IsolationPolicy) (*Policy, error) {
	p := &Policy{Name: name, usageThreshold: 100, mandatory: ip.Mandatory}
	var err error
	if p.namespaces, err = compileAll(ip.Namespaces); err != nil {
		return nil, fmt.Errorf("policy %s: namespaces: %w", name, err)
	}
	if p.primary, err = compileAll(ip.Primary); err != nil {
		return nil, fmt.Errorf("policy %s: primary: %w", name, err)
	}
	if p.secondary, err = compileAll(ip.Secondary); err != nil {
		return nil, fmt.Errorf("policy %s: secondary: %w", name, err)
	}

	fp := ip.AutoFailoverPolicy
	if fp.PolicyType != "" && fp.PolicyType != FailoverMinAvailable {
		return nil, fmt.Errorf("policy %s: unsupported auto failover policy %q", name, fp.PolicyType)
	}
	if v, ok := fp.Parameters[ParamMinLimit]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("policy %s: invalid %s %q", name, ParamMinLimit, v)
		}
		p.minLimit = n
	}
	if v, ok := fp.Parameters[ParamUsageThreshold]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("policy %s: invalid %s %q", name, ParamUsageThreshold, v)
		}
		p.usageThreshold = f
	}
	return p, nil
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, pat := range patterns {
		re, err := regexp.Compile("^(?:" + pat + ")$")
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

func matchAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func matchBroker(res []*regexp.Regexp, brokerID string) bool {
	if matchAny(res, brokerID) {
		return true
	}
	if host, _, err := net.SplitHostPort(brokerID); err == nil {
		return matchAny(res, host)
	}
	return false
}

// Len returns the number of policies.
func (ps *Policies) Len() int { return len(ps.list) }

// Match returns the first policy, in name order, that applies to ns.
func (ps *Policies) Match(ns naming.NamespaceName) (*Policy, bool) {
	for _, p := range ps.list {
		if p.MatchesNamespace(ns) {
			return p, true
		}
	}
	return nil, false
}

// IsShared reports whether brokerID is primary for no policy.
func (ps *Policies) IsShared(brokerID string) bool {
	for _, p := range ps.list {
		if p.IsPrimary(brokerID) {
			return false
		}
	}
	return true
}
