package placement

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"

	"github.com/dray-io/placement/internal/faults"
	"github.com/dray-io/placement/internal/naming"
	"github.com/dray-io/placement/internal/ranking"
)

// Selection failures. Both match faults.ErrServiceUnavailable.
var (
	// ErrNotYetAvailable means no load report has been ranked yet.
	ErrNotYetAvailable error = &faults.Error{
		Kind: faults.KindServiceUnavailable,
		Op:   "get-least-loaded",
		Msg:  "load data not yet available",
	}
	// ErrNoEligibleBroker means brokers are ranked but none may own the bundle.
	ErrNoEligibleBroker error = &faults.Error{
		Kind: faults.KindServiceUnavailable,
		Op:   "get-least-loaded",
		Msg:  "no eligible broker",
	}
)

// Observer records selection outcomes. Implemented by metrics.PlacementMetrics.
type Observer interface {
	Selected(brokerID string)
	SelectionFailed(reason string)
}

// SelectorConfig configures a Selector.
type SelectorConfig struct {
	Table    *ranking.Holder
	Policies PolicySource
	// MinAvailable is the failover floor for policies without min_limit.
	// Defaults to 1.
	MinAvailable func() int
	Observer     Observer
}

// Selector assigns bundles to the least loaded eligible broker.
type Selector struct {
	table        *ranking.Holder
	policies     PolicySource
	minAvailable func() int
	observer     Observer

	// assigned holds selections not yet visible in any load report.
	mu       sync.Mutex
	assigned map[string]string
	prunedAt *ranking.Table
}

// NewSelector builds a Selector.
func NewSelector(cfg SelectorConfig) *Selector {
	s := &Selector{
		table:        cfg.Table,
		policies:     cfg.Policies,
		minAvailable: cfg.MinAvailable,
		observer:     cfg.Observer,
		assigned:     make(map[string]string),
	}
	if s.policies == nil {
		s.policies = StaticPolicies{}
	}
	if s.minAvailable == nil {
		s.minAvailable = func() int { return 1 }
	}
	return s
}

// GetLeastLoaded returns the broker that should own bundle.
//
// The ranking table is walked best rank first. Among eligible brokers that
// share the best rank, a broker already owning the bundle keeps it.
// Otherwise the broker with the fewest bundles of the same namespace wins,
// then the one with more spare capacity, then the highest rendezvous score
// for (broker, bundle).
func (s *Selector) GetLeastLoaded(ctx context.Context, bundle naming.Bundle) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	t := s.table.Load()
	if t.Empty() {
		s.failed("not_yet_available")
		return "", ErrNotYetAvailable
	}

	eligible, err := s.eligible(t, bundle.Namespace)
	if err != nil {
		s.failed("no_eligible_broker")
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(t)

	key := bundle.String()
	for _, b := range t.Buckets() {
		if id, ok := s.pickLocked(t, b.Brokers, eligible, key); ok {
			if owner, reported := t.OwnerOf(key); !reported || owner != id {
				s.assigned[key] = id
			}
			if s.observer != nil {
				s.observer.Selected(id)
			}
			return id, nil
		}
	}
	s.failed("no_eligible_broker")
	return "", ErrNoEligibleBroker
}

// EligibleBrokers returns, sorted, the brokers allowed to own bundles of ns
// under the current table and policies.
func (s *Selector) EligibleBrokers(ns naming.NamespaceName) ([]string, error) {
	t := s.table.Load()
	if t.Empty() {
		return nil, ErrNotYetAvailable
	}
	set, err := s.eligible(t, ns)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Selector) eligible(t *ranking.Table, ns naming.NamespaceName) (map[string]struct{}, error) {
	ps := s.policies.Policies()
	all := tableBrokers(t)

	shared := filter(all, ps.IsShared)
	policy, ok := ps.Match(ns)
	if !ok {
		if len(shared) == 0 {
			return toSet(all), nil
		}
		return toSet(shared), nil
	}

	available := filter(all, func(id string) bool {
		if !policy.IsPrimary(id) {
			return false
		}
		u, _ := t.UsageOf(id)
		return u.MaxPercentUsage() < policy.UsageThreshold()
	})

	candidates := available
	if len(available) < policy.MinLimit(max(1, s.minAvailable())) {
		candidates = append(candidates, filter(all, func(id string) bool {
			return policy.IsSecondary(id) && !policy.IsPrimary(id)
		})...)
	}

	if len(candidates) == 0 {
		if policy.Mandatory() || len(shared) == 0 {
			return nil, ErrNoEligibleBroker
		}
		return toSet(shared), nil
	}
	return toSet(candidates), nil
}

func (s *Selector) failed(reason string) {
	if s.observer != nil {
		s.observer.SelectionFailed(reason)
	}
}

// pruneLocked forgets selections once a new table shows where the bundle
// lives, or when the chosen broker is gone.
func (s *Selector) pruneLocked(t *ranking.Table) {
	if s.prunedAt == t {
		return
	}
	for bundle, id := range s.assigned {
		_, reported := t.OwnerOf(bundle)
		_, ranked := t.RankOf(id)
		if reported || !ranked {
			delete(s.assigned, bundle)
		}
	}
	s.prunedAt = t
}

func (s *Selector) ownerLocked(t *ranking.Table, bundle string) (string, bool) {
	if id, ok := t.OwnerOf(bundle); ok {
		return id, true
	}
	id, ok := s.assigned[bundle]
	return id, ok
}

// namespaceLoadLocked counts the bundles of ns each broker owns, reported
// or selected since the last report.
func (s *Selector) namespaceLoadLocked(t *ranking.Table, brokers []string, ns string) map[string]int {
	counts := make(map[string]int, len(brokers))
	for _, id := range brokers {
		counts[id] = t.NamespaceBundles(id, ns)
	}
	for bundle, id := range s.assigned {
		if _, ok := counts[id]; ok && ranking.BundleNamespace(bundle) == ns {
			counts[id]++
		}
	}
	return counts
}

// pickLocked chooses among the eligible brokers of one rank bucket.
func (s *Selector) pickLocked(t *ranking.Table, brokers []string, eligible map[string]struct{}, key string) (string, bool) {
	tied := filter(brokers, func(id string) bool {
		_, ok := eligible[id]
		return ok
	})
	if len(tied) == 0 {
		return "", false
	}
	if owner, ok := s.ownerLocked(t, key); ok {
		for _, id := range tied {
			if id == owner {
				return id, true
			}
		}
	}

	counts := s.namespaceLoadLocked(t, tied, ranking.BundleNamespace(key))
	best := tied[0]
	for _, id := range tied[1:] {
		if better(t, counts, key, id, best) {
			best = id
		}
	}
	return best, true
}

func better(t *ranking.Table, counts map[string]int, key, a, b string) bool {
	if counts[a] != counts[b] {
		return counts[a] < counts[b]
	}
	if c := t.Compare(a, b); c != 0 {
		return c < 0
	}
	sa, sb := RendezvousScore(a, key), RendezvousScore(b, key)
	if sa != sb {
		return sa > sb
	}
	return a < b
}

// RendezvousScore is the FNV-1a highest-random-weight score of a broker
// for a key.
func RendezvousScore(brokerID, key string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(brokerID))
	h.Write([]byte{0})
	h.Write([]byte(key))
	return h.Sum64()
}

func tableBrokers(t *ranking.Table) []string {
	out := make([]string, 0, t.Len())
	for _, b := range t.Buckets() {
		out = append(out, b.Brokers...)
	}
	return out
}

func filter(ids []string, keep func(string) bool) []string {
	var out []string
	for _, id := range ids {
		if keep(id) {
			out = append(out, id)
		}
	}
	return out
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
