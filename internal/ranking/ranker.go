// Package ranking scores broker load reports and publishes the result as
// an immutable rank → brokers table that lookups read without locks.
package ranking

import (
	"cmp"
	"fmt"

	"github.com/dray-io/placement/internal/loadreport"
)

// Rank orders brokers by load. Lower is better.
type Rank int64

// Strategy selects how a usage snapshot is reduced to a Rank.
type Strategy string

const (
	// StrategyAvailability sums the weighted percentage of every dimension,
	// doubling any dimension above HotThreshold so a single saturated
	// resource outweighs several lightly used ones.
	StrategyAvailability Strategy = "availability"

	// StrategyMaxUsage ranks by the single most used dimension.
	StrategyMaxUsage Strategy = "max-usage"
)

// HotThreshold is the usage percentage above which the availability
// strategy doubles a dimension's contribution.
const HotThreshold = 75.0

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyAvailability, StrategyMaxUsage:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("ranking: unknown strategy %q", s)
	}
}

// Ranker reduces a SystemResourceUsage to a Rank.
type Ranker struct {
	strategy Strategy
	weights  map[loadreport.Dimension]float64
}

// RankerOption configures a Ranker.
type RankerOption func(*Ranker)

// WithWeights overrides the per-dimension weights (default 1) used by the
// availability strategy.
func WithWeights(w map[loadreport.Dimension]float64) RankerOption {
	return func(r *Ranker) {
		for d, v := range w {
			r.weights[d] = v
		}
	}
}

// NewRanker returns a Ranker for s. An unknown strategy falls back to availability.
func NewRanker(s Strategy, opts ...RankerOption) Ranker {
	if _, err := ParseStrategy(string(s)); err != nil {
		s = StrategyAvailability
	}
	r := Ranker{strategy: s, weights: make(map[loadreport.Dimension]float64, len(loadreport.Dimensions))}
	for _, d := range loadreport.Dimensions {
		r.weights[d] = 1
	}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

func (r Ranker) Strategy() Strategy { return r.strategy }

// Rank scores u.
func (r Ranker) Rank(u loadreport.SystemResourceUsage) Rank {
	switch r.strategy {
	case StrategyMaxUsage:
		return Rank(u.MaxPercentUsage())
	default:
		total := 0.0
		for _, d := range loadreport.Dimensions {
			pct := u.Get(d).PercentUsage()
			if pct > HotThreshold {
				pct *= 2
			}
			total += pct * r.weights[d]
		}
		return Rank(total)
	}
}

// Compare is a total order over usage snapshots: negative when a has more
// spare capacity than b. Ties on rank fall through to the highest single
// dimension and then to each dimension in loadreport.Dimensions order, so
// only identical profiles compare equal.
func (r Ranker) Compare(a, b loadreport.SystemResourceUsage) int {
	if c := cmp.Compare(r.Rank(a), r.Rank(b)); c != 0 {
		return c
	}
	if c := cmp.Compare(a.MaxPercentUsage(), b.MaxPercentUsage()); c != 0 {
		return c
	}
	for _, d := range loadreport.Dimensions {
		if c := cmp.Compare(a.Get(d).Ratio(), b.Get(d).Ratio()); c != 0 {
			return c
		}
	}
	return 0
}
