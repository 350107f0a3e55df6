package ranking

import (
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/emirpasic/gods/v2/maps/treemap"

	"github.com/dray-io/placement/internal/loadreport"
)

// Bucket is every broker sharing one rank, sorted by broker ID.
type Bucket struct {
	Rank    Rank
	Brokers []string
}

// Table is an immutable snapshot of broker rankings, best rank first.
// Callers must not modify the slices it returns.
type Table struct {
	buckets []Bucket
	ranks   map[string]Rank
	usage   map[string]loadreport.SystemResourceUsage
	ranker  Ranker
	builtAt time.Time

	// owners maps each reported bundle to its broker; nsBundles counts a
	// broker's reported bundles per namespace.
	owners    map[string]string
	nsBundles map[string]map[string]int
}

var emptyTable = &Table{
	ranks:     map[string]Rank{},
	usage:     map[string]loadreport.SystemResourceUsage{},
	ranker:    NewRanker(StrategyAvailability),
	owners:    map[string]string{},
	nsBundles: map[string]map[string]int{},
}

// Build ranks every report. Brokers are grouped by rank through an ordered
// tree map, then frozen into a sorted slice.
func Build(reports map[string]*loadreport.LoadReport, ranker Ranker, now time.Time) *Table {
	tree := treemap.New[Rank, []string]()
	t := &Table{
		ranks:     make(map[string]Rank, len(reports)),
		usage:     make(map[string]loadreport.SystemResourceUsage, len(reports)),
		ranker:    ranker,
		builtAt:   now,
		owners:    make(map[string]string),
		nsBundles: make(map[string]map[string]int, len(reports)),
	}

	ids := make([]string, 0, len(reports))
	for id, r := range reports {
		if r != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		usage := reports[id].SystemResourceUsage
		rank := ranker.Rank(usage)
		t.ranks[id] = rank
		t.usage[id] = usage
		brokers, _ := tree.Get(rank)
		tree.Put(rank, append(brokers, id))

		counts := make(map[string]int)
		for bundle := range reports[id].BundleStats {
			t.owners[bundle] = id
			counts[BundleNamespace(bundle)]++
		}
		t.nsBundles[id] = counts
	}

	t.buckets = make([]Bucket, 0, tree.Size())
	it := tree.Iterator()
	for it.Next() {
		t.buckets = append(t.buckets, Bucket{Rank: it.Key(), Brokers: it.Value()})
	}
	return t
}

// Empty reports whether no broker has been ranked.
func (t *Table) Empty() bool { return len(t.ranks) == 0 }

// Len returns the number of ranked brokers.
func (t *Table) Len() int { return len(t.ranks) }

// Buckets returns the buckets best rank first.
func (t *Table) Buckets() []Bucket { return t.buckets }

// RankOf returns the rank of brokerID.
func (t *Table) RankOf(brokerID string) (Rank, bool) {
	r, ok := t.ranks[brokerID]
	return r, ok
}

// UsageOf returns the usage snapshot brokerID was ranked with.
func (t *Table) UsageOf(brokerID string) (loadreport.SystemResourceUsage, bool) {
	u, ok := t.usage[brokerID]
	return u, ok
}

// OwnerOf returns the broker whose report lists bundle.
func (t *Table) OwnerOf(bundle string) (string, bool) {
	id, ok := t.owners[bundle]
	return id, ok
}

// NamespaceBundles returns how many bundles of namespace brokerID reported.
func (t *Table) NamespaceBundles(brokerID, namespace string) int {
	return t.nsBundles[brokerID][namespace]
}

// Compare orders two ranked brokers by spare capacity with the ranker the
// table was built with. Unknown brokers compare as idle.
func (t *Table) Compare(a, b string) int {
	return t.ranker.Compare(t.usage[a], t.usage[b])
}

func (t *Table) Strategy() Strategy { return t.ranker.Strategy() }
func (t *Table) BuiltAt() time.Time { return t.builtAt }

// BundleNamespace returns the namespace part of a bundle name
// ("tenant/cluster/ns/0x00000000_0x40000000" → "tenant/cluster/ns").
func BundleNamespace(bundle string) string {
	if i := strings.LastIndex(bundle, "/"); i >= 0 {
		return bundle[:i]
	}
	return bundle
}

// Holder publishes the current Table. Load is lock-free and never returns nil.
type Holder struct {
	current atomic.Pointer[Table]
}

// NewHolder returns a Holder holding an empty table.
func NewHolder() *Holder {
	h := &Holder{}
	h.current.Store(emptyTable)
	return h
}

// Load returns the current table.
func (h *Holder) Load() *Table {
	return h.current.Load()
}

// Store publishes t, replacing the previous table whole.
func (h *Holder) Store(t *Table) {
	if t == nil {
		t = emptyTable
	}
	h.current.Store(t)
}

// Rebuild builds a table from reports and publishes it.
func (h *Holder) Rebuild(reports map[string]*loadreport.LoadReport, ranker Ranker, now time.Time) *Table {
	t := Build(reports, ranker, now)
	h.Store(t)
	return t
}
