package health

import (
	"encoding/json"
	"net/http"

	"github.com/dray-io/placement/internal/ranking"
)

// RankingsView is the JSON body of /debug/rankings.
type RankingsView struct {
	Strategy  string       `json:"strategy"`
	BuiltAtMs int64        `json:"builtAtMs"`
	Brokers   int          `json:"brokers"`
	Leader    bool         `json:"leader"`
	Buckets   []BucketView `json:"buckets"`
}

// BucketView is one rank, best first.
type BucketView struct {
	Rank    int64        `json:"rank"`
	Brokers []BrokerView `json:"brokers"`
}

// BrokerView is a ranked broker and the usage it was ranked with.
type BrokerView struct {
	ID              string  `json:"id"`
	MaxUsagePercent float64 `json:"maxUsagePercent"`
}

// RankingsHandler serves the current ranking table. isLeader may be nil.
func RankingsHandler(holder *ranking.Holder, isLeader func() bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		t := holder.Load()
		view := RankingsView{
			Strategy: string(t.Strategy()),
			Brokers:  t.Len(),
			Buckets:  make([]BucketView, 0, len(t.Buckets())),
		}
		if !t.BuiltAt().IsZero() {
			view.BuiltAtMs = t.BuiltAt().UnixMilli()
		}
		if isLeader != nil {
			view.Leader = isLeader()
		}
		for _, b := range t.Buckets() {
			bv := BucketView{Rank: int64(b.Rank), Brokers: make([]BrokerView, 0, len(b.Brokers))}
			for _, id := range b.Brokers {
				u, _ := t.UsageOf(id)
				bv.Brokers = append(bv.Brokers, BrokerView{ID: id, MaxUsagePercent: u.MaxPercentUsage()})
			}
			view.Buckets = append(view.Buckets, bv)
		}

		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.Encode(view)
	})
}
