package discovery

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/dray-io/placement/internal/faults"
	"github.com/dray-io/placement/internal/loadreport"
	"github.com/dray-io/placement/internal/logging"
	"github.com/dray-io/placement/internal/metadata"
	"github.com/dray-io/placement/internal/metadata/keys"
	"github.com/dray-io/placement/internal/periodic"
)

const (
	watchRetryDelay    = 100 * time.Millisecond
	defaultReadTimeout = 30 * time.Second
)

// BrokerDescriptor is one live broker as seen by the registry.
type BrokerDescriptor struct {
	// ID is the broker's host:port.
	ID string
	// Report is the latest decoded load report. Nil when the broker's key
	// holds a report that could not be decoded.
	Report *loadreport.LoadReport
	Live   bool
}

// Observer is told the live broker count after every change.
// Implemented by metrics.RegistryMetrics.
type Observer interface {
	LiveBrokers(n int)
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// ResyncInterval re-lists the liveness root to repair missed
	// notifications. Zero disables resync.
	ResyncInterval time.Duration

	// Cache receives every decoded report. Created when nil.
	Cache *loadreport.Cache

	// ReadTimeout bounds store reads shared by concurrent callers.
	// Defaults to 30s.
	ReadTimeout time.Duration

	Authorization AuthorizationConfig
	Observer      Observer
	Logger        *logging.Logger
}

// Registry is a watched view of the broker liveness root.
type Registry struct {
	store  metadata.MetadataStore
	cfg    RegistryConfig
	log    *logging.Logger
	cache  *loadreport.Cache
	resync *periodic.Task

	mu       sync.Mutex // serializes writers of brokers and snapshot
	brokers  map[string]BrokerDescriptor
	snapshot atomic.Pointer[[]BrokerDescriptor]

	counter     atomic.Int32
	lookups     singleflight.Group
	readTimeout time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry creates a stopped registry.
func NewRegistry(store metadata.MetadataStore, cfg RegistryConfig) *Registry {
	log := cfg.Logger
	if log == nil {
		log = logging.DefaultLogger()
	}
	cache := cfg.Cache
	if cache == nil {
		cache = loadreport.NewCache()
	}
	r := &Registry{
		store:       store,
		cfg:         cfg,
		log:         log.WithComponent("registry"),
		cache:       cache,
		brokers:     make(map[string]BrokerDescriptor),
		readTimeout: cfg.ReadTimeout,
		done:        make(chan struct{}),
	}
	if r.readTimeout <= 0 {
		r.readTimeout = defaultReadTimeout
	}
	empty := []BrokerDescriptor{}
	r.snapshot.Store(&empty)
	if cfg.ResyncInterval > 0 {
		r.resync = periodic.New(cfg.ResyncInterval, func(ctx context.Context) {
			if err := r.reload(ctx); err != nil && ctx.Err() == nil {
				r.log.Warnf("broker resync failed", map[string]any{"error": err})
			}
		})
	}
	return r
}

// Start lists the liveness root and begins watching it. A failed initial
// listing is returned as a TransportFailure and nothing is started.
func (r *Registry) Start(ctx context.Context) error {
	if err := r.reload(ctx); err != nil {
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	stream, err := r.store.Notifications(watchCtx)
	if err != nil {
		cancel()
		return faults.Transport("registry-watch", err)
	}
	r.cancel = cancel
	go r.watchLoop(watchCtx, stream)

	if r.resync != nil {
		r.resync.Start(ctx)
	}
	return nil
}

// Stop ends the watch and resync loops.
func (r *Registry) Stop() {
	if r.resync != nil {
		r.resync.Stop()
	}
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

// Cache returns the report cache fed by the registry.
func (r *Registry) Cache() *loadreport.Cache { return r.cache }

// Brokers returns the live brokers sorted by ID. The slice is shared and
// must not be modified.
func (r *Registry) Brokers() []BrokerDescriptor {
	return *r.snapshot.Load()
}

// Len returns the number of live brokers.
func (r *Registry) Len() int {
	return len(*r.snapshot.Load())
}

// Broker returns the descriptor of id.
func (r *Registry) Broker(id string) (BrokerDescriptor, bool) {
	snap := *r.snapshot.Load()
	i := sort.Search(len(snap), func(i int) bool { return snap[i].ID >= id })
	if i < len(snap) && snap[i].ID == id {
		return snap[i], true
	}
	return BrokerDescriptor{}, false
}

// NextBroker returns live brokers in round-robin order. The counter may
// wrap through negative values; the index stays in range.
func (r *Registry) NextBroker() (BrokerDescriptor, error) {
	snap := *r.snapshot.Load()
	if len(snap) == 0 {
		return BrokerDescriptor{}, faults.Unavailable("next-broker", "no live broker")
	}
	n := r.counter.Add(1) - 1
	return snap[signSafeMod(int64(n), len(snap))], nil
}

// signSafeMod returns dividend mod divisor in [0, divisor).
func signSafeMod(dividend int64, divisor int) int {
	m := dividend % int64(divisor)
	if m < 0 {
		m += int64(divisor)
	}
	return int(m)
}

func (r *Registry) reload(ctx context.Context) error {
	kvs, err := r.store.List(ctx, keys.BrokersRoot+"/", "", 0)
	if err != nil {
		return faults.Transport("registry-list", err)
	}

	brokers := make(map[string]BrokerDescriptor, len(kvs))
	reports := make(map[string]*loadreport.LoadReport, len(kvs))
	for _, kv := range kvs {
		id, err := keys.ParseBrokerKey(kv.Key)
		if err != nil {
			continue
		}
		d := r.decode(id, kv.Value)
		brokers[id] = d
		if d.Report != nil {
			reports[id] = d.Report
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.brokers = brokers
	r.cache.ReplaceAll(reports)
	r.publishLocked()
	return nil
}

func (r *Registry) decode(id string, value []byte) BrokerDescriptor {
	report, err := loadreport.Parse(value)
	if err != nil {
		r.log.Warnf("undecodable load report", map[string]any{"broker": id, "error": err})
		return BrokerDescriptor{ID: id, Live: true}
	}
	return BrokerDescriptor{ID: id, Report: report, Live: true}
}

// refresh re-reads one broker key after a notification.
func (r *Registry) refresh(ctx context.Context, id string, deleted bool) {
	var d BrokerDescriptor
	exists := false
	if !deleted {
		res, err := r.store.Get(ctx, keys.BrokerKey(id))
		if err != nil {
			if ctx.Err() == nil {
				r.log.Warnf("broker refresh failed", map[string]any{"broker": id, "error": err})
			}
			return
		}
		if res.Exists {
			d, exists = r.decode(id, res.Value), true
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !exists {
		if _, ok := r.brokers[id]; !ok {
			return
		}
		delete(r.brokers, id)
		r.cache.Remove(id)
		r.log.Infof("broker left", map[string]any{"broker": id})
	} else {
		if _, ok := r.brokers[id]; !ok {
			r.log.Infof("broker joined", map[string]any{"broker": id})
		}
		r.brokers[id] = d
		if d.Report != nil {
			r.cache.Put(id, d.Report)
		} else {
			r.cache.Remove(id)
		}
	}
	r.publishLocked()
}

func (r *Registry) publishLocked() {
	snap := make([]BrokerDescriptor, 0, len(r.brokers))
	for _, d := range r.brokers {
		snap = append(snap, d)
	}
	sort.Slice(snap, func(i, j int) bool { return snap[i].ID < snap[j].ID })
	r.snapshot.Store(&snap)
	if r.cfg.Observer != nil {
		r.cfg.Observer.LiveBrokers(len(snap))
	}
}

func (r *Registry) watchLoop(ctx context.Context, stream metadata.NotificationStream) {
	defer close(r.done)
	defer stream.Close()

	for {
		n, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(watchRetryDelay):
			}
			continue
		}
		id, err := keys.ParseBrokerKey(n.Key)
		if err != nil {
			continue
		}
		r.refresh(ctx, id, n.Deleted)
	}
}
