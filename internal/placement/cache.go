package placement

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dray-io/placement/internal/faults"
	"github.com/dray-io/placement/internal/logging"
	"github.com/dray-io/placement/internal/metadata"
	"github.com/dray-io/placement/internal/metadata/keys"
	"github.com/dray-io/placement/internal/periodic"
)

const watchRetryDelay = 100 * time.Millisecond

// PolicySource returns the isolation policies currently in force.
type PolicySource interface {
	Policies() *Policies
}

// StaticPolicies is a fixed PolicySource.
type StaticPolicies struct{ P *Policies }

func (s StaticPolicies) Policies() *Policies {
	if s.P == nil {
		return NoPolicies
	}
	return s.P
}

// PolicyCache keeps a cluster's isolation policies current with
// notification-based reloads. An absent document means no policies; a
// malformed one leaves the previous set in force.
type PolicyCache struct {
	meta    metadata.MetadataStore
	key     string
	log     *logging.Logger
	current atomic.Pointer[Policies]
	loaded  atomic.Bool
	resync  *periodic.Task

	reloadMu sync.Mutex
	seen     *metadata.GetResult

	cancel context.CancelFunc
	done   chan struct{}
}

// CacheOption configures a PolicyCache.
type CacheOption func(*cacheOptions)

type cacheOptions struct {
	resync time.Duration
}

// WithResync re-reads the document every interval to pick up changes
// whose notification was lost.
func WithResync(interval time.Duration) CacheOption {
	return func(o *cacheOptions) { o.resync = interval }
}

// NewPolicyCache creates a cache for cluster's isolation document.
func NewPolicyCache(meta metadata.MetadataStore, cluster string, log *logging.Logger, opts ...CacheOption) *PolicyCache {
	if log == nil {
		log = logging.Global()
	}
	var o cacheOptions
	for _, opt := range opts {
		opt(&o)
	}
	c := &PolicyCache{
		meta: meta,
		key:  keys.IsolationPoliciesKey(cluster),
		log:  log.WithComponent("isolation-policies"),
		done: make(chan struct{}),
	}
	c.current.Store(NoPolicies)
	if o.resync > 0 {
		c.resync = periodic.New(o.resync, func(ctx context.Context) {
			if err := c.reload(ctx); err != nil && ctx.Err() == nil {
				c.log.Warnf("isolation policy resync failed", map[string]any{"error": err})
			}
		})
	}
	return c
}

// Start loads the document and begins watching it.
func (c *PolicyCache) Start(ctx context.Context) error {
	if err := c.reload(ctx); err != nil && faults.KindOf(err) != faults.KindMalformedData {
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	stream, err := c.meta.Notifications(watchCtx)
	if err != nil {
		cancel()
		return faults.Transport("isolation-policies", err)
	}
	c.cancel = cancel
	go c.watchLoop(watchCtx, stream)

	if c.resync != nil {
		c.resync.Start(ctx)
	}
	return nil
}

// Stop stops the watcher. Safe to call after a failed Start.
func (c *PolicyCache) Stop() {
	if c.resync != nil {
		c.resync.Stop()
	}
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

// Policies returns the current policy set. Never nil.
func (c *PolicyCache) Policies() *Policies {
	return c.current.Load()
}

// IsLoaded reports whether the document has been read at least once.
func (c *PolicyCache) IsLoaded() bool {
	return c.loaded.Load()
}

// Invalidate forces a reload, even of an unchanged document.
func (c *PolicyCache) Invalidate(ctx context.Context) error {
	c.reloadMu.Lock()
	c.seen = nil
	c.reloadMu.Unlock()
	return c.reload(ctx)
}

func (c *PolicyCache) reload(ctx context.Context) error {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	res, err := c.meta.Get(ctx, c.key)
	if err != nil {
		return faults.Transport("isolation-policies", err)
	}
	if c.seen != nil && c.seen.Exists == res.Exists && c.seen.Version == res.Version {
		return nil
	}
	c.seen = &res
	if !res.Exists {
		c.current.Store(NoPolicies)
		c.loaded.Store(true)
		return nil
	}

	ps, err := ParsePolicies(res.Value)
	if err != nil {
		c.log.Errorf("isolation policies rejected, keeping previous set", map[string]any{
			"key":   c.key,
			"error": err,
		})
		return err
	}
	c.current.Store(ps)
	c.loaded.Store(true)
	c.log.Infof("isolation policies loaded", map[string]any{"policies": ps.Len()})
	return nil
}

func (c *PolicyCache) watchLoop(ctx context.Context, stream metadata.NotificationStream) {
	defer close(c.done)
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
		if n.Key != c.key {
			continue
		}
		if err := c.reload(ctx); err != nil && ctx.Err() == nil {
			c.log.Warnf("isolation policy reload failed", map[string]any{"error": err})
		}
	}
}
