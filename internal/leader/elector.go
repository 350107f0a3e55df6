// Package leader elects the single process that runs cluster-wide
// background tasks (load shedding, quota publication).
//
// Leadership is an ephemeral key holding a Record. The coordination service
// deletes it when the leader's session ends, after which any other process
// may take it over on its next attempt. Acquisition and renewal are
// conditional writes, so two processes never both believe they took the key
// from the same version.
package leader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dray-io/placement/internal/faults"
	"github.com/dray-io/placement/internal/logging"
	"github.com/dray-io/placement/internal/metadata"
	"github.com/dray-io/placement/internal/metadata/keys"
	"github.com/dray-io/placement/internal/periodic"
)

// ErrNotLeader is returned by operations that require leadership.
var ErrNotLeader = errors.New("leader: not the leader")

// Record is the value of the leader key.
type Record struct {
	BrokerID string `json:"brokerId"`
	// Epoch counts the acquisitions made by BrokerID.
	Epoch           int64 `json:"epoch"`
	AcquiredAtMs    int64 `json:"acquiredAtMs"`
	LastRenewedAtMs int64 `json:"lastRenewedAtMs"`
}

// Config configures an Elector.
type Config struct {
	BrokerID string
	// RenewInterval is how often leadership is attempted or renewed.
	RenewInterval time.Duration
	Logger        *logging.Logger
	Now           func() time.Time
}

// Elector campaigns for the leader key.
type Elector struct {
	meta metadata.MetadataStore
	cfg  Config
	log  *logging.Logger
	task *periodic.Task

	mu        sync.Mutex
	held      *Record
	version   metadata.Version
	listeners []func(bool)

	leader atomic.Bool
}

// New creates an Elector that holds nothing until Start or TryAcquire.
func New(meta metadata.MetadataStore, cfg Config) *Elector {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = 10 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logging.DefaultLogger()
	}
	e := &Elector{meta: meta, cfg: cfg, log: log.WithComponent("leader"), version: metadata.NoVersion}
	e.task = periodic.New(cfg.RenewInterval, func(ctx context.Context) {
		if _, err := e.TryAcquire(ctx); err != nil && ctx.Err() == nil {
			e.log.Warnf("leader campaign failed", map[string]any{"error": err})
		}
	}, periodic.WithImmediate())
	return e
}

// OnChange registers fn to be called with the new state whenever this
// process gains or loses leadership. Must be called before Start.
func (e *Elector) OnChange(fn func(isLeader bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *Elector) Start(ctx context.Context) { e.task.Start(ctx) }

// Stop stops campaigning. The key is kept until Resign or session end.
func (e *Elector) Stop() { e.task.Stop() }

// IsLeader reports whether this process held the key at its last attempt.
func (e *Elector) IsLeader() bool { return e.leader.Load() }

// TryAcquire takes the leader key if it is free, or renews it if this
// process already holds it. Any store error drops leadership.
func (e *Elector) TryAcquire(ctx context.Context) (bool, error) {
	const op = "leader-acquire"
	key := keys.LeaderKey
	now := e.cfg.Now().UnixMilli()

	res, err := e.meta.Get(ctx, key)
	if err != nil {
		e.setLeader(false)
		return false, faults.Transport(op, err)
	}

	if res.Exists {
		var existing Record
		if err := json.Unmarshal(res.Value, &existing); err != nil {
			e.setLeader(false)
			return false, faults.Malformed(op, err)
		}
		if existing.BrokerID != e.cfg.BrokerID {
			e.setLeader(false)
			return false, nil
		}

		existing.LastRenewedAtMs = now
		ver, err := e.put(ctx, existing, metadata.WithEphemeralExpectedVersion(res.Version))
		if err != nil {
			e.setLeader(false)
			if errors.Is(err, metadata.ErrVersionMismatch) {
				return false, nil
			}
			return false, faults.Transport(op, err)
		}
		e.hold(existing, ver)
		return true, nil
	}

	e.mu.Lock()
	epoch := int64(1)
	if e.held != nil {
		epoch = e.held.Epoch + 1
	}
	e.mu.Unlock()

	rec := Record{BrokerID: e.cfg.BrokerID, Epoch: epoch, AcquiredAtMs: now, LastRenewedAtMs: now}
	ver, err := e.put(ctx, rec, metadata.WithEphemeralExpectNotExists())
	if err != nil {
		e.setLeader(false)
		if errors.Is(err, metadata.ErrVersionMismatch) {
			return false, nil
		}
		return false, faults.Transport(op, err)
	}
	e.hold(rec, ver)
	return true, nil
}

// Current returns the record in the leader key, if any.
func (e *Elector) Current(ctx context.Context) (Record, bool, error) {
	const op = "leader-read"
	res, err := e.meta.Get(ctx, keys.LeaderKey)
	if err != nil {
		return Record{}, false, faults.Transport(op, err)
	}
	if !res.Exists {
		return Record{}, false, nil
	}
	var rec Record
	if err := json.Unmarshal(res.Value, &rec); err != nil {
		return Record{}, false, faults.Malformed(op, err)
	}
	return rec, true, nil
}

// Resign deletes the leader key if this process holds it.
func (e *Elector) Resign(ctx context.Context) error {
	e.mu.Lock()
	ver := e.version
	held := e.held != nil && e.leader.Load()
	e.mu.Unlock()
	if !held {
		return nil
	}

	err := e.meta.Delete(ctx, keys.LeaderKey, metadata.WithDeleteExpectedVersion(ver))
	e.setLeader(false)
	if err != nil && !errors.Is(err, metadata.ErrVersionMismatch) {
		return fmt.Errorf("resign leadership: %w", err)
	}
	return nil
}

func (e *Elector) put(ctx context.Context, rec Record, opt metadata.EphemeralOption) (metadata.Version, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return metadata.NoVersion, err
	}
	return e.meta.PutEphemeral(ctx, keys.LeaderKey, data, opt)
}

func (e *Elector) hold(rec Record, ver metadata.Version) {
	e.mu.Lock()
	e.held = &rec
	e.version = ver
	e.mu.Unlock()
	e.setLeader(true)
}

func (e *Elector) setLeader(v bool) {
	if e.leader.Swap(v) == v {
		return
	}
	e.mu.Lock()
	listeners := append([]func(bool){}, e.listeners...)
	epoch := int64(0)
	if e.held != nil {
		epoch = e.held.Epoch
	}
	e.mu.Unlock()

	if v {
		e.log.Infof("became leader", map[string]any{"broker": e.cfg.BrokerID, "epoch": epoch})
	} else {
		e.log.Infof("lost leadership", map[string]any{"broker": e.cfg.BrokerID})
	}
	for _, fn := range listeners {
		fn(v)
	}
}
