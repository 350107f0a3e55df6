// Package admission bounds the number of in-flight control-plane requests.
//
// A Gate never blocks: a request that cannot get a permit immediately is
// rejected with faults.ErrTooManyRequests so the client can retry later.
// Capacity can be changed at runtime; shrinking below the number of
// outstanding permits revokes nothing, it only delays new grants until
// enough permits are released.
package admission

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dray-io/placement/internal/faults"
)

// Observer is notified of gate decisions. Implemented by metrics.AdmissionMetrics.
type Observer interface {
	Admitted()
	Rejected()
	InFlight(n int64)
}

// Gate is a fail-fast counting semaphore with a resizable capacity.
type Gate struct {
	capacity atomic.Int64
	inUse    atomic.Int64
	observer Observer
}

// NewGate returns a gate with the given capacity. A negative capacity is
// treated as zero, which rejects everything.
func NewGate(capacity int, observer Observer) *Gate {
	g := &Gate{observer: observer}
	g.Resize(capacity)
	return g
}

// Permit is one granted slot. Release is idempotent.
type Permit struct {
	gate *Gate
	once sync.Once
}

// Release returns the slot to the gate. Calls after the first are no-ops.
func (p *Permit) Release() {
	if p == nil {
		return
	}
	p.once.Do(func() {
		n := p.gate.inUse.Add(-1)
		if p.gate.observer != nil {
			p.gate.observer.InFlight(n)
		}
	})
}

// TryAcquire grants a permit if one is available and fails with
// ErrTooManyRequests otherwise.
func (g *Gate) TryAcquire() (*Permit, error) {
	for {
		used := g.inUse.Load()
		if used >= g.capacity.Load() {
			if g.observer != nil {
				g.observer.Rejected()
			}
			return nil, faults.New(faults.KindTooManyRequests, "admission", "too many concurrent lookup requests")
		}
		if g.inUse.CompareAndSwap(used, used+1) {
			if g.observer != nil {
				g.observer.Admitted()
				g.observer.InFlight(used + 1)
			}
			return &Permit{gate: g}, nil
		}
	}
}

// Do runs fn while holding a permit. The permit is released when fn
// returns, fails or panics.
func (g *Gate) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := g.TryAcquire()
	if err != nil {
		return err
	}
	defer p.Release()
	return fn(ctx)
}

// Resize changes the capacity. Outstanding permits are kept.
func (g *Gate) Resize(capacity int) {
	if capacity < 0 {
		capacity = 0
	}
	g.capacity.Store(int64(capacity))
}

// Capacity returns the configured capacity.
func (g *Gate) Capacity() int {
	return int(g.capacity.Load())
}

// InUse returns the number of outstanding permits.
func (g *Gate) InUse() int {
	return int(g.inUse.Load())
}

// Available returns how many permits could be granted now, never negative.
func (g *Gate) Available() int {
	return int(max(0, g.capacity.Load()-g.inUse.Load()))
}
