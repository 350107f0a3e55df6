// Package dynconfig watches the cluster's dynamic configuration document
// and applies runtime-tunable knobs without a restart.
//
// The document is a flat JSON object of string values:
//
//	{
//	  "maxConcurrentLookupRequest": "50000",
//	  "loadBalancerMinAvailableBrokers": "2",
//	  "loadBalancerBrokerOverloadedThresholdPercentage": "85",
//	  "loadBalancerSheddingThreshold.bandwidthIn": "90"
//	}
//
// Unknown keys are ignored. An invalid value leaves that knob at its
// static default.
package dynconfig

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/dray-io/placement/internal/faults"
	"github.com/dray-io/placement/internal/loadreport"
	"github.com/dray-io/placement/internal/logging"
	"github.com/dray-io/placement/internal/metadata"
	"github.com/dray-io/placement/internal/metadata/keys"
	"github.com/dray-io/placement/internal/periodic"
)

// Document keys.
const (
	KeyMaxConcurrentLookups = "maxConcurrentLookupRequest"
	KeyMinAvailableBrokers  = "loadBalancerMinAvailableBrokers"
	KeyOverloadThreshold    = "loadBalancerBrokerOverloadedThresholdPercentage"
	// KeyThresholdPrefix is followed by a dimension name, e.g. "cpu".
	KeyThresholdPrefix = "loadBalancerSheddingThreshold."
)

const watchRetryDelay = 100 * time.Millisecond

// Settings is the effective value of every dynamic knob.
type Settings struct {
	MaxConcurrentLookups int
	MinAvailableBrokers  int
	OverloadThreshold    float64
	// Thresholds holds per-dimension overrides of OverloadThreshold.
	Thresholds map[loadreport.Dimension]float64
}

// Threshold returns the effective shedding threshold of d.
func (s Settings) Threshold(d loadreport.Dimension) float64 {
	if v, ok := s.Thresholds[d]; ok {
		return v
	}
	return s.OverloadThreshold
}

// Parse overlays doc onto defaults. Every invalid entry is reported; valid
// entries are applied regardless.
func Parse(doc map[string]string, defaults Settings) (Settings, error) {
	s := defaults
	s.Thresholds = maps.Clone(defaults.Thresholds)
	if s.Thresholds == nil {
		s.Thresholds = make(map[loadreport.Dimension]float64)
	}

	var errs error
	for k, v := range doc {
		switch {
		case k == KeyMaxConcurrentLookups:
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				errs = multierr.Append(errs, fmt.Errorf("%s: invalid value %q", k, v))
				continue
			}
			s.MaxConcurrentLookups = n
		case k == KeyMinAvailableBrokers:
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				errs = multierr.Append(errs, fmt.Errorf("%s: invalid value %q", k, v))
				continue
			}
			s.MinAvailableBrokers = n
		case k == KeyOverloadThreshold:
			f, err := parsePercent(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", k, err))
				continue
			}
			s.OverloadThreshold = f
		case strings.HasPrefix(k, KeyThresholdPrefix):
			d, ok := loadreport.ParseDimension(strings.TrimPrefix(k, KeyThresholdPrefix))
			if !ok {
				errs = multierr.Append(errs, fmt.Errorf("%s: unknown dimension", k))
				continue
			}
			f, err := parsePercent(v)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("%s: %w", k, err))
				continue
			}
			s.Thresholds[d] = f
		}
	}
	return s, errs
}

func parsePercent(v string) (float64, error) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid percentage %q", v)
	}
	return f, nil
}

// Watcher keeps Settings current with the dynamic configuration document.
type Watcher struct {
	meta     metadata.MetadataStore
	defaults Settings
	log      *logging.Logger
	current  atomic.Pointer[Settings]

	mu        sync.Mutex
	listeners []func(Settings)

	resyncInterval time.Duration
	resync         *periodic.Task

	// reloadMu orders reloads from the watch and resync loops. seen holds
	// the last document read, so an unchanged one is not applied again.
	reloadMu sync.Mutex
	seen     *metadata.GetResult

	cancel context.CancelFunc
	done   chan struct{}
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithResync re-reads the document every interval, so a notification lost
// by the store is applied late instead of never.
func WithResync(interval time.Duration) WatcherOption {
	return func(w *Watcher) { w.resyncInterval = interval }
}

// NewWatcher creates a Watcher holding defaults until started.
func NewWatcher(meta metadata.MetadataStore, defaults Settings, log *logging.Logger, opts ...WatcherOption) *Watcher {
	if log == nil {
		log = logging.Global()
	}
	w := &Watcher{
		meta:     meta,
		defaults: defaults,
		log:      log.WithComponent("dynconfig"),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	s, _ := Parse(nil, defaults)
	w.current.Store(&s)
	if w.resyncInterval > 0 {
		w.resync = periodic.New(w.resyncInterval, func(ctx context.Context) {
			if err := w.reload(ctx); err != nil && ctx.Err() == nil {
				w.log.Warnf("dynamic configuration resync failed", map[string]any{"error": err})
			}
		})
	}
	return w
}

// OnChange registers fn, called with the new settings after every reload.
// fn is also called once immediately with the current settings.
func (w *Watcher) OnChange(fn func(Settings)) {
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
	fn(w.Current())
}

// Start loads the document and watches it. Only a store failure is fatal;
// a malformed document falls back to the defaults.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.reload(ctx); err != nil && faults.KindOf(err) == faults.KindTransportFailure {
		return err
	}

	watchCtx, cancel := context.WithCancel(ctx)
	stream, err := w.meta.Notifications(watchCtx)
	if err != nil {
		cancel()
		return faults.Transport("dynconfig-watch", err)
	}
	w.cancel = cancel
	go w.watchLoop(watchCtx, stream)

	if w.resync != nil {
		w.resync.Start(ctx)
	}
	return nil
}

// Stop stops watching. Safe to call after a failed Start.
func (w *Watcher) Stop() {
	if w.resync != nil {
		w.resync.Stop()
	}
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

// Current returns the settings in force.
func (w *Watcher) Current() Settings { return *w.current.Load() }

// MinAvailableBrokers returns the current failover floor.
func (w *Watcher) MinAvailableBrokers() int { return w.Current().MinAvailableBrokers }

// Thresholds returns the effective shedding threshold of every dimension.
func (w *Watcher) Thresholds() map[loadreport.Dimension]float64 {
	s := w.Current()
	out := make(map[loadreport.Dimension]float64, len(loadreport.Dimensions))
	for _, d := range loadreport.Dimensions {
		out[d] = s.Threshold(d)
	}
	return out
}

func (w *Watcher) reload(ctx context.Context) error {
	const op = "dynconfig"
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	res, err := w.meta.Get(ctx, keys.DynamicConfigKey)
	if err != nil {
		return faults.Transport(op, err)
	}
	if w.seen != nil && w.seen.Exists == res.Exists && w.seen.Version == res.Version {
		return nil
	}
	w.seen = &res

	var doc map[string]string
	if res.Exists {
		if err := json.Unmarshal(res.Value, &doc); err != nil {
			w.log.Errorf("dynamic configuration rejected", map[string]any{"error": err})
			return faults.Malformed(op, err)
		}
	}

	s, err := Parse(doc, w.defaults)
	if err != nil {
		w.log.Warnf("dynamic configuration has invalid entries", map[string]any{"error": err})
	}
	w.apply(s)
	return nil
}

func (w *Watcher) apply(s Settings) {
	w.current.Store(&s)
	w.mu.Lock()
	listeners := append([]func(Settings){}, w.listeners...)
	w.mu.Unlock()
	for _, fn := range listeners {
		fn(s)
	}
	w.log.Infof("dynamic configuration applied", map[string]any{
		"maxConcurrentLookups": s.MaxConcurrentLookups,
		"minAvailableBrokers":  s.MinAvailableBrokers,
		"overloadThreshold":    s.OverloadThreshold,
	})
}

func (w *Watcher) watchLoop(ctx context.Context, stream metadata.NotificationStream) {
	defer close(w.done)
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
		if n.Key != keys.DynamicConfigKey {
			continue
		}
		if err := w.reload(ctx); err != nil && ctx.Err() == nil {
			w.log.Warnf("dynamic configuration reload failed", map[string]any{"error": err})
		}
	}
}
