// Package archive writes compressed load history to object storage.
//
// Every ranking rebuild and every quota publication cycle can be recorded as
// one immutable JSON object. Keys are laid out by kind and UTC day:
//
//	<prefix>/rankings/2026/10/18/1760745600000-1a2b3c4d.json.zst
//	<prefix>/quotas/2026/10/18/1760745600000-5e6f7a8b.json.zst
//
// Archiving is best effort: callers log failures and carry on.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dray-io/placement/internal/faults"
	"github.com/dray-io/placement/internal/loadreport"
	"github.com/dray-io/placement/internal/logging"
	"github.com/dray-io/placement/internal/objectstore"
	"github.com/dray-io/placement/internal/quota"
	"github.com/dray-io/placement/internal/ranking"
)

// Kind is a class of archived snapshot.
type Kind string

const (
	KindRanking Kind = "rankings"
	KindQuota   Kind = "quotas"
)

// DefaultMinInterval is the minimum spacing between two archived rankings.
const DefaultMinInterval = time.Minute

// RankingSnapshot is the archived form of a ranking table.
type RankingSnapshot struct {
	BuiltAtMs int64                                     `json:"builtAtMs"`
	Strategy  string                                    `json:"strategy"`
	Buckets   []BucketSnapshot                          `json:"buckets"`
	Usage     map[string]loadreport.SystemResourceUsage `json:"usage"`
}

// BucketSnapshot is one rank and its brokers.
type BucketSnapshot struct {
	Rank    int64    `json:"rank"`
	Brokers []string `json:"brokers"`
}

// QuotaSnapshot is the archived form of one quota publication cycle.
type QuotaSnapshot struct {
	TakenAtMs int64                          `json:"takenAtMs"`
	Quotas    map[string]quota.ResourceQuota `json:"quotas"`
}

// Config configures an Archiver.
type Config struct {
	Prefix string
	Codec  Codec

	// MinInterval throttles ranking snapshots, which can be rebuilt several
	// times a second. Quota snapshots are never throttled.
	MinInterval time.Duration

	Logger *logging.Logger
	Now    func() time.Time
}

// Archiver stores ranking and quota snapshots in an object store.
type Archiver struct {
	store objectstore.Store
	cfg   Config
	log   *logging.Logger

	mu          sync.Mutex
	lastRanking time.Time
}

// New creates an Archiver. A nil codec selects zstd.
func New(store objectstore.Store, cfg Config) (*Archiver, error) {
	if cfg.Codec == nil {
		c, err := ParseCodec(CodecZstd)
		if err != nil {
			return nil, err
		}
		cfg.Codec = c
	}
	if cfg.MinInterval == 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Global()
	}
	cfg.Prefix = objectstore.NormalizeKey(cfg.Prefix)
	return &Archiver{
		store: store,
		cfg:   cfg,
		log:   cfg.Logger.WithComponent("archive"),
	}, nil
}

// ArchiveRanking writes t unless a ranking was archived less than
// MinInterval ago.
func (a *Archiver) ArchiveRanking(ctx context.Context, t *ranking.Table) error {
	now := a.cfg.Now()
	a.mu.Lock()
	if !a.lastRanking.IsZero() && now.Sub(a.lastRanking) < a.cfg.MinInterval {
		a.mu.Unlock()
		return nil
	}
	a.lastRanking = now
	a.mu.Unlock()

	snap := RankingSnapshot{
		BuiltAtMs: t.BuiltAt().UnixMilli(),
		Strategy:  string(t.Strategy()),
		Usage:     make(map[string]loadreport.SystemResourceUsage, t.Len()),
	}
	for _, b := range t.Buckets() {
		snap.Buckets = append(snap.Buckets, BucketSnapshot{Rank: int64(b.Rank), Brokers: b.Brokers})
		for _, id := range b.Brokers {
			if u, ok := t.UsageOf(id); ok {
				snap.Usage[id] = u
			}
		}
	}

	err := a.write(ctx, KindRanking, now, snap)
	if err != nil {
		// Let the next rebuild retry.
		a.mu.Lock()
		a.lastRanking = time.Time{}
		a.mu.Unlock()
	}
	return err
}

// ArchiveQuotas writes one quota cycle.
func (a *Archiver) ArchiveQuotas(ctx context.Context, quotas map[string]quota.ResourceQuota) error {
	now := a.cfg.Now()
	return a.write(ctx, KindQuota, now, QuotaSnapshot{TakenAtMs: now.UnixMilli(), Quotas: quotas})
}

func (a *Archiver) write(ctx context.Context, kind Kind, now time.Time, v any) error {
	op := "archive-" + string(kind)
	raw, err := json.Marshal(v)
	if err != nil {
		return faults.Malformed(op, err)
	}
	data, err := a.cfg.Codec.Encode(raw)
	if err != nil {
		return faults.Malformed(op, err)
	}

	key := a.key(kind, now)
	err = a.store.PutWithOptions(ctx, key, bytes.NewReader(data), int64(len(data)), contentType(a.cfg.Codec),
		objectstore.PutOptions{
			Metadata:    map[string]string{"codec": a.cfg.Codec.Name(), "kind": string(kind)},
			IfNoneMatch: "*",
		})
	if err != nil {
		return objectstore.Classify(op, err)
	}
	a.log.Debugf("snapshot archived", map[string]any{
		"key":   key,
		"raw":   len(raw),
		"bytes": len(data),
	})
	return nil
}

func (a *Archiver) key(kind Kind, now time.Time) string {
	now = now.UTC()
	name := fmt.Sprintf("%d-%s.json%s", now.UnixMilli(), uuid.NewString()[:8], a.cfg.Codec.Extension())
	return objectstore.JoinKey(a.cfg.Prefix, string(kind), now.Format("2006/01/02"), name)
}

func contentType(c Codec) string {
	if c.Name() == CodecNone {
		return "application/json"
	}
	return "application/octet-stream"
}

// List returns the archived snapshots of kind written on or after since,
// oldest first. A zero since lists everything.
func (a *Archiver) List(ctx context.Context, kind Kind, since time.Time) ([]objectstore.ObjectMeta, error) {
	prefix := objectstore.JoinKey(a.cfg.Prefix, string(kind)) + "/"
	objs, err := a.store.List(ctx, prefix)
	if err != nil {
		return nil, objectstore.Classify("archive-list", err)
	}
	if since.IsZero() {
		return objs, nil
	}
	cutoff := since.UnixMilli()
	out := objs[:0]
	for _, o := range objs {
		if ms, ok := keyTimestamp(o.Key); ok && ms >= cutoff {
			out = append(out, o)
		}
	}
	return out, nil
}

// ReadRanking decodes an archived ranking snapshot.
func (a *Archiver) ReadRanking(ctx context.Context, key string) (RankingSnapshot, error) {
	var snap RankingSnapshot
	err := a.read(ctx, key, &snap)
	return snap, err
}

// ReadQuotas decodes an archived quota snapshot.
func (a *Archiver) ReadQuotas(ctx context.Context, key string) (QuotaSnapshot, error) {
	var snap QuotaSnapshot
	err := a.read(ctx, key, &snap)
	return snap, err
}

// read decodes with the codec named by the key's extension, so history
// written before a codec change stays readable.
func (a *Archiver) read(ctx context.Context, key string, v any) error {
	codec, err := codecForKey(key)
	if err != nil {
		return faults.Malformed("archive-read", err)
	}
	rc, err := a.store.Get(ctx, key)
	if err != nil {
		return objectstore.Classify("archive-read", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return faults.Transport("archive-read", err)
	}
	raw, err := codec.Decode(data)
	if err != nil {
		return faults.Malformed("archive-read", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return faults.Malformed("archive-read", err)
	}
	return nil
}

// keyTimestamp extracts the unix millis from a snapshot key.
func keyTimestamp(key string) (int64, bool) {
	name := key[strings.LastIndexByte(key, '/')+1:]
	dash := strings.IndexByte(name, '-')
	if dash <= 0 {
		return 0, false
	}
	ms, err := strconv.ParseInt(name[:dash], 10, 64)
	return ms, err == nil
}

var (
	_ ranking.Archiver = (*Archiver)(nil)
	_ quota.Archiver   = (*Archiver)(nil)
)
