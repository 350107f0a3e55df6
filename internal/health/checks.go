package health

import (
	"context"
	"errors"

	"github.com/dray-io/placement/internal/metadata"
	"github.com/dray-io/placement/internal/metadata/keys"
	"github.com/dray-io/placement/internal/objectstore"
	"github.com/dray-io/placement/internal/ranking"
)

// MetadataStoreChecker reads the dynamic configuration key; an absent key
// still proves the coordination service answers.
type MetadataStoreChecker struct {
	store metadata.MetadataStore
}

func NewMetadataStoreChecker(store metadata.MetadataStore) *MetadataStoreChecker {
	return &MetadataStoreChecker{store: store}
}

func (c *MetadataStoreChecker) Name() string { return "metadata_store" }

func (c *MetadataStoreChecker) CheckReady(ctx context.Context) error {
	if c.store == nil {
		return errors.New("metadata store not configured")
	}
	_, err := c.store.Get(ctx, keys.DynamicConfigKey)
	return err
}

// ObjectStoreChecker lists the archive prefix.
type ObjectStoreChecker struct {
	store  objectstore.Store
	prefix string
}

func NewObjectStoreChecker(store objectstore.Store, prefix string) *ObjectStoreChecker {
	return &ObjectStoreChecker{store: store, prefix: prefix}
}

func (c *ObjectStoreChecker) Name() string { return "archive_store" }

func (c *ObjectStoreChecker) CheckReady(ctx context.Context) error {
	if c.store == nil {
		return errors.New("object store not configured")
	}
	_, err := c.store.List(ctx, objectstore.JoinKey(c.prefix, "health")+"/")
	if errors.Is(err, objectstore.ErrNotFound) {
		return nil
	}
	return err
}

// RankingChecker fails until the first non-empty ranking table is published,
// since every lookup fails with not-yet-available before that.
type RankingChecker struct {
	holder *ranking.Holder
}

func NewRankingChecker(holder *ranking.Holder) *RankingChecker {
	return &RankingChecker{holder: holder}
}

func (c *RankingChecker) Name() string { return "ranking" }

func (c *RankingChecker) CheckReady(context.Context) error {
	if c.holder.Load().Empty() {
		return errors.New("no broker ranked yet")
	}
	return nil
}

// FuncChecker wraps a function.
type FuncChecker struct {
	name  string
	check func(context.Context) error
}

func NewFuncChecker(name string, check func(context.Context) error) *FuncChecker {
	return &FuncChecker{name: name, check: check}
}

func (c *FuncChecker) Name() string { return c.name }

func (c *FuncChecker) CheckReady(ctx context.Context) error {
	if c.check == nil {
		return nil
	}
	return c.check(ctx)
}
