package shedding

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dray-io/placement/internal/faults"
	"github.com/dray-io/placement/internal/metadata"
	"github.com/dray-io/placement/internal/metadata/keys"
)

// UnloadRequest is the value of an unload-request key. The owning broker
// watches the unload root, releases the bundle and deletes the key.
type UnloadRequest struct {
	Bundle        string `json:"bundle"`
	Broker        string `json:"broker"`
	RequestedAtMs int64  `json:"requestedAtMs"`
}

// MetadataUnloader records unload requests in the coordination service.
type MetadataUnloader struct {
	store metadata.MetadataStore
	now   func() time.Time
}

// NewMetadataUnloader returns an Unloader writing under keys.UnloadRoot.
func NewMetadataUnloader(store metadata.MetadataStore) *MetadataUnloader {
	return &MetadataUnloader{store: store, now: time.Now}
}

// Unload writes the request for bundle. An outstanding request for the same
// bundle is overwritten.
func (u *MetadataUnloader) Unload(ctx context.Context, bundle, brokerID string) error {
	data, err := json.Marshal(UnloadRequest{
		Bundle:        bundle,
		Broker:        brokerID,
		RequestedAtMs: u.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode unload request: %w", err)
	}
	if _, err := u.store.Put(ctx, keys.UnloadKey(bundle), data); err != nil {
		return faults.Transport("unload", err)
	}
	return nil
}

// PendingUnloads lists outstanding unload requests keyed by bundle.
// Undecodable entries are skipped.
func PendingUnloads(ctx context.Context, store metadata.MetadataStore) (map[string]UnloadRequest, error) {
	kvs, err := store.List(ctx, keys.UnloadRoot+"/", "", 0)
	if err != nil {
		return nil, faults.Transport("list-unloads", err)
	}
	out := make(map[string]UnloadRequest, len(kvs))
	for _, kv := range kvs {
		var req UnloadRequest
		if err := json.Unmarshal(kv.Value, &req); err != nil || req.Bundle == "" {
			continue
		}
		out[req.Bundle] = req
	}
	return out, nil
}

var _ Unloader = (*MetadataUnloader)(nil)
