package discovery

import (
	"context"
	"encoding/json"

	"github.com/dray-io/placement/internal/faults"
	"github.com/dray-io/placement/internal/metadata/keys"
	"github.com/dray-io/placement/internal/naming"
)

// PartitionedTopicMetadata describes a partitioned topic. Zero partitions
// means the topic is not partitioned.
type PartitionedTopicMetadata struct {
	Partitions int `json:"partitions"`
}

// PartitionMetadata reads the partition count of dest. A topic with no
// metadata document has zero partitions. Concurrent calls for the same
// topic share one store read, which is bounded by the registry's read
// timeout rather than by any single caller's context.
func (r *Registry) PartitionMetadata(ctx context.Context, dest naming.DestinationName) (PartitionedTopicMetadata, error) {
	const op = "partition-metadata"
	key := keys.PartitionedTopicKey(dest)

	ch := r.lookups.DoChan(key, func() (any, error) {
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.readTimeout)
		defer cancel()

		res, err := r.store.Get(readCtx, key)
		if err != nil {
			return nil, faults.Transport(op, err)
		}
		if !res.Exists {
			return PartitionedTopicMetadata{}, nil
		}
		var md PartitionedTopicMetadata
		if err := json.Unmarshal(res.Value, &md); err != nil {
			return nil, faults.Malformed(op, err)
		}
		return md, nil
	})

	select {
	case <-ctx.Done():
		return PartitionedTopicMetadata{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return PartitionedTopicMetadata{}, res.Err
		}
		return res.Val.(PartitionedTopicMetadata), nil
	}
}
