package oxia

import (
	"context"

	oxiaclient "github.com/oxia-db/oxia/oxia"

	"github.com/dray-io/placement/internal/metadata"
)

// notificationStream adapts oxiaclient.Notifications. It ends when either
// the caller's context or the subscription context is done.
type notificationStream struct {
	notifications oxiaclient.Notifications
	ctx           context.Context
}

func (s *notificationStream) Next(ctx context.Context) (metadata.Notification, error) {
	select {
	case <-ctx.Done():
		return metadata.Notification{}, ctx.Err()
	case <-s.ctx.Done():
		return metadata.Notification{}, s.ctx.Err()
	case n, ok := <-s.notifications.Ch():
		if !ok {
			return metadata.Notification{}, metadata.ErrStoreClosed
		}
		return convertNotification(n), nil
	}
}

func (s *notificationStream) Close() error {
	return s.notifications.Close()
}

func convertNotification(n *oxiaclient.Notification) metadata.Notification {
	out := metadata.Notification{Key: n.Key}
	switch n.Type {
	case oxiaclient.KeyDeleted, oxiaclient.KeyRangeRangeDeleted:
		out.Deleted = true
		out.Version = metadata.NoVersion
	default:
		out.Version = toMetadataVersion(n.VersionId)
	}
	return out
}
