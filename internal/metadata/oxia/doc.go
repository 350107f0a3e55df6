// Package oxia implements metadata.MetadataStore on an Oxia namespace.
//
//	store, err := oxia.New(ctx, oxia.Config{
//	    ServiceAddress: "localhost:6648",
//	    Namespace:      "placement",
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
// Broker liveness entries and the leader lease are written with
// PutEphemeral and disappear when the client session expires. Watchers
// consume Notifications and re-read the changed key, since Oxia
// notifications carry only the key and version.
package oxia
