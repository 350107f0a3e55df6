package oxia

import (
	"os"
	"testing"
	"time"

	"github.com/oxia-db/oxia/oxiad/dataserver"
)

// EnvServiceAddress points store tests at an external Oxia instead of an embedded one.
const EnvServiceAddress = "OXIA_SERVICE_ADDRESS"

// NewTestStore returns a Store backed by an embedded standalone Oxia server,
// or by the server named in OXIA_SERVICE_ADDRESS. Both are closed through
// t.Cleanup. Tests that call it are skipped under -short.
func NewTestStore(t *testing.T, sessionTimeout time.Duration) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("embedded oxia server skipped in -short mode")
	}

	addr := os.Getenv(EnvServiceAddress)
	if addr == "" {
		dir := t.TempDir()
		standalone, err := dataserver.NewStandalone(dataserver.NewTestConfig(dir))
		if err != nil {
			t.Fatalf("failed to start oxia standalone server: %v", err)
		}
		t.Cleanup(func() { _ = standalone.Close() })
		addr = standalone.ServiceAddr()
	}

	store, err := New(t.Context(), Config{
		ServiceAddress: addr,
		Namespace:      "default",
		RequestTimeout: 10 * time.Second,
		SessionTimeout: sessionTimeout,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
