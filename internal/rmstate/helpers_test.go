package rmstate

import (
	"context"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"

	"pkt.systems/pslog"
	"pkt.systems/rmzkstore/internal/layout"
	"pkt.systems/rmzkstore/internal/zkclient"
	"pkt.systems/rmzkstore/internal/zktest"
)

// newTestStore builds a Store backed by an in-memory zktest.Conn instead of
// a live ensemble, started and fenced, ready for a test to issue mutations
// against. It registers a t.Cleanup that stops the prober and closes the
// session.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn := zktest.New()
	dialer := func(servers []string, sessionTimeout time.Duration) (zkclient.Conn, <-chan zk.Event, error) {
		return conn, zktest.NewEventSource(), nil
	}

	store := New(Config{
		Servers:        []string{"127.0.0.1:2181"},
		SessionTimeout: time.Second,
		NumRetries:     5,
		RetryInterval:  time.Millisecond,
		RootPath:       layout.DefaultRoot,
		BasePrincipals: zk.WorldACL(zk.PermAll),
		ProbeInterval:  time.Hour,
		Logger:         pslog.NoopLogger(),
		Dialer:         dialer,
	})

	ctx := context.Background()
	if err := store.Start(ctx); err != nil {
		t.Fatalf("Start() = %v", err)
	}
	t.Cleanup(store.Close)
	return store
}
