package zkclient

import (
	"context"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"

	"pkt.systems/pslog"
)

// fakeConn is a minimal conn double sufficient for exercising the session
// state machine without a real coordination-service endpoint.
type fakeConn struct {
	closed bool
}

func (f *fakeConn) Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error) {
	return path, nil
}
func (f *fakeConn) Set(path string, data []byte, version int32) (*zk.Stat, error) { return &zk.Stat{}, nil }
func (f *fakeConn) Delete(path string, version int32) error                       { return nil }
func (f *fakeConn) Exists(path string) (bool, *zk.Stat, error)                    { return true, &zk.Stat{}, nil }
func (f *fakeConn) ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error) {
	ch := make(chan zk.Event)
	return true, &zk.Stat{}, ch, nil
}
func (f *fakeConn) Get(path string) ([]byte, *zk.Stat, error) { return nil, &zk.Stat{}, nil }
func (f *fakeConn) GetW(path string) ([]byte, *zk.Stat, <-chan zk.Event, error) {
	ch := make(chan zk.Event)
	return nil, &zk.Stat{}, ch, nil
}
func (f *fakeConn) Children(path string) ([]string, *zk.Stat, error) { return nil, &zk.Stat{}, nil }
func (f *fakeConn) ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error) {
	ch := make(chan zk.Event)
	return nil, &zk.Stat{}, ch, nil
}
func (f *fakeConn) SetACL(path string, acl []zk.ACL, version int32) (*zk.Stat, error) {
	return &zk.Stat{}, nil
}
func (f *fakeConn) GetACL(path string) ([]zk.ACL, *zk.Stat, error) { return nil, &zk.Stat{}, nil }
func (f *fakeConn) Multi(ops ...interface{}) ([]zk.MultiResponse, error) {
	return make([]zk.MultiResponse, len(ops)), nil
}
func (f *fakeConn) Sync(path string) (string, error)                 { return path, nil }
func (f *fakeConn) AddAuth(scheme string, auth []byte) error         { return nil }
func (f *fakeConn) Close()                                           { f.closed = true }
func (f *fakeConn) State() zk.State                                  { return zk.StateHasSession }

func newFakeDialer(events chan zk.Event) Dialer {
	return func(servers []string, sessionTimeout time.Duration) (Conn, <-chan zk.Event, error) {
		return &fakeConn{}, events, nil
	}
}

func TestClientConnectPromotesOnSyncConnected(t *testing.T) {
	events := make(chan zk.Event, 1)
	c := New([]string{"127.0.0.1:2181"}, time.Second, WithDialer(newFakeDialer(events)), WithLogger(pslog.NoopLogger()))

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()

	events <- zk.Event{State: zk.StateHasSession}

	if err := <-done; err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}
	if got := c.State(); got != Connected {
		t.Fatalf("State() = %v, want Connected", got)
	}
	if gen := c.Generation(); gen != 1 {
		t.Fatalf("Generation() = %d, want 1", gen)
	}
}

func TestClientConnectTimesOut(t *testing.T) {
	events := make(chan zk.Event)
	c := New([]string{"127.0.0.1:2181"}, 20*time.Millisecond, WithDialer(newFakeDialer(events)), WithLogger(pslog.NoopLogger()))

	err := c.Connect(context.Background())
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
}

func TestClientDisconnectDoesNotClearGeneration(t *testing.T) {
	events := make(chan zk.Event, 2)
	c := New([]string{"127.0.0.1:2181"}, time.Second, WithDialer(newFakeDialer(events)), WithLogger(pslog.NoopLogger()))

	done := make(chan error, 1)
	go func() { done <- c.Connect(context.Background()) }()
	events <- zk.Event{State: zk.StateHasSession}
	if err := <-done; err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	events <- zk.Event{State: zk.StateDisconnected}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.State() == Disconnected {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if got := c.State(); got != Disconnected {
		t.Fatalf("State() = %v, want Disconnected", got)
	}
	if gen := c.Generation(); gen != 1 {
		t.Fatalf("Generation() = %d, want unchanged at 1 after a disconnect (not expiry)", gen)
	}
}
