package fencing

import (
	"context"
	"testing"
	"time"

	"github.com/go-zookeeper/zk"

	"pkt.systems/pslog"
	"pkt.systems/rmzkstore/internal/rmerrors"
	"pkt.systems/rmzkstore/internal/zkclient"
	"pkt.systems/rmzkstore/internal/zkretry"
	"pkt.systems/rmzkstore/internal/zktest"
)

func TestBuildFencingACLClearsCreateDeleteFromBase(t *testing.T) {
	base := zk.WorldACL(zk.PermAll)
	cred := Credential{Username: "u", Password: "p"}

	acl := buildFencingACL(base, cred)

	var world, digest *zk.ACL
	for i := range acl {
		switch acl[i].Scheme {
		case "world":
			world = &acl[i]
		case "digest":
			digest = &acl[i]
		}
	}
	if world == nil || digest == nil {
		t.Fatalf("acl = %+v, want both a world and a digest entry", acl)
	}
	if world.Perms&(zk.PermCreate|zk.PermDelete) != 0 {
		t.Fatalf("world entry keeps create/delete: %v", world.Perms)
	}
	if digest.Perms != zk.PermCreate|zk.PermDelete {
		t.Fatalf("digest entry perms = %v, want create|delete only", digest.Perms)
	}
}

func TestFenceDeletesStaleWitnessAndRewritesACL(t *testing.T) {
	conn := zktest.New()
	if _, err := conn.Create("/testroot", nil, 0, zk.WorldACL(zk.PermAll)); err != nil {
		t.Fatalf("seed root: %v", err)
	}
	if _, err := conn.Create("/testroot/"+fenceLockLeaf, nil, 0, zk.WorldACL(zk.PermAll)); err != nil {
		t.Fatalf("seed stale witness: %v", err)
	}

	dialer := func(servers []string, sessionTimeout time.Duration) (zkclient.Conn, <-chan zk.Event, error) {
		return conn, zktest.NewEventSource(), nil
	}
	client := zkclient.New([]string{"127.0.0.1:2181"}, time.Second, zkclient.WithDialer(dialer))
	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	defer client.Close()

	retry := zkretry.New(client, zkretry.Config{NumRetries: 5, SessionTimeout: time.Second, RetryInterval: time.Millisecond}, pslog.NoopLogger(), nil)
	f := New(client, retry, Config{
		RootPath:       "/testroot",
		BasePrincipals: zk.WorldACL(zk.PermAll),
		ProbeInterval:  time.Hour,
	}, pslog.NoopLogger(), nil)

	if err := f.Fence(ctx); err != nil {
		t.Fatalf("Fence() = %v", err)
	}

	if exists, _, err := conn.Exists("/testroot/" + fenceLockLeaf); err != nil || exists {
		t.Fatalf("stale witness still present after Fence(): exists=%v err=%v", exists, err)
	}

	acl, _, err := conn.GetACL("/testroot")
	if err != nil {
		t.Fatalf("GetACL() = %v", err)
	}
	var sawDigest bool
	for _, entry := range acl {
		if entry.Scheme == "digest" && entry.Perms == zk.PermCreate|zk.PermDelete {
			sawDigest = true
		}
		if entry.Scheme == "world" && entry.Perms&(zk.PermCreate|zk.PermDelete) != 0 {
			t.Fatalf("world entry still holds create/delete after Fence(): %v", entry)
		}
	}
	if !sawDigest {
		t.Fatalf("acl = %+v, want a digest entry holding create|delete", acl)
	}

	if err := f.FencedMulti(ctx); err != nil {
		t.Fatalf("FencedMulti() after Fence() = %v", err)
	}
}

// noAuthOps is a zkclient.Ops double whose Multi always fails with NoAuth,
// simulating another controller having won the fencing race.
type noAuthOps struct{}

func (noAuthOps) Create(ctx context.Context, path string, data []byte, acl []zk.ACL, flags int32) (string, error) {
	return "", nil
}
func (noAuthOps) SetData(ctx context.Context, path string, data []byte, version int32) (*zk.Stat, error) {
	return nil, nil
}
func (noAuthOps) Delete(ctx context.Context, path string, version int32) error { return nil }
func (noAuthOps) Exists(ctx context.Context, path string, watch bool) (bool, *zk.Stat, *zkclient.Watch, error) {
	return false, nil, nil, nil
}
func (noAuthOps) GetData(ctx context.Context, path string, watch bool) ([]byte, *zk.Stat, *zkclient.Watch, error) {
	return nil, nil, nil, nil
}
func (noAuthOps) GetChildren(ctx context.Context, path string, watch bool) ([]string, *zk.Stat, *zkclient.Watch, error) {
	return nil, nil, nil, nil
}
func (noAuthOps) SetACL(ctx context.Context, path string, acl []zk.ACL, version int32) (*zk.Stat, error) {
	return nil, nil
}
func (noAuthOps) GetACL(ctx context.Context, path string) ([]zk.ACL, *zk.Stat, error) {
	return nil, nil, nil
}
func (noAuthOps) Multi(ctx context.Context, ops ...interface{}) ([]zk.MultiResponse, error) {
	return nil, zk.ErrNoAuth
}
func (noAuthOps) Sync(ctx context.Context, path string) error                  { return nil }
func (noAuthOps) AddAuth(ctx context.Context, scheme string, auth []byte) error { return nil }

var _ zkclient.Ops = noAuthOps{}

func TestProbeLoopFencesAndStopsOnNoAuth(t *testing.T) {
	client := noAuthOps{}
	retry := zkretry.New(client, zkretry.Config{NumRetries: 3, SessionTimeout: time.Second, HAEnabled: true}, pslog.NoopLogger(), nil)
	f := New(client, retry, Config{
		RootPath:       "/testroot",
		BasePrincipals: zk.WorldACL(zk.PermAll),
		ProbeInterval:  10 * time.Millisecond,
	}, pslog.NoopLogger(), nil)

	fenced := make(chan error, 1)
	f.OnFenced = func(err error) { fenced <- err }
	f.StartProbe(context.Background())

	select {
	case err := <-fenced:
		if !rmerrors.IsFenced(err) {
			t.Fatalf("OnFenced err = %v, want a fenced failure", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnFenced")
	}

	f.StopProbe()
}
