// Package zkclient is the coordination client wrapper (C1): a
// session-aware adapter over github.com/go-zookeeper/zk exposing the
// create/read/update/delete/exists/getChildren/setACL/multi/sync verbs the
// upper layers need, plus watch registration that tags each watch with the
// session handle generation it was registered under.
package zkclient

import (
	"context"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"

	"pkt.systems/pslog"
	"pkt.systems/rmzkstore/internal/clock"
	"pkt.systems/rmzkstore/internal/rmerrors"
)

// SessionState mirrors the session state machine in SPEC_FULL.md §4.5.
type SessionState int32

const (
	Disconnected SessionState = iota
	Connecting
	Connected
	Expired
)

func (s SessionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Conn is the subset of *zk.Conn this package depends on, narrowed to an
// interface so tests can substitute a double (internal/zktest).
type Conn interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Delete(path string, version int32) error
	Exists(path string) (bool, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Get(path string) ([]byte, *zk.Stat, error)
	GetW(path string) ([]byte, *zk.Stat, <-chan zk.Event, error)
	Children(path string) ([]string, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	SetACL(path string, acl []zk.ACL, version int32) (*zk.Stat, error)
	GetACL(path string) ([]zk.ACL, *zk.Stat, error)
	Multi(ops ...interface{}) ([]zk.MultiResponse, error)
	Sync(path string) (string, error)
	AddAuth(scheme string, auth []byte) error
	Close()
	State() zk.State
}

// Dialer opens a new coordination-service connection, mirroring
// zk.Connect's (Conn, eventChan, error) shape.
type Dialer func(servers []string, sessionTimeout time.Duration) (Conn, <-chan zk.Event, error)

func defaultDialer(servers []string, sessionTimeout time.Duration) (Conn, <-chan zk.Event, error) {
	c, events, err := zk.Connect(servers, sessionTimeout)
	if err != nil {
		return nil, nil, err
	}
	return c, events, nil
}

// Ops is the subset of Client's operations that C2/C3/C5 issue against the
// active session: every session-scoped verb from spec.md §4.1 except the
// connection lifecycle (Connect/Close), which only the owning Store drives
// directly. Narrowing to an interface lets a tracing decorator
// (internal/telemetry) sit between the upper layers and the real client
// without those layers depending on its concrete type.
type Ops interface {
	Create(ctx context.Context, path string, data []byte, acl []zk.ACL, flags int32) (string, error)
	SetData(ctx context.Context, path string, data []byte, version int32) (*zk.Stat, error)
	Delete(ctx context.Context, path string, version int32) error
	Exists(ctx context.Context, path string, watch bool) (bool, *zk.Stat, *Watch, error)
	GetData(ctx context.Context, path string, watch bool) ([]byte, *zk.Stat, *Watch, error)
	GetChildren(ctx context.Context, path string, watch bool) ([]string, *zk.Stat, *Watch, error)
	SetACL(ctx context.Context, path string, acl []zk.ACL, version int32) (*zk.Stat, error)
	GetACL(ctx context.Context, path string) ([]zk.ACL, *zk.Stat, error)
	Multi(ctx context.Context, ops ...interface{}) ([]zk.MultiResponse, error)
	Sync(ctx context.Context, path string) error
	AddAuth(ctx context.Context, scheme string, auth []byte) error
}

// Client is the session-aware coordination client. It tracks a candidate
// handle (just opened, awaiting SyncConnected) and an active handle
// (promoted once connected). Watches carry the generation of the handle
// they were registered against, and Watch.Stale reports whether a newer
// handle has since been promoted; the client does not itself discard
// events from a superseded handle.
type Client struct {
	mu             sync.Mutex
	servers        []string
	sessionTimeout time.Duration
	dial           Dialer
	logger         pslog.Logger
	clk            clock.Clock

	state      SessionState
	generation int64
	active     Conn
	stopped    bool

	waiters []chan struct{}
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithDialer overrides the connect function; tests use this to install a
// fake dialer without touching the network.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dial = d }
}

// WithLogger sets the structured logger used for connection-lifecycle
// events.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithClock overrides the time source, for deterministic tests of
// connect-deadline behavior.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clk = clk }
}

// New constructs a Client without connecting. Call Connect to open the
// session.
func New(servers []string, sessionTimeout time.Duration, opts ...Option) *Client {
	c := &Client{
		servers:        servers,
		sessionTimeout: sessionTimeout,
		dial:           defaultDialer,
		logger:         pslog.NoopLogger(),
		clk:            clock.Real{},
		state:          Disconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State reports the current session state.
func (c *Client) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens a candidate session handle and blocks until a
// SyncConnected event promotes it to active, the context is cancelled, or
// sessionTimeout elapses, whichever comes first. A session expiry observed
// before promotion returns zk.ErrSessionExpired.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return rmerrors.Failure{Code: "client_closed", Detail: "client is closed"}
	}
	c.state = Connecting
	c.mu.Unlock()

	candidate, events, err := c.dial(c.servers, c.sessionTimeout)
	if err != nil {
		return rmerrors.NewTransient(err)
	}

	ready := make(chan struct{})
	go c.dispatch(candidate, events, ready)

	deadline := time.NewTimer(c.sessionTimeout)
	defer deadline.Stop()
	select {
	case <-ready:
		c.mu.Lock()
		expired := c.state == Expired
		c.mu.Unlock()
		if expired {
			return zk.ErrSessionExpired
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-deadline.C:
		return rmerrors.ErrSessionTimeout
	}
}

// dispatch is the single watch-event loop for one candidate handle. It
// promotes the candidate to active on SyncConnected, demotes on
// Disconnected, and marks Expired (closing ready if it never fired) on
// session expiry. Every generation bump invalidates in-flight watches
// registered against the previous handle.
func (c *Client) dispatch(candidate Conn, events <-chan zk.Event, ready chan struct{}) {
	var readyOnce sync.Once
	closeReady := func() { readyOnce.Do(func() { close(ready) }) }

	for ev := range events {
		switch ev.State {
		case zk.StateHasSession:
			c.mu.Lock()
			c.generation++
			c.active = candidate
			c.state = Connected
			waiters := c.waiters
			c.waiters = nil
			c.mu.Unlock()
			for _, w := range waiters {
				close(w)
			}
			closeReady()
			c.logger.Info("zkclient.session.connected", "generation", c.generation)
		case zk.StateDisconnected:
			c.mu.Lock()
			if c.active == candidate {
				c.active = nil
				c.state = Disconnected
			}
			c.mu.Unlock()
			c.logger.Warn("zkclient.session.disconnected")
		case zk.StateExpired:
			c.mu.Lock()
			if c.active == candidate {
				c.active = nil
			}
			c.state = Expired
			c.mu.Unlock()
			closeReady()
			c.logger.Warn("zkclient.session.expired")
			return
		}
	}
}

// withActive runs fn against the current active handle, returning
// ErrSessionTimeout if none becomes available within sessionTimeout, or
// ctx.Err() if ctx is done first.
func (c *Client) withActive(ctx context.Context, fn func(Conn) error) error {
	c.mu.Lock()
	active := c.active
	if active != nil {
		c.mu.Unlock()
		return fn(active)
	}
	wait := make(chan struct{})
	c.waiters = append(c.waiters, wait)
	c.mu.Unlock()

	deadline := time.NewTimer(c.sessionTimeout)
	defer deadline.Stop()
	select {
	case <-deadline.C:
		return rmerrors.ErrSessionTimeout
	case <-wait:
		c.mu.Lock()
		active = c.active
		c.mu.Unlock()
		if active == nil {
			return rmerrors.ErrSessionTimeout
		}
		return fn(active)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Create creates a znode. acl and mode follow zk semantics (zk.WorldACL,
// zk.FlagEphemeral, etc. callers pass through).
func (c *Client) Create(ctx context.Context, path string, data []byte, acl []zk.ACL, flags int32) (string, error) {
	var created string
	err := c.withActive(ctx, func(handle Conn) error {
		var err error
		created, err = handle.Create(path, data, flags, acl)
		return err
	})
	return created, err
}

// SetData overwrites a znode's data, version=-1 to skip the CAS check.
func (c *Client) SetData(ctx context.Context, path string, data []byte, version int32) (*zk.Stat, error) {
	var stat *zk.Stat
	err := c.withActive(ctx, func(handle Conn) error {
		var err error
		stat, err = handle.Set(path, data, version)
		return err
	})
	return stat, err
}

// Delete removes a znode, version=-1 to skip the CAS check.
func (c *Client) Delete(ctx context.Context, path string, version int32) error {
	return c.withActive(ctx, func(handle Conn) error {
		return handle.Delete(path, version)
	})
}

// Watch bundles a registered watch channel with the handle generation it
// was registered against, so callers can drop events that arrive after a
// reconnect promoted a newer handle (SPEC_FULL.md's stale-handle supplement).
type Watch struct {
	Events     <-chan zk.Event
	generation int64
}

// Stale reports whether this watch was registered against a handle that has
// since been superseded by a reconnect.
func (w Watch) Stale(c *Client) bool {
	return w.generation != c.Generation()
}

// Exists reports whether path exists, optionally registering a watch.
func (c *Client) Exists(ctx context.Context, path string, watch bool) (bool, *zk.Stat, *Watch, error) {
	var (
		ok   bool
		stat *zk.Stat
		ch   <-chan zk.Event
	)
	err := c.withActive(ctx, func(handle Conn) error {
		var err error
		if watch {
			ok, stat, ch, err = handle.ExistsW(path)
		} else {
			ok, stat, err = handle.Exists(path)
		}
		return err
	})
	if !watch || err != nil {
		return ok, stat, nil, err
	}
	return ok, stat, &Watch{Events: ch, generation: c.Generation()}, err
}

// GetData reads a znode's data, optionally registering a watch.
func (c *Client) GetData(ctx context.Context, path string, watch bool) ([]byte, *zk.Stat, *Watch, error) {
	var (
		data []byte
		stat *zk.Stat
		ch   <-chan zk.Event
	)
	err := c.withActive(ctx, func(handle Conn) error {
		var err error
		if watch {
			data, stat, ch, err = handle.GetW(path)
		} else {
			data, stat, err = handle.Get(path)
		}
		return err
	})
	if !watch || err != nil {
		return data, stat, nil, err
	}
	return data, stat, &Watch{Events: ch, generation: c.Generation()}, err
}

// GetChildren lists a znode's children, optionally registering a watch.
func (c *Client) GetChildren(ctx context.Context, path string, watch bool) ([]string, *zk.Stat, *Watch, error) {
	var (
		children []string
		stat     *zk.Stat
		ch       <-chan zk.Event
	)
	err := c.withActive(ctx, func(handle Conn) error {
		var err error
		if watch {
			children, stat, ch, err = handle.ChildrenW(path)
		} else {
			children, stat, err = handle.Children(path)
		}
		return err
	})
	if !watch || err != nil {
		return children, stat, nil, err
	}
	return children, stat, &Watch{Events: ch, generation: c.Generation()}, err
}

// SetACL rewrites a znode's ACL list.
func (c *Client) SetACL(ctx context.Context, path string, acl []zk.ACL, version int32) (*zk.Stat, error) {
	var stat *zk.Stat
	err := c.withActive(ctx, func(handle Conn) error {
		var err error
		stat, err = handle.SetACL(path, acl, version)
		return err
	})
	return stat, err
}

// GetACL reads a znode's current ACL list.
func (c *Client) GetACL(ctx context.Context, path string) ([]zk.ACL, *zk.Stat, error) {
	var (
		acl  []zk.ACL
		stat *zk.Stat
	)
	err := c.withActive(ctx, func(handle Conn) error {
		var err error
		acl, stat, err = handle.GetACL(path)
		return err
	})
	return acl, stat, err
}

// Multi issues an atomic batch of create/setData/delete operations.
func (c *Client) Multi(ctx context.Context, ops ...interface{}) ([]zk.MultiResponse, error) {
	var res []zk.MultiResponse
	err := c.withActive(ctx, func(handle Conn) error {
		var err error
		res, err = handle.Multi(ops...)
		return err
	})
	return res, err
}

// Sync forces a read-your-writes barrier on path.
func (c *Client) Sync(ctx context.Context, path string) error {
	return c.withActive(ctx, func(handle Conn) error {
		_, err := handle.Sync(path)
		return err
	})
}

// AddAuth registers a digest (or other scheme) credential on the active
// session, used by the fencing discipline to claim the exclusive principal.
func (c *Client) AddAuth(ctx context.Context, scheme string, auth []byte) error {
	return c.withActive(ctx, func(handle Conn) error {
		return handle.AddAuth(scheme, auth)
	})
}

// Close tears down the active session. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	if c.active != nil {
		c.active.Close()
		c.active = nil
	}
	c.state = Disconnected
}

// Generation exposes the current handle generation. Tests use it to assert
// that watch events tagged with a superseded generation are ignored.
func (c *Client) Generation() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

var _ Ops = (*Client)(nil)
