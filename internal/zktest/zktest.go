// Package zktest is an in-memory coordination-service double implementing
// zkclient.Conn, in the shape of the teacher's internal/storage/memory test
// backend: a single mutex-guarded tree standing in for the real
// coordination service so the retry/fencing/recovery layers can be
// exercised without a live endpoint.
package zktest

import (
	"sort"
	"strings"
	"sync"

	"github.com/go-zookeeper/zk"
)

type node struct {
	data     []byte
	version  int32
	acl      []zk.ACL
	children map[string]*node
}

// Conn is an in-memory double of *zk.Conn/zkclient.Conn.
type Conn struct {
	mu      sync.Mutex
	root    *node
	closed  bool
	watches map[string][]chan zk.Event
	auth    []string // "scheme:user:password" entries registered via AddAuth
}

// New constructs an empty in-memory tree rooted at "/".
func New() *Conn {
	return &Conn{
		root:    &node{acl: zk.WorldACL(zk.PermAll), children: map[string]*node{}},
		watches: map[string][]chan zk.Event{},
	}
}

func split(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func (c *Conn) lookup(path string) (*node, bool) {
	parts := split(path)
	cur := c.root
	for _, part := range parts {
		next, ok := cur.children[part]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func (c *Conn) parent(path string) (*node, string, bool) {
	parts := split(path)
	if len(parts) == 0 {
		return nil, "", false
	}
	leaf := parts[len(parts)-1]
	cur := c.root
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur.children[part]
		if !ok {
			return nil, "", false
		}
		cur = next
	}
	return cur, leaf, true
}

func (c *Conn) fire(path string, eventType zk.EventType) {
	chans := c.watches[path]
	delete(c.watches, path)
	for _, ch := range chans {
		ch <- zk.Event{Type: eventType, Path: path, State: zk.StateHasSession}
		close(ch)
	}
}

// Create implements zkclient.Conn.
func (c *Conn) Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	parent, leaf, ok := c.parent(path)
	if !ok {
		return "", zk.ErrNoNode
	}
	if !hasPerm(parent.acl, c.auth, zk.PermCreate) {
		return "", zk.ErrNoAuth
	}
	if _, exists := parent.children[leaf]; exists {
		return "", zk.ErrNodeExists
	}
	parent.children[leaf] = &node{data: data, acl: acl, children: map[string]*node{}}
	c.fire(path, zk.EventNodeCreated)
	return path, nil
}

// Set implements zkclient.Conn.
func (c *Conn) Set(path string, data []byte, version int32) (*zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.lookup(path)
	if !ok {
		return nil, zk.ErrNoNode
	}
	if !hasPerm(n.acl, c.auth, zk.PermWrite) {
		return nil, zk.ErrNoAuth
	}
	if version != -1 && version != n.version {
		return nil, zk.ErrBadVersion
	}
	n.data = data
	n.version++
	c.fire(path, zk.EventNodeDataChanged)
	return &zk.Stat{Version: n.version}, nil
}

// Delete implements zkclient.Conn.
func (c *Conn) Delete(path string, version int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	parent, leaf, ok := c.parent(path)
	if !ok {
		return zk.ErrNoNode
	}
	n, ok := parent.children[leaf]
	if !ok {
		return zk.ErrNoNode
	}
	if !hasPerm(parent.acl, c.auth, zk.PermDelete) {
		return zk.ErrNoAuth
	}
	if version != -1 && version != n.version {
		return zk.ErrBadVersion
	}
	if len(n.children) > 0 {
		return zk.ErrNotEmpty
	}
	delete(parent.children, leaf)
	c.fire(path, zk.EventNodeDeleted)
	return nil
}

// Exists implements zkclient.Conn.
func (c *Conn) Exists(path string) (bool, *zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.lookup(path)
	if !ok {
		return false, nil, nil
	}
	return true, &zk.Stat{Version: n.version}, nil
}

// ExistsW implements zkclient.Conn.
func (c *Conn) ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan zk.Event, 1)
	c.watches[path] = append(c.watches[path], ch)
	n, ok := c.lookup(path)
	if !ok {
		return false, nil, ch, nil
	}
	return true, &zk.Stat{Version: n.version}, ch, nil
}

// Get implements zkclient.Conn.
func (c *Conn) Get(path string) ([]byte, *zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.lookup(path)
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	if !hasPerm(n.acl, c.auth, zk.PermRead) {
		return nil, nil, zk.ErrNoAuth
	}
	return n.data, &zk.Stat{Version: n.version}, nil
}

// GetW implements zkclient.Conn.
func (c *Conn) GetW(path string) ([]byte, *zk.Stat, <-chan zk.Event, error) {
	data, stat, err := c.Get(path)
	c.mu.Lock()
	ch := make(chan zk.Event, 1)
	c.watches[path] = append(c.watches[path], ch)
	c.mu.Unlock()
	return data, stat, ch, err
}

// Children implements zkclient.Conn.
func (c *Conn) Children(path string) ([]string, *zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.lookup(path)
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, &zk.Stat{Version: n.version}, nil
}

// ChildrenW implements zkclient.Conn.
func (c *Conn) ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error) {
	names, stat, err := c.Children(path)
	c.mu.Lock()
	ch := make(chan zk.Event, 1)
	c.watches[path] = append(c.watches[path], ch)
	c.mu.Unlock()
	return names, stat, ch, err
}

// SetACL implements zkclient.Conn.
func (c *Conn) SetACL(path string, acl []zk.ACL, version int32) (*zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.lookup(path)
	if !ok {
		return nil, zk.ErrNoNode
	}
	if !hasPerm(n.acl, c.auth, zk.PermAdmin) {
		return nil, zk.ErrNoAuth
	}
	n.acl = acl
	return &zk.Stat{Version: n.version}, nil
}

// GetACL implements zkclient.Conn.
func (c *Conn) GetACL(path string) ([]zk.ACL, *zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.lookup(path)
	if !ok {
		return nil, nil, zk.ErrNoNode
	}
	return n.acl, &zk.Stat{Version: n.version}, nil
}

// Multi implements zkclient.Conn, applying every op atomically: either all
// succeed or the tree is left exactly as it was found.
func (c *Conn) Multi(ops ...interface{}) ([]zk.MultiResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := c.root.clone()
	responses := make([]zk.MultiResponse, len(ops))
	for i, rawOp := range ops {
		if err := c.applyOp(rawOp); err != nil {
			c.root = snapshot
			return nil, err
		}
		responses[i] = zk.MultiResponse{}
	}
	return responses, nil
}

func (c *Conn) applyOp(rawOp interface{}) error {
	switch op := rawOp.(type) {
	case *zk.CreateRequest:
		_, err := c.createLocked(op.Path, op.Data, op.Acl)
		return err
	case *zk.SetDataRequest:
		return c.setLocked(op.Path, op.Data, op.Version)
	case *zk.DeleteRequest:
		return c.deleteLocked(op.Path, op.Version)
	default:
		return zk.ErrAPIError
	}
}

// createLocked/setLocked/deleteLocked mirror Create/Set/Delete without
// re-acquiring the mutex, used inside Multi's already-locked section.
func (c *Conn) createLocked(path string, data []byte, acl []zk.ACL) (string, error) {
	parent, leaf, ok := c.parent(path)
	if !ok {
		return "", zk.ErrNoNode
	}
	if !hasPerm(parent.acl, c.auth, zk.PermCreate) {
		return "", zk.ErrNoAuth
	}
	if _, exists := parent.children[leaf]; exists {
		return "", zk.ErrNodeExists
	}
	parent.children[leaf] = &node{data: data, acl: acl, children: map[string]*node{}}
	return path, nil
}

func (c *Conn) setLocked(path string, data []byte, version int32) error {
	n, ok := c.lookup(path)
	if !ok {
		return zk.ErrNoNode
	}
	if !hasPerm(n.acl, c.auth, zk.PermWrite) {
		return zk.ErrNoAuth
	}
	if version != -1 && version != n.version {
		return zk.ErrBadVersion
	}
	n.data = data
	n.version++
	return nil
}

func (c *Conn) deleteLocked(path string, version int32) error {
	parent, leaf, ok := c.parent(path)
	if !ok {
		return zk.ErrNoNode
	}
	n, ok := parent.children[leaf]
	if !ok {
		return zk.ErrNoNode
	}
	if !hasPerm(parent.acl, c.auth, zk.PermDelete) {
		return zk.ErrNoAuth
	}
	if version != -1 && version != n.version {
		return zk.ErrBadVersion
	}
	if len(n.children) > 0 {
		return zk.ErrNotEmpty
	}
	delete(parent.children, leaf)
	return nil
}

// Sync implements zkclient.Conn; the in-memory tree has no replication lag
// to flush, so this is a no-op that always succeeds.
func (c *Conn) Sync(path string) (string, error) { return path, nil }

// AddAuth implements zkclient.Conn.
func (c *Conn) AddAuth(scheme string, auth []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auth = append(c.auth, scheme+":"+string(auth))
	return nil
}

// Close implements zkclient.Conn.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// State implements zkclient.Conn.
func (c *Conn) State() zk.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return zk.StateDisconnected
	}
	return zk.StateHasSession
}

func (n *node) clone() *node {
	out := &node{data: append([]byte(nil), n.data...), version: n.version, acl: append([]zk.ACL(nil), n.acl...), children: make(map[string]*node, len(n.children))}
	for name, child := range n.children {
		out.children[name] = child.clone()
	}
	return out
}

// hasPerm reports whether any ACL entry on the node grants perm either to
// the world scheme or to one of the currently registered auth identities.
func hasPerm(acl []zk.ACL, auth []string, perm int32) bool {
	for _, entry := range acl {
		if entry.Perms&perm == 0 {
			continue
		}
		if entry.Scheme == "world" {
			return true
		}
		if entry.Scheme == "digest" {
			for _, a := range auth {
				if strings.HasPrefix(a, "digest:") && strings.Contains(entry.ID, strings.TrimPrefix(a, "digest:")) {
					return true
				}
				// digest ACL IDs are stored as user:sha1(password); a real
				// comparison would hash auth the same way the coordination
				// service does. The in-memory double relaxes this to a
				// username match so fencing tests can assert on ACL shape
				// without reimplementing the digest hash.
				if strings.HasPrefix(a, "digest:") {
					userPass := strings.TrimPrefix(a, "digest:")
					user := strings.SplitN(userPass, ":", 2)[0]
					if strings.HasPrefix(entry.ID, user+":") {
						return true
					}
				}
			}
		}
	}
	return false
}

// NewEventSource creates a connected event channel preloaded with a
// StateHasSession event, for pairing with a Conn in a zkclient.Dialer.
//
//	events := zktest.NewEventSource()
//	conn := zktest.New()
//	dialer := func(servers []string, sessionTimeout time.Duration) (zkclient.Conn, <-chan zk.Event, error) {
//		return conn, events, nil
//	}
func NewEventSource() chan zk.Event {
	events := make(chan zk.Event, 1)
	events <- zk.Event{State: zk.StateHasSession}
	return events
}
