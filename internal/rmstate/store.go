// Package rmstate is the recovery & mutation API (C5): the surface the
// resource manager calls after being elected active. It composes the
// coordination client (C1), the retry engine (C2), the fencing discipline
// (C3), and the path layout (C4) into load_state / store / update / remove
// / get_and_increment_epoch / store_version / load_version.
package rmstate

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/go-zookeeper/zk"

	"pkt.systems/pslog"
	"pkt.systems/rmzkstore/internal/clock"
	"pkt.systems/rmzkstore/internal/fencing"
	"pkt.systems/rmzkstore/internal/layout"
	"pkt.systems/rmzkstore/internal/rmerrors"
	"pkt.systems/rmzkstore/internal/telemetry"
	"pkt.systems/rmzkstore/internal/zkclient"
	"pkt.systems/rmzkstore/internal/zkretry"
)

// Config assembles every dependency and behavioral knob this store needs,
// mirroring the shape of the teacher's core.Config aggregate.
type Config struct {
	Servers        []string
	SessionTimeout time.Duration
	NumRetries     int
	RetryInterval  time.Duration
	HAEnabled      bool

	RootPath            string
	ZnodeSizeLimitBytes int64
	OversizePolicy      layout.OversizePolicy
	BasePrincipals      []zk.ACL
	OverrideRootACL     []zk.ACL
	// ProbeInterval is the liveness prober's re-assert period. Zero
	// defaults to SessionTimeout, matching spec.md §4.3's "every
	// sessionTimeout milliseconds".
	ProbeInterval time.Duration

	// ApplicationIDFromBlob extracts the application id embedded in a
	// record blob without decoding the rest of the record; load uses it
	// to enforce that the embedded id agrees with the znode name the
	// record was loaded from (spec.md §4.5, fatal on mismatch). Defaults
	// to the envelope EncodeApplicationRecord produces; blobs that don't
	// carry that envelope return ok=false and skip the check.
	ApplicationIDFromBlob func(blob []byte) (id string, ok bool)

	Logger pslog.Logger
	Clock  clock.Clock

	// Dialer overrides how the underlying coordination client opens its
	// session; tests inject internal/zktest's in-memory double here
	// instead of dialing a live ensemble.
	Dialer zkclient.Dialer

	// OnStoreFenced is the resource-manager event-bus callback from
	// spec.md §6: notifyStoreOperationFailed.
	OnStoreFenced func(err error)
}

// Store is the concrete coordination-service-backed implementation of the
// recovery & mutation API.
type Store struct {
	cfg    Config
	client *zkclient.Client
	ops    zkclient.Ops
	retry  *zkretry.Engine
	fencer *fencing.Fencer
	tree   layout.Tree
	guard  *layout.SizeGuard
	logger pslog.Logger
	clk    clock.Clock

	appIDFromBlob func(blob []byte) (string, bool)
}

// New constructs a Store. Call Start before issuing any operation.
func New(cfg Config) *Store {
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	tree := layout.New(cfg.RootPath)
	guard := layout.NewSizeGuard(cfg.ZnodeSizeLimitBytes, cfg.Logger)
	guard.Policy = cfg.OversizePolicy

	appIDFromBlob := cfg.ApplicationIDFromBlob
	if appIDFromBlob == nil {
		appIDFromBlob = defaultApplicationIDFromBlob
	}

	probeInterval := cfg.ProbeInterval
	if probeInterval <= 0 {
		probeInterval = cfg.SessionTimeout
	}

	clientOpts := []zkclient.Option{zkclient.WithLogger(cfg.Logger), zkclient.WithClock(cfg.Clock)}
	if cfg.Dialer != nil {
		clientOpts = append(clientOpts, zkclient.WithDialer(cfg.Dialer))
	}
	client := zkclient.New(cfg.Servers, cfg.SessionTimeout, clientOpts...)
	ops := telemetry.Wrap(client)
	retryEngine := zkretry.New(ops, zkretry.Config{
		NumRetries:     cfg.NumRetries,
		SessionTimeout: cfg.SessionTimeout,
		RetryInterval:  cfg.RetryInterval,
		HAEnabled:      cfg.HAEnabled,
	}, cfg.Logger, cfg.Clock)

	fencer := fencing.New(ops, retryEngine, fencing.Config{
		RootPath:       tree.Root,
		BasePrincipals: cfg.BasePrincipals,
		OverrideACL:    cfg.OverrideRootACL,
		ProbeInterval:  probeInterval,
	}, cfg.Logger, cfg.Clock)
	fencer.OnFenced = cfg.OnStoreFenced

	retryEngine.Reconnect = func(ctx context.Context) error {
		if err := client.Connect(ctx); err != nil {
			return err
		}
		if err := client.Sync(ctx, tree.Root); err != nil {
			return err
		}
		return fencer.Reauth(ctx)
	}

	return &Store{
		cfg:           cfg,
		client:        client,
		ops:           ops,
		retry:         retryEngine,
		fencer:        fencer,
		tree:          tree,
		guard:         guard,
		logger:        cfg.Logger,
		clk:           cfg.Clock,
		appIDFromBlob: appIDFromBlob,
	}
}

// Init validates configuration before Start connects. It performs no I/O.
func (s *Store) Init() error {
	if len(s.cfg.Servers) == 0 {
		return rmerrors.Failure{Code: "config_invalid", Detail: "zk.address is required"}
	}
	return nil
}

// Start connects, ensures the static directory tree exists, fences, and
// launches the liveness prober. This is the init+start sequence from
// spec.md §2.
func (s *Store) Start(ctx context.Context) error {
	if err := s.Init(); err != nil {
		return err
	}
	if err := s.client.Connect(ctx); err != nil {
		return err
	}
	if err := s.ensureStaticTree(ctx); err != nil {
		return err
	}
	if err := s.fencer.Fence(ctx); err != nil {
		return err
	}
	s.fencer.StartProbe(ctx)
	return nil
}

// Close stops the liveness prober and closes the coordination session.
func (s *Store) Close() {
	s.fencer.StopProbe()
	s.client.Close()
}

func (s *Store) ensureStaticTree(ctx context.Context) error {
	for _, p := range s.tree.StaticNodes() {
		err := s.retry.Do(ctx, "create_static_node", func(ctx context.Context) error {
			_, err := s.ops.Create(ctx, p, nil, zk.WorldACL(zk.PermAll), 0)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// DeleteAll recursively removes the entire state root, retrying transient
// errors the same way ordinary mutations do. Mirrors the original store's
// deleteStore/recursiveDeleteWithRetriesHelper, used by administrative
// tooling and test teardown (SPEC_FULL.md supplement #2).
func (s *Store) DeleteAll(ctx context.Context) error {
	return s.deleteRecursive(ctx, s.tree.Root)
}

func (s *Store) deleteRecursive(ctx context.Context, path string) error {
	var children []string
	err := s.retry.Do(ctx, "get_children", func(ctx context.Context) error {
		var err error
		children, _, _, err = s.ops.GetChildren(ctx, path, false)
		return err
	})
	if err != nil {
		if isNoNode(err) {
			return nil
		}
		return err
	}
	for _, child := range children {
		if err := s.deleteRecursive(ctx, path+"/"+child); err != nil {
			return err
		}
	}
	return s.retry.Do(ctx, "delete_node", func(ctx context.Context) error {
		err := s.ops.Delete(ctx, path, -1)
		if isNoNode(err) {
			return nil
		}
		return err
	})
}

func isNoNode(err error) bool {
	return err != nil && errors.Is(err, zk.ErrNoNode)
}

// StoreVersion writes the version blob, creating it if absent.
func (s *Store) StoreVersion(ctx context.Context, v Version) error {
	blob := encodeVersion(v)
	exists, err := s.exists(ctx, s.tree.VersionPath())
	if err != nil {
		return err
	}
	if exists {
		return s.fencer.FencedMulti(ctx, &zk.SetDataRequest{Path: s.tree.VersionPath(), Data: blob, Version: -1})
	}
	return s.fencer.FencedMulti(ctx, &zk.CreateRequest{Path: s.tree.VersionPath(), Data: blob, Acl: zk.WorldACL(zk.PermAll), Flags: 0})
}

// LoadVersion reads the persisted version, writing CurrentVersion if no
// version node exists yet (spec.md §3.2). Comparison against the caller's
// expected version is left to the caller (SPEC_FULL.md §9 decision).
func (s *Store) LoadVersion(ctx context.Context) (Version, error) {
	var data []byte
	err := s.retry.Do(ctx, "get_version", func(ctx context.Context) error {
		var err error
		data, _, _, err = s.ops.GetData(ctx, s.tree.VersionPath(), false)
		return err
	})
	if isNoNode(err) {
		if werr := s.StoreVersion(ctx, CurrentVersion); werr != nil {
			return Version{}, werr
		}
		return CurrentVersion, nil
	}
	if err != nil {
		return Version{}, err
	}
	return decodeVersion(data)
}

func encodeVersion(v Version) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], uint32(v.Major))
	binary.BigEndian.PutUint32(buf[4:8], uint32(v.Minor))
	return buf
}

func decodeVersion(data []byte) (Version, error) {
	if len(data) < 8 {
		return Version{}, rmerrors.Failure{Code: "version_corrupt", Detail: "version blob too short"}
	}
	return Version{
		Major: int32(binary.BigEndian.Uint32(data[0:4])),
		Minor: int32(binary.BigEndian.Uint32(data[4:8])),
	}, nil
}

// GetAndIncrementEpoch implements the read-modify-write epoch protocol of
// spec.md §4.5 within a single fenced execution. Returns the pre-increment
// value.
func (s *Store) GetAndIncrementEpoch(ctx context.Context) (uint64, error) {
	var data []byte
	var exists bool
	err := s.retry.Do(ctx, "get_epoch", func(ctx context.Context) error {
		var err error
		exists, _, _, err = s.ops.Exists(ctx, s.tree.EpochPath(), false)
		return err
	})
	if err != nil {
		return 0, err
	}
	if !exists {
		if err := s.fencer.FencedMulti(ctx, &zk.CreateRequest{
			Path: s.tree.EpochPath(), Data: encodeEpoch(1), Acl: zk.WorldACL(zk.PermAll), Flags: 0,
		}); err != nil {
			return 0, err
		}
		return 0, nil
	}

	err = s.retry.Do(ctx, "get_epoch_data", func(ctx context.Context) error {
		var err error
		data, _, _, err = s.ops.GetData(ctx, s.tree.EpochPath(), false)
		return err
	})
	if err != nil {
		return 0, err
	}
	current := decodeEpoch(data)
	if err := s.fencer.FencedMulti(ctx, &zk.SetDataRequest{
		Path: s.tree.EpochPath(), Data: encodeEpoch(current + 1), Version: -1,
	}); err != nil {
		return 0, err
	}
	return current, nil
}

func encodeEpoch(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeEpoch(data []byte) uint64 {
	if len(data) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}
