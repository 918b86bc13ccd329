// Package fencing implements the ACL-based fencing discipline (C3):
// rewriting the root ACL to grant the active controller exclusive
// create/delete authority, wrapping every mutation in a fenced multi-op,
// and running the liveness prober that periodically re-asserts authority.
package fencing

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/google/uuid"

	"pkt.systems/pslog"
	"pkt.systems/rmzkstore/internal/clock"
	"pkt.systems/rmzkstore/internal/rmerrors"
	"pkt.systems/rmzkstore/internal/telemetry"
	"pkt.systems/rmzkstore/internal/zkclient"
	"pkt.systems/rmzkstore/internal/zkretry"
)

// Credential is the digest-scheme principal claimed by the active
// controller during fencing (spec.md §4.3, step 3).
type Credential struct {
	Username string
	Password string
}

// DigestAuth returns the "user:password" plaintext the coordination
// service's digest scheme expects via AddAuth.
func (c Credential) DigestAuth() []byte {
	return []byte(c.Username + ":" + c.Password)
}

// NewCredential generates a fresh digest credential: a uuid-derived
// username (stable per process incarnation, useful in logs) and a 64-bit
// random password, matching spec.md §4.3's "freshly generated 64-bit
// random" requirement.
func NewCredential() (Credential, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return Credential{}, fmt.Errorf("fencing: generate password: %w", err)
	}
	password := fmt.Sprintf("%x", binary.BigEndian.Uint64(buf[:]))
	return Credential{
		Username: "rmzkstore-" + uuid.New().String(),
		Password: password,
	}, nil
}

// Config controls fencing behavior.
type Config struct {
	RootPath string
	// BasePrincipals are the read/write/admin ACL entries granted to every
	// configured operator principal; fencing clears CREATE|DELETE from
	// each before adding the exclusive digest principal.
	BasePrincipals []zk.ACL
	// OverrideACL, when non-nil, is used verbatim instead of the
	// digest-based scheme (spec.md §4.3 "Alternative ACL mode").
	OverrideACL []zk.ACL
	// ProbeInterval is the liveness prober's period. This package has no
	// notion of a session timeout to derive a default from; callers
	// (rmstate.Store derives it from SessionTimeout) are expected to set
	// it explicitly. New falls back to a fixed 10s only when a caller
	// constructs a Fencer directly and leaves it unset.
	ProbeInterval time.Duration
}

// Fencer owns the fencing state for one controller incarnation: the
// generated credential, the current multi-op wrapping, and the liveness
// prober.
type Fencer struct {
	client zkclient.Ops
	retry  *zkretry.Engine
	cfg    Config
	logger pslog.Logger
	clk    clock.Clock

	cred Credential

	stop chan struct{}
	done chan struct{}

	// OnFenced fires once, the first time a liveness probe fails; the
	// error it receives is always a StoreFenced failure.
	OnFenced func(err error)
}

// New constructs a Fencer. Call Fence before issuing any mutation. client is
// typically a telemetry.TracedOps wrapping the real zkclient.Client.
func New(client zkclient.Ops, retry *zkretry.Engine, cfg Config, logger pslog.Logger, clk clock.Clock) *Fencer {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 10 * time.Second
	}
	return &Fencer{client: client, retry: retry, cfg: cfg, logger: logger, clk: clk}
}

// Fence executes the fencing procedure: register the digest credential on
// the active session, rewrite the root ACL to grant it exclusive
// create/delete authority, and delete any stale fence witness. It does not
// start the liveness prober; call StartProbe once fencing succeeds.
//
// The credential is registered before the ACL rewrite takes effect,
// mirroring the original store's addAuthInfo call at connection time: once
// the rewrite lands, delete permission on the root is held only by this
// credential, so deleting a stale witness left by a crashed predecessor
// would otherwise be impossible.
func (f *Fencer) Fence(ctx context.Context) error {
	acl := f.cfg.OverrideACL
	if acl == nil {
		cred, err := NewCredential()
		if err != nil {
			return err
		}
		f.cred = cred
		acl = buildFencingACL(f.cfg.BasePrincipals, cred)

		if err := f.Reauth(ctx); err != nil {
			return err
		}
	}

	if err := f.retry.Do(ctx, "set_acl", func(ctx context.Context) error {
		_, err := f.client.SetACL(ctx, f.cfg.RootPath, acl, -1)
		return err
	}); err != nil {
		return err
	}

	logResolvedACL(f.logger, acl)

	if err := f.retry.Do(ctx, "delete_stale_fence", func(ctx context.Context) error {
		err := f.client.Delete(ctx, f.cfg.RootPath+"/"+fenceLockLeaf, -1)
		if err != nil && isNoNode(err) {
			return nil
		}
		return err
	}); err != nil {
		return err
	}

	telemetry.FencedGauge.Set(0)
	return nil
}

// Reauth re-registers the fencing credential on a freshly (re)connected
// session. A coordination-service session carries no digest identity
// across a reconnect, so the retry engine's Reconnect hook calls this after
// every successful reconnect — otherwise the next fenced multi would fail
// with NoAuth against its own root ACL. A no-op under the alternative ACL
// mode, since there is no credential this package owns to re-register.
func (f *Fencer) Reauth(ctx context.Context) error {
	if f.cfg.OverrideACL != nil {
		return nil
	}
	return f.retry.Do(ctx, "add_auth", func(ctx context.Context) error {
		return f.client.AddAuth(ctx, "digest", f.cred.DigestAuth())
	})
}

const fenceLockLeaf = "RM_ZK_FENCING_LOCK"

func isNoNode(err error) bool {
	return err == zk.ErrNoNode
}

func logResolvedACL(logger pslog.Logger, acl []zk.ACL) {
	for _, entry := range acl {
		logger.Info("fencing.acl_entry", "scheme", entry.Scheme, "perms", entry.Perms)
	}
}

// buildFencingACL clears CREATE|DELETE from every base principal and adds a
// digest principal holding exactly CREATE|DELETE, per spec.md §4.3 step 1.
func buildFencingACL(base []zk.ACL, cred Credential) []zk.ACL {
	out := make([]zk.ACL, 0, len(base)+1)
	for _, entry := range base {
		entry.Perms &^= zk.PermCreate | zk.PermDelete
		out = append(out, entry)
	}
	out = append(out, zk.DigestACL(zk.PermCreate|zk.PermDelete, cred.Username, cred.Password)...)
	return out
}

// FencedMulti wraps ops in create(FENCING_LOCK) ... delete(FENCING_LOCK),
// per spec.md §4.3, and issues the whole batch as one atomic multi through
// the retry engine.
func (f *Fencer) FencedMulti(ctx context.Context, ops ...interface{}) error {
	lockPath := f.cfg.RootPath + "/" + fenceLockLeaf
	full := make([]interface{}, 0, len(ops)+2)
	full = append(full, &zk.CreateRequest{Path: lockPath, Data: nil, Acl: zk.WorldACL(zk.PermAll), Flags: 0})
	full = append(full, ops...)
	full = append(full, &zk.DeleteRequest{Path: lockPath, Version: -1})

	return f.retry.Do(ctx, "fenced_multi", func(ctx context.Context) error {
		_, err := f.client.Multi(ctx, full...)
		return err
	})
}

// StartProbe launches the liveness prober: every ProbeInterval it issues an
// empty fenced multi and a read-only exists check against the fence lock's
// expected absence (SPEC_FULL.md supplement #5, folding the original's
// VerifyActiveStatusThread into the same schedule). Any failure is terminal:
// OnFenced fires and the prober stops.
func (f *Fencer) StartProbe(ctx context.Context) {
	if f.stop != nil {
		return
	}
	f.stop = make(chan struct{})
	f.done = make(chan struct{})
	go f.probeLoop(ctx)
}

// StopProbe interrupts the liveness prober and joins it with a 1-second
// deadline (spec.md §5's closeInternal cancellation contract). It returns
// once the prober exits or the deadline passes, whichever comes first; a
// prober stuck inside a retry loop past the deadline is abandoned rather
// than blocking shutdown.
func (f *Fencer) StopProbe() {
	if f.stop == nil {
		return
	}
	close(f.stop)
	select {
	case <-f.done:
	case <-f.clk.After(time.Second):
		f.logger.Warn("fencing.probe_stop_deadline_exceeded")
	}
	f.stop = nil
}

func (f *Fencer) probeLoop(ctx context.Context) {
	defer close(f.done)
	lockPath := f.cfg.RootPath + "/" + fenceLockLeaf
	for {
		select {
		case <-f.stop:
			return
		case <-f.clk.After(f.cfg.ProbeInterval):
		}
		err := f.FencedMulti(ctx)
		if err == nil {
			var present bool
			err = f.retry.Do(ctx, "probe_exists", func(ctx context.Context) error {
				var err error
				present, _, _, err = f.client.Exists(ctx, lockPath, false)
				return err
			})
			if err == nil && present {
				err = rmerrors.StoreFenced("fence lock present outside a fenced multi")
			}
		}
		if err != nil {
			f.logger.Warn("fencing.probe_failed", "error", err)
			telemetry.ProbeFailuresTotal.Inc()
			if !rmerrors.IsFenced(err) {
				err = rmerrors.StoreFenced(err.Error())
			}
			telemetry.FencingTransitionsTotal.Inc()
			telemetry.FencedGauge.Set(1)
			if f.OnFenced != nil {
				f.OnFenced(err)
			}
			return
		}
	}
}
