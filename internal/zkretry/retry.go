// Package zkretry is the retry & reconnect engine (C2). It wraps a
// coordination-client operation with the classification table from
// SPEC_FULL.md §4.2: same-session retry for connection loss, reconnect+sync
// for session loss, idempotent treatment of NodeExists, and translation of
// NoAuth into a terminal fencing failure under HA.
package zkretry

import (
	"context"
	"errors"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/rs/xid"

	"pkt.systems/pslog"
	"pkt.systems/rmzkstore/internal/clock"
	"pkt.systems/rmzkstore/internal/rmerrors"
	"pkt.systems/rmzkstore/internal/telemetry"
	"pkt.systems/rmzkstore/internal/zkclient"
)

// Config controls the retry budget and the per-attempt sleep.
type Config struct {
	NumRetries     int
	SessionTimeout time.Duration
	RetryInterval  time.Duration
	HAEnabled      bool
}

// DefaultConfig matches spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		NumRetries:     1000,
		SessionTimeout: 10 * time.Second,
		RetryInterval:  time.Second,
	}
}

// Normalize fills in defaults. When HA is enabled it always derives the
// retry interval as sessionTimeout/numRetries, replacing any configured
// RetryInterval, per spec.md §4.2.
func (c Config) Normalize() Config {
	if c.NumRetries <= 0 {
		c.NumRetries = 1000
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 10 * time.Second
	}
	if c.HAEnabled {
		c.RetryInterval = c.SessionTimeout / time.Duration(c.NumRetries)
	} else if c.RetryInterval <= 0 {
		c.RetryInterval = time.Second
	}
	return c
}

// outcome classifies what a failed attempt should do next.
type outcome int

const (
	outcomeFailed outcome = iota
	outcomeSuccess
	outcomeSameSessionRetry
	outcomeReconnectRetry
	outcomeFenced
)

// Engine runs coordination operations through the retry/reconnect policy.
// It depends on zkclient.Ops rather than the concrete client so a tracing
// decorator (internal/telemetry) can sit in between.
type Engine struct {
	client zkclient.Ops
	cfg    Config
	logger pslog.Logger
	clk    clock.Clock

	// Reconnect is called on SessionExpired/SessionMoved before the next
	// attempt. It is expected to open a fresh session and re-run any
	// fencing setup (AddAuth) the caller's layer needs.
	Reconnect func(ctx context.Context) error

	// OnFenced is invoked every time an attempt observes a terminal
	// fencing failure. Mirrors notifyStoreOperationFailed in
	// SPEC_FULL.md §6.
	OnFenced func(err error)
}

// New constructs a retry engine around client. client is typically a
// telemetry.TracedOps wrapping the real zkclient.Client, but the retry
// engine itself only needs the narrower zkclient.Ops surface.
func New(client zkclient.Ops, cfg Config, logger pslog.Logger, clk clock.Clock) *Engine {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Engine{client: client, cfg: cfg.Normalize(), logger: logger, clk: clk}
}

// Do runs fn under the retry policy, logging each retried attempt with a
// short correlation id so operators can trace a single logical operation
// across retries.
func (e *Engine) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	cid := xid.New().String()
	var lastErr error
	for attempt := 1; attempt <= e.cfg.NumRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		outcome := classify(err, e.cfg.HAEnabled)
		telemetry.RetryAttemptsTotal.WithLabelValues(op, outcomeLabel(outcome)).Inc()

		switch outcome {
		case outcomeSuccess:
			return nil
		case outcomeFenced:
			fenced := rmerrors.StoreFenced(err.Error())
			if e.OnFenced != nil {
				e.OnFenced(fenced)
			}
			return fenced
		case outcomeSameSessionRetry:
			e.logger.Warn("zkretry.same_session_retry", "op", op, "cid", cid, "attempt", attempt, "error", err)
			if slept := e.sleep(ctx); slept != nil {
				return slept
			}
			continue
		case outcomeReconnectRetry:
			e.logger.Warn("zkretry.reconnect_retry", "op", op, "cid", cid, "attempt", attempt, "error", err)
			if e.Reconnect != nil {
				telemetry.ReconnectsTotal.Inc()
				if rerr := e.Reconnect(ctx); rerr != nil {
					return rerr
				}
			}
			continue
		default:
			if attempt == e.cfg.NumRetries {
				return err
			}
			e.logger.Warn("zkretry.generic_retry", "op", op, "cid", cid, "attempt", attempt, "error", err)
			if slept := e.sleep(ctx); slept != nil {
				return slept
			}
		}
	}
	return lastErr
}

func (e *Engine) sleep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.clk.Sleep(e.cfg.RetryInterval)
		return nil
	}
}

func outcomeLabel(o outcome) string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeFenced:
		return "fenced"
	case outcomeSameSessionRetry:
		return "same_session_retry"
	case outcomeReconnectRetry:
		return "reconnect_retry"
	default:
		return "generic_retry"
	}
}

// classify maps a coordination-service error onto the outcome table in
// SPEC_FULL.md §4.2. go-zookeeper/zk does not surface a distinct
// OperationTimeout sentinel the way the original Java KeeperException
// hierarchy does; context deadline/connection-closed errors are folded into
// the same same-session-retry bucket as ConnectionLoss. NoAuth is only
// terminal under HA (spec.md §4.2's table): a non-HA deployment has no peer
// to lose a race against, so NoAuth there falls through to the generic
// retry-until-exhausted bucket instead of short-circuiting to StoreFenced.
func classify(err error, haEnabled bool) outcome {
	switch {
	case errors.Is(err, zk.ErrNodeExists):
		return outcomeSuccess
	case haEnabled && (errors.Is(err, zk.ErrNoAuth) || errors.Is(err, zk.ErrAuthFailed)):
		return outcomeFenced
	case errors.Is(err, zk.ErrSessionExpired), errors.Is(err, zk.ErrSessionMoved):
		return outcomeReconnectRetry
	case errors.Is(err, zk.ErrConnectionClosed), errors.Is(err, context.DeadlineExceeded):
		return outcomeSameSessionRetry
	default:
		return outcomeFailed
	}
}
