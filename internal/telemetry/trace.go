// Package telemetry decorates the coordination client with tracing spans
// and exposes the prometheus counters/gauges the retry engine and fencing
// prober increment. The tracing decorator is grounded on
// internal/storage/logging's backend.start() span-per-operation pattern in
// the teacher repo, renamed from "lockd.storage.<op>" to "rmzkstore.client.<op>".
package telemetry

import (
	"context"

	"github.com/go-zookeeper/zk"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/rmzkstore/internal/zkclient"
)

// TracedOps wraps a zkclient.Ops, starting one span per coordination
// operation.
type TracedOps struct {
	inner  zkclient.Ops
	tracer trace.Tracer
}

// Wrap decorates inner with tracing. Passing a nil inner panics at first use
// rather than silently becoming a no-op, matching the teacher's decorators.
func Wrap(inner zkclient.Ops) *TracedOps {
	return &TracedOps{inner: inner, tracer: otel.Tracer("pkt.systems/rmzkstore/zkclient")}
}

func (t *TracedOps) start(ctx context.Context, op, path string) (context.Context, trace.Span, func(error)) {
	ctx, span := t.tracer.Start(ctx, "rmzkstore.client."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("rmzkstore.operation", op),
		attribute.String("rmzkstore.path", path),
	)
	return ctx, span, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// Create implements zkclient.Ops.
func (t *TracedOps) Create(ctx context.Context, path string, data []byte, acl []zk.ACL, flags int32) (string, error) {
	ctx, _, finish := t.start(ctx, "create", path)
	created, err := t.inner.Create(ctx, path, data, acl, flags)
	finish(err)
	return created, err
}

// SetData implements zkclient.Ops.
func (t *TracedOps) SetData(ctx context.Context, path string, data []byte, version int32) (*zk.Stat, error) {
	ctx, _, finish := t.start(ctx, "set_data", path)
	stat, err := t.inner.SetData(ctx, path, data, version)
	finish(err)
	return stat, err
}

// Delete implements zkclient.Ops.
func (t *TracedOps) Delete(ctx context.Context, path string, version int32) error {
	ctx, _, finish := t.start(ctx, "delete", path)
	err := t.inner.Delete(ctx, path, version)
	finish(err)
	return err
}

// Exists implements zkclient.Ops.
func (t *TracedOps) Exists(ctx context.Context, path string, watch bool) (bool, *zk.Stat, *zkclient.Watch, error) {
	ctx, _, finish := t.start(ctx, "exists", path)
	ok, stat, w, err := t.inner.Exists(ctx, path, watch)
	finish(err)
	return ok, stat, w, err
}

// GetData implements zkclient.Ops.
func (t *TracedOps) GetData(ctx context.Context, path string, watch bool) ([]byte, *zk.Stat, *zkclient.Watch, error) {
	ctx, _, finish := t.start(ctx, "get_data", path)
	data, stat, w, err := t.inner.GetData(ctx, path, watch)
	finish(err)
	return data, stat, w, err
}

// GetChildren implements zkclient.Ops.
func (t *TracedOps) GetChildren(ctx context.Context, path string, watch bool) ([]string, *zk.Stat, *zkclient.Watch, error) {
	ctx, _, finish := t.start(ctx, "get_children", path)
	children, stat, w, err := t.inner.GetChildren(ctx, path, watch)
	finish(err)
	return children, stat, w, err
}

// SetACL implements zkclient.Ops.
func (t *TracedOps) SetACL(ctx context.Context, path string, acl []zk.ACL, version int32) (*zk.Stat, error) {
	ctx, span, finish := t.start(ctx, "set_acl", path)
	span.SetAttributes(attribute.Int("rmzkstore.acl_entries", len(acl)))
	stat, err := t.inner.SetACL(ctx, path, acl, version)
	finish(err)
	return stat, err
}

// GetACL implements zkclient.Ops.
func (t *TracedOps) GetACL(ctx context.Context, path string) ([]zk.ACL, *zk.Stat, error) {
	ctx, _, finish := t.start(ctx, "get_acl", path)
	acl, stat, err := t.inner.GetACL(ctx, path)
	finish(err)
	return acl, stat, err
}

// Multi implements zkclient.Ops.
func (t *TracedOps) Multi(ctx context.Context, ops ...interface{}) ([]zk.MultiResponse, error) {
	ctx, span, finish := t.start(ctx, "multi", "")
	span.SetAttributes(attribute.Int("rmzkstore.multi_ops", len(ops)))
	res, err := t.inner.Multi(ctx, ops...)
	finish(err)
	return res, err
}

// Sync implements zkclient.Ops.
func (t *TracedOps) Sync(ctx context.Context, path string) error {
	ctx, _, finish := t.start(ctx, "sync", path)
	err := t.inner.Sync(ctx, path)
	finish(err)
	return err
}

// AddAuth implements zkclient.Ops.
func (t *TracedOps) AddAuth(ctx context.Context, scheme string, auth []byte) error {
	ctx, _, finish := t.start(ctx, "add_auth", "")
	err := t.inner.AddAuth(ctx, scheme, auth)
	finish(err)
	return err
}

var _ zkclient.Ops = (*TracedOps)(nil)
