package rmstate

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/go-zookeeper/zk"

	"pkt.systems/rmzkstore/internal/layout"
	"pkt.systems/rmzkstore/internal/rmerrors"
)

// StoreApplication creates the application's znode. Blobs exceeding the
// size guard are silently skipped (or rejected, under OversizePolicyFail),
// per spec.md §4.4.
func (s *Store) StoreApplication(ctx context.Context, appID string, blob []byte) error {
	path := s.tree.AppPath(appID)
	skip, err := s.guard.Check(path, blob)
	if err != nil || skip {
		return err
	}
	return s.fencer.FencedMulti(ctx, &zk.CreateRequest{Path: path, Data: blob, Acl: zk.WorldACL(zk.PermAll), Flags: 0})
}

// UpdateApplication overwrites the application's znode if it exists,
// creating it otherwise (spec.md §4.5).
func (s *Store) UpdateApplication(ctx context.Context, appID string, blob []byte) error {
	path := s.tree.AppPath(appID)
	skip, err := s.guard.Check(path, blob)
	if err != nil || skip {
		return err
	}
	exists, err := s.exists(ctx, path)
	if err != nil {
		return err
	}
	if exists {
		return s.fencer.FencedMulti(ctx, &zk.SetDataRequest{Path: path, Data: blob, Version: -1})
	}
	return s.fencer.FencedMulti(ctx, &zk.CreateRequest{Path: path, Data: blob, Acl: zk.WorldACL(zk.PermAll), Flags: 0})
}

// StoreAttempt creates an attempt's znode under its parent application.
func (s *Store) StoreAttempt(ctx context.Context, appID, attemptID string, blob []byte) error {
	path := s.tree.AttemptPath(appID, attemptID)
	skip, err := s.guard.Check(path, blob)
	if err != nil || skip {
		return err
	}
	return s.fencer.FencedMulti(ctx, &zk.CreateRequest{Path: path, Data: blob, Acl: zk.WorldACL(zk.PermAll), Flags: 0})
}

// UpdateAttempt overwrites an attempt's znode if it exists, creating it
// otherwise.
func (s *Store) UpdateAttempt(ctx context.Context, appID, attemptID string, blob []byte) error {
	path := s.tree.AttemptPath(appID, attemptID)
	skip, err := s.guard.Check(path, blob)
	if err != nil || skip {
		return err
	}
	exists, err := s.exists(ctx, path)
	if err != nil {
		return err
	}
	if exists {
		return s.fencer.FencedMulti(ctx, &zk.SetDataRequest{Path: path, Data: blob, Version: -1})
	}
	return s.fencer.FencedMulti(ctx, &zk.CreateRequest{Path: path, Data: blob, Acl: zk.WorldACL(zk.PermAll), Flags: 0})
}

// RemoveApplication atomically removes every attempt under appID and then
// the application znode itself, in one fenced multi (spec.md invariant #2).
func (s *Store) RemoveApplication(ctx context.Context, appID string, attemptIDs []string) error {
	appPath := s.tree.AppPath(appID)
	ops := make([]interface{}, 0, len(attemptIDs)+1)
	for _, attemptID := range attemptIDs {
		ops = append(ops, &zk.DeleteRequest{Path: s.tree.AttemptPath(appID, attemptID), Version: -1})
	}
	ops = append(ops, &zk.DeleteRequest{Path: appPath, Version: -1})
	return s.fencer.FencedMulti(ctx, ops...)
}

// EncodeApplicationRecord wraps payload in the minimal length-prefixed id
// envelope defaultApplicationIDFromBlob expects: a uint32 big-endian length
// followed by id, followed by the opaque record bytes. The record codec
// itself is an external collaborator's concern (spec.md §6); this envelope
// is the one thing that boundary must expose so load can verify that a
// decoded record's embedded id agrees with the znode name it came from.
// Callers using their own codec are free to ignore this helper — blobs
// that don't carry the envelope simply skip the id check on load.
func EncodeApplicationRecord(id string, payload []byte) []byte {
	buf := make([]byte, 4+len(id)+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(id)))
	copy(buf[4:4+len(id)], id)
	copy(buf[4+len(id):], payload)
	return buf
}

// defaultApplicationIDFromBlob is the default ApplicationIDFromBlob
// implementation, matching EncodeApplicationRecord's envelope. ok is false
// for blobs that don't carry a plausible length prefix, which load treats
// as "id unknown" rather than a mismatch.
func defaultApplicationIDFromBlob(blob []byte) (string, bool) {
	if len(blob) < 4 {
		return "", false
	}
	n := binary.BigEndian.Uint32(blob[0:4])
	if uint64(n) > uint64(len(blob)-4) {
		return "", false
	}
	return string(blob[4 : 4+n]), true
}

func (s *Store) exists(ctx context.Context, path string) (bool, error) {
	var ok bool
	err := s.retry.Do(ctx, "exists", func(ctx context.Context) error {
		var err error
		ok, _, _, err = s.ops.Exists(ctx, path, false)
		return err
	})
	return ok, err
}

// loadApplications reads RMAppRoot's children, decoding each into an
// ApplicationState and loading its attempts. Unknown children (not
// matching the application prefix) are logged and skipped, per spec.md
// §4.4's forward-compatibility rule.
func (s *Store) loadApplications(ctx context.Context) (map[string]*ApplicationState, error) {
	var children []string
	if err := s.retry.Do(ctx, "list_apps", func(ctx context.Context) error {
		var err error
		children, _, _, err = s.ops.GetChildren(ctx, s.tree.AppRootPath(), true)
		return err
	}); err != nil {
		return nil, err
	}

	apps := make(map[string]*ApplicationState, len(children))
	for _, name := range children {
		appID, ok := layout.ParseApplicationID(name)
		if !ok {
			s.logger.Warn("rmstate.unknown_app_child_skipped", "name", name)
			continue
		}
		appPath := s.tree.AppPath(appID)
		var blob []byte
		if err := s.retry.Do(ctx, "get_app", func(ctx context.Context) error {
			var err error
			blob, _, _, err = s.ops.GetData(ctx, appPath, true)
			return err
		}); err != nil {
			return nil, err
		}
		if embeddedID, ok := s.appIDFromBlob(blob); ok && embeddedID != appID {
			return nil, fmt.Errorf("rmstate: znode %q embeds application id %q: %w", name, embeddedID, rmerrors.ErrIDMismatch)
		}
		attempts, err := s.loadAttempts(ctx, appID)
		if err != nil {
			return nil, err
		}
		apps[appID] = &ApplicationState{ID: appID, Blob: blob, Attempts: attempts}
	}
	return apps, nil
}

func (s *Store) loadAttempts(ctx context.Context, appID string) (map[string][]byte, error) {
	var children []string
	if err := s.retry.Do(ctx, "list_attempts", func(ctx context.Context) error {
		var err error
		children, _, _, err = s.ops.GetChildren(ctx, s.tree.AppPath(appID), true)
		return err
	}); err != nil {
		return nil, err
	}
	attempts := make(map[string][]byte, len(children))
	for _, name := range children {
		attemptID, ok := layout.ParseAttemptID(name)
		if !ok {
			s.logger.Warn("rmstate.unknown_attempt_child_skipped", "name", name)
			continue
		}
		var blob []byte
		if err := s.retry.Do(ctx, "get_attempt", func(ctx context.Context) error {
			var err error
			blob, _, _, err = s.ops.GetData(ctx, s.tree.AttemptPath(appID, attemptID), true)
			return err
		}); err != nil {
			return nil, err
		}
		attempts[attemptID] = blob
	}
	return attempts, nil
}
