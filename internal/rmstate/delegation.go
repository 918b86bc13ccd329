package rmstate

import (
	"context"
	"encoding/binary"

	"github.com/go-zookeeper/zk"

	"pkt.systems/rmzkstore/internal/layout"
)

// StoreDelegationToken creates the token's znode and updates the sequence
// number in a single fenced multi (spec.md §4.5).
func (s *Store) StoreDelegationToken(ctx context.Context, seq int64, blob []byte, latestSeq int64) error {
	return s.fencer.FencedMulti(ctx,
		&zk.CreateRequest{Path: s.tree.TokenPath(seq), Data: blob, Acl: zk.WorldACL(zk.PermAll), Flags: 0},
		&zk.SetDataRequest{Path: s.tree.SequentialNumberPath(), Data: encodeSeq(latestSeq), Version: -1},
	)
}

// UpdateDelegationToken overwrites the token's znode if present, creating
// it otherwise; the sequence-number update is always a setData.
func (s *Store) UpdateDelegationToken(ctx context.Context, seq int64, blob []byte, latestSeq int64) error {
	path := s.tree.TokenPath(seq)
	exists, err := s.exists(ctx, path)
	if err != nil {
		return err
	}
	tokenOp := interface{}(&zk.SetDataRequest{Path: path, Data: blob, Version: -1})
	if !exists {
		tokenOp = &zk.CreateRequest{Path: path, Data: blob, Acl: zk.WorldACL(zk.PermAll), Flags: 0}
	}
	return s.fencer.FencedMulti(ctx, tokenOp, &zk.SetDataRequest{Path: s.tree.SequentialNumberPath(), Data: encodeSeq(latestSeq), Version: -1})
}

// RemoveDelegationToken deletes the token's znode. A token id that was never
// stored (or was already removed) is a debug-logged no-op, matching the
// original store's existsWithRetries guard in removeRMDelegationTokenState.
func (s *Store) RemoveDelegationToken(ctx context.Context, seq int64) error {
	path := s.tree.TokenPath(seq)
	exists, err := s.exists(ctx, path)
	if err != nil {
		return err
	}
	if !exists {
		s.logger.Debug("rmstate.remove_token_absent", "seq", seq)
		return nil
	}
	return s.fencer.FencedMulti(ctx, &zk.DeleteRequest{Path: path, Version: -1})
}

// StoreMasterKey creates a delegation master key's znode.
func (s *Store) StoreMasterKey(ctx context.Context, keyID int64, blob []byte) error {
	return s.fencer.FencedMulti(ctx, &zk.CreateRequest{Path: s.tree.MasterKeyPath(keyID), Data: blob, Acl: zk.WorldACL(zk.PermAll), Flags: 0})
}

// RemoveMasterKey deletes a delegation master key's znode. A key id that was
// never stored (or was already removed) is a debug-logged no-op, matching
// the original store's existsWithRetries guard in removeRMDTMasterKeyState.
func (s *Store) RemoveMasterKey(ctx context.Context, keyID int64) error {
	path := s.tree.MasterKeyPath(keyID)
	exists, err := s.exists(ctx, path)
	if err != nil {
		return err
	}
	if !exists {
		s.logger.Debug("rmstate.remove_master_key_absent", "keyID", keyID)
		return nil
	}
	return s.fencer.FencedMulti(ctx, &zk.DeleteRequest{Path: path, Version: -1})
}

// StoreOrUpdateAMRMState overwrites the AM-RM token secret-manager state,
// creating the znode on first use.
func (s *Store) StoreOrUpdateAMRMState(ctx context.Context, blob []byte) error {
	exists, err := s.exists(ctx, s.tree.AMRMPath())
	if err != nil {
		return err
	}
	if exists {
		return s.fencer.FencedMulti(ctx, &zk.SetDataRequest{Path: s.tree.AMRMPath(), Data: blob, Version: -1})
	}
	return s.fencer.FencedMulti(ctx, &zk.CreateRequest{Path: s.tree.AMRMPath(), Data: blob, Acl: zk.WorldACL(zk.PermAll), Flags: 0})
}

func encodeSeq(seq int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(seq))
	return buf
}

func decodeSeq(data []byte) int64 {
	if len(data) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(data))
}

// loadDTSecretManagerState loads master keys, the sequence number, and the
// outstanding token set, per spec.md §4.5 step 1.
func (s *Store) loadDTSecretManagerState(ctx context.Context) (DTSecretManagerState, error) {
	state := DTSecretManagerState{
		MasterKeys: map[int64][]byte{},
		Tokens:     map[int64][]byte{},
	}

	keyNames, err := s.listChildren(ctx, s.tree.MasterKeysRootPath())
	if err != nil {
		return state, err
	}
	for _, name := range keyNames {
		id, ok := layout.ParseMasterKeyID(name)
		if !ok {
			s.logger.Warn("rmstate.unknown_master_key_child_skipped", "name", name)
			continue
		}
		blob, err := s.getData(ctx, s.tree.MasterKeyPath(id))
		if err != nil {
			return state, err
		}
		state.MasterKeys[id] = blob
	}

	seqData, err := s.getDataTolerateMissing(ctx, s.tree.SequentialNumberPath())
	if err != nil {
		return state, err
	}
	state.SequenceNumber = decodeSeq(seqData)

	tokenNames, err := s.listChildren(ctx, s.tree.TokensRootPath())
	if err != nil {
		return state, err
	}
	for _, name := range tokenNames {
		seq, ok := layout.ParseDelegationTokenSeq(name)
		if !ok {
			s.logger.Warn("rmstate.unknown_token_child_skipped", "name", name)
			continue
		}
		blob, err := s.getData(ctx, s.tree.TokenPath(seq))
		if err != nil {
			return state, err
		}
		state.Tokens[seq] = blob
	}
	return state, nil
}

func (s *Store) loadAMRMState(ctx context.Context) ([]byte, error) {
	return s.getDataTolerateMissing(ctx, s.tree.AMRMPath())
}

func (s *Store) listChildren(ctx context.Context, path string) ([]string, error) {
	var children []string
	err := s.retry.Do(ctx, "list_children", func(ctx context.Context) error {
		var err error
		children, _, _, err = s.ops.GetChildren(ctx, path, true)
		return err
	})
	return children, err
}

func (s *Store) getData(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := s.retry.Do(ctx, "get_data", func(ctx context.Context) error {
		var err error
		data, _, _, err = s.ops.GetData(ctx, path, true)
		return err
	})
	return data, err
}

func (s *Store) getDataTolerateMissing(ctx context.Context, path string) ([]byte, error) {
	exists, err := s.exists(ctx, path)
	if err != nil || !exists {
		return nil, err
	}
	return s.getData(ctx, path)
}
