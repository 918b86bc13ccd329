package rmstate

import (
	"context"
	"testing"
)

func TestDelegationTokenRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.StoreDelegationToken(ctx, 1, []byte("token-1"), 1); err != nil {
		t.Fatalf("StoreDelegationToken() = %v", err)
	}
	if err := store.StoreDelegationToken(ctx, 2, []byte("token-2"), 2); err != nil {
		t.Fatalf("StoreDelegationToken() = %v", err)
	}

	state, err := store.loadDTSecretManagerState(ctx)
	if err != nil {
		t.Fatalf("loadDTSecretManagerState() = %v", err)
	}
	if state.SequenceNumber != 2 {
		t.Fatalf("SequenceNumber = %d, want 2", state.SequenceNumber)
	}
	if string(state.Tokens[1]) != "token-1" || string(state.Tokens[2]) != "token-2" {
		t.Fatalf("Tokens = %v, want {1: token-1, 2: token-2}", state.Tokens)
	}

	if err := store.UpdateDelegationToken(ctx, 1, []byte("token-1-updated"), 2); err != nil {
		t.Fatalf("UpdateDelegationToken() = %v", err)
	}
	state, err = store.loadDTSecretManagerState(ctx)
	if err != nil {
		t.Fatalf("loadDTSecretManagerState() after update = %v", err)
	}
	if string(state.Tokens[1]) != "token-1-updated" {
		t.Fatalf("Tokens[1] = %q, want token-1-updated", state.Tokens[1])
	}

	if err := store.RemoveDelegationToken(ctx, 1); err != nil {
		t.Fatalf("RemoveDelegationToken() = %v", err)
	}
	state, err = store.loadDTSecretManagerState(ctx)
	if err != nil {
		t.Fatalf("loadDTSecretManagerState() after remove = %v", err)
	}
	if _, ok := state.Tokens[1]; ok {
		t.Fatal("token 1 should have been removed")
	}
	if _, ok := state.Tokens[2]; !ok {
		t.Fatal("token 2 should remain")
	}
}

func TestRemoveDelegationTokenAbsentIsNoop(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.RemoveDelegationToken(ctx, 999); err != nil {
		t.Fatalf("RemoveDelegationToken() on never-stored seq = %v", err)
	}

	if err := store.StoreDelegationToken(ctx, 1, []byte("token-1"), 1); err != nil {
		t.Fatalf("StoreDelegationToken() = %v", err)
	}
	if err := store.RemoveDelegationToken(ctx, 1); err != nil {
		t.Fatalf("RemoveDelegationToken() = %v", err)
	}
	if err := store.RemoveDelegationToken(ctx, 1); err != nil {
		t.Fatalf("RemoveDelegationToken() on already-removed seq = %v", err)
	}
}

func TestMasterKeyRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.StoreMasterKey(ctx, 100, []byte("key-100")); err != nil {
		t.Fatalf("StoreMasterKey() = %v", err)
	}
	if err := store.StoreMasterKey(ctx, 101, []byte("key-101")); err != nil {
		t.Fatalf("StoreMasterKey() = %v", err)
	}

	state, err := store.loadDTSecretManagerState(ctx)
	if err != nil {
		t.Fatalf("loadDTSecretManagerState() = %v", err)
	}
	if string(state.MasterKeys[100]) != "key-100" || string(state.MasterKeys[101]) != "key-101" {
		t.Fatalf("MasterKeys = %v", state.MasterKeys)
	}

	if err := store.RemoveMasterKey(ctx, 100); err != nil {
		t.Fatalf("RemoveMasterKey() = %v", err)
	}
	state, err = store.loadDTSecretManagerState(ctx)
	if err != nil {
		t.Fatalf("loadDTSecretManagerState() after remove = %v", err)
	}
	if _, ok := state.MasterKeys[100]; ok {
		t.Fatal("key 100 should have been removed")
	}
}

func TestRemoveMasterKeyAbsentIsNoop(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.RemoveMasterKey(ctx, 999); err != nil {
		t.Fatalf("RemoveMasterKey() on never-stored keyID = %v", err)
	}

	if err := store.StoreMasterKey(ctx, 100, []byte("key-100")); err != nil {
		t.Fatalf("StoreMasterKey() = %v", err)
	}
	if err := store.RemoveMasterKey(ctx, 100); err != nil {
		t.Fatalf("RemoveMasterKey() = %v", err)
	}
	if err := store.RemoveMasterKey(ctx, 100); err != nil {
		t.Fatalf("RemoveMasterKey() on already-removed keyID = %v", err)
	}
}

func TestAMRMStateRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	blob, err := store.loadAMRMState(ctx)
	if err != nil {
		t.Fatalf("loadAMRMState() before any write = %v", err)
	}
	if blob != nil {
		t.Fatalf("loadAMRMState() = %q, want nil before any write", blob)
	}

	if err := store.StoreOrUpdateAMRMState(ctx, []byte("amrm-v1")); err != nil {
		t.Fatalf("StoreOrUpdateAMRMState() create = %v", err)
	}
	blob, err = store.loadAMRMState(ctx)
	if err != nil {
		t.Fatalf("loadAMRMState() after create = %v", err)
	}
	if string(blob) != "amrm-v1" {
		t.Fatalf("loadAMRMState() = %q, want amrm-v1", blob)
	}

	if err := store.StoreOrUpdateAMRMState(ctx, []byte("amrm-v2")); err != nil {
		t.Fatalf("StoreOrUpdateAMRMState() update = %v", err)
	}
	blob, err = store.loadAMRMState(ctx)
	if err != nil {
		t.Fatalf("loadAMRMState() after update = %v", err)
	}
	if string(blob) != "amrm-v2" {
		t.Fatalf("loadAMRMState() = %q, want amrm-v2", blob)
	}
}
