package rmstate

import (
	"context"
	"testing"
)

func TestLoadStateComposesAllSections(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.StoreApplication(ctx, "app_0001", []byte("app-blob")); err != nil {
		t.Fatalf("StoreApplication() = %v", err)
	}
	if err := store.StoreMasterKey(ctx, 1, []byte("key-1")); err != nil {
		t.Fatalf("StoreMasterKey() = %v", err)
	}
	if err := store.StoreDelegationToken(ctx, 1, []byte("token-1"), 1); err != nil {
		t.Fatalf("StoreDelegationToken() = %v", err)
	}
	if err := store.StoreOrUpdateAMRMState(ctx, []byte("amrm-v1")); err != nil {
		t.Fatalf("StoreOrUpdateAMRMState() = %v", err)
	}

	state, err := store.LoadState(ctx)
	if err != nil {
		t.Fatalf("LoadState() = %v", err)
	}
	if _, ok := state.Applications["app_0001"]; !ok {
		t.Fatal("expected app_0001 in loaded state")
	}
	if _, ok := state.DTSecretManagerState.MasterKeys[1]; !ok {
		t.Fatal("expected master key 1 in loaded state")
	}
	if _, ok := state.DTSecretManagerState.Tokens[1]; !ok {
		t.Fatal("expected token 1 in loaded state")
	}
	if string(state.AMRMTokenState) != "amrm-v1" {
		t.Fatalf("AMRMTokenState = %q, want amrm-v1", state.AMRMTokenState)
	}
}

func TestLoadStateOnFreshStoreIsEmpty(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	state, err := store.LoadState(ctx)
	if err != nil {
		t.Fatalf("LoadState() = %v", err)
	}
	if len(state.Applications) != 0 {
		t.Fatalf("Applications = %v, want empty", state.Applications)
	}
	if len(state.DTSecretManagerState.MasterKeys) != 0 {
		t.Fatalf("MasterKeys = %v, want empty", state.DTSecretManagerState.MasterKeys)
	}
	if len(state.DTSecretManagerState.Tokens) != 0 {
		t.Fatalf("Tokens = %v, want empty", state.DTSecretManagerState.Tokens)
	}
	if state.DTSecretManagerState.SequenceNumber != 0 {
		t.Fatalf("SequenceNumber = %d, want 0", state.DTSecretManagerState.SequenceNumber)
	}
	if state.AMRMTokenState != nil {
		t.Fatalf("AMRMTokenState = %q, want nil", state.AMRMTokenState)
	}
}
