package rmstate

import (
	"context"
	"testing"
)

func TestStartEnsuresStaticTreeAndFences(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, p := range store.tree.StaticNodes() {
		ok, _, _, err := store.ops.Exists(ctx, p, false)
		if err != nil {
			t.Fatalf("Exists(%s) = %v", p, err)
		}
		if !ok {
			t.Fatalf("static node %s was not created by Start", p)
		}
	}
}

func TestGetAndIncrementEpochIsMonotonic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.GetAndIncrementEpoch(ctx)
	if err != nil {
		t.Fatalf("GetAndIncrementEpoch() = %v", err)
	}
	if first != 0 {
		t.Fatalf("first epoch = %d, want 0", first)
	}

	second, err := store.GetAndIncrementEpoch(ctx)
	if err != nil {
		t.Fatalf("GetAndIncrementEpoch() = %v", err)
	}
	if second != 1 {
		t.Fatalf("second epoch = %d, want 1", second)
	}

	third, err := store.GetAndIncrementEpoch(ctx)
	if err != nil {
		t.Fatalf("GetAndIncrementEpoch() = %v", err)
	}
	if third != 2 {
		t.Fatalf("third epoch = %d, want 2", third)
	}
}

func TestStoreAndLoadVersionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	want := Version{Major: 3, Minor: 1}
	if err := store.StoreVersion(ctx, want); err != nil {
		t.Fatalf("StoreVersion() = %v", err)
	}

	got, err := store.LoadVersion(ctx)
	if err != nil {
		t.Fatalf("LoadVersion() = %v", err)
	}
	if got != want {
		t.Fatalf("LoadVersion() = %+v, want %+v", got, want)
	}
}

func TestLoadVersionWritesCurrentVersionWhenAbsent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	got, err := store.LoadVersion(ctx)
	if err != nil {
		t.Fatalf("LoadVersion() = %v", err)
	}
	if got != CurrentVersion {
		t.Fatalf("LoadVersion() = %+v, want CurrentVersion %+v", got, CurrentVersion)
	}

	again, err := store.LoadVersion(ctx)
	if err != nil {
		t.Fatalf("second LoadVersion() = %v", err)
	}
	if again != CurrentVersion {
		t.Fatalf("second LoadVersion() = %+v, want CurrentVersion %+v", again, CurrentVersion)
	}
}

func TestDeleteAllRemovesEverythingUnderRoot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.StoreApplication(ctx, "app_0001", []byte("blob")); err != nil {
		t.Fatalf("StoreApplication() = %v", err)
	}

	if err := store.DeleteAll(ctx); err != nil {
		t.Fatalf("DeleteAll() = %v", err)
	}

	ok, _, _, err := store.ops.Exists(ctx, store.tree.Root, false)
	if err != nil {
		t.Fatalf("Exists(root) = %v", err)
	}
	if ok {
		t.Fatal("root still exists after DeleteAll")
	}

	// DeleteAll against an already-absent tree must not error.
	if err := store.DeleteAll(ctx); err != nil {
		t.Fatalf("second DeleteAll() = %v", err)
	}
}
