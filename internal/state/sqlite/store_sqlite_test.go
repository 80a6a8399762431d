package sqlite

import (
	"context"
	"path/filepath"
	"testing"
)

func TestStoreSetGetDelete(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	if _, ok, err := store.Get(ctx, "absent"); err != nil || ok {
		t.Fatalf("missing key should be (_, false, nil), got ok=%v err=%v", ok, err)
	}
	if err := store.Set(ctx, "mirror:runtime", `{"enabled":true}`); err != nil {
		t.Fatalf("set: %v", err)
	}
	val, ok, err := store.Get(ctx, "mirror:runtime")
	if err != nil || !ok || val != `{"enabled":true}` {
		t.Fatalf("unexpected get result: %q ok=%v err=%v", val, ok, err)
	}
	if err := store.Delete(ctx, "mirror:runtime"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "mirror:runtime"); ok {
		t.Fatalf("key should be gone after delete")
	}
}

func TestStoreSetOverwrites(t *testing.T) {
	store, err := New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	if err := store.Set(ctx, "nonce", "1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Set(ctx, "nonce", "2"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	val, ok, err := store.Get(ctx, "nonce")
	if err != nil || !ok || val != "2" {
		t.Fatalf("expected overwritten value 2, got %q ok=%v err=%v", val, ok, err)
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	store, err := New(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Set(ctx, "offset", "42"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()
	val, ok, err := reopened.Get(ctx, "offset")
	if err != nil || !ok || val != "42" {
		t.Fatalf("expected persisted value 42, got %q ok=%v err=%v", val, ok, err)
	}
}
