//go:build sqlite

package checkpoint

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ckpt.db")
	store := NewSQLiteStore(path)
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer store.Close()

	want := sampleCheckpoint("level1", 19)
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := store.Load(ctx, "level1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatal("expected checkpoint to exist")
	}
	if !reflect.DeepEqual(got.ModelState, want.ModelState) {
		t.Fatal("model state mismatch after round trip")
	}

	if err := store.Save(ctx, sampleCheckpoint("level1", 4)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _, err = store.Load(ctx, "level1")
	if err != nil {
		t.Fatalf("load after overwrite: %v", err)
	}
	if got.Epoch != 4 {
		t.Fatalf("expected the later save to win, got epoch %d", got.Epoch)
	}

	infos, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 1 || infos[0].Level != "level1" || infos[0].Epoch != 4 {
		t.Fatalf("unexpected listing: %+v", infos)
	}
}

func TestSQLiteStoreLoadMissing(t *testing.T) {
	store := NewSQLiteStore(filepath.Join(t.TempDir(), "ckpt.db"))
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	defer store.Close()

	_, ok, err := store.Load(ctx, "level9")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatal("expected no checkpoint for an unseen level")
	}
}
