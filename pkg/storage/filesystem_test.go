package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gantryio/gantry/pkg/errdefs"
	"github.com/gantryio/gantry/pkg/manifest"
)

func newTestStore(t *testing.T) *FileSystemStore {
	t.Helper()
	store, err := NewFileSystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSystemStore failed: %v", err)
	}
	return store
}

func testRecord(id, version string) *Record {
	now := time.Now().UTC()
	return &Record{
		ID:          id,
		Version:     version,
		State:       "installed",
		InstalledAt: now,
		UpdatedAt:   now,
	}
}

func testManifest(id, version string) *manifest.Manifest {
	return &manifest.Manifest{Identifier: id, Version: version, Author: "ops@example.com"}
}

func TestFileSystemSaveLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	artifact := []byte(`function handle() return 1 end`)
	if err := store.Save(ctx, testRecord("audit-log", "1.0.0"), testManifest("audit-log", "1.0.0"), artifact); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	rec, m, got, err := store.Load(ctx, "audit-log")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if rec.ID != "audit-log" || rec.Version != "1.0.0" || rec.State != "installed" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if m.Identifier != "audit-log" {
		t.Errorf("unexpected manifest: %+v", m)
	}
	if string(got) != string(artifact) {
		t.Errorf("artifact round-trip mismatch")
	}
}

func TestFileSystemLoadMissing(t *testing.T) {
	store := newTestStore(t)
	if _, _, _, err := store.Load(context.Background(), "ghost"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestFileSystemSaveRecordUpdates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("p", "1.0.0")
	if err := store.Save(ctx, rec, testManifest("p", "1.0.0"), []byte("x")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	rec.State = "active"
	rec.Stats.Invocations = 42
	if err := store.SaveRecord(ctx, rec); err != nil {
		t.Fatalf("SaveRecord failed: %v", err)
	}

	got, _, _, err := store.Load(ctx, "p")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.State != "active" || got.Stats.Invocations != 42 {
		t.Errorf("record not updated: %+v", got)
	}
}

func TestFileSystemVersionsRetainedAcrossUpdate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, testRecord("p", "1.0.0"), testManifest("p", "1.0.0"), []byte("v1")); err != nil {
		t.Fatalf("Save v1 failed: %v", err)
	}
	rec2 := testRecord("p", "2.0.0")
	rec2.PriorVersion = "1.0.0"
	if err := store.Save(ctx, rec2, testManifest("p", "2.0.0"), []byte("v2")); err != nil {
		t.Fatalf("Save v2 failed: %v", err)
	}

	// Current version follows the record.
	rec, _, artifact, err := store.Load(ctx, "p")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if rec.Version != "2.0.0" || string(artifact) != "v2" {
		t.Errorf("current = %s/%q", rec.Version, artifact)
	}

	// The prior version stays loadable for rollback.
	m, artifact, err := store.LoadVersion(ctx, "p", "1.0.0")
	if err != nil {
		t.Fatalf("LoadVersion failed: %v", err)
	}
	if m.Version != "1.0.0" || string(artifact) != "v1" {
		t.Errorf("prior = %s/%q", m.Version, artifact)
	}
}

func TestFileSystemDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, testRecord("p", "1.0.0"), testManifest("p", "1.0.0"), []byte("x")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Data("p").Put("state", []byte("cached")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := store.Delete(ctx, "p", false); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, _, _, err := store.Load(ctx, "p"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("record survived delete: %v", err)
	}
	if _, err := store.Data("p").Get("state"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("data survived delete: %v", err)
	}
}

func TestFileSystemDeletePreservesData(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, testRecord("p", "1.0.0"), testManifest("p", "1.0.0"), []byte("x")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Data("p").Put("state", []byte("cached")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := store.Delete(ctx, "p", true); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	v, err := store.Data("p").Get("state")
	if err != nil || string(v) != "cached" {
		t.Errorf("preserved data unreadable: %q, %v", v, err)
	}
}

func TestFileSystemPurgeData(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, testRecord("p", "1.0.0"), testManifest("p", "1.0.0"), []byte("x")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := store.Data("p").Put("k", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := store.PurgeData(ctx, "p"); err != nil {
		t.Fatalf("PurgeData failed: %v", err)
	}
	if _, err := store.Data("p").Get("k"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("data survived purge: %v", err)
	}
	// The record and artifacts stay.
	if _, _, _, err := store.Load(ctx, "p"); err != nil {
		t.Errorf("record lost by purge: %v", err)
	}
}

func TestFileSystemListSkipsIncomplete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, testRecord("complete", "1.0.0"), testManifest("complete", "1.0.0"), []byte("x")); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	// A version directory without a committed record simulates a crash
	// mid-install.
	if err := os.MkdirAll(filepath.Join(store.root, "plugins", "partial", "versions", "1.0.0"), 0755); err != nil {
		t.Fatal(err)
	}

	records, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != "complete" {
		t.Errorf("records = %+v, want only the committed install", records)
	}
}

func TestFileSystemManifests(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := store.Save(ctx, testRecord(id, "1.0.0"), testManifest(id, "1.0.0"), []byte("x")); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	manifests, err := store.Manifests(ctx)
	if err != nil {
		t.Fatalf("Manifests failed: %v", err)
	}
	if len(manifests) != 2 {
		t.Errorf("manifests = %d, want 2", len(manifests))
	}
}

func TestFSKVSanitizesKeys(t *testing.T) {
	store := newTestStore(t)
	kv := store.Data("p")

	if err := kv.Put("../../escape", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	// The value lands inside the plugin's data directory regardless.
	if _, err := os.Stat(filepath.Join(store.root, "data", "p", "escape")); err != nil {
		t.Errorf("sanitized key not inside data dir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(store.root, "escape")); !errors.Is(err, os.ErrNotExist) {
		t.Error("key escaped the data directory")
	}
}

func TestFSKVDeleteMissingIsNil(t *testing.T) {
	store := newTestStore(t)
	if err := store.Data("p").Delete("never-written"); err != nil {
		t.Errorf("Delete of missing key = %v, want nil", err)
	}
}

func TestNewStoreFactory(t *testing.T) {
	if _, err := NewStore(Config{Type: "filesystem", Root: t.TempDir()}); err != nil {
		t.Errorf("filesystem: %v", err)
	}
	if _, err := NewStore(Config{Type: "bogus"}); err == nil {
		t.Error("unknown type accepted")
	}
}
