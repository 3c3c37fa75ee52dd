package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadRequiresDepotID(t *testing.T) {
	os.Unsetenv("OPSIPXECONFD_DEPOT_ID")
	if _, err := Load(""); err == nil {
		t.Fatal("expected an error when depot_id is unset")
	}
}

func TestLoadFromFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "opsipxeconfd.yaml")
	if err := os.WriteFile(path, []byte("depot_id: depot1\nmax_writers: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OPSIPXECONFD_MAX_WRITERS", "42")

	snap, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.DepotID != "depot1" {
		t.Errorf("DepotID = %q, want depot1", snap.DepotID)
	}
	if snap.MaxWriters != 42 {
		t.Errorf("MaxWriters = %d, want 42 (env should override file)", snap.MaxWriters)
	}
}

func TestStoreReloadSwapsAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "opsipxeconfd.yaml")
	os.WriteFile(path, []byte("depot_id: depot1\n"), 0o644)

	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	first := store.Load()
	if first.DepotID != "depot1" {
		t.Fatalf("unexpected initial snapshot: %+v", first)
	}

	os.WriteFile(path, []byte("depot_id: depot2\n"), 0o644)
	if err := store.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	second := store.Load()
	if second.DepotID != "depot2" {
		t.Errorf("DepotID after reload = %q, want depot2", second.DepotID)
	}
	if first.DepotID != "depot1" {
		t.Error("previously captured snapshot must not mutate")
	}
}
