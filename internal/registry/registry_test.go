package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/opsiorg/opsipxeconfd/internal/writer"
)

func newTestWriter(t *testing.T, hostID string, paths ...string) *writer.Writer {
	t.Helper()
	w := writer.New(hostID, "", paths, "content\n", nil, false, false, "", nil)
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(w.Stop)
	return w
}

func TestInsertAndForHost(t *testing.T) {
	dir := t.TempDir()
	r := New()
	w := newTestWriter(t, "pc01.lab.example", filepath.Join(dir, "pc01"))
	r.Insert(w)

	if got := r.ForHost("pc01.lab.example"); got != w {
		t.Errorf("ForHost returned %v, want %v", got, w)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestReplaceStopsAndJoinsPriorWriter(t *testing.T) {
	dir := t.TempDir()
	r := New()
	w1 := newTestWriter(t, "pc01.lab.example", filepath.Join(dir, "a"))
	r.Insert(w1)

	old := r.Replace("pc01.lab.example")
	if old != w1 {
		t.Fatalf("Replace returned %v, want %v", old, w1)
	}
	select {
	case <-w1.Stopped():
	case <-time.After(2 * time.Second):
		t.Fatal("prior writer was not joined")
	}
	if r.ForHost("pc01.lab.example") != nil {
		t.Error("registry should no longer hold the replaced writer")
	}
}

func TestReplaceNoPriorWriterReturnsNil(t *testing.T) {
	r := New()
	if got := r.Replace("nobody.lab.example"); got != nil {
		t.Errorf("Replace() = %v, want nil", got)
	}
}

func TestPathOwnerDetectsCollision(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shared")
	r := New()
	w := newTestWriter(t, "pc01.lab.example", path)
	r.Insert(w)

	owner, ok := r.PathOwner(path)
	if !ok || owner != "pc01.lab.example" {
		t.Errorf("PathOwner(%q) = %q, %v", path, owner, ok)
	}
	if _, ok := r.PathOwner(filepath.Join(dir, "unused")); ok {
		t.Error("expected no owner for an unrelated path")
	}
}

func TestRemoveIsNoOpForStaleWriter(t *testing.T) {
	dir := t.TempDir()
	r := New()
	w1 := newTestWriter(t, "pc01.lab.example", filepath.Join(dir, "a"))
	r.Insert(w1)
	r.Replace("pc01.lab.example")

	r.Remove(w1) // already gone; must not panic or affect anything else
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}
