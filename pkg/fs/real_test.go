package fs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func Test_RealFS_Exists_Returns_False_When_Path_Does_Not_Exist(t *testing.T) {
	t.Parallel()

	fs := NewReal()

	exists, err := fs.Exists(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}

	if exists {
		t.Fatalf("exists=%v, want=%v", exists, false)
	}
}

func Test_RealFS_Exists_Returns_True_When_Path_Is_A_Directory(t *testing.T) {
	t.Parallel()

	fs := NewReal()
	subdir := filepath.Join(t.TempDir(), "entry")

	if err := os.MkdirAll(subdir, 0o755); err != nil {
		t.Fatalf("setup: %v", err)
	}

	exists, err := fs.Exists(subdir)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}

	if !exists {
		t.Fatalf("exists=%v, want=%v", exists, true)
	}
}

func Test_RealFS_WriteFileAtomic_Replaces_Content_And_Applies_Perm(t *testing.T) {
	t.Parallel()

	fs := NewReal()
	path := filepath.Join(t.TempDir(), "cache.properties")

	if err := fs.WriteFileAtomic(path, []byte("old"), 0o600); err != nil {
		t.Fatalf("WriteFileAtomic(old): %v", err)
	}

	if err := fs.WriteFileAtomic(path, []byte("new"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic(new): %v", err)
	}

	got, err := fs.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	if string(got) != "new" {
		t.Fatalf("content=%q, want %q", got, "new")
	}

	info, err := fs.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	if got, want := info.Mode().Perm(), os.FileMode(0o644); got != want {
		t.Fatalf("perm=%v, want=%v", got, want)
	}
}

func Test_Faulty_Fails_Matching_Paths_Until_Healed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	faulty := NewFaulty(NewReal())
	faulty.Fail(OpRemoveAll, "victim")

	victim := filepath.Join(dir, "victim")
	other := filepath.Join(dir, "other")

	for _, p := range []string{victim, other} {
		if err := os.MkdirAll(p, 0o755); err != nil {
			t.Fatalf("setup: %v", err)
		}
	}

	err := faulty.RemoveAll(victim)
	if !IsInjected(err) {
		t.Fatalf("RemoveAll(victim): err=%v, want injected", err)
	}

	var pathErr *os.PathError
	if !errors.As(err, &pathErr) {
		t.Fatalf("RemoveAll(victim): err=%T, want *os.PathError", err)
	}

	if err := faulty.RemoveAll(other); err != nil {
		t.Fatalf("RemoveAll(other): %v", err)
	}

	faulty.Heal(OpRemoveAll)

	if err := faulty.RemoveAll(victim); err != nil {
		t.Fatalf("RemoveAll(victim) after heal: %v", err)
	}

	if got := faulty.Hits(OpRemoveAll); got != 1 {
		t.Fatalf("Hits=%d, want 1", got)
	}
}
