package cli_test

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/calvinalkan/persistcache/internal/cli"
)

func Test_Clean_Marks_Unused_Entries_Then_Deletes_Them(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("lock", "--create", "old")
	c.MustRun("lock", "--create", "fresh")
	c.Backdate("old", 30*24*time.Hour)

	// The first invocation already ran the daily cleanup when it closed.
	stdout := c.MustRun("clean")
	cli.AssertContains(t, stdout, "cleanup not due")

	stdout = c.MustRun("clean", "--force", "--metrics")
	cli.AssertContains(t, stdout, "deleted=0 skipped=0")
	cli.AssertContains(t, stdout, "cachectl_cleanup_marked_total 1")
	cli.AssertContains(t, stdout, "cachectl_lock_acquisitions_total")

	if got, want := c.MustRun("stale", "old"), "stale"; got != want {
		t.Fatalf("stale old=%q, want=%q", got, want)
	}

	if got, want := c.MustRun("stale", "fresh"), "fresh"; got != want {
		t.Fatalf("stale fresh=%q, want=%q", got, want)
	}

	stdout = c.MustRun("stat")
	cli.AssertContains(t, stdout, "entries=2")
	cli.AssertContains(t, stdout, "stale=1")

	// Pretend the mark is older than the soft deletion window.
	marker := filepath.Join(c.CacheDir(), "entries-1", ".stale", "old")
	markedAt := time.Now().Add(-7 * time.Hour).UnixMilli()

	err := os.WriteFile(marker, []byte(strconv.FormatInt(markedAt, 10)), 0o644)
	if err != nil {
		t.Fatalf("failed to backdate marker: %v", err)
	}

	stdout = c.MustRun("clean", "--force")
	cli.AssertContains(t, stdout, "deleted=1 skipped=0")

	if _, err := os.Stat(c.EntryPath("old")); !os.IsNotExist(err) {
		t.Fatalf("old entry still exists (err=%v)", err)
	}

	if _, err := os.Stat(c.EntryPath("fresh")); err != nil {
		t.Fatalf("fresh entry deleted: %v", err)
	}
}

func Test_Unstale_And_Lock_Keep_Stale_Entries(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("lock", "--create", "a")
	c.MustRun("lock", "--create", "b")
	c.Backdate("a", 30*24*time.Hour)
	c.Backdate("b", 30*24*time.Hour)
	c.MustRun("clean", "--force")

	if got, want := c.MustRun("unstale", "a"), "unstaled"; got != want {
		t.Fatalf("unstale a=%q, want=%q", got, want)
	}

	if got, want := c.MustRun("unstale", "a"), "fresh"; got != want {
		t.Fatalf("second unstale a=%q, want=%q", got, want)
	}

	if got, want := c.MustRun("lock", "b"), c.EntryPath("b"); got != want {
		t.Fatalf("lock b=%q, want=%q", got, want)
	}

	for _, key := range []string{"a", "b"} {
		if got, want := c.MustRun("stale", key), "fresh"; got != want {
			t.Fatalf("stale %s=%q, want=%q", key, got, want)
		}
	}
}

func Test_Clean_Uses_SQLite_Journal_For_Access_Times(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteConfig(`{"journal": "sqlite"}`)

	c.MustRun("lock", "--create", "lib")

	// The journal, not the modification time, says "lib" was just used.
	c.Backdate("lib", 30*24*time.Hour)

	stdout := c.MustRun("stat", "lib")
	cli.AssertContains(t, stdout, "exists=true")
	cli.AssertContains(t, stdout, "last_access=")

	c.MustRun("clean", "--force")

	if got, want := c.MustRun("stale", "lib"), "fresh"; got != want {
		t.Fatalf("stale lib=%q, want=%q", got, want)
	}

	if _, err := os.Stat(filepath.Join(c.CacheDir(), "journal-1", "journal.db")); err != nil {
		t.Fatalf("journal database missing: %v", err)
	}

	// Without the journal, the backdated modification time decides.
	c.MustRun("--journal", "mtime", "clean", "--force")

	if got, want := c.MustRun("--journal", "mtime", "stale", "lib"), "stale"; got != want {
		t.Fatalf("stale lib with mtime journal=%q, want=%q", got, want)
	}
}

func Test_Stat_Key_Reports_Missing_Entry(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	stdout := c.MustRun("stat", "nothing-here")
	cli.AssertContains(t, stdout, "exists=false")
	cli.AssertContains(t, stdout, "stale=false")
	cli.AssertContains(t, stdout, "lock_index=")
	cli.AssertNotContains(t, stdout, "last_access=")
}
