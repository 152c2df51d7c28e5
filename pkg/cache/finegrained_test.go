package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/persistcache/pkg/cleanup"
	"github.com/calvinalkan/persistcache/pkg/filelock"
)

func openFineGrained(t *testing.T, mgr *filelock.Manager, cfg FineGrainedConfig) *FineGrainedCache {
	t.Helper()

	c, err := OpenFineGrained(context.Background(), mgr, cfg)
	if err != nil {
		t.Fatalf("OpenFineGrained(%s): %v", cfg.BaseDir, err)
	}

	return c
}

func Test_NumberOfLocks_Rounds_Up_To_Power_Of_Two(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      int
		want    int
		wantErr bool
	}{
		{in: 0, want: DefaultNumberOfLocks},
		{in: 1, want: 1},
		{in: 63, want: 64},
		{in: 64, want: 64},
		{in: 65, want: 128},
		{in: 512, want: 512},
		{in: 513, wantErr: true},
		{in: -1, wantErr: true},
	}

	for _, tt := range tests {
		got, err := NumberOfLocks(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("NumberOfLocks(%d): err=%v, want %v", tt.in, err, ErrInvalidConfig)
			}

			continue
		}

		if err != nil {
			t.Fatalf("NumberOfLocks(%d): %v", tt.in, err)
		}

		if got != tt.want {
			t.Fatalf("NumberOfLocks(%d)=%d, want %d", tt.in, got, tt.want)
		}
	}
}

func Test_LockIndex_Is_Stable_And_In_Range(t *testing.T) {
	t.Parallel()

	for i := range 1000 {
		key := "entry-" + strconv.Itoa(i)

		got := lockIndex(key, 64)
		if got < 0 || got >= 64 {
			t.Fatalf("lockIndex(%q, 64)=%d, out of range", key, got)
		}

		if again := lockIndex(key, 64); again != got {
			t.Fatalf("lockIndex(%q, 64) changed: %d then %d", key, got, again)
		}
	}

	if got := lockIndex("anything", 1); got != 0 {
		t.Fatalf("lockIndex with one lock=%d, want 0", got)
	}
}

func Test_ValidateKey(t *testing.T) {
	t.Parallel()

	valid := []string{"a", "sha256-abc", "entry.v2", "x..y"}
	invalid := []string{"", ".stale", "..", "a/b", `a\b`, "nul\x00"}

	for _, key := range valid {
		if err := ValidateKey(key); err != nil {
			t.Fatalf("ValidateKey(%q): %v", key, err)
		}
	}

	for _, key := range invalid {
		if err := ValidateKey(key); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("ValidateKey(%q): err=%v, want %v", key, err, ErrInvalidKey)
		}
	}
}

func Test_OpenFineGrained_Rejects_Other_Lock_Modes(t *testing.T) {
	t.Parallel()

	mgr := newTestManager(t, time.Second, nil)

	for _, mode := range []filelock.LockMode{filelock.ModeExclusive, filelock.ModeShared, filelock.ModeOnDemand} {
		_, err := OpenFineGrained(context.Background(), mgr, FineGrainedConfig{
			BaseDir:     t.TempDir(),
			LockOptions: filelock.LockOptions{Mode: mode},
		})
		if !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("OpenFineGrained(%s): err=%v, want %v", mode, err, ErrInvalidConfig)
		}
	}
}

func Test_FineGrained_UseCache_Rejects_Invalid_Key(t *testing.T) {
	t.Parallel()

	c := openFineGrained(t, newTestManager(t, time.Second, nil), FineGrainedConfig{BaseDir: t.TempDir()})
	defer closeCache(t, c)

	err := c.UseCache(context.Background(), "../escape", func(context.Context) error {
		t.Fatalf("fn ran for invalid key")

		return nil
	})
	if !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("UseCache: err=%v, want %v", err, ErrInvalidKey)
	}
}

func Test_FineGrained_UseCache_Blocks_Same_Shard_Across_Managers(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c1 := openFineGrained(t, newTestManager(t, 5*time.Second, nil), FineGrainedConfig{BaseDir: dir, NumberOfLocks: 4})
	defer closeCache(t, c1)

	c2 := openFineGrained(t, newTestManager(t, 200*time.Millisecond, nil), FineGrainedConfig{BaseDir: dir, NumberOfLocks: 4})
	defer closeCache(t, c2)

	err := c1.UseCache(context.Background(), "lib", func(context.Context) error {
		return c2.UseCache(context.Background(), "lib", func(context.Context) error { return nil })
	})
	if !errors.Is(err, filelock.ErrLockTimeout) {
		t.Fatalf("nested UseCache from other manager: err=%v, want %v", err, filelock.ErrLockTimeout)
	}
}

func Test_FineGrained_UseCache_Does_Not_Block_Other_Shards(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c1 := openFineGrained(t, newTestManager(t, 5*time.Second, nil), FineGrainedConfig{BaseDir: dir, NumberOfLocks: 4})
	defer closeCache(t, c1)

	c2 := openFineGrained(t, newTestManager(t, 200*time.Millisecond, nil), FineGrainedConfig{BaseDir: dir, NumberOfLocks: 4})
	defer closeCache(t, c2)

	other := ""

	for i := range 100 {
		key := "key-" + strconv.Itoa(i)
		if c1.LockIndex(key) != c1.LockIndex("lib") {
			other = key

			break
		}
	}

	if other == "" {
		t.Fatalf("no key found on a different shard")
	}

	err := c1.UseCache(context.Background(), "lib", func(context.Context) error {
		return c2.UseCache(context.Background(), other, func(context.Context) error { return nil })
	})
	if err != nil {
		t.Fatalf("UseCache on another shard: %v", err)
	}
}

func Test_FineGrained_UseCache_Reenters_Same_Shard(t *testing.T) {
	t.Parallel()

	var m countingMetrics

	c := openFineGrained(t, newTestManager(t, time.Second, &m), FineGrainedConfig{BaseDir: t.TempDir(), NumberOfLocks: 1})
	defer closeCache(t, c)

	err := c.UseCache(context.Background(), "a", func(ctx context.Context) error {
		return c.UseCache(ctx, "b", func(context.Context) error { return nil })
	})
	if err != nil {
		t.Fatalf("UseCache: %v", err)
	}

	if got := m.acquired.Load(); got != 1 {
		t.Fatalf("lock acquisitions=%d, want 1", got)
	}
}

func Test_FineGrained_UseCache_Records_Access_Time(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	c := openFineGrained(t, newTestManager(t, time.Second, nil), FineGrainedConfig{BaseDir: t.TempDir(), Clock: clock})
	defer closeCache(t, c)

	clock.Advance(-72 * time.Hour)

	err := c.UseCache(context.Background(), "lib", func(context.Context) error {
		return os.MkdirAll(c.Path("lib"), 0o755)
	})
	if err != nil {
		t.Fatalf("UseCache: %v", err)
	}

	info, err := os.Stat(c.Path("lib"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	if !info.ModTime().Equal(clock.Now()) {
		t.Fatalf("ModTime=%v, want %v", info.ModTime(), clock.Now())
	}
}

// markSweepFixture is a fine-grained cache with mark-and-sweep cleanup that
// marks entries unused for a day.
type markSweepFixture struct {
	c       *FineGrainedCache
	clock   *fakeClock
	metrics *countingMetrics
}

func newMarkSweepFixture(t *testing.T) *markSweepFixture {
	t.Helper()

	f := &markSweepFixture{clock: newFakeClock(), metrics: &countingMetrics{}}
	f.c = openFineGrained(t, newTestManager(t, 5*time.Second, nil), FineGrainedConfig{
		BaseDir: t.TempDir(),
		Clock:   f.clock,
		Metrics: f.metrics,
		Cleanup: NewMarkAndSweep(MarkAndSweepConfig{
			Frequency:             cleanup.Always,
			RemoveUnusedOlderThan: func() time.Time { return f.clock.Now().Add(-24 * time.Hour) },
		}),
	})

	t.Cleanup(func() { _ = f.c.Close(context.Background()) })

	return f
}

func (f *markSweepFixture) entry(t *testing.T, key string, lastUsed time.Time) {
	t.Helper()

	path := f.c.Path(key)
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if err := os.Chtimes(path, lastUsed, lastUsed); err != nil {
		t.Fatalf("setup: %v", err)
	}
}

func (f *markSweepFixture) cleanup(t *testing.T) {
	t.Helper()

	if _, err := f.c.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
}

func (f *markSweepFixture) stale(t *testing.T, key string) bool {
	t.Helper()

	stale, err := f.c.IsStale(key)
	if err != nil {
		t.Fatalf("IsStale(%q): %v", key, err)
	}

	return stale
}

func exists(t *testing.T, path string) bool {
	t.Helper()

	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false
	}

	if err != nil {
		t.Fatalf("Stat(%s): %v", path, err)
	}

	return true
}

func Test_MarkAndSweep_Marks_Then_Deletes_After_Soft_Deletion_Window(t *testing.T) {
	t.Parallel()

	f := newMarkSweepFixture(t)
	f.entry(t, "old", f.clock.Now().Add(-48*time.Hour))
	f.entry(t, "fresh", f.clock.Now())

	f.cleanup(t)

	got := map[string]bool{"old": f.stale(t, "old"), "fresh": f.stale(t, "fresh")}
	if diff := cmp.Diff(map[string]bool{"old": true, "fresh": false}, got); diff != "" {
		t.Fatalf("stale after mark (-want +got):\n%s", diff)
	}

	if !exists(t, f.c.Path("old")) {
		t.Fatalf("marked entry deleted before the soft deletion window")
	}

	if got := f.metrics.marked.Load(); got != 1 {
		t.Fatalf("marked metric=%d, want 1", got)
	}

	f.clock.Advance(SoftDeletionDuration - time.Minute)
	f.cleanup(t)

	if !exists(t, f.c.Path("old")) {
		t.Fatalf("entry deleted %s after marking", SoftDeletionDuration-time.Minute)
	}

	f.clock.Advance(time.Minute)
	f.cleanup(t)

	if exists(t, f.c.Path("old")) {
		t.Fatalf("entry still present %s after marking", SoftDeletionDuration)
	}

	if f.stale(t, "old") {
		t.Fatalf("marker left behind for deleted entry")
	}

	if !exists(t, f.c.Path("fresh")) {
		t.Fatalf("fresh entry deleted")
	}

	if got := f.metrics.deleted.Load(); got != 1 {
		t.Fatalf("deleted metric=%d, want 1", got)
	}
}

func Test_MarkAndSweep_Keeps_Entry_Used_After_Marking(t *testing.T) {
	t.Parallel()

	f := newMarkSweepFixture(t)
	f.entry(t, "old", f.clock.Now().Add(-48*time.Hour))

	f.cleanup(t)

	if !f.stale(t, "old") {
		t.Fatalf("entry not marked")
	}

	f.clock.Advance(time.Hour)

	err := f.c.UseCache(context.Background(), "old", func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("UseCache: %v", err)
	}

	f.clock.Advance(SoftDeletionDuration)
	f.cleanup(t)

	if !exists(t, f.c.Path("old")) {
		t.Fatalf("entry used after marking was deleted")
	}

	if f.stale(t, "old") {
		t.Fatalf("marker of used entry not removed")
	}
}

func Test_MarkAndSweep_Unstale_Requires_Key_Lock(t *testing.T) {
	t.Parallel()

	f := newMarkSweepFixture(t)
	f.entry(t, "old", f.clock.Now().Add(-48*time.Hour))
	f.cleanup(t)

	err := f.c.Unstale(context.Background(), "old")
	if !errors.Is(err, ErrKeyNotLocked) {
		t.Fatalf("Unstale outside UseCache: err=%v, want %v", err, ErrKeyNotLocked)
	}

	err = f.c.UseCache(context.Background(), "old", func(ctx context.Context) error {
		return f.c.Unstale(ctx, "old")
	})
	if err != nil {
		t.Fatalf("Unstale inside UseCache: %v", err)
	}

	if f.stale(t, "old") {
		t.Fatalf("entry still stale after Unstale")
	}
}

func Test_MarkAndSweep_Keeps_Entry_Unstaled_Before_Soft_Deletion_Window(t *testing.T) {
	t.Parallel()

	f := newMarkSweepFixture(t)
	f.entry(t, "old", f.clock.Now().Add(-48*time.Hour))
	f.cleanup(t)

	if !f.stale(t, "old") {
		t.Fatalf("unused entry not marked")
	}

	f.clock.Advance(time.Hour)

	err := f.c.UseCache(context.Background(), "old", func(ctx context.Context) error {
		return f.c.Unstale(ctx, "old")
	})
	if err != nil {
		t.Fatalf("Unstale inside UseCache: %v", err)
	}

	f.clock.Advance(SoftDeletionDuration)
	f.cleanup(t)

	if !exists(t, f.c.Path("old")) {
		t.Fatalf("unstaled entry was deleted")
	}

	if f.stale(t, "old") {
		t.Fatalf("unstaled entry marked again")
	}
}

func Test_MarkAndSweep_Removes_Orphan_And_Garbled_Markers(t *testing.T) {
	t.Parallel()

	f := newMarkSweepFixture(t)
	staleDir := filepath.Join(f.c.BaseDir(), staleDirName)

	if err := os.MkdirAll(staleDir, 0o755); err != nil {
		t.Fatalf("setup: %v", err)
	}

	marked := strconv.FormatInt(f.clock.Now().Add(-7*time.Hour).UnixMilli(), 10)
	if err := os.WriteFile(filepath.Join(staleDir, "ghost"), []byte(marked), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	// Garbled content falls back to the marker's modification time.
	old := f.clock.Now().Add(-48 * time.Hour)
	f.entry(t, "garbled", old)

	garbled := filepath.Join(staleDir, "garbled")
	if err := os.WriteFile(garbled, []byte("not a time"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	markTime := f.clock.Now().Add(-7 * time.Hour)
	if err := os.Chtimes(garbled, markTime, markTime); err != nil {
		t.Fatalf("setup: %v", err)
	}

	f.cleanup(t)

	if f.stale(t, "ghost") {
		t.Fatalf("orphan marker not removed")
	}

	if exists(t, f.c.Path("garbled")) || f.stale(t, "garbled") {
		t.Fatalf("entry with garbled marker not swept")
	}
}

func Test_FineGrained_Close_Runs_Cleanup_And_Records_It(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	dir := t.TempDir()

	c := openFineGrained(t, newTestManager(t, 5*time.Second, nil), FineGrainedConfig{
		BaseDir: dir,
		Clock:   clock,
		Cleanup: NewMarkAndSweep(MarkAndSweepConfig{
			Frequency:             cleanup.Daily,
			RemoveUnusedOlderThan: func() time.Time { return clock.Now().Add(-24 * time.Hour) },
		}),
	})

	path := c.Path("old")
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("setup: %v", err)
	}

	old := clock.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("setup: %v", err)
	}

	closeCache(t, c)

	if got := c.LastCleanup(); !got.Equal(clock.Now()) {
		t.Fatalf("LastCleanup=%v, want %v", got, clock.Now())
	}

	if !exists(t, filepath.Join(dir, staleDirName, "old")) {
		t.Fatalf("Close did not mark unused entry")
	}

	err := c.UseCache(context.Background(), "old", func(context.Context) error { return nil })
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("UseCache after Close: err=%v, want %v", err, ErrClosed)
	}
}

func Test_FineGrained_CleanupNow_Ignores_Frequency(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	dir := t.TempDir()

	c := openFineGrained(t, newTestManager(t, 5*time.Second, nil), FineGrainedConfig{
		BaseDir: dir,
		Clock:   clock,
		Cleanup: NewMarkAndSweep(MarkAndSweepConfig{
			Frequency:             cleanup.Never,
			RemoveUnusedOlderThan: func() time.Time { return clock.Now().Add(-24 * time.Hour) },
		}),
	})
	defer closeCache(t, c)

	path := c.Path("old")
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("setup: %v", err)
	}

	old := clock.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("setup: %v", err)
	}

	res, err := c.Cleanup(context.Background())
	if err != nil || res.Ran {
		t.Fatalf("Cleanup=(%+v, %v), want not run", res, err)
	}

	res, err = c.CleanupNow(context.Background())
	if err != nil {
		t.Fatalf("CleanupNow: %v", err)
	}

	if !res.Ran {
		t.Fatalf("CleanupNow did not run")
	}

	if !exists(t, filepath.Join(dir, staleDirName, "old")) {
		t.Fatalf("CleanupNow did not mark unused entry")
	}
}

func Test_FineGrained_Keys_Skips_Bookkeeping_Files(t *testing.T) {
	t.Parallel()

	f := newMarkSweepFixture(t)
	f.entry(t, "old", f.clock.Now().Add(-48*time.Hour))
	f.entry(t, "fresh", f.clock.Now())

	// Marks "old" and writes gc.properties, adding bookkeeping files.
	f.cleanup(t)

	keys, err := f.c.Keys()
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}

	if diff := cmp.Diff([]string{"fresh", "old"}, keys); diff != "" {
		t.Fatalf("Keys (-want +got):\n%s", diff)
	}

	got, ok, err := f.c.LastAccess(context.Background(), "fresh")
	if err != nil || !ok {
		t.Fatalf("LastAccess(fresh): ok=%v err=%v", ok, err)
	}

	if !got.Equal(f.clock.Now()) {
		t.Fatalf("LastAccess(fresh)=%v, want %v", got, f.clock.Now())
	}

	if _, ok, err := f.c.LastAccess(context.Background(), "missing"); err != nil || ok {
		t.Fatalf("LastAccess(missing): ok=%v err=%v, want ok=false", ok, err)
	}
}

// recordingJournal keeps access times in memory.
type recordingJournal struct {
	mu    sync.Mutex
	times map[string]time.Time
}

func (j *recordingJournal) SetLastAccessTime(_ context.Context, path string, t time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.times == nil {
		j.times = make(map[string]time.Time)
	}

	j.times[path] = t

	return nil
}

func (j *recordingJournal) LastAccessTime(_ context.Context, path string) (time.Time, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	t, ok := j.times[path]

	return t, ok, nil
}

func (j *recordingJournal) DeleteLastAccessTime(_ context.Context, path string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	delete(j.times, path)

	return nil
}

func Test_FineGrained_UseCache_Skips_Journal_When_Entry_Missing(t *testing.T) {
	t.Parallel()

	var j recordingJournal

	c := openFineGrained(t, newTestManager(t, time.Second, nil), FineGrainedConfig{
		BaseDir: t.TempDir(),
		Journal: &j,
	})
	defer closeCache(t, c)

	noop := func(context.Context) error { return nil }

	if err := c.UseCache(context.Background(), "missing", noop); err != nil {
		t.Fatalf("UseCache(missing): %v", err)
	}

	if _, ok, _ := j.LastAccessTime(context.Background(), c.Path("missing")); ok {
		t.Fatalf("access recorded for an entry that does not exist")
	}

	err := c.UseCache(context.Background(), "lib", func(context.Context) error {
		return os.MkdirAll(c.Path("lib"), 0o755)
	})
	if err != nil {
		t.Fatalf("UseCache(lib): %v", err)
	}

	if _, ok, _ := j.LastAccessTime(context.Background(), c.Path("lib")); !ok {
		t.Fatalf("access not recorded for created entry")
	}
}
