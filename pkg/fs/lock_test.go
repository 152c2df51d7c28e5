package fs

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"
)

func Test_Locker_Try_Returns_ErrWouldBlock_When_Path_Is_Locked(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "cache.properties.lock")

	lock1, err := locker.Try(path, LockRequest{})
	if err != nil {
		t.Fatalf("Try(%q): %v", path, err)
	}
	t.Cleanup(func() { _ = lock1.Close() })

	lock2, err := locker.Try(path, LockRequest{})
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("Try(%q) while locked: err=%v, want %v", path, err, ErrWouldBlock)
	}
	if lock2 != nil {
		_ = lock2.Close()
		t.Fatalf("Try(%q) while locked: want lock=nil, got non-nil", path)
	}

	if err := lock1.Close(); err != nil {
		t.Fatalf("Close(): %v", err)
	}

	lock3, err := locker.Try(path, LockRequest{})
	if err != nil {
		t.Fatalf("Try(%q) after release: %v", path, err)
	}
	if err := lock3.Close(); err != nil {
		t.Fatalf("Close(): %v", err)
	}
}

func Test_Locker_Shared_Allows_Multiple_Readers_And_Blocks_Writer(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "lock")

	r1, err := locker.Try(path, LockRequest{Shared: true})
	if err != nil {
		t.Fatalf("Try(shared): %v", err)
	}
	defer r1.Close()

	r2, err := locker.Try(path, LockRequest{Shared: true})
	if err != nil {
		t.Fatalf("Try(shared) second: %v", err)
	}
	defer r2.Close()

	if !r1.Shared() {
		t.Fatalf("Shared()=false, want true")
	}

	_, err = locker.Try(path, LockRequest{})
	if !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("Try(exclusive) while read-locked: err=%v, want %v", err, ErrWouldBlock)
	}
}

func Test_Locker_Try_Creates_Missing_Parent_Directories(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), ".locks", "nested", "lock-3.lock")

	lock, err := locker.Try(path, LockRequest{VerifyInode: true})
	if err != nil {
		t.Fatalf("Try(%q): %v", path, err)
	}
	defer lock.Close()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Stat(%q): %v", path, err)
	}
}

func Test_Lock_Close_Is_Idempotent(t *testing.T) {
	t.Parallel()

	locker := NewLocker(NewReal())
	path := filepath.Join(t.TempDir(), "lock")

	lock, err := locker.Try(path, LockRequest{})
	if err != nil {
		t.Fatalf("Try(%q): %v", path, err)
	}

	if err := lock.Close(); err != nil {
		t.Fatalf("Close(): %v", err)
	}
	if err := lock.Close(); err != nil {
		t.Fatalf("Close() second: %v", err)
	}
	if lock.File() != nil {
		t.Fatalf("File() after Close: want nil")
	}
}

func Test_Locker_Try_Returns_ErrWouldBlock_When_Flock_WouldBlock(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
	}{
		{name: "EWOULDBLOCK", err: syscall.EWOULDBLOCK},
		{name: "EAGAIN", err: syscall.EAGAIN},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			locker := NewLocker(stubLockFS{
				openFile: func(string, int, os.FileMode) (File, error) {
					return &stubLockFile{fd: 123}, nil
				},
			})
			locker.flock = func(int, int) error { return tt.err }

			lock, err := locker.Try("lock", LockRequest{})
			if !errors.Is(err, ErrWouldBlock) {
				t.Fatalf("Try(): err=%v, want %v", err, ErrWouldBlock)
			}
			if lock != nil {
				_ = lock.Close()
				t.Fatalf("Try(): want lock=nil, got non-nil")
			}
		})
	}
}

func Test_Locker_Try_Returns_ErrInodeMismatch_When_LockFile_Was_Replaced(t *testing.T) {
	t.Parallel()

	var unlocked bool

	locker := NewLocker(stubLockFS{
		openFile: func(string, int, os.FileMode) (File, error) {
			return &stubLockFile{
				fd: 123,
				stat: func() (os.FileInfo, error) {
					return stubFileInfo{name: "open"}, nil
				},
			}, nil
		},
		stat: func(string) (os.FileInfo, error) {
			return stubFileInfo{name: "path"}, nil
		},
	})
	locker.flock = func(_ int, how int) error {
		if how == syscall.LOCK_UN {
			unlocked = true
		}

		return nil
	}

	_, err := locker.Try("lock", LockRequest{VerifyInode: true})
	if !errors.Is(err, ErrInodeMismatch) {
		t.Fatalf("Try(): err=%v, want %v", err, ErrInodeMismatch)
	}
	if !unlocked {
		t.Fatalf("Try(): want the mismatched descriptor unlocked")
	}
}

func Test_Locker_Try_Returns_ErrInodeMismatch_When_LockFile_Was_Removed(t *testing.T) {
	t.Parallel()

	locker := NewLocker(stubLockFS{
		openFile: func(string, int, os.FileMode) (File, error) {
			return &stubLockFile{
				fd: 123,
				stat: func() (os.FileInfo, error) {
					return stubFileInfo{name: "open"}, nil
				},
			}, nil
		},
		stat: func(string) (os.FileInfo, error) {
			return nil, os.ErrNotExist
		},
	})
	locker.flock = func(int, int) error { return nil }

	_, err := locker.Try("lock", LockRequest{VerifyInode: true})
	if !errors.Is(err, ErrInodeMismatch) {
		t.Fatalf("Try(): err=%v, want %v", err, ErrInodeMismatch)
	}
}

type stubLockFS struct {
	openFile func(path string, flag int, perm os.FileMode) (File, error)
	stat     func(path string) (os.FileInfo, error)
}

func (s stubLockFS) ReadFile(string) ([]byte, error) { panic("stubLockFS.ReadFile: not implemented") }
func (s stubLockFS) WriteFileAtomic(string, []byte, os.FileMode) error {
	panic("stubLockFS.WriteFileAtomic: not implemented")
}
func (s stubLockFS) ReadDir(string) ([]os.DirEntry, error) {
	panic("stubLockFS.ReadDir: not implemented")
}
func (s stubLockFS) MkdirAll(string, os.FileMode) error { return nil }
func (s stubLockFS) Exists(string) (bool, error)        { panic("stubLockFS.Exists: not implemented") }
func (s stubLockFS) Chtimes(string, time.Time, time.Time) error {
	panic("stubLockFS.Chtimes: not implemented")
}
func (s stubLockFS) Remove(string) error    { panic("stubLockFS.Remove: not implemented") }
func (s stubLockFS) RemoveAll(string) error { panic("stubLockFS.RemoveAll: not implemented") }
func (s stubLockFS) Stat(path string) (os.FileInfo, error) {
	if s.stat == nil {
		panic("stubLockFS.Stat: not implemented")
	}
	return s.stat(path)
}
func (s stubLockFS) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if s.openFile == nil {
		panic("stubLockFS.OpenFile: not implemented")
	}
	return s.openFile(path, flag, perm)
}

type stubLockFile struct {
	fd   uintptr
	stat func() (os.FileInfo, error)
}

func (*stubLockFile) Read([]byte) (int, error)  { panic("stubLockFile.Read: not implemented") }
func (*stubLockFile) Write([]byte) (int, error) { panic("stubLockFile.Write: not implemented") }
func (*stubLockFile) ReadAt([]byte, int64) (int, error) {
	panic("stubLockFile.ReadAt: not implemented")
}
func (*stubLockFile) WriteAt([]byte, int64) (int, error) {
	panic("stubLockFile.WriteAt: not implemented")
}
func (*stubLockFile) Seek(int64, int) (int64, error) {
	panic("stubLockFile.Seek: not implemented")
}
func (*stubLockFile) Sync() error           { panic("stubLockFile.Sync: not implemented") }
func (*stubLockFile) Truncate(int64) error { panic("stubLockFile.Truncate: not implemented") }

func (f *stubLockFile) Close() error { return nil }
func (f *stubLockFile) Fd() uintptr  { return f.fd }
func (f *stubLockFile) Stat() (os.FileInfo, error) {
	if f.stat == nil {
		panic("stubLockFile.Stat: not implemented")
	}
	return f.stat()
}

type stubFileInfo struct {
	name string
}

func (s stubFileInfo) Name() string       { return s.name }
func (s stubFileInfo) Size() int64        { return 0 }
func (s stubFileInfo) Mode() os.FileMode  { return 0 }
func (s stubFileInfo) ModTime() time.Time { return time.Time{} }
func (s stubFileInfo) IsDir() bool        { return false }
func (s stubFileInfo) Sys() any           { return nil }
