package fs

import (
	"errors"
	iofs "io/fs"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Op names a filesystem operation that [Faulty] can fail.
type Op string

// Operations that can be failed by [Faulty].
const (
	OpOpenFile        Op = "openfile"
	OpWriteFileAtomic Op = "writefileatomic"
	OpRemove          Op = "remove"
	OpRemoveAll       Op = "removeall"
	OpChtimes         Op = "chtimes"
)

// InjectedError marks an error as intentionally injected by [Faulty].
//
// It wraps the underlying error so errors.Is/As continue to work.
type InjectedError struct {
	Err error
}

// Error returns the underlying error's message.
func (e *InjectedError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *InjectedError) Unwrap() error {
	return e.Err
}

// IsInjected reports whether err (or any wrapped error) was injected by [Faulty].
func IsInjected(err error) bool {
	var injected *InjectedError

	return errors.As(err, &injected)
}

// Faulty wraps an [FS] and fails selected operations on selected paths.
//
// Rules are matched by operation and path substring. A matching rule fails
// every call until it is removed with [Faulty.Heal]. Failures are reported as
// *[iofs.PathError] wrapping an [InjectedError] around EIO, so callers that
// only look at the path error behave as they would on a real I/O failure.
//
// Faulty is safe for concurrent use.
type Faulty struct {
	inner FS

	mu    sync.Mutex
	rules map[Op][]string
	hits  map[Op]int
}

// NewFaulty returns a [Faulty] that passes everything through to inner until
// a rule is added.
func NewFaulty(inner FS) *Faulty {
	return &Faulty{
		inner: inner,
		rules: make(map[Op][]string),
		hits:  make(map[Op]int),
	}
}

// Fail makes op fail for every path containing substr.
func (f *Faulty) Fail(op Op, substr string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rules[op] = append(f.rules[op], substr)
}

// Heal removes all rules for op.
func (f *Faulty) Heal(op Op) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.rules, op)
}

// Hits returns how many calls to op were failed.
func (f *Faulty) Hits(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.hits[op]
}

func (f *Faulty) check(op Op, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, substr := range f.rules[op] {
		if strings.Contains(path, substr) {
			f.hits[op]++

			return &iofs.PathError{
				Op:   string(op),
				Path: path,
				Err:  &InjectedError{Err: syscall.EIO},
			}
		}
	}

	return nil
}

func (f *Faulty) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	if err := f.check(OpOpenFile, path); err != nil {
		return nil, err
	}

	return f.inner.OpenFile(path, flag, perm)
}

func (f *Faulty) ReadFile(path string) ([]byte, error) {
	return f.inner.ReadFile(path)
}

func (f *Faulty) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := f.check(OpWriteFileAtomic, path); err != nil {
		return err
	}

	return f.inner.WriteFileAtomic(path, data, perm)
}

func (f *Faulty) ReadDir(path string) ([]os.DirEntry, error) {
	return f.inner.ReadDir(path)
}

func (f *Faulty) MkdirAll(path string, perm os.FileMode) error {
	return f.inner.MkdirAll(path, perm)
}

func (f *Faulty) Stat(path string) (os.FileInfo, error) {
	return f.inner.Stat(path)
}

func (f *Faulty) Exists(path string) (bool, error) {
	return f.inner.Exists(path)
}

func (f *Faulty) Chtimes(path string, atime, mtime time.Time) error {
	if err := f.check(OpChtimes, path); err != nil {
		return err
	}

	return f.inner.Chtimes(path, atime, mtime)
}

func (f *Faulty) Remove(path string) error {
	if err := f.check(OpRemove, path); err != nil {
		return err
	}

	return f.inner.Remove(path)
}

func (f *Faulty) RemoveAll(path string) error {
	if err := f.check(OpRemoveAll, path); err != nil {
		return err
	}

	return f.inner.RemoveAll(path)
}

// Compile-time interface check.
var _ FS = (*Faulty)(nil)
