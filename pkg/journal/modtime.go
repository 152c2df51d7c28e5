package journal

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/calvinalkan/persistcache/pkg/fs"
)

// ModTime keeps access times in the entries' own modification times.
//
// Setting the time of a missing entry is not an error: the entry may have
// been removed by cleanup between its use and the journal update.
type ModTime struct {
	fs fs.FS
}

// NewModTime returns a ModTime journal on fsys (the real filesystem if nil).
func NewModTime(fsys fs.FS) *ModTime {
	if fsys == nil {
		fsys = fs.NewReal()
	}

	return &ModTime{fs: fsys}
}

func (j *ModTime) SetLastAccessTime(_ context.Context, path string, t time.Time) error {
	err := j.fs.Chtimes(path, t, t)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	return nil
}

func (j *ModTime) LastAccessTime(_ context.Context, path string) (time.Time, bool, error) {
	info, err := j.fs.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return time.Time{}, false, nil
		}

		return time.Time{}, false, err
	}

	return info.ModTime(), true, nil
}

// DeleteLastAccessTime is a no-op; the time goes away with the entry.
func (j *ModTime) DeleteLastAccessTime(context.Context, string) error {
	return nil
}

var _ Journal = (*ModTime)(nil)
