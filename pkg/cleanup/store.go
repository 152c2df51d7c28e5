package cleanup

import (
	"path/filepath"
	"strings"
)

// CleanableStore is the part of a cache a cleanup action works on.
type CleanableStore interface {
	// BaseDir is the directory holding the cache entries.
	BaseDir() string

	// ReservedFiles are absolute paths that belong to the cache's own
	// bookkeeping and must never be deleted by cleanup.
	ReservedFiles() []string

	DisplayName() string
}

// IsReserved reports whether path is, or lies inside, one of the store's
// reserved files. Relative paths are taken relative to the base dir.
func IsReserved(store CleanableStore, path string) bool {
	if !filepath.IsAbs(path) {
		path = filepath.Join(store.BaseDir(), path)
	}

	path = filepath.Clean(path)

	for _, r := range store.ReservedFiles() {
		r = filepath.Clean(r)
		if path == r || strings.HasPrefix(path, r+string(filepath.Separator)) {
			return true
		}
	}

	return false
}
