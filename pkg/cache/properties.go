package cache

import (
	"bufio"
	"bytes"
	"errors"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/calvinalkan/persistcache/pkg/fs"
)

// File names inside a cache directory.
const (
	propertiesFileName = "cache.properties"
	gcFileName         = "gc.properties"
	lastCleanupKey     = "lastCleanup"
	filePerm           = 0o644
	dirPerm            = 0o755
)

// readProperties parses "key=value" lines. Blank lines and lines starting
// with '#' are ignored. A missing file yields an empty map.
func readProperties(fsys fs.FS, path string) (map[string]string, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}

		return nil, err
	}

	props := map[string]string{}

	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		props[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	return props, sc.Err()
}

// writeProperties replaces path atomically with props in sorted key order.
func writeProperties(fsys fs.FS, path string, props map[string]string) error {
	var b strings.Builder

	for _, k := range slices.Sorted(maps.Keys(props)) {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(props[k])
		b.WriteByte('\n')
	}

	return fsys.WriteFileAtomic(path, []byte(b.String()), filePerm)
}

// propertiesMatch reports whether every wanted property is stored with the
// same value. Extra stored keys are ignored.
func propertiesMatch(stored, want map[string]string) bool {
	for k, v := range want {
		if got, ok := stored[k]; !ok || got != v {
			return false
		}
	}

	return true
}

// readLastCleanup returns the recorded cleanup time, or the zero time if
// the cache was never cleaned or the record is unreadable.
func readLastCleanup(fsys fs.FS, path string) time.Time {
	props, err := readProperties(fsys, path)
	if err != nil {
		return time.Time{}
	}

	ms, err := strconv.ParseInt(props[lastCleanupKey], 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}

	return time.UnixMilli(ms)
}

func writeLastCleanup(fsys fs.FS, path string, t time.Time) error {
	return writeProperties(fsys, path, map[string]string{
		lastCleanupKey: strconv.FormatInt(t.UnixMilli(), 10),
	})
}
