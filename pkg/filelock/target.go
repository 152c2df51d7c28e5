package filelock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TargetKind selects how a [Target] maps onto its lock file.
type TargetKind int

const (
	// TargetDefault locks a directory like [TargetDirectory] when Path is an
	// existing directory, and uses "<path>.lock" otherwise.
	TargetDefault TargetKind = iota

	// TargetDirectory locks "<dir>/<base(dir)>.lock".
	TargetDirectory

	// TargetPropertiesFile locks "<file>.lock" next to a properties file.
	TargetPropertiesFile
)

func (k TargetKind) String() string {
	switch k {
	case TargetDefault:
		return "default"
	case TargetDirectory:
		return "directory"
	case TargetPropertiesFile:
		return "properties-file"
	default:
		return fmt.Sprintf("TargetKind(%d)", int(k))
	}
}

// Target names the resource to lock.
type Target struct {
	// Path is the directory or file being protected.
	Path string

	Kind TargetKind

	// DisplayName and OperationName appear in owner records and timeout
	// errors.
	DisplayName   string
	OperationName string
}

// LockFilePath resolves the target to the path of its lock file.
//
// The result is absolute and symlink-resolved as far as the path exists, so
// two targets naming the same file share one lock file.
func (t Target) LockFilePath() (string, error) {
	if strings.TrimSpace(t.Path) == "" {
		return "", errors.New("lock target has empty path")
	}

	path, err := canonicalPath(t.Path)
	if err != nil {
		return "", fmt.Errorf("resolving lock target %s: %w", t.Path, err)
	}

	switch t.Kind {
	case TargetDirectory:
		return directoryLockFile(path), nil
	case TargetPropertiesFile:
		return path + ".lock", nil
	case TargetDefault:
		info, err := os.Stat(path)
		if err == nil && info.IsDir() {
			return directoryLockFile(path), nil
		}

		return path + ".lock", nil
	default:
		return "", fmt.Errorf("unknown lock target kind %s", t.Kind)
	}
}

func (t Target) displayName() string {
	if t.DisplayName != "" {
		return t.DisplayName
	}

	return t.Path
}

func directoryLockFile(dir string) string {
	return filepath.Join(dir, filepath.Base(dir)+".lock")
}

// canonicalPath makes path absolute and resolves symlinks in the longest
// existing prefix. Components that do not exist yet are appended verbatim.
func canonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	existing := abs

	var missing []string

	for {
		resolved, err := filepath.EvalSymlinks(existing)
		if err == nil {
			return filepath.Join(append([]string{resolved}, missing...)...), nil
		}

		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}

		parent := filepath.Dir(existing)
		if parent == existing {
			return abs, nil
		}

		missing = append([]string{filepath.Base(existing)}, missing...)
		existing = parent
	}
}
