// Package config loads the cachectl configuration from layered JSONC files.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/persistcache/internal/logging"
	"github.com/calvinalkan/persistcache/pkg/cache"
	"github.com/calvinalkan/persistcache/pkg/cleanup"
)

// Error variables for config loading.
var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config")
)

// Journal kinds.
const (
	JournalModTime = "mtime"
	JournalSQLite  = "sqlite"
)

// FileName is the project config file name.
const FileName = ".cachectl.json"

// Config holds all configuration options.
type Config struct {
	CacheDir         string            `json:"cache_dir"`
	LockTimeout      Duration          `json:"lock_timeout"`
	NumberOfLocks    int               `json:"number_of_locks"`
	Retention        Duration          `json:"retention"`
	CleanupFrequency cleanup.Frequency `json:"cleanup_frequency"`
	LogLevel         string            `json:"log_level"`
	Journal          string            `json:"journal"`

	// Resolved (not serialized)
	CacheDirAbs string  `json:"-"`
	Sources     Sources `json:"-"`
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project or explicit config if loaded, empty otherwise
}

// Default returns the default configuration. env supplies XDG_CACHE_HOME
// and HOME for the default cache directory.
func Default(env map[string]string) Config {
	return Config{
		CacheDir:         defaultCacheDir(env),
		LockTimeout:      Duration(60 * time.Second),
		NumberOfLocks:    cache.DefaultNumberOfLocks,
		Retention:        Duration(7 * 24 * time.Hour),
		CleanupFrequency: cleanup.Daily,
		LogLevel:         logging.DefaultLevel,
		Journal:          JournalModTime,
	}
}

func defaultCacheDir(env map[string]string) string {
	if dir := env["XDG_CACHE_HOME"]; dir != "" {
		return filepath.Join(dir, "cachectl")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".cache", "cachectl")
	}

	return ".cachectl"
}

// globalPath returns $XDG_CONFIG_HOME/cachectl/config.json, falling back to
// ~/.config/cachectl/config.json. Empty when neither is known.
func globalPath(env map[string]string) string {
	if dir := env["XDG_CONFIG_HOME"]; dir != "" {
		return filepath.Join(dir, "cachectl", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "cachectl", "config.json")
	}

	return ""
}

// Overrides are flag values applied last. Zero values mean "not set".
type Overrides struct {
	CacheDir    string
	LockTimeout time.Duration
	LogLevel    string
	Journal     string
}

// LoadInput holds the inputs for [Load].
type LoadInput struct {
	WorkDir    string // if empty, os.Getwd() is used
	ConfigPath string // --config flag value
	Overrides  Overrides
	Env        map[string]string
}

// Load builds the configuration with the following precedence (highest
// wins):
//  1. Defaults
//  2. Global user config ($XDG_CONFIG_HOME/cachectl/config.json or ~/.config/cachectl/config.json)
//  3. Project config (.cachectl.json in the working directory, if it exists)
//  4. Explicit config file via ConfigPath (replaces 3)
//  5. Flag overrides
//
// CacheDirAbs is resolved against the working directory.
func Load(input LoadInput) (Config, error) {
	workDir := input.WorkDir
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := Default(input.Env)

	if path := globalPath(input.Env); path != "" {
		loaded, err := applyFile(&cfg, path, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg.Sources.Global = path
		}
	}

	projectPath := filepath.Join(workDir, FileName)
	mustExist := false

	if input.ConfigPath != "" {
		projectPath = input.ConfigPath
		if !filepath.IsAbs(projectPath) {
			projectPath = filepath.Join(workDir, projectPath)
		}

		mustExist = true

		if _, err := os.Stat(projectPath); err != nil {
			return Config{}, fmt.Errorf("%w: %s", ErrConfigFileNotFound, input.ConfigPath)
		}
	}

	loaded, err := applyFile(&cfg, projectPath, mustExist)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		cfg.Sources.Project = projectPath
	}

	applyOverrides(&cfg, input.Overrides)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	cfg.CacheDirAbs = cfg.CacheDir
	if !filepath.IsAbs(cfg.CacheDirAbs) {
		cfg.CacheDirAbs = filepath.Join(workDir, cfg.CacheDir)
	}

	return cfg, nil
}

// fileConfig is one config file. Pointers distinguish absent keys from
// explicit zero values such as "cleanup_frequency": "never".
type fileConfig struct {
	CacheDir         *string            `json:"cache_dir"`
	LockTimeout      *Duration          `json:"lock_timeout"`
	NumberOfLocks    *int               `json:"number_of_locks"`
	Retention        *Duration          `json:"retention"`
	CleanupFrequency *cleanup.Frequency `json:"cleanup_frequency"`
	LogLevel         *string            `json:"log_level"`
	Journal          *string            `json:"journal"`
}

// applyFile merges the file at path into cfg. Missing optional files are
// skipped and reported as not loaded.
func applyFile(cfg *Config, path string, mustExist bool) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return false, nil
		}

		if mustExist {
			return false, fmt.Errorf("%w: %s", ErrConfigFileRead, path)
		}

		return false, nil
	}

	fc, err := parse(data)
	if err != nil {
		return false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	if fc.CacheDir != nil {
		if *fc.CacheDir == "" {
			return false, fmt.Errorf("%w %s: cache_dir cannot be empty", ErrConfigInvalid, path)
		}

		cfg.CacheDir = *fc.CacheDir
	}

	if fc.LockTimeout != nil {
		cfg.LockTimeout = *fc.LockTimeout
	}

	if fc.NumberOfLocks != nil {
		cfg.NumberOfLocks = *fc.NumberOfLocks
	}

	if fc.Retention != nil {
		cfg.Retention = *fc.Retention
	}

	if fc.CleanupFrequency != nil {
		cfg.CleanupFrequency = *fc.CleanupFrequency
	}

	if fc.LogLevel != nil {
		cfg.LogLevel = *fc.LogLevel
	}

	if fc.Journal != nil {
		cfg.Journal = *fc.Journal
	}

	return true, nil
}

func parse(data []byte) (fileConfig, error) {
	// Standardize JSONC to JSON
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()

	var fc fileConfig

	if err := dec.Decode(&fc); err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return fc, nil
}

func applyOverrides(cfg *Config, o Overrides) {
	if o.CacheDir != "" {
		cfg.CacheDir = o.CacheDir
	}

	if o.LockTimeout != 0 {
		cfg.LockTimeout = Duration(o.LockTimeout)
	}

	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}

	if o.Journal != "" {
		cfg.Journal = o.Journal
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.CacheDir == "" {
		return fmt.Errorf("%w: cache_dir cannot be empty", ErrConfigInvalid)
	}

	if c.LockTimeout <= 0 {
		return fmt.Errorf("%w: lock_timeout must be positive, got %s", ErrConfigInvalid, c.LockTimeout)
	}

	if _, err := cache.NumberOfLocks(c.NumberOfLocks); err != nil {
		return fmt.Errorf("%w: number_of_locks: %w", ErrConfigInvalid, err)
	}

	if c.Retention <= 0 {
		return fmt.Errorf("%w: retention must be positive, got %s", ErrConfigInvalid, c.Retention)
	}

	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}

	if c.Journal != JournalModTime && c.Journal != JournalSQLite {
		return fmt.Errorf("%w: journal must be %q or %q, got %q", ErrConfigInvalid, JournalModTime, JournalSQLite, c.Journal)
	}

	return nil
}

// Duration is a time.Duration written as a string in config files. Besides
// the [time.ParseDuration] syntax it accepts whole days such as "30d".
type Duration time.Duration

// ParseDuration parses s as a [Duration].
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)

	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}

		return Duration(time.Duration(n) * 24 * time.Hour), nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}

	return Duration(d), nil
}

func (d Duration) String() string { return time.Duration(d).String() }

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := ParseDuration(string(text))
	if err != nil {
		return err
	}

	*d = parsed

	return nil
}
