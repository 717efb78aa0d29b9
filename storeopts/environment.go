package storeopts

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvironmentOptions configures an Environment open (spec §4.2 / §6.1).
type EnvironmentOptions struct {
	// Path is the bbolt database file holding the engine.
	Path string `yaml:"path"`

	// SizeBytes is the LMDB-style map size. It is kept in the options (and
	// loaded from YAML) but is not passed to bbolt, which grows its file on
	// demand; no size cap is enforced and the value is not logged.
	SizeBytes int64 `yaml:"sizeBytes"`

	// LockSafe disables fsync-on-commit when false (maps to bbolt's NoSync).
	LockSafe bool `yaml:"lockSafe"`

	// MaxSubDBs bounds the number of top-level buckets; exceeding it only
	// produces a logged warning since bbolt has no hard bucket limit.
	MaxSubDBs int `yaml:"maxSubDBs"`

	// OpenTimeout bounds how long Open waits to acquire the file lock.
	OpenTimeout time.Duration `yaml:"openTimeout"`
}

// DefaultEnvironmentOptions mirrors the Python source's Start(1024, False, 30000)
// defaults used throughout mmr.py: a generous size cap, fsync disabled for
// throughput, and a large sub-database ceiling.
func DefaultEnvironmentOptions(path string) EnvironmentOptions {
	return EnvironmentOptions{
		Path:        path,
		SizeBytes:   1024 * 1024 * 1024,
		LockSafe:    false,
		MaxSubDBs:   30000,
		OpenTimeout: 2 * time.Second,
	}
}

// NewEnvironmentOptions builds options for path starting from
// DefaultEnvironmentOptions, applying each functional option in order. This
// is the programmatic counterpart to LoadEnvironmentOptionsYAML.
func NewEnvironmentOptions(path string, fns ...EnvironmentOptionFunc) EnvironmentOptions {
	opts := DefaultEnvironmentOptions(path)
	for _, fn := range fns {
		fn(&opts)
	}
	return opts
}

// EnvironmentOptionFunc mutates EnvironmentOptions during construction.
type EnvironmentOptionFunc func(*EnvironmentOptions)

// WithLockSafe toggles fsync-on-commit.
func WithLockSafe(safe bool) EnvironmentOptionFunc {
	return func(o *EnvironmentOptions) { o.LockSafe = safe }
}

// WithMaxSubDBs overrides the advisory sub-database ceiling.
func WithMaxSubDBs(max int) EnvironmentOptionFunc {
	return func(o *EnvironmentOptions) {
		if max > 0 {
			o.MaxSubDBs = max
		}
	}
}

// WithOpenTimeout overrides the file-lock acquisition timeout.
func WithOpenTimeout(d time.Duration) EnvironmentOptionFunc {
	return func(o *EnvironmentOptions) {
		if d > 0 {
			o.OpenTimeout = d
		}
	}
}

// LoadEnvironmentOptionsYAML reads environment parameters from a YAML file,
// falling back to DefaultEnvironmentOptions(path) for any zero-valued field.
func LoadEnvironmentOptionsYAML(file string, path string) (EnvironmentOptions, error) {
	opts := DefaultEnvironmentOptions(path)

	raw, err := os.ReadFile(file)
	if err != nil {
		return opts, err
	}

	var fromFile EnvironmentOptions
	if err := yaml.Unmarshal(raw, &fromFile); err != nil {
		return opts, err
	}

	if strings.TrimSpace(fromFile.Path) != "" {
		opts.Path = fromFile.Path
	}
	if fromFile.SizeBytes > 0 {
		opts.SizeBytes = fromFile.SizeBytes
	}
	if fromFile.MaxSubDBs > 0 {
		opts.MaxSubDBs = fromFile.MaxSubDBs
	}
	if fromFile.OpenTimeout > 0 {
		opts.OpenTimeout = fromFile.OpenTimeout
	}
	opts.LockSafe = fromFile.LockSafe

	return opts, nil
}
