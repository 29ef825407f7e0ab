package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// EnvConaryRoot overrides the installation root (spec §4.1: "root,
	// defaults to /"). Anything other than "/" gates scriptlet execution.
	EnvConaryRoot = "CONARY_ROOT"

	// EnvConaryDBDir overrides the directory holding the installed-state
	// database, journal, and advisory lock (spec §6.3, §4.7).
	EnvConaryDBDir = "CONARY_DB_DIR"

	// EnvAPITimeout configures the HTTP timeout for repository and
	// refinery requests.
	EnvAPITimeout = "CONARY_API_TIMEOUT"

	// EnvRefineryPollTimeout configures the refinery job poll timeout
	// (spec §6.4 default: 5 minutes).
	EnvRefineryPollTimeout = "CONARY_REFINERY_POLL_TIMEOUT"

	// EnvRefineryPollInterval configures the refinery job poll interval
	// (spec §6.4 default: 2 seconds).
	EnvRefineryPollInterval = "CONARY_REFINERY_POLL_INTERVAL"

	// EnvCacheSizeLimit configures the download/metadata cache size
	// limit.
	EnvCacheSizeLimit = "CONARY_CACHE_SIZE_LIMIT"

	// DefaultAPITimeout is the default timeout for repository/refinery
	// HTTP requests.
	DefaultAPITimeout = 30 * time.Second

	// DefaultRefineryPollTimeout mirrors refinery.DefaultPollTimeout.
	DefaultRefineryPollTimeout = 5 * time.Minute

	// DefaultRefineryPollInterval mirrors refinery.DefaultPollInterval.
	DefaultRefineryPollInterval = 2 * time.Second

	// DefaultCacheSizeLimit is the default size limit for the download
	// and repository-metadata cache (500MB).
	DefaultCacheSizeLimit = 500 * 1024 * 1024
)

// GetAPITimeout returns the configured API timeout from CONARY_API_TIMEOUT.
// If not set or invalid, returns DefaultAPITimeout. Accepts duration
// strings like "30s", "1m", "2m30s".
func GetAPITimeout() time.Duration {
	envValue := os.Getenv(EnvAPITimeout)
	if envValue == "" {
		return DefaultAPITimeout
	}

	duration, err := time.ParseDuration(envValue)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: invalid %s value %q, using default %v\n",
			EnvAPITimeout, envValue, DefaultAPITimeout)
		return DefaultAPITimeout
	}

	if duration < 1*time.Second {
		fmt.Fprintf(os.Stderr, "Warning: %s too low (%v), using minimum 1s\n", EnvAPITimeout, duration)
		return 1 * time.Second
	}
	if duration > 10*time.Minute {
		fmt.Fprintf(os.Stderr, "Warning: %s too high (%v), using maximum 10m\n", EnvAPITimeout, duration)
		return 10 * time.Minute
	}
	return duration
}

// GetRefineryPollTimeout returns the configured poll timeout from
// CONARY_REFINERY_POLL_TIMEOUT, or DefaultRefineryPollTimeout.
func GetRefineryPollTimeout() time.Duration {
	envValue := os.Getenv(EnvRefineryPollTimeout)
	if envValue == "" {
		return DefaultRefineryPollTimeout
	}
	duration, err := time.ParseDuration(envValue)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: invalid %s value %q, using default %v\n",
			EnvRefineryPollTimeout, envValue, DefaultRefineryPollTimeout)
		return DefaultRefineryPollTimeout
	}
	if duration < 1*time.Second {
		return 1 * time.Second
	}
	if duration > 30*time.Minute {
		return 30 * time.Minute
	}
	return duration
}

// GetRefineryPollInterval returns the configured poll interval from
// CONARY_REFINERY_POLL_INTERVAL, or DefaultRefineryPollInterval.
func GetRefineryPollInterval() time.Duration {
	envValue := os.Getenv(EnvRefineryPollInterval)
	if envValue == "" {
		return DefaultRefineryPollInterval
	}
	duration, err := time.ParseDuration(envValue)
	if err != nil || duration <= 0 {
		fmt.Fprintf(os.Stderr, "Warning: invalid %s value %q, using default %v\n",
			EnvRefineryPollInterval, envValue, DefaultRefineryPollInterval)
		return DefaultRefineryPollInterval
	}
	return duration
}

// ParseByteSize parses a human-readable byte size string into bytes.
// Accepts plain numbers (52428800), KB/K, MB/M, GB/G suffixes,
// case-insensitive.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}
	s = strings.ToUpper(s)

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}

	var numStr, suffix string
	for i, c := range s {
		if c >= '0' && c <= '9' || c == '.' {
			numStr += string(c)
		} else {
			suffix = s[i:]
			break
		}
	}
	if numStr == "" {
		return 0, fmt.Errorf("invalid size format: %q", s)
	}
	num, err := strconv.ParseFloat(numStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size number: %q", numStr)
	}

	var multiplier float64
	switch suffix {
	case "", "B":
		multiplier = 1
	case "K", "KB":
		multiplier = 1024
	case "M", "MB":
		multiplier = 1024 * 1024
	case "G", "GB":
		multiplier = 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("invalid size suffix: %q", suffix)
	}
	return int64(num * multiplier), nil
}

// GetCacheSizeLimit returns the configured cache size limit from
// CONARY_CACHE_SIZE_LIMIT, or DefaultCacheSizeLimit.
func GetCacheSizeLimit() int64 {
	envValue := os.Getenv(EnvCacheSizeLimit)
	if envValue == "" {
		return DefaultCacheSizeLimit
	}
	size, err := ParseByteSize(envValue)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: invalid %s value %q, using default %dMB\n",
			EnvCacheSizeLimit, envValue, DefaultCacheSizeLimit/(1024*1024))
		return DefaultCacheSizeLimit
	}
	const minSize = 1 * 1024 * 1024
	const maxSize = 100 * 1024 * 1024 * 1024
	if size < minSize {
		return minSize
	}
	if size > maxSize {
		return maxSize
	}
	return size
}

// DefaultRootOverride can be set by the binary's main package (via
// ldflags) to change the default install root for dev builds.
// CONARY_ROOT still takes precedence.
var DefaultRootOverride string

// Config holds Conary's runtime configuration: the install root the
// transaction engine applies filesystem changes under, and the
// state/cache directories the db, lock, txn, and cas packages use.
type Config struct {
	Root string // install root; "/" in production (spec §4.1)

	DBDir       string // holds conary.db, conary.lock, and the txn journal archive
	ObjectsDir  string // DBDir/objects — the CAS root
	CacheDir    string // DBDir/cache — downloads and repository metadata
	KeyCacheDir string // DBDir/cache/keys — imported GPG public keys

	APITimeout           time.Duration
	RefineryPollTimeout  time.Duration
	RefineryPollInterval time.Duration
	CacheSizeLimit       int64
}

// DefaultConfig returns Conary's default configuration, rooted at "/"
// unless overridden.
func DefaultConfig() (*Config, error) {
	root := os.Getenv(EnvConaryRoot)
	if root == "" {
		if DefaultRootOverride != "" {
			root = DefaultRootOverride
		} else {
			root = "/"
		}
	}

	dbDir := os.Getenv(EnvConaryDBDir)
	if dbDir == "" {
		dbDir = filepath.Join(root, "var", "lib", "conary")
	}

	return &Config{
		Root:                 root,
		DBDir:                dbDir,
		ObjectsDir:           filepath.Join(dbDir, "objects"),
		CacheDir:             filepath.Join(dbDir, "cache"),
		KeyCacheDir:          filepath.Join(dbDir, "cache", "keys"),
		APITimeout:           GetAPITimeout(),
		RefineryPollTimeout:  GetRefineryPollTimeout(),
		RefineryPollInterval: GetRefineryPollInterval(),
		CacheSizeLimit:       GetCacheSizeLimit(),
	}, nil
}

// EnsureDirectories creates all directories Conary needs under DBDir.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DBDir, c.ObjectsDir, c.CacheDir, c.KeyCacheDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// DBPath returns the path to the SQLite installed-state database.
func (c *Config) DBPath() string {
	return filepath.Join(c.DBDir, "conary.db")
}

// IsNonDefaultRoot reports whether Root is anything other than "/", which
// gates scriptlet execution per spec §4.8 ("skip if root != /").
func (c *Config) IsNonDefaultRoot() bool {
	return filepath.Clean(c.Root) != "/"
}
