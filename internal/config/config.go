// Package config holds the process-wide sandbox configuration surface.
//
// Every option can be overridden through SANDBOX_* environment variables,
// optionally sourced from a .env file. Values are resolved once at startup
// and treated as immutable afterwards: a running sandbox never re-reads them.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config describes everything the sandbox engine needs at construction time:
// the default image, the resource-limit profile applied to new containers,
// the container-creation budget, and the coordination-store address used by
// the UID pool.
type Config struct {
	// Image is the container image new sandboxes are created from.
	Image string

	// MemoryLimitBytes caps container memory. Swap is pinned to the same
	// value so the limit is a hard ceiling.
	MemoryLimitBytes int64

	// PidsLimit caps the number of processes inside one container.
	PidsLimit int64

	// CPUCoreLimit caps CPU cores (fractional allowed). Zero means no cap.
	CPUCoreLimit float64

	// AllowNetwork gives programs in the sandbox access to external IPs.
	AllowNetwork bool

	// EnvironmentVariables are set inside every container.
	EnvironmentVariables map[string]string

	// CreateTimeout bounds container provisioning. Independent of any
	// command timeout.
	CreateTimeout time.Duration

	// MinFallbackTimeout is the floor for the watchdog applied around a
	// timed command's reap-and-drain path.
	MinFallbackTimeout time.Duration

	// RedisHost and RedisPort address the coordination store backing the
	// UID pool.
	RedisHost string
	RedisPort int

	// UIDPoolStart and UIDPoolSize define the token range
	// [UIDPoolStart, UIDPoolStart+UIDPoolSize).
	UIDPoolStart int
	UIDPoolSize  int

	// AcquireTimeout bounds the wait for a free UID token.
	AcquireTimeout time.Duration

	// HomeDir and WorkingDir are the sandbox user's home and the directory
	// commands run in.
	HomeDir    string
	WorkingDir string

	// SpoolMemoryLimit is the per-stream in-memory ceiling before captured
	// output spills to scratch files.
	SpoolMemoryLimit int64
}

// Default returns the canonical configuration.
func Default() Config {
	return Config{
		Image:              "eecsautograder/ubuntu22:latest",
		MemoryLimitBytes:   4 << 30,
		PidsLimit:          512,
		CPUCoreLimit:       0,
		AllowNetwork:       false,
		CreateTimeout:      60 * time.Second,
		MinFallbackTimeout: 60 * time.Second,
		RedisHost:          "localhost",
		RedisPort:          6379,
		UIDPoolStart:       2000,
		UIDPoolSize:        64,
		AcquireTimeout:     60 * time.Second,
		HomeDir:            "/home/sandbox",
		WorkingDir:         "/home/sandbox/working_dir",
		SpoolMemoryLimit:   4 << 20,
	}
}

// Load resolves the configuration from the environment, reading a .env file
// first when one exists.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if v := os.Getenv("SANDBOX_DOCKER_IMAGE"); v != "" {
		cfg.Image = v
	}
	if v := os.Getenv("SANDBOX_MEM_LIMIT"); v != "" {
		n, err := ParseMemoryLimit(v)
		if err != nil {
			return cfg, fmt.Errorf("SANDBOX_MEM_LIMIT: %w", err)
		}
		cfg.MemoryLimitBytes = n
	}
	if v := os.Getenv("SANDBOX_PIDS_LIMIT"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("SANDBOX_PIDS_LIMIT: invalid value %q", v)
		}
		cfg.PidsLimit = n
	}
	if v := os.Getenv("SANDBOX_CPU_CORE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			return cfg, fmt.Errorf("SANDBOX_CPU_CORE_LIMIT: invalid value %q", v)
		}
		cfg.CPUCoreLimit = f
	}
	if v := os.Getenv("SANDBOX_ALLOW_NETWORK"); v != "" {
		cfg.AllowNetwork = parseBool(v)
	}
	if v := os.Getenv("SANDBOX_CREATE_TIMEOUT"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return cfg, fmt.Errorf("SANDBOX_CREATE_TIMEOUT: %w", err)
		}
		cfg.CreateTimeout = d
	}
	if v := os.Getenv("SANDBOX_MIN_FALLBACK_TIMEOUT"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return cfg, fmt.Errorf("SANDBOX_MIN_FALLBACK_TIMEOUT: %w", err)
		}
		cfg.MinFallbackTimeout = d
	}
	if v := os.Getenv("SANDBOX_REDIS_HOST"); v != "" {
		cfg.RedisHost = v
	}
	if v := os.Getenv("SANDBOX_REDIS_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 65535 {
			return cfg, fmt.Errorf("SANDBOX_REDIS_PORT: invalid value %q", v)
		}
		cfg.RedisPort = n
	}
	if v := os.Getenv("SANDBOX_UID_POOL_START"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("SANDBOX_UID_POOL_START: invalid value %q", v)
		}
		cfg.UIDPoolStart = n
	}
	if v := os.Getenv("SANDBOX_UID_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, fmt.Errorf("SANDBOX_UID_POOL_SIZE: invalid value %q", v)
		}
		cfg.UIDPoolSize = n
	}
	if v := os.Getenv("SANDBOX_UID_ACQUIRE_TIMEOUT"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return cfg, fmt.Errorf("SANDBOX_UID_ACQUIRE_TIMEOUT: %w", err)
		}
		cfg.AcquireTimeout = d
	}
	if v := os.Getenv("SANDBOX_SPOOL_MEMORY_LIMIT"); v != "" {
		n, err := ParseMemoryLimit(v)
		if err != nil {
			return cfg, fmt.Errorf("SANDBOX_SPOOL_MEMORY_LIMIT: %w", err)
		}
		cfg.SpoolMemoryLimit = n
	}

	return cfg, nil
}

// RedisAddr returns the coordination-store address in host:port form.
func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// ParseMemoryLimit parses a memory size written either as plain bytes or
// with a single-letter binary suffix (k, m, g), e.g. "4g" or "268435456".
func ParseMemoryLimit(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty memory limit")
	}

	mult := int64(1)
	switch s[len(s)-1] {
	case 'k':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'm':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'g':
		mult = 1 << 30
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid memory limit %q", s)
	}
	return n * mult, nil
}

// parseSeconds accepts either an integer number of seconds (the historical
// form of these knobs) or any duration string Go understands.
func parseSeconds(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
