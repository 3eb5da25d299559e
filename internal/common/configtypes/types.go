package configtypes

import (
	"github.com/edgecomet/solver-gateway/pkg/types"
)

// Log level constants
const (
	LogLevelDebug  = "debug"
	LogLevelInfo   = "info"
	LogLevelWarn   = "warn"
	LogLevelError  = "error"
	LogLevelDPanic = "dpanic"
	LogLevelPanic  = "panic"
	LogLevelFatal  = "fatal"
)

// Log format constants
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
	LogFormatText    = "text"
)

// Backend modes
const (
	BackendModeRemote  = "remote"
	BackendModeBrowser = "browser"
)

// Cache backends
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// GatewayConfig is the solver gateway main configuration
type GatewayConfig struct {
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Redis       RedisConfig       `yaml:"redis"`
	Backend     BackendConfig     `yaml:"backend"`
	Browser     BrowserConfig     `yaml:"browser"`
	Sessions    SessionsConfig    `yaml:"sessions"`
	Cache       CacheConfig       `yaml:"cache"`
	Fingerprint FingerprintConfig `yaml:"fingerprint"`
	Challenge   ChallengeConfig   `yaml:"challenge"`
	Cleanup     CleanupConfig     `yaml:"cleanup"`
}

type ServerConfig struct {
	Listen      string `yaml:"listen"`
	MaxBodySize int    `yaml:"max_body_size"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LogConfig struct {
	Level   string           `yaml:"level"`
	Console ConsoleLogConfig `yaml:"console"`
	File    FileLogConfig    `yaml:"file"`
}

type ConsoleLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"`
	Level   string `yaml:"level,omitempty"`
}

type FileLogConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Path     string         `yaml:"path"`
	Format   string         `yaml:"format"`
	Level    string         `yaml:"level,omitempty"`
	Rotation RotationConfig `yaml:"rotation"`
}

type RotationConfig struct {
	MaxSize    int  `yaml:"max_size"`
	MaxAge     int  `yaml:"max_age"`
	MaxBackups int  `yaml:"max_backups"`
	Compress   bool `yaml:"compress"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// BackendConfig describes where challenge solving happens.
// In remote mode Instances are FlareSolverr-compatible HTTP endpoints;
// in browser mode instances are local Chrome processes and Instances is ignored.
type BackendConfig struct {
	Mode        string           `yaml:"mode"`
	Instances   []InstanceConfig `yaml:"instances"`
	MaxTimeout  types.Duration   `yaml:"max_timeout"`
	Grace       types.Duration   `yaml:"grace"`
	Concurrency int              `yaml:"concurrency"`
	Health      HealthConfig     `yaml:"health"`

	// BlockPrivateTargets rejects fetches of localhost and private IP literals
	BlockPrivateTargets bool `yaml:"block_private_targets"`
}

type InstanceConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

type HealthConfig struct {
	Enabled        bool           `yaml:"enabled"`
	Interval       types.Duration `yaml:"interval"`
	Timeout        types.Duration `yaml:"timeout"`
	UnhealthyAfter int            `yaml:"unhealthy_after"`
}

type BrowserConfig struct {
	PoolSize     int            `yaml:"pool_size"`
	ChromePath   string         `yaml:"chrome_path,omitempty"`
	Headless     *bool          `yaml:"headless,omitempty"`
	UserAgent    string         `yaml:"user_agent,omitempty"`
	WindowWidth  int            `yaml:"window_width"`
	WindowHeight int            `yaml:"window_height"`
	StartTimeout types.Duration `yaml:"start_timeout"`
}

// IsHeadless defaults to true when unset
func (b BrowserConfig) IsHeadless() bool {
	return b.Headless == nil || *b.Headless
}

type SessionsConfig struct {
	RecycleAfter int            `yaml:"recycle_after"`
	IdleTTL      types.Duration `yaml:"idle_ttl"`
}

type CacheConfig struct {
	Backend     string         `yaml:"backend"`
	TTL         types.Duration `yaml:"ttl"`
	Compression string         `yaml:"compression,omitempty"` // none, snappy, lz4
	KeyPrefix   string         `yaml:"key_prefix,omitempty"`
	SampleKeys  int            `yaml:"sample_keys"`
}

type FingerprintConfig struct {
	MarkerParams []string `yaml:"marker_params"`
	KeyParams    []string `yaml:"key_params"`
}

type ChallengeConfig struct {
	PollInterval     types.Duration `yaml:"poll_interval"`
	WaitTimeout      types.Duration `yaml:"wait_timeout"`
	EscalateTimeout  types.Duration `yaml:"escalate_timeout"`
	MaxReloads       *int           `yaml:"max_reloads,omitempty"`
	FailOnUnresolved *bool          `yaml:"fail_on_unresolved,omitempty"`
	Titles           []string       `yaml:"titles,omitempty"`
	Selectors        []string       `yaml:"selectors,omitempty"`
	Phrases          []string       `yaml:"phrases,omitempty"`
}

type CleanupConfig struct {
	Interval types.Duration      `yaml:"interval"`
	Memory   MemoryMonitorConfig `yaml:"memory"`
}

type MemoryMonitorConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ThresholdMB uint64 `yaml:"threshold_mb"`
}
