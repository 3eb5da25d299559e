package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/edgecomet/solver-gateway/internal/common/configtypes"
	"github.com/edgecomet/solver-gateway/internal/common/yamlutil"
	"github.com/edgecomet/solver-gateway/pkg/types"
)

const (
	// SafetyMargin is added on top of the request deadline for the HTTP server timeouts
	// so fasthttp never closes a connection before the dispatcher answers.
	SafetyMargin = 10 * time.Second

	defaultListen           = ":8191"
	defaultMaxBodySize      = 1 << 20
	defaultMetricsPath      = "/metrics"
	defaultMetricsNamespace = "solver_gateway"

	defaultMaxTimeout     = 60 * time.Second
	defaultGrace          = 5 * time.Second
	defaultConcurrency    = 3
	defaultHealthInterval = 15 * time.Second
	defaultHealthTimeout  = 3 * time.Second
	defaultUnhealthyAfter = 2

	defaultBrowserPoolSize     = 2
	defaultBrowserWidth        = 1920
	defaultBrowserHeight       = 1080
	defaultBrowserStartTimeout = 30 * time.Second

	defaultRecycleAfter = 10
	defaultIdleTTL      = 2 * time.Minute

	defaultCacheTTL        = 2 * time.Minute
	defaultCacheKeyPrefix  = "solver:cache:"
	defaultCacheSampleKeys = 10

	defaultPollInterval    = 500 * time.Millisecond
	defaultWaitTimeout     = 20 * time.Second
	defaultEscalateTimeout = 10 * time.Second
	defaultMaxReloads      = 1

	defaultCleanupInterval   = 30 * time.Second
	defaultMemoryThresholdMB = 1500
)

var (
	defaultMarkerParams = []string{"ssd"}
	defaultKeyParams    = []string{"q", "gid"}

	namespacePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	instanceIDRegex  = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
)

// ConfigManager loads and holds the gateway configuration
type ConfigManager struct {
	config     *configtypes.GatewayConfig
	configPath string
	logger     *zap.Logger
}

// NewConfigManager loads, defaults and validates the config at configPath
func NewConfigManager(configPath string, logger *zap.Logger) (*ConfigManager, error) {
	cm := &ConfigManager{
		configPath: configPath,
		logger:     logger,
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, err
	}
	cm.config = cfg
	cm.emitConfigWarnings()

	return cm, nil
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *configtypes.GatewayConfig {
	return cm.config
}

func (cm *ConfigManager) emitConfigWarnings() {
	cfg := cm.config

	if cfg.Backend.Mode == configtypes.BackendModeRemote && len(cfg.Backend.Instances) > 1 && !cfg.Backend.Health.Enabled {
		cm.logger.Warn("Health checks disabled with multiple backend instances, unhealthy instances stay in rotation",
			zap.Int("instances", len(cfg.Backend.Instances)))
	}

	if cfg.Cleanup.Memory.Enabled && cfg.Backend.Mode == configtypes.BackendModeRemote {
		cm.logger.Warn("Memory monitor enabled in remote mode, reset will only clear sessions and cache")
	}

	if time.Duration(cfg.Cleanup.Interval) > time.Duration(cfg.Sessions.IdleTTL) {
		cm.logger.Warn("Cleanup interval exceeds session idle TTL, idle sessions will outlive their TTL",
			zap.Duration("interval", time.Duration(cfg.Cleanup.Interval)),
			zap.Duration("idle_ttl", time.Duration(cfg.Sessions.IdleTTL)))
	}
}

// Load reads a gateway config file
func Load(configPath string) (*configtypes.GatewayConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML strictly, applies defaults and validates
func Parse(data []byte) (*configtypes.GatewayConfig, error) {
	var cfg configtypes.GatewayConfig
	if err := yamlutil.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// RequestDeadline bounds one dispatcher call: backend max timeout plus grace
func RequestDeadline(cfg *configtypes.GatewayConfig) time.Duration {
	return time.Duration(cfg.Backend.MaxTimeout) + time.Duration(cfg.Backend.Grace)
}

// CalculateServerTimeout returns the fasthttp read/write timeout
func CalculateServerTimeout(cfg *configtypes.GatewayConfig) time.Duration {
	return RequestDeadline(cfg) + SafetyMargin
}

// ApplyDefaults fills zero values
func ApplyDefaults(cfg *configtypes.GatewayConfig) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = defaultListen
	}
	if cfg.Server.MaxBodySize == 0 {
		cfg.Server.MaxBodySize = defaultMaxBodySize
	}

	// If both outputs are disabled, enable console
	if cfg.Log.Level == "" {
		cfg.Log.Level = configtypes.LogLevelInfo
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = configtypes.LogFormatConsole
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = configtypes.LogFormatText
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = defaultMetricsPath
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = defaultMetricsNamespace
	}

	applyBackendDefaults(&cfg.Backend)
	applyBrowserDefaults(&cfg.Browser)

	if cfg.Sessions.RecycleAfter == 0 {
		cfg.Sessions.RecycleAfter = defaultRecycleAfter
	}
	if cfg.Sessions.IdleTTL == 0 {
		cfg.Sessions.IdleTTL = types.Duration(defaultIdleTTL)
	}

	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = configtypes.CacheBackendMemory
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = types.Duration(defaultCacheTTL)
	}
	if cfg.Cache.Compression == "" {
		cfg.Cache.Compression = "none"
	}
	if cfg.Cache.KeyPrefix == "" {
		cfg.Cache.KeyPrefix = defaultCacheKeyPrefix
	}
	if cfg.Cache.SampleKeys == 0 {
		cfg.Cache.SampleKeys = defaultCacheSampleKeys
	}

	if cfg.Fingerprint.MarkerParams == nil {
		cfg.Fingerprint.MarkerParams = append([]string(nil), defaultMarkerParams...)
	}
	if cfg.Fingerprint.KeyParams == nil {
		cfg.Fingerprint.KeyParams = append([]string(nil), defaultKeyParams...)
	}

	applyChallengeDefaults(&cfg.Challenge)

	if cfg.Cleanup.Interval == 0 {
		cfg.Cleanup.Interval = types.Duration(defaultCleanupInterval)
	}
	if cfg.Cleanup.Memory.ThresholdMB == 0 {
		cfg.Cleanup.Memory.ThresholdMB = defaultMemoryThresholdMB
	}
}

func applyBackendDefaults(b *configtypes.BackendConfig) {
	if b.Mode == "" {
		b.Mode = configtypes.BackendModeRemote
	}
	if b.MaxTimeout == 0 {
		b.MaxTimeout = types.Duration(defaultMaxTimeout)
	}
	if b.Grace == 0 {
		b.Grace = types.Duration(defaultGrace)
	}
	if b.Concurrency == 0 {
		b.Concurrency = defaultConcurrency
	}
	if b.Health.Interval == 0 {
		b.Health.Interval = types.Duration(defaultHealthInterval)
	}
	if b.Health.Timeout == 0 {
		b.Health.Timeout = types.Duration(defaultHealthTimeout)
	}
	if b.Health.UnhealthyAfter == 0 {
		b.Health.UnhealthyAfter = defaultUnhealthyAfter
	}
	for i := range b.Instances {
		if b.Instances[i].ID == "" {
			b.Instances[i].ID = fmt.Sprintf("instance-%d", i)
		}
	}
}

func applyBrowserDefaults(b *configtypes.BrowserConfig) {
	if b.PoolSize == 0 {
		b.PoolSize = defaultBrowserPoolSize
	}
	if b.WindowWidth == 0 {
		b.WindowWidth = defaultBrowserWidth
	}
	if b.WindowHeight == 0 {
		b.WindowHeight = defaultBrowserHeight
	}
	if b.StartTimeout == 0 {
		b.StartTimeout = types.Duration(defaultBrowserStartTimeout)
	}
}

func applyChallengeDefaults(c *configtypes.ChallengeConfig) {
	if c.PollInterval == 0 {
		c.PollInterval = types.Duration(defaultPollInterval)
	}
	if c.WaitTimeout == 0 {
		c.WaitTimeout = types.Duration(defaultWaitTimeout)
	}
	if c.EscalateTimeout == 0 {
		c.EscalateTimeout = types.Duration(defaultEscalateTimeout)
	}
	if c.MaxReloads == nil {
		n := defaultMaxReloads
		c.MaxReloads = &n
	}
	if c.FailOnUnresolved == nil {
		v := true
		c.FailOnUnresolved = &v
	}
}

// Validate checks configuration validity
func Validate(cfg *configtypes.GatewayConfig) error {
	if err := configtypes.ValidateListenAddress(cfg.Server.Listen); err != nil {
		return fmt.Errorf("invalid server.listen: %w", err)
	}
	if cfg.Server.MaxBodySize < 0 {
		return fmt.Errorf("server.max_body_size must be >= 0")
	}

	if err := validateLog(&cfg.Log); err != nil {
		return err
	}
	if err := validateMetrics(cfg); err != nil {
		return err
	}
	if err := validateBackend(&cfg.Backend); err != nil {
		return err
	}

	if cfg.Backend.Mode == configtypes.BackendModeBrowser && cfg.Browser.PoolSize < 1 {
		return fmt.Errorf("browser.pool_size must be positive")
	}

	if cfg.Sessions.RecycleAfter < 1 {
		return fmt.Errorf("sessions.recycle_after must be positive")
	}
	if cfg.Sessions.IdleTTL <= 0 {
		return fmt.Errorf("sessions.idle_ttl must be positive")
	}

	if err := validateCache(cfg); err != nil {
		return err
	}

	if len(cfg.Fingerprint.MarkerParams) > 0 && len(cfg.Fingerprint.KeyParams) == 0 {
		return fmt.Errorf("fingerprint.key_params is required when marker_params are set")
	}

	if err := validateChallenge(&cfg.Challenge); err != nil {
		return err
	}

	if cfg.Cleanup.Interval <= 0 {
		return fmt.Errorf("cleanup.interval must be positive")
	}

	return nil
}

func validateLog(l *configtypes.LogConfig) error {
	validLogLevels := map[string]bool{
		configtypes.LogLevelDebug:  true,
		configtypes.LogLevelInfo:   true,
		configtypes.LogLevelWarn:   true,
		configtypes.LogLevelError:  true,
		configtypes.LogLevelDPanic: true,
		configtypes.LogLevelPanic:  true,
		configtypes.LogLevelFatal:  true,
	}
	if !validLogLevels[l.Level] {
		return fmt.Errorf("invalid log.level: %s (must be debug, info, warn, error, dpanic, panic, or fatal)", l.Level)
	}

	if l.Console.Enabled && l.Console.Format != configtypes.LogFormatJSON && l.Console.Format != configtypes.LogFormatConsole {
		return fmt.Errorf("invalid log.console.format: %s (must be json or console)", l.Console.Format)
	}

	if l.File.Enabled {
		if l.File.Path == "" {
			return fmt.Errorf("log.file.path must be specified when file logging is enabled")
		}
		if l.File.Format != configtypes.LogFormatJSON && l.File.Format != configtypes.LogFormatText {
			return fmt.Errorf("invalid log.file.format: %s (must be json or text)", l.File.Format)
		}
		r := l.File.Rotation
		if r.MaxSize < 0 || r.MaxAge < 0 || r.MaxBackups < 0 {
			return fmt.Errorf("log.file.rotation values must be >= 0")
		}
	}

	return nil
}

func validateMetrics(cfg *configtypes.GatewayConfig) error {
	m := cfg.Metrics
	if m.Enabled {
		if err := configtypes.ValidateListenAddress(m.Listen); err != nil {
			return fmt.Errorf("invalid metrics.listen: %w", err)
		}
		_, metricsPort, _ := configtypes.ParseListenAddress(m.Listen)
		_, serverPort, _ := configtypes.ParseListenAddress(cfg.Server.Listen)
		if metricsPort == serverPort {
			return fmt.Errorf("metrics.listen port (%d) must differ from server.listen port", metricsPort)
		}
	}
	if m.Path[0] != '/' {
		return fmt.Errorf("invalid metrics.path: %s (must start with /)", m.Path)
	}
	if !namespacePattern.MatchString(m.Namespace) {
		return fmt.Errorf("invalid metrics.namespace: %s (must match [a-zA-Z_][a-zA-Z0-9_]*)", m.Namespace)
	}
	return nil
}

func validateBackend(b *configtypes.BackendConfig) error {
	switch b.Mode {
	case configtypes.BackendModeRemote:
		if len(b.Instances) == 0 {
			return fmt.Errorf("backend.instances must list at least one instance in remote mode")
		}
	case configtypes.BackendModeBrowser:
	default:
		return fmt.Errorf("invalid backend.mode: %s (must be remote or browser)", b.Mode)
	}

	ids := make(map[string]bool, len(b.Instances))
	addrs := make(map[string]bool, len(b.Instances))
	for i := range b.Instances {
		inst := &b.Instances[i]
		if !instanceIDRegex.MatchString(inst.ID) {
			return fmt.Errorf("backend.instances[%d].id %q contains invalid characters", i, inst.ID)
		}
		addr, err := configtypes.NormalizeInstanceAddress(inst.Address)
		if err != nil {
			return fmt.Errorf("backend.instances[%d]: %w", i, err)
		}
		inst.Address = addr
		if ids[inst.ID] {
			return fmt.Errorf("duplicate backend instance id: %s", inst.ID)
		}
		if addrs[addr] {
			return fmt.Errorf("duplicate backend instance address: %s", addr)
		}
		ids[inst.ID] = true
		addrs[addr] = true
	}

	if b.MaxTimeout <= 0 {
		return fmt.Errorf("backend.max_timeout must be positive")
	}
	if b.Grace < 0 {
		return fmt.Errorf("backend.grace must be >= 0")
	}
	if b.Concurrency < 1 {
		return fmt.Errorf("backend.concurrency must be positive")
	}
	if b.Health.Enabled {
		if b.Health.Interval <= 0 || b.Health.Timeout <= 0 {
			return fmt.Errorf("backend.health interval and timeout must be positive")
		}
		if b.Health.UnhealthyAfter < 1 {
			return fmt.Errorf("backend.health.unhealthy_after must be positive")
		}
	}
	return nil
}

func validateCache(cfg *configtypes.GatewayConfig) error {
	c := cfg.Cache
	switch c.Backend {
	case configtypes.CacheBackendMemory:
	case configtypes.CacheBackendRedis:
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required when cache.backend is redis")
		}
	default:
		return fmt.Errorf("invalid cache.backend: %s (must be memory or redis)", c.Backend)
	}

	switch c.Compression {
	case "none", "snappy", "lz4":
	default:
		return fmt.Errorf("invalid cache.compression: %s (must be none, snappy, or lz4)", c.Compression)
	}

	if c.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if c.SampleKeys < 0 {
		return fmt.Errorf("cache.sample_keys must be >= 0")
	}
	return nil
}

func validateChallenge(c *configtypes.ChallengeConfig) error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("challenge.poll_interval must be positive")
	}
	if c.WaitTimeout < c.PollInterval {
		return fmt.Errorf("challenge.wait_timeout must be >= poll_interval")
	}
	if c.EscalateTimeout < 0 {
		return fmt.Errorf("challenge.escalate_timeout must be >= 0")
	}
	if *c.MaxReloads < 0 {
		return fmt.Errorf("challenge.max_reloads must be >= 0")
	}
	return nil
}

// GetConfigPath resolves the config file path
func GetConfigPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("config path cannot be empty")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path: %w", err)
	}

	if _, err := os.Stat(absPath); os.IsNotExist(err) {
		return "", fmt.Errorf("config file does not exist: %s", absPath)
	}

	return absPath, nil
}
