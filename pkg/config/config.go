package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds all configuration settings for the node
type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	Database    DatabaseConfig  `mapstructure:"database"`
	AddrBook    AddrBookConfig  `mapstructure:"addrbook"`
	Conns       ConnConfig      `mapstructure:"connections"`
	RateLimit   RateLimitConfig `mapstructure:"ratelimit"`
	Presence    PresenceConfig  `mapstructure:"presence"`
	Leader      LeaderConfig    `mapstructure:"leader"`
	P2P         P2PConfig       `mapstructure:"p2p"`
	Maintenance MaintConfig     `mapstructure:"maintenance"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL      string        `mapstructure:"url"`
	MaxConns int           `mapstructure:"max_conns"`
	Timeout  time.Duration `mapstructure:"timeout"`
	SSLMode  string        `mapstructure:"ssl_mode"`
}

// AddrBookConfig holds address book table sizing and selection settings
type AddrBookConfig struct {
	NewBuckets     int           `mapstructure:"new_buckets"`
	TriedBuckets   int           `mapstructure:"tried_buckets"`
	BucketSize     int           `mapstructure:"bucket_size"`
	TriedBias      float64       `mapstructure:"tried_bias"`
	TerminalStale  time.Duration `mapstructure:"terminal_stale"`
	PersistEnabled bool          `mapstructure:"persist_enabled"`
}

// ConnConfig holds connection set capacity and diversity settings
type ConnConfig struct {
	MaxInbound         int           `mapstructure:"max_inbound"`
	MaxOutbound        int           `mapstructure:"max_outbound"`
	MaxPerNetgroup     int           `mapstructure:"max_per_netgroup"`
	ProtectLowLatency  int           `mapstructure:"protect_low_latency"`
	ProtectRecentRelay time.Duration `mapstructure:"protect_recent_relay"`
	ProtectLongevity   int           `mapstructure:"protect_longevity"`
}

// RateLimitConfig holds per-class token bucket settings
type RateLimitConfig struct {
	Classes         map[string]ClassLimit `mapstructure:"classes"`
	MaxBufferedKB   int                   `mapstructure:"max_buffered_kb"`
	DiscourageAfter int                   `mapstructure:"discourage_after"`
	DiscourageTTL   time.Duration         `mapstructure:"discourage_ttl"`
}

// ClassLimit configures one message-class bucket
type ClassLimit struct {
	Capacity   float64 `mapstructure:"capacity"`
	RefillRate float64 `mapstructure:"refill_rate"`
}

// PresenceConfig holds registration window and cooldown settings.
// Cooldown bounds are expressed in presence-window units.
type PresenceConfig struct {
	WindowDuration   time.Duration `mapstructure:"window_duration"`
	WindowsPerStats  int           `mapstructure:"windows_per_stats"`
	CooldownMin      int           `mapstructure:"cooldown_min"`
	CooldownMid      int           `mapstructure:"cooldown_mid"`
	CooldownMax      int           `mapstructure:"cooldown_max"`
	SmoothWindows    int           `mapstructure:"smooth_windows"`
	MaxChangePercent int           `mapstructure:"max_change_percent"`
	GracePeriod      time.Duration `mapstructure:"grace_period"`
}

// LeaderConfig holds leader selection settings
type LeaderConfig struct {
	FullNodePercent     int           `mapstructure:"full_node_percent"`
	VerifiedUserPercent int           `mapstructure:"verified_user_percent"`
	SlotTimeout         time.Duration `mapstructure:"slot_timeout"`
	MaxParticipants     int           `mapstructure:"max_participants"`
}

// P2PConfig holds transport glue configuration
type P2PConfig struct {
	Port           int      `mapstructure:"port"`
	BootstrapPeers []string `mapstructure:"bootstrap_peers"`
	GossipTopic    string   `mapstructure:"gossip_topic"`
	KeyFile        string   `mapstructure:"key_file"`
	TargetOutbound int      `mapstructure:"target_outbound"`
}

// MaintConfig holds background maintenance scheduling
type MaintConfig struct {
	PruneSchedule    string `mapstructure:"prune_schedule"`
	RolloverSchedule string `mapstructure:"rollover_schedule"`
}

// Load reads the configuration file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, will rely on defaults and env vars
	}

	v.SetEnvPrefix("POT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	// Address book defaults
	v.SetDefault("addrbook.new_buckets", 1024)
	v.SetDefault("addrbook.tried_buckets", 256)
	v.SetDefault("addrbook.bucket_size", 64)
	v.SetDefault("addrbook.tried_bias", 0.7)
	v.SetDefault("addrbook.terminal_stale", "720h") // 30 days
	v.SetDefault("addrbook.persist_enabled", true)

	// Connection defaults
	v.SetDefault("connections.max_inbound", 117)
	v.SetDefault("connections.max_outbound", 8)
	v.SetDefault("connections.max_per_netgroup", 2)
	v.SetDefault("connections.protect_low_latency", 8)
	v.SetDefault("connections.protect_recent_relay", "10m")
	v.SetDefault("connections.protect_longevity", 4)

	// Rate limit defaults; capacity in tokens, refill in tokens/sec
	v.SetDefault("ratelimit.classes.discovery.capacity", 100.0)
	v.SetDefault("ratelimit.classes.discovery.refill_rate", 10.0)
	v.SetDefault("ratelimit.classes.inventory.capacity", 500.0)
	v.SetDefault("ratelimit.classes.inventory.refill_rate", 50.0)
	v.SetDefault("ratelimit.classes.getdata.capacity", 200.0)
	v.SetDefault("ratelimit.classes.getdata.refill_rate", 20.0)
	v.SetDefault("ratelimit.classes.bulk.capacity", 100.0)
	v.SetDefault("ratelimit.classes.bulk.refill_rate", 100.0)
	v.SetDefault("ratelimit.classes.control.capacity", 60.0)
	v.SetDefault("ratelimit.classes.control.refill_rate", 2.0)
	v.SetDefault("ratelimit.classes.default.capacity", 50.0)
	v.SetDefault("ratelimit.classes.default.refill_rate", 5.0)
	v.SetDefault("ratelimit.max_buffered_kb", 4096)
	v.SetDefault("ratelimit.discourage_after", 10)
	v.SetDefault("ratelimit.discourage_ttl", "1h")

	// Presence / cooldown defaults (windows of 10 minutes)
	v.SetDefault("presence.window_duration", "10m")
	v.SetDefault("presence.windows_per_stats", 2016) // 14 days
	v.SetDefault("presence.cooldown_min", 144)       // 1 day
	v.SetDefault("presence.cooldown_mid", 1008)      // 7 days
	v.SetDefault("presence.cooldown_max", 25920)     // 180 days
	v.SetDefault("presence.smooth_windows", 4)
	v.SetDefault("presence.max_change_percent", 20)
	v.SetDefault("presence.grace_period", "30s")

	// Leader selection defaults
	v.SetDefault("leader.full_node_percent", 80)
	v.SetDefault("leader.verified_user_percent", 20)
	v.SetDefault("leader.slot_timeout", "60s")
	v.SetDefault("leader.max_participants", 10000)

	// P2P defaults
	v.SetDefault("p2p.port", 9000)
	v.SetDefault("p2p.gossip_topic", "presence_addrs")
	v.SetDefault("p2p.target_outbound", 8)

	// Maintenance defaults (cron with seconds field)
	v.SetDefault("maintenance.prune_schedule", "0 */5 * * * *")
	v.SetDefault("maintenance.rollover_schedule", "30 * * * * *")

	// Database defaults
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.timeout", "30s")
	v.SetDefault("database.ssl_mode", "disable")
}

// Validate checks if the configuration is valid. Invariant violations here
// are fatal at startup and must never be relaxed at runtime.
func (c *Config) Validate() error {
	if err := c.validateAddrBook(); err != nil {
		return fmt.Errorf("addrbook config: %w", err)
	}
	if err := c.validateConns(); err != nil {
		return fmt.Errorf("connections config: %w", err)
	}
	if err := c.validateRateLimit(); err != nil {
		return fmt.Errorf("ratelimit config: %w", err)
	}
	if err := c.validatePresence(); err != nil {
		return fmt.Errorf("presence config: %w", err)
	}
	if err := c.validateLeader(); err != nil {
		return fmt.Errorf("leader config: %w", err)
	}
	if err := c.validateP2P(); err != nil {
		return fmt.Errorf("p2p config: %w", err)
	}
	return nil
}

func (c *Config) validateAddrBook() error {
	if c.AddrBook.NewBuckets <= 0 || c.AddrBook.TriedBuckets <= 0 {
		return fmt.Errorf("bucket counts must be positive")
	}
	if c.AddrBook.BucketSize <= 0 {
		return fmt.Errorf("bucket_size must be positive")
	}
	if c.AddrBook.TriedBias < 0 || c.AddrBook.TriedBias > 1 {
		return fmt.Errorf("tried_bias must be between 0 and 1")
	}
	if c.AddrBook.TerminalStale <= 0 {
		return fmt.Errorf("terminal_stale must be positive")
	}
	return nil
}

func (c *Config) validateConns() error {
	if c.Conns.MaxInbound <= 0 {
		return fmt.Errorf("max_inbound must be positive")
	}
	if c.Conns.MaxOutbound <= 0 {
		return fmt.Errorf("max_outbound must be positive")
	}
	if c.Conns.MaxPerNetgroup <= 0 {
		return fmt.Errorf("max_per_netgroup must be positive")
	}
	protected := c.Conns.ProtectLowLatency + c.Conns.ProtectLongevity
	if protected >= c.Conns.MaxInbound {
		return fmt.Errorf("protected class counts (%d) must be below max_inbound (%d)",
			protected, c.Conns.MaxInbound)
	}
	return nil
}

func (c *Config) validateRateLimit() error {
	if _, ok := c.RateLimit.Classes["default"]; !ok {
		return fmt.Errorf("default message class must be configured")
	}
	for name, cl := range c.RateLimit.Classes {
		if cl.Capacity <= 0 || cl.RefillRate <= 0 {
			return fmt.Errorf("class %q: capacity and refill_rate must be positive", name)
		}
	}
	if c.RateLimit.MaxBufferedKB <= 0 {
		return fmt.Errorf("max_buffered_kb must be positive")
	}
	return nil
}

func (c *Config) validatePresence() error {
	p := c.Presence
	if p.WindowDuration <= 0 {
		return fmt.Errorf("window_duration must be positive")
	}
	if p.WindowsPerStats <= 0 {
		return fmt.Errorf("windows_per_stats must be positive")
	}
	if p.CooldownMin <= 0 {
		return fmt.Errorf("cooldown_min must be positive")
	}
	if p.CooldownMin > p.CooldownMid || p.CooldownMid > p.CooldownMax {
		return fmt.Errorf("cooldown bounds must satisfy min <= mid <= max, got %d/%d/%d",
			p.CooldownMin, p.CooldownMid, p.CooldownMax)
	}
	if p.SmoothWindows <= 0 {
		return fmt.Errorf("smooth_windows must be positive")
	}
	if p.MaxChangePercent <= 0 || p.MaxChangePercent >= 100 {
		return fmt.Errorf("max_change_percent must be between 1 and 99")
	}
	if p.GracePeriod < 0 || p.GracePeriod >= p.WindowDuration {
		return fmt.Errorf("grace_period must be shorter than window_duration")
	}
	return nil
}

func (c *Config) validateLeader() error {
	if c.Leader.FullNodePercent <= 0 || c.Leader.VerifiedUserPercent <= 0 {
		return fmt.Errorf("tier percentages must be positive")
	}
	if c.Leader.FullNodePercent+c.Leader.VerifiedUserPercent != 100 {
		return fmt.Errorf("tier percentages must sum to 100, got %d+%d",
			c.Leader.FullNodePercent, c.Leader.VerifiedUserPercent)
	}
	if c.Leader.SlotTimeout <= 0 {
		return fmt.Errorf("slot_timeout must be positive")
	}
	if c.Leader.MaxParticipants <= 0 {
		return fmt.Errorf("max_participants must be positive")
	}
	return nil
}

func (c *Config) validateP2P() error {
	if c.P2P.Port <= 0 || c.P2P.Port > 65535 {
		return fmt.Errorf("invalid port number: %d", c.P2P.Port)
	}
	if c.P2P.GossipTopic == "" {
		return fmt.Errorf("gossip_topic cannot be empty")
	}
	return nil
}

// GetLogLevel returns a zap log level based on the configured string
func (c *Config) GetLogLevel() zap.AtomicLevel {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "info":
		level.SetLevel(zap.InfoLevel)
	case "warn":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}
	return level
}

// IsDevelopment returns true if the environment is set to development
func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.Environment) == "development"
}
