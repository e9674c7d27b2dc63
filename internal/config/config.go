package config

import (
	"time"

	"github.com/rickgao/livedata/internal/entitlement"
)

// ServerConfig is the root configuration for a livedatad instance.
type ServerConfig struct {
	Instance    InstanceConfig     `yaml:"instance"`
	Feed        FeedConfig         `yaml:"feed"`
	RefData     RefDataConfig      `yaml:"refdata"`
	Server      SubscriptionConfig `yaml:"server"`
	Router      RouterConfig       `yaml:"router"`
	Persistence PersistenceConfig  `yaml:"persistence"`
	Senders     SendersConfig      `yaml:"senders"`
	Heartbeat   HeartbeatConfig    `yaml:"heartbeat"`
	Entitlement EntitlementConfig  `yaml:"entitlement"`
	Logging     LoggingConfig      `yaml:"logging"`
	HTTP        HTTPConfig         `yaml:"http"`
}

// InstanceConfig identifies this server.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// FeedConfig holds the upstream websocket feed settings.
type FeedConfig struct {
	Scheme              string        `yaml:"scheme"` // native identification scheme, e.g. RIC
	URL                 string        `yaml:"url"`
	APIKey              string        `yaml:"api_key"`
	PrivateKeyPath      string        `yaml:"private_key_path"` // RSA key for the signed handshake
	SnapshotOnSubscribe bool          `yaml:"snapshot_on_subscribe"`
	CommandTimeout      time.Duration `yaml:"command_timeout"`
	ReconnectBaseDelay  time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay   time.Duration `yaml:"reconnect_max_delay"`
	PingInterval        time.Duration `yaml:"ping_interval"`
	PingTimeout         time.Duration `yaml:"ping_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	HandshakeTimeout    time.Duration `yaml:"handshake_timeout"`
	BufferSize          int           `yaml:"buffer_size"`
}

// RefDataConfig holds the reference data REST service. Leaving URL empty
// disables reference data resolution and feed snapshots.
type RefDataConfig struct {
	URL        string        `yaml:"url"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

// SubscriptionConfig holds subscription lifecycle settings.
type SubscriptionConfig struct {
	TimeoutExtension  time.Duration `yaml:"timeout_extension"`
	HeartbeatPeriod   time.Duration `yaml:"heartbeat_period"`
	CheckPeriod       time.Duration `yaml:"check_period"`
	SendTimeout       time.Duration `yaml:"send_timeout"`
	DefaultRuleSet    string        `yaml:"default_rule_set"`
	ResolverCacheSize int           `yaml:"resolver_cache_size"`
	TopicPrefix       string        `yaml:"topic_prefix"` // empty uses the spec string as address
}

// RouterConfig sizes the per-security tick lanes.
type RouterConfig struct {
	LaneBufferSize int `yaml:"lane_buffer_size"`
	MaxLaneSize    int `yaml:"max_lane_size"`
}

// PersistenceConfig selects where persistent subscriptions are stored.
type PersistenceConfig struct {
	Backend      string        `yaml:"backend"` // memory, postgres, sqlite, redis
	SaveInterval time.Duration `yaml:"save_interval"`
	Postgres     DBConfig      `yaml:"postgres"`
	SQLite       SQLiteConfig  `yaml:"sqlite"`
	Redis        RedisConfig   `yaml:"redis"`
	RedisKey     string        `yaml:"redis_key"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// SQLiteConfig holds the embedded database file.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig holds a Redis connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SendersConfig selects downstream transports. Kafka is enabled by listing
// brokers, Redis by setting an address.
type SendersConfig struct {
	Log         bool        `yaml:"log"`
	MemoryLimit int         `yaml:"memory_limit"`
	Kafka       KafkaConfig `yaml:"kafka"`
	Redis       RedisConfig `yaml:"redis"`
}

// KafkaConfig holds Kafka producer settings.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	BatchSize    int           `yaml:"batch_size"` // 0 flushes every update
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	AutoCreate   bool          `yaml:"auto_create_topics"`
}

// HeartbeatConfig holds the Kafka heartbeat consumer. Leaving brokers empty
// disables it; heartbeats are then accepted over HTTP only.
type HeartbeatConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// EntitlementConfig selects the entitlement checker.
type EntitlementConfig struct {
	Mode   string              `yaml:"mode"` // permissive or static
	Grants []entitlement.Grant `yaml:"grants"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // text or json
	File       string `yaml:"file"`   // optional rotating log file
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// HTTPConfig holds the management listener.
type HTTPConfig struct {
	Addr        string `yaml:"addr"`
	MetricsPath string `yaml:"metrics_path"`
}
