package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultScheme             = "RIC"
	DefaultCommandTimeout     = 10 * time.Second
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 60 * time.Second
	DefaultPingInterval       = 30 * time.Second
	DefaultPingTimeout        = 60 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultFeedBufferSize     = 100000
	DefaultRefDataTimeout     = 30 * time.Second
	DefaultMaxRetries         = 3
	DefaultTimeoutExtension   = 15 * time.Minute
	DefaultHeartbeatPeriod    = 5 * time.Minute
	DefaultSendTimeout        = 5 * time.Second
	DefaultRuleSet            = "Std"
	DefaultResolverCacheSize  = 10000
	DefaultLaneBufferSize     = 64
	DefaultMaxLaneSize        = 10000
	DefaultBackend            = "memory"
	DefaultSaveInterval       = 60 * time.Second
	DefaultSQLitePath         = "livedata.db"
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 4
	DefaultMinConns           = 1
	DefaultHeartbeatGroupID   = "livedata"
	DefaultEntitlementMode    = "permissive"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
	DefaultLogMaxSizeMB       = 100
	DefaultLogMaxBackups      = 5
	DefaultLogMaxAgeDays      = 30
	DefaultHTTPAddr           = ":9090"
	DefaultMetricsPath        = "/metrics"
)

func (c *ServerConfig) applyDefaults() {
	// Feed defaults
	if c.Feed.Scheme == "" {
		c.Feed.Scheme = DefaultScheme
	}
	if c.Feed.CommandTimeout == 0 {
		c.Feed.CommandTimeout = DefaultCommandTimeout
	}
	if c.Feed.ReconnectBaseDelay == 0 {
		c.Feed.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Feed.ReconnectMaxDelay == 0 {
		c.Feed.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Feed.PingInterval == 0 {
		c.Feed.PingInterval = DefaultPingInterval
	}
	if c.Feed.PingTimeout == 0 {
		c.Feed.PingTimeout = DefaultPingTimeout
	}
	if c.Feed.WriteTimeout == 0 {
		c.Feed.WriteTimeout = DefaultWriteTimeout
	}
	if c.Feed.HandshakeTimeout == 0 {
		c.Feed.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Feed.BufferSize == 0 {
		c.Feed.BufferSize = DefaultFeedBufferSize
	}

	// Reference data defaults
	if c.RefData.Timeout == 0 {
		c.RefData.Timeout = DefaultRefDataTimeout
	}
	if c.RefData.MaxRetries == 0 {
		c.RefData.MaxRetries = DefaultMaxRetries
	}

	// Subscription defaults
	if c.Server.TimeoutExtension == 0 {
		c.Server.TimeoutExtension = DefaultTimeoutExtension
	}
	if c.Server.HeartbeatPeriod == 0 {
		c.Server.HeartbeatPeriod = DefaultHeartbeatPeriod
	}
	if c.Server.CheckPeriod == 0 {
		c.Server.CheckPeriod = c.Server.HeartbeatPeriod / 2
	}
	if c.Server.SendTimeout == 0 {
		c.Server.SendTimeout = DefaultSendTimeout
	}
	if c.Server.DefaultRuleSet == "" {
		c.Server.DefaultRuleSet = DefaultRuleSet
	}
	if c.Server.ResolverCacheSize == 0 {
		c.Server.ResolverCacheSize = DefaultResolverCacheSize
	}

	// Router defaults
	if c.Router.LaneBufferSize == 0 {
		c.Router.LaneBufferSize = DefaultLaneBufferSize
	}
	if c.Router.MaxLaneSize == 0 {
		c.Router.MaxLaneSize = DefaultMaxLaneSize
	}

	// Persistence defaults
	if c.Persistence.Backend == "" {
		c.Persistence.Backend = DefaultBackend
	}
	if c.Persistence.SaveInterval == 0 {
		c.Persistence.SaveInterval = DefaultSaveInterval
	}
	if c.Persistence.SQLite.Path == "" {
		c.Persistence.SQLite.Path = DefaultSQLitePath
	}
	applyDBDefaults(&c.Persistence.Postgres)

	// Heartbeat defaults
	if c.Heartbeat.GroupID == "" {
		c.Heartbeat.GroupID = DefaultHeartbeatGroupID
	}

	// Entitlement defaults
	if c.Entitlement.Mode == "" {
		c.Entitlement.Mode = DefaultEntitlementMode
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = DefaultLogMaxSizeMB
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = DefaultLogMaxBackups
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = DefaultLogMaxAgeDays
	}

	// HTTP defaults
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	if c.HTTP.MetricsPath == "" {
		c.HTTP.MetricsPath = DefaultMetricsPath
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
