package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *ServerConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Feed.URL == "" {
		return errors.New("feed.url is required")
	}
	if !strings.HasPrefix(c.Feed.URL, "ws://") && !strings.HasPrefix(c.Feed.URL, "wss://") {
		return fmt.Errorf("feed.url must be a ws:// or wss:// url, got %q", c.Feed.URL)
	}
	if (c.Feed.APIKey == "") != (c.Feed.PrivateKeyPath == "") {
		return errors.New("feed.api_key and feed.private_key_path must be set together")
	}
	if c.Feed.SnapshotOnSubscribe && c.RefData.URL == "" {
		return errors.New("feed.snapshot_on_subscribe requires refdata.url")
	}

	if c.Server.TimeoutExtension <= 0 {
		return errors.New("server.timeout_extension must be > 0")
	}
	if c.Server.CheckPeriod <= 0 {
		return errors.New("server.check_period must be > 0")
	}
	if c.Server.ResolverCacheSize < 1 {
		return errors.New("server.resolver_cache_size must be >= 1")
	}

	if c.Router.LaneBufferSize < 1 {
		return errors.New("router.lane_buffer_size must be >= 1")
	}
	if c.Router.MaxLaneSize < c.Router.LaneBufferSize {
		return fmt.Errorf("router.max_lane_size (%d) cannot be below lane_buffer_size (%d)",
			c.Router.MaxLaneSize, c.Router.LaneBufferSize)
	}

	switch c.Persistence.Backend {
	case "memory", "sqlite":
	case "postgres":
		if err := c.Persistence.Postgres.validate("persistence.postgres"); err != nil {
			return err
		}
	case "redis":
		if c.Persistence.Redis.Addr == "" {
			return errors.New("persistence.redis.addr is required")
		}
	default:
		return fmt.Errorf("persistence.backend must be memory, postgres, sqlite or redis, got %q", c.Persistence.Backend)
	}
	if c.Persistence.SaveInterval <= 0 {
		return errors.New("persistence.save_interval must be > 0")
	}

	if len(c.Heartbeat.Brokers) > 0 && c.Heartbeat.Topic == "" {
		return errors.New("heartbeat.topic is required when heartbeat.brokers is set")
	}

	switch c.Entitlement.Mode {
	case "permissive":
	case "static":
		for i, g := range c.Entitlement.Grants {
			if g.User == "" {
				return fmt.Errorf("entitlement.grants[%d].user is required", i)
			}
		}
	default:
		return fmt.Errorf("entitlement.mode must be permissive or static, got %q", c.Entitlement.Mode)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if !strings.HasPrefix(c.HTTP.MetricsPath, "/") {
		return fmt.Errorf("http.metrics_path must start with /, got %q", c.HTTP.MetricsPath)
	}

	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
