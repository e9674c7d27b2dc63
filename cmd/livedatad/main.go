package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rickgao/livedata/internal/api"
	"github.com/rickgao/livedata/internal/auth"
	"github.com/rickgao/livedata/internal/config"
	"github.com/rickgao/livedata/internal/connection"
	"github.com/rickgao/livedata/internal/database"
	"github.com/rickgao/livedata/internal/entitlement"
	"github.com/rickgao/livedata/internal/heartbeat"
	"github.com/rickgao/livedata/internal/logging"
	"github.com/rickgao/livedata/internal/metrics"
	"github.com/rickgao/livedata/internal/mgmt"
	"github.com/rickgao/livedata/internal/normalization"
	"github.com/rickgao/livedata/internal/persistence"
	"github.com/rickgao/livedata/internal/resolver"
	"github.com/rickgao/livedata/internal/router"
	"github.com/rickgao/livedata/internal/sender"
	"github.com/rickgao/livedata/internal/server"
	"github.com/rickgao/livedata/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/livedata.local.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "config", *configPath)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		slog.Error("failed to open log file", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	slog.SetDefault(logger)

	logger.Info("starting livedatad",
		"version", version.String(),
		"instance_id", cfg.Instance.ID,
		"config", *configPath,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("livedatad failed", "error", err)
		os.Exit(1)
	}
	logger.Info("livedatad stopped")
}

func run(cfg *config.ServerConfig, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Credentials sign both the feed handshake and reference data calls.
	var creds *auth.Credentials
	if cfg.Feed.APIKey != "" {
		c, err := auth.LoadCredentials(cfg.Feed.APIKey, cfg.Feed.PrivateKeyPath)
		if err != nil {
			return err
		}
		creds = c
	}

	// Reference data
	var refdata *api.Client
	if cfg.RefData.URL != "" {
		opts := []api.ClientOption{
			api.WithLogger(logger),
			api.WithTimeout(cfg.RefData.Timeout),
			api.WithRetries(cfg.RefData.MaxRetries, time.Second),
		}
		if creds != nil {
			opts = append(opts, api.WithCredentials(creds))
		}
		refdata = api.NewClient(cfg.RefData.URL, cfg.Feed.APIKey, opts...)
	}

	// Upstream feed
	feedCfg := connection.DefaultFeedConfig()
	feedCfg.Scheme = cfg.Feed.Scheme
	feedCfg.SnapshotOnSubscribe = cfg.Feed.SnapshotOnSubscribe
	feedCfg.CommandTimeout = cfg.Feed.CommandTimeout
	feedCfg.ReconnectBaseWait = cfg.Feed.ReconnectBaseDelay
	feedCfg.ReconnectMaxWait = cfg.Feed.ReconnectMaxDelay
	feedCfg.MessageBufferSize = cfg.Feed.BufferSize
	feedCfg.Client.URL = cfg.Feed.URL
	feedCfg.Client.Credentials = creds
	feedCfg.Client.PingInterval = cfg.Feed.PingInterval
	feedCfg.Client.PingTimeout = cfg.Feed.PingTimeout
	feedCfg.Client.WriteTimeout = cfg.Feed.WriteTimeout
	feedCfg.Client.HandshakeTimeout = cfg.Feed.HandshakeTimeout

	var snapshots connection.SnapshotSource
	if refdata != nil {
		snapshots = refdata
	}
	feed := connection.NewFeed(feedCfg, snapshots, logger.With("component", "feed"))

	// Resolution
	ruleSets := normalization.NewRegistry(cfg.Server.DefaultRuleSet)
	var specs resolver.SpecResolver = resolver.NewDomainResolver(cfg.Feed.Scheme, ruleSets)
	if refdata != nil {
		specs = resolver.NewRefDataResolver(cfg.Feed.Scheme, refdata, ruleSets, logger)
	}
	var dists resolver.DistributionResolver = resolver.NaiveResolver{}
	if cfg.Server.TopicPrefix != "" {
		dists = resolver.TopicResolver{Prefix: cfg.Server.TopicPrefix}
	}
	cached, err := resolver.NewCachingResolver(dists, cfg.Server.ResolverCacheSize)
	if err != nil {
		return err
	}

	var checker entitlement.Checker = entitlement.Permissive{}
	if cfg.Entitlement.Mode == "static" {
		checker = entitlement.NewStatic(cfg.Entitlement.Grants)
	}

	// Senders
	senderCfg := sender.Config{Log: cfg.Senders.Log, MemoryLimit: cfg.Senders.MemoryLimit}
	if len(cfg.Senders.Kafka.Brokers) > 0 {
		senderCfg.Kafka = &sender.KafkaConfig{
			Brokers:      cfg.Senders.Kafka.Brokers,
			BatchSize:    cfg.Senders.Kafka.BatchSize,
			BatchTimeout: cfg.Senders.Kafka.BatchTimeout,
			AutoCreate:   cfg.Senders.Kafka.AutoCreate,
		}
	}
	if cfg.Senders.Redis.Addr != "" {
		senderCfg.Redis = &sender.RedisConfig{
			Addr:     cfg.Senders.Redis.Addr,
			Password: cfg.Senders.Redis.Password,
			DB:       cfg.Senders.Redis.DB,
		}
	}
	senders, err := sender.Build(senderCfg, logger)
	if err != nil {
		return err
	}
	defer senders.Close()

	// Server
	m := metrics.New()
	srvCfg := server.DefaultConfig()
	srvCfg.TimeoutExtension = cfg.Server.TimeoutExtension
	srvCfg.SendTimeout = cfg.Server.SendTimeout

	srv, err := server.New(srvCfg, server.Dependencies{
		Feed:                 feed,
		SpecResolver:         specs,
		DistributionResolver: cached,
		Entitlement:          checker,
		RuleSets:             ruleSets,
		Senders:              senders.Senders,
		Observer:             m,
	}, logger.With("component", "server"))
	if err != nil {
		return err
	}
	srv.AddListener(m)
	m.RegisterServer(srv)

	// Ticks: feed -> router lanes -> server
	rt := router.NewRouter(router.RouterConfig{
		LaneBufferSize: cfg.Router.LaneBufferSize,
		MaxLaneSize:    cfg.Router.MaxLaneSize,
	}, feed.Messages(), srv, logger.With("component", "router"))
	srv.AddListener(rt)
	m.RegisterCounterFunc("ticks_dropped_total", "Ticks dropped from full router lanes.",
		func() float64 { return float64(rt.Stats().TicksDropped) })
	m.RegisterCounterFunc("sequence_gaps_total", "Sequence gaps detected on the feed.",
		func() float64 { return float64(rt.Stats().SequenceGaps) })
	m.RegisterCounterFunc("ticks_untracked_total", "Ticks for keys with no live subscription.",
		func() float64 { return float64(rt.Stats().UntrackedTicks) })

	feed.OnReconnect(srv.ReestablishSubscriptions)

	if err := rt.Start(ctx); err != nil {
		return err
	}
	defer stopWithTimeout(logger, "router", rt.Stop)

	if err := srv.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		feed.Stop(context.Background())
	}()

	// Expiry and heartbeats
	expiry := server.NewExpirationManager(srv, server.ExpirationConfig{
		HeartbeatPeriod: cfg.Server.HeartbeatPeriod,
		CheckPeriod:     cfg.Server.CheckPeriod,
	}, logger.With("component", "expiry"))
	if err := expiry.Start(ctx); err != nil {
		return err
	}
	defer stopWithTimeout(logger, "expiration manager", expiry.Stop)
	m.RegisterCounterFunc("expiry_sweeps_expired_total", "Subscriptions removed by expiry sweeps.",
		func() float64 { return float64(expiry.Expired()) })

	publications := server.NewActiveSecurityPublicationManager(srv, logger.With("component", "heartbeat"))
	receiver := heartbeat.NewReceiver(publications, logger.With("component", "heartbeat"))
	m.RegisterCounterFunc("heartbeats_total", "Heartbeat messages received.",
		func() float64 { return float64(publications.Stats().Received) })

	if len(cfg.Heartbeat.Brokers) > 0 {
		consumer, err := heartbeat.NewKafkaConsumer(heartbeat.KafkaConfig{
			Brokers: cfg.Heartbeat.Brokers,
			Topic:   cfg.Heartbeat.Topic,
			GroupID: cfg.Heartbeat.GroupID,
		}, receiver, logger.With("component", "heartbeat"))
		if err != nil {
			return err
		}
		if err := consumer.Start(ctx); err != nil {
			return err
		}
		defer stopWithTimeout(logger, "heartbeat consumer", consumer.Stop)
	}

	// Persistent subscriptions
	store, storeCloser, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if storeCloser != nil {
		defer storeCloser.Close()
	}
	manager := persistence.NewManager(srv, store, cfg.Persistence.SaveInterval, logger.With("component", "persistence"))
	if err := manager.Refresh(ctx); err != nil {
		return err
	}
	if err := manager.Start(ctx); err != nil {
		return err
	}
	defer stopWithTimeout(logger, "persistence manager", manager.Stop)
	m.RegisterCounterFunc("persistence_writes_total", "Writes of the persistent subscription set.",
		func() float64 { return float64(manager.Stats().Writes) })

	// Management API
	httpServer := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: mgmt.NewHandler(mgmt.Options{
			InstanceID:  cfg.Instance.ID,
			Server:      srv,
			Persistence: manager,
			Heartbeats:  receiver,
			Metrics:     m.Handler(),
			MetricsPath: cfg.HTTP.MetricsPath,
			Stats: map[string]func() any{
				"feed":      func() any { return feed.Stats() },
				"router":    func() any { return rt.Stats() },
				"heartbeat": func() any { return receiver.Stats() },
			},
			Logger: logger,
		}),
	}
	go func() {
		logger.Info("starting management server", "addr", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("management server error", "error", err)
			cancel()
		}
	}()

	logger.Info("livedatad running",
		"instance_id", cfg.Instance.ID,
		"subscriptions", srv.NumActiveSubscriptions(),
		"persistence", cfg.Persistence.Backend,
	)

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	return nil
}

func openStore(ctx context.Context, cfg *config.ServerConfig, logger *slog.Logger) (persistence.Store, io.Closer, error) {
	opts := persistence.Options{
		Backend:    cfg.Persistence.Backend,
		SQLitePath: cfg.Persistence.SQLite.Path,
		RedisKey:   cfg.Persistence.RedisKey,
	}

	switch cfg.Persistence.Backend {
	case persistence.BackendPostgres:
		logger.Info("connecting to database",
			"host", cfg.Persistence.Postgres.Host,
			"port", cfg.Persistence.Postgres.Port,
			"database", cfg.Persistence.Postgres.Name,
		)
		pool, err := database.Connect(ctx, cfg.Persistence.Postgres, cfg.Instance.ID)
		if err != nil {
			return nil, nil, err
		}
		opts.Postgres = pool
		store, _, err := persistence.Open(ctx, opts)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, closerFunc(func() error { pool.Close(); return nil }), nil
	case persistence.BackendRedis:
		opts.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Persistence.Redis.Addr,
			Password: cfg.Persistence.Redis.Password,
			DB:       cfg.Persistence.Redis.DB,
		})
		if err := opts.Redis.Ping(ctx).Err(); err != nil {
			opts.Redis.Close()
			return nil, nil, err
		}
	}
	return persistence.Open(ctx, opts)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func stopWithTimeout(logger *slog.Logger, name string, stop func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := stop(ctx); err != nil {
		logger.Warn("stop failed", "component", name, "error", err)
	}
}
