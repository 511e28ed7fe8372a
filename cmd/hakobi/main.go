package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/hakobi/internal/auth"
	"github.com/ashita-ai/hakobi/internal/blob"
	"github.com/ashita-ai/hakobi/internal/config"
	"github.com/ashita-ai/hakobi/internal/identity"
	"github.com/ashita-ai/hakobi/internal/lifecycle"
	"github.com/ashita-ai/hakobi/internal/mcp"
	"github.com/ashita-ai/hakobi/internal/notify"
	"github.com/ashita-ai/hakobi/internal/ratelimit"
	"github.com/ashita-ai/hakobi/internal/server"
	"github.com/ashita-ai/hakobi/internal/storage"
	"github.com/ashita-ai/hakobi/internal/telemetry"
	"github.com/ashita-ai/hakobi/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(os.Getenv("HAKOBI_LOG_LEVEL")),
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func logLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("hakobi starting", "version", version, "port", cfg.Port, "feeds", cfg.ChangeFeeds)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close(context.Background())
	db.RegisterPoolMetrics()

	// RunMigrations tracks applied files, so an error here is a real failure.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if cfg.JWTPrivateKeyPath == "" {
		logger.Warn("auth: using an ephemeral signing key; tokens will not survive a restart")
	}

	blobs, err := blob.OpenSQLite(ctx, cfg.BlobPath, cfg.MaxBlobBytes)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}
	defer func() { _ = blobs.Close() }()

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: ping: %w", err)
		}
	}

	feeds, source, closers, err := changeFeeds(ctx, cfg, db, rdb, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()
	notifier := notify.New(logger, notify.DefaultPublishTimeout, feeds...)

	var names lifecycle.NameResolver
	if cfg.SeedIdentities != "" {
		dir, err := identity.ParseDirectory(cfg.SeedIdentities)
		if err != nil {
			return fmt.Errorf("identity: %w", err)
		}
		names = identity.NewCache(dir, cfg.IdentityCacheTTL)
		logger.Info("identity: directory loaded", "actors", dir.Len())
	}

	engine := lifecycle.New(lifecycle.Config{
		Store:     db,
		Publisher: notifier,
		Blobs:     blobs,
		Names:     names,
		Logger:    logger,
	})

	var broker *server.Broker
	if source != nil {
		broker = server.NewBroker(source, logger)
	} else {
		logger.Info("SSE broker: disabled (no readable change feed)")
	}

	limiter, err := newLimiter(cfg, rdb, logger)
	if err != nil {
		return err
	}
	defer func() { _ = limiter.Close() }()

	mcpSrv := mcp.New(engine, db, logger, version)

	srv := server.New(server.ServerConfig{
		Engine:              engine,
		Reader:              db,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		DB:                  db,
		Blobs:               blobs,
		Broker:              broker,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		MaxBlobBytes:        cfg.MaxBlobBytes,
	})

	g, gctx := errgroup.WithContext(ctx)
	if broker != nil {
		g.Go(func() error {
			broker.Start(gctx)
			return nil
		})
	}
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("hakobi shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("hakobi stopped")
	return nil
}

// sourceFeed picks the feed the SSE broker reads from. Postgres is preferred
// when a LISTEN connection exists, then Redis, then the in-process feed.
// Kafka is write-only here. An empty result means no live stream.
func sourceFeed(names []string, pgListen bool) string {
	has := make(map[string]bool, len(names))
	for _, n := range names {
		has[n] = true
	}
	switch {
	case has[config.FeedPostgres] && pgListen:
		return config.FeedPostgres
	case has[config.FeedRedis]:
		return config.FeedRedis
	case has[config.FeedLocal]:
		return config.FeedLocal
	}
	return ""
}

// changeFeeds builds the configured feeds. Only the source picked by
// sourceFeed is subscribed to. The in-process feed has no reader of its own,
// so it is skipped unless it is that source.
func changeFeeds(ctx context.Context, cfg config.Config, db *storage.DB, rdb *redis.Client, logger *slog.Logger) ([]notify.Feed, notify.Source, []io.Closer, error) {
	var (
		feeds   []notify.Feed
		closers []io.Closer
		source  notify.Source
	)
	picked := sourceFeed(cfg.ChangeFeeds, db.HasNotifyConn())

	for _, name := range cfg.ChangeFeeds {
		switch name {
		case config.FeedPostgres:
			feeds = append(feeds, notify.NewPGFeed(db))
			if picked == name {
				source = notify.NewPGSource(db)
			}
		case config.FeedRedis:
			feeds = append(feeds, notify.NewRedisFeed(rdb, cfg.RedisChannel))
			if picked == name {
				src, err := notify.NewRedisSource(ctx, rdb, cfg.RedisChannel)
				if err != nil {
					return nil, nil, closers, err
				}
				closers = append(closers, src)
				source = src
			}
		case config.FeedKafka:
			kf, err := notify.NewKafkaFeed(cfg.KafkaBrokers, cfg.KafkaTopic)
			if err != nil {
				return nil, nil, closers, err
			}
			closers = append(closers, kf)
			feeds = append(feeds, kf)
		case config.FeedLocal:
			if picked != name {
				logger.Warn("change feed: local feed skipped, another source is in use", "source", picked)
				continue
			}
			l := notify.NewLocal(0)
			feeds = append(feeds, l)
			source = l
		}
		logger.Info("change feed: enabled", "feed", name, "source", picked == name)
	}
	return feeds, source, closers, nil
}

func newLimiter(cfg config.Config, rdb *redis.Client, logger *slog.Logger) (ratelimit.Limiter, error) {
	switch cfg.RateLimiter {
	case config.LimiterMemory:
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
		return ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst), nil
	case config.LimiterRedis:
		if rdb == nil {
			return nil, errors.New("rate limiting: redis limiter needs REDIS_URL")
		}
		// The sliding window admits a full burst, refilled at the configured rate.
		window := time.Duration(float64(cfg.RateLimitBurst) / cfg.RateLimitRPS * float64(time.Second))
		logger.Info("rate limiting: redis (sliding window)",
			"limit", cfg.RateLimitBurst, "window", window)
		return ratelimit.NewRedisLimiter(rdb, ratelimit.DefaultRedisPrefix, cfg.RateLimitBurst, window), nil
	default:
		logger.Info("rate limiting: disabled")
		return ratelimit.NoopLimiter{}, nil
	}
}
