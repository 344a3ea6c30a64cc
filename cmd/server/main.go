package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"airtime/internal/api"
	"airtime/internal/broadcast"
	"airtime/internal/events"
	"airtime/internal/observability/logging"
	"airtime/internal/observability/metrics"
	"airtime/internal/scheduler"
	"airtime/internal/store"
	"airtime/internal/transcode"
)

const shutdownDeadline = 30 * time.Second

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	storageDriver := flag.String("storage-driver", "", "datastore driver (sqlite or postgres)")
	sqlitePath := flag.String("sqlite-path", "", "path to the SQLite database file")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	apiTokenHash := flag.String("api-token-hash", "", "pbkdf2 hash guarding the operator API")
	corsOrigins := flag.String("cors-origins", "", "comma separated browser origins allowed to call the API")
	platformAPI := flag.String("platform-api", "", "base URL of the broadcast platform API")
	oauthTokenURL := flag.String("oauth-token-url", "", "OAuth2 token endpoint for channel credential refresh")
	matchInterval := flag.Duration("match-interval", 0, "interval between schedule matching passes")
	precreateInterval := flag.Duration("precreate-interval", 0, "interval between broadcast pre-creation passes")
	tokenInterval := flag.Duration("token-interval", 0, "interval between credential refresh passes")
	tokenWindow := flag.Duration("token-refresh-window", 0, "refresh tokens expiring within this lead time")
	precreateMin := flag.Duration("precreate-min", 0, "minimum lead time for broadcast pre-creation")
	precreateMax := flag.Duration("precreate-max", 0, "maximum lead time for broadcast pre-creation")
	processStopTimeout := flag.Duration("process-stop-timeout", 0, "grace period before a streaming process is killed")
	streamStopTimeout := flag.Duration("stream-stop-timeout", 0, "per-stream stop budget during shutdown")
	createsPerMinute := flag.Int("broadcast-creates-per-minute", 0, "platform broadcast creation rate limit")
	reuseBroadcasts := flag.Bool("reuse-scheduled-broadcasts", false, "reuse an existing upcoming broadcast instead of creating one")
	ffmpegBinary := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	eventsDriver := flag.String("events-driver", "", "event publisher driver (memory or redis)")
	eventsRedisAddr := flag.String("events-redis-addr", "", "Redis address for event publishing")
	eventsRedisAddrs := flag.String("events-redis-addrs", "", "comma separated Redis addresses for event publishing")
	eventsRedisUsername := flag.String("events-redis-username", "", "Redis username for event publishing")
	eventsRedisPassword := flag.String("events-redis-password", "", "Redis password for event publishing")
	eventsRedisStream := flag.String("events-redis-stream", "", "Redis stream key for events")
	eventsRedisGroup := flag.String("events-redis-group", "", "Redis consumer group prepared for event consumers")
	eventsRedisMasterName := flag.String("events-redis-sentinel-master", "", "Redis sentinel master name for event publishing")
	flag.Parse()

	_ = godotenv.Load()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("AIRTIME_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("AIRTIME_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	repo, err := openRepository(repositoryOptions{
		Driver:          firstNonEmpty(*storageDriver, os.Getenv("AIRTIME_STORAGE_DRIVER")),
		SQLitePath:      firstNonEmpty(*sqlitePath, os.Getenv("AIRTIME_SQLITE_PATH")),
		PostgresDSN:     firstNonEmpty(*postgresDSN, os.Getenv("AIRTIME_POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		MaxConns:        resolveInt(*postgresMaxConns, "AIRTIME_POSTGRES_MAX_CONNS"),
		MinConns:        resolveInt(*postgresMinConns, "AIRTIME_POSTGRES_MIN_CONNS"),
		MaxConnLifetime: resolveDuration(*postgresMaxConnLifetime, "AIRTIME_POSTGRES_MAX_CONN_LIFETIME", 0),
		MaxConnIdle:     resolveDuration(*postgresMaxConnIdle, "AIRTIME_POSTGRES_MAX_CONN_IDLE", 0),
		AcquireTimeout:  resolveDuration(*postgresAcquireTimeout, "AIRTIME_POSTGRES_ACQUIRE_TIMEOUT", 0),
		AppName:         firstNonEmpty(*postgresAppName, os.Getenv("AIRTIME_POSTGRES_APP_NAME")),
	})
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	publisher, err := configureEvents(eventsOptions{
		Driver:     firstNonEmpty(*eventsDriver, os.Getenv("AIRTIME_EVENTS_DRIVER")),
		Addr:       firstNonEmpty(*eventsRedisAddr, os.Getenv("AIRTIME_EVENTS_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*eventsRedisAddrs, os.Getenv("AIRTIME_EVENTS_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*eventsRedisUsername, os.Getenv("AIRTIME_EVENTS_REDIS_USERNAME")),
		Password:   firstNonEmpty(*eventsRedisPassword, os.Getenv("AIRTIME_EVENTS_REDIS_PASSWORD")),
		Stream:     firstNonEmpty(*eventsRedisStream, os.Getenv("AIRTIME_EVENTS_REDIS_STREAM")),
		Group:      firstNonEmpty(*eventsRedisGroup, os.Getenv("AIRTIME_EVENTS_REDIS_GROUP")),
		MasterName: firstNonEmpty(*eventsRedisMasterName, os.Getenv("AIRTIME_EVENTS_REDIS_SENTINEL_MASTER")),
	}, logger)
	if err != nil {
		logger.Error("failed to configure event publisher", "error", err)
		os.Exit(1)
	}

	platform, err := configurePlatform(firstNonEmpty(*platformAPI, os.Getenv("AIRTIME_PLATFORM_API")), logger)
	if err != nil {
		logger.Error("failed to configure platform client", "error", err)
		os.Exit(1)
	}

	runner := transcode.NewFFmpegRunner(logging.WithComponent(logger, "transcode"))
	if binary := firstNonEmpty(*ffmpegBinary, os.Getenv("AIRTIME_FFMPEG")); binary != "" {
		runner.Binary = binary
	}

	sched := scheduler.New(scheduler.Config{
		MatchInterval:            resolveDuration(*matchInterval, "AIRTIME_MATCH_INTERVAL", 0),
		PrecreateInterval:        resolveDuration(*precreateInterval, "AIRTIME_PRECREATE_INTERVAL", 0),
		TokenInterval:            resolveDuration(*tokenInterval, "AIRTIME_TOKEN_INTERVAL", 0),
		TokenRefreshWindow:       resolveDuration(*tokenWindow, "AIRTIME_TOKEN_REFRESH_WINDOW", 0),
		PrecreateMin:             resolveDuration(*precreateMin, "AIRTIME_PRECREATE_MIN", 0),
		PrecreateMax:             resolveDuration(*precreateMax, "AIRTIME_PRECREATE_MAX", 0),
		ProcessStopTimeout:       resolveDuration(*processStopTimeout, "AIRTIME_PROCESS_STOP_TIMEOUT", 0),
		StreamStopTimeout:        resolveDuration(*streamStopTimeout, "AIRTIME_STREAM_STOP_TIMEOUT", 0),
		CreatesPerMinute:         resolveInt(*createsPerMinute, "AIRTIME_BROADCAST_CREATES_PER_MINUTE"),
		TokenURL:                 firstNonEmpty(*oauthTokenURL, os.Getenv("AIRTIME_OAUTH_TOKEN_URL")),
		ReuseScheduledBroadcasts: resolveBool(*reuseBroadcasts, "AIRTIME_REUSE_SCHEDULED_BROADCASTS"),
	}, repo, platform, runner, publisher, logging.WithComponent(logger, "scheduler"), recorder)

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	err = sched.Start(startCtx)
	cancelStart()
	if err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	listenAddr := firstNonEmpty(*addr, os.Getenv("AIRTIME_ADDR"))
	if listenAddr == "" {
		listenAddr = ":8080"
	}
	apiServer := api.New(repo, sched, recorder, logging.WithComponent(logger, "api"), firstNonEmpty(*apiTokenHash, os.Getenv("AIRTIME_API_TOKEN_HASH")))
	if origins := splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("AIRTIME_CORS_ORIGINS"))); len(origins) > 0 {
		if err := apiServer.SetAllowedOrigins(origins); err != nil {
			logger.Error("invalid CORS origins", "error", err)
			os.Exit(1)
		}
	}
	httpServer := &http.Server{
		Addr:              listenAddr,
		Handler:           apiServer.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("operator API listening", "addr", listenAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 2)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	force := make(chan struct{}, 1)
	go func() {
		<-quit
		force <- struct{}{}
	}()

	steps := []shutdownStep{
		{name: "http-server", run: httpServer.Shutdown},
		{name: "scheduler-loops", run: func(context.Context) error {
			sched.StopLoops()
			return nil
		}},
		{name: "active-streams", run: sched.StopStreams},
		{name: "event-publisher", run: func(context.Context) error {
			return publisher.Close()
		}},
		{name: "datastore", run: repo.Close},
	}
	if !runShutdown(logger, shutdownDeadline, force, steps) {
		os.Exit(1)
	}
	logger.Info("server stopped")
}

type repositoryOptions struct {
	Driver          string
	SQLitePath      string
	PostgresDSN     string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdle     time.Duration
	AcquireTimeout  time.Duration
	AppName         string
}

func openRepository(opts repositoryOptions) (store.Repository, error) {
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	if driver == "" {
		if opts.PostgresDSN != "" {
			driver = "postgres"
		} else {
			driver = "sqlite"
		}
	}
	switch driver {
	case "sqlite":
		path := opts.SQLitePath
		if path == "" {
			path = "data/airtime.db"
		}
		return store.NewSQLiteRepository(path, store.WithBusyTimeout(5*time.Second))
	case "postgres":
		if strings.TrimSpace(opts.PostgresDSN) == "" {
			return nil, fmt.Errorf("postgres storage selected without DSN")
		}
		storeOpts := []store.Option{
			store.WithPoolLimits(int32(opts.MaxConns), int32(opts.MinConns)),
			store.WithPoolDurations(opts.MaxConnLifetime, opts.MaxConnIdle, 0),
			store.WithAcquireTimeout(opts.AcquireTimeout),
		}
		if opts.AppName != "" {
			storeOpts = append(storeOpts, store.WithApplicationName(opts.AppName))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return store.NewPostgresRepository(ctx, opts.PostgresDSN, storeOpts...)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

type eventsOptions struct {
	Driver     string
	Addr       string
	Addrs      []string
	Username   string
	Password   string
	Stream     string
	Group      string
	MasterName string
}

func configureEvents(opts eventsOptions, logger *slog.Logger) (events.Publisher, error) {
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	switch driver {
	case "redis":
		if len(opts.Addrs) == 0 && strings.TrimSpace(opts.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for the events publisher")
		}
		return events.NewRedisPublisher(events.RedisConfig{
			Addr:       opts.Addr,
			Addrs:      opts.Addrs,
			Username:   opts.Username,
			Password:   opts.Password,
			Stream:     opts.Stream,
			Group:      opts.Group,
			MasterName: opts.MasterName,
			Logger:     logging.WithComponent(logger, "events"),
		})
	case "", "memory":
		return events.NewMemoryPublisher(logging.WithComponent(logger, "events")), nil
	default:
		return nil, fmt.Errorf("unsupported events driver %q", driver)
	}
}

func configurePlatform(baseURL string, logger *slog.Logger) (broadcast.Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		logger.Warn("no broadcast platform configured, streams run without broadcasts")
		return nil, nil
	}
	cfg, err := broadcast.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	cfg.BaseURL = baseURL
	client, err := broadcast.NewHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	client.SetLogger(logging.WithComponent(logger, "platform"))
	return client, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
