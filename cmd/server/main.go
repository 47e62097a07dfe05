package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/npezzotti/go-liveline/internal/api"
	"github.com/npezzotti/go-liveline/internal/config"
	"github.com/npezzotti/go-liveline/internal/counter"
	"github.com/npezzotti/go-liveline/internal/database"
	"github.com/npezzotti/go-liveline/internal/livesession"
	"github.com/npezzotti/go-liveline/internal/messaging"
	"github.com/npezzotti/go-liveline/internal/notify"
	"github.com/npezzotti/go-liveline/internal/presence"
	"github.com/npezzotti/go-liveline/internal/server"
	"github.com/npezzotti/go-liveline/internal/stats"
	"github.com/redis/go-redis/v9"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

var (
	addr           string
	dsn            string
	signingKey     string
	redisAddr      string
	allowedOrigins stringSliceFlag
)

func main() {
	// .env is optional, flags and the environment take precedence
	_ = godotenv.Load()

	flag.StringVar(&addr, "addr", envOr("LIVELINE_ADDR", "localhost:8000"), "server address")
	flag.StringVar(&dsn, "dsn", envOr("LIVELINE_DSN", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable"), "database connection string")
	flag.StringVar(&signingKey, "signing-key", os.Getenv("LIVELINE_SIGNING_KEY"), "base64 encoded signing key")
	flag.StringVar(&redisAddr, "redis-addr", os.Getenv("LIVELINE_REDIS_ADDR"), "redis address for cross-node broadcast, empty disables")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	logger := log.New(os.Stderr, "[liveline] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, dsn, signingKey, allowedOrigins)
	if err != nil {
		logger.Fatal("config:", err)
	}
	cfg.RedisAddr = redisAddr

	dbConn, err := database.NewPgLivelineRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Fatal("db close:", err)
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	registry := presence.NewRegistry(logger)

	var bridge *presence.Bridge
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		bridge = presence.NewBridge(logger, rdb)
		registry.SetBridge(bridge)
	}

	counters := counter.NewAggregator(logger, dbConn, cfg.AppendOnlyKinds)

	sessions := livesession.NewManager(
		logger, dbConn, registry, counters,
		livesession.StaticMediaProvider{},
		cfg.HeartbeatTimeout, cfg.CredentialTTL,
	)

	notifier := notify.NewFanout(
		logger, dbConn, registry,
		&notify.LogGateway{Log: logger}, statsUpdater,
		cfg.CoalescingWindow, cfg.PushRetryAttempts, cfg.PushRetryBase,
	)

	engine := messaging.NewEngine(logger, dbConn, registry, notifier)

	realtime, err := server.NewRealtimeServer(
		logger, cfg, dbConn, registry, counters, sessions, engine, notifier, statsUpdater,
	)
	if err != nil {
		logger.Fatal("new realtime server:", err)
	}

	srv := api.NewLivelineApp(mux, logger, realtime, dbConn, sessions, engine, counters, notifier, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	notifier.Run()
	defer notifier.Stop()

	if bridge != nil {
		bridge.Run()
		defer bridge.Stop()
	}

	sessions.RecoverOrphans()

	go realtime.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down realtime server...")
	realtime.Shutdown()

	logger.Println("shutdown complete")
}
