// Package main is the entry point for the modelmux daemon: a role-based
// model router with an HTTP admin surface.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelmux/modelmux"
	"github.com/modelmux/modelmux/admin"
	rediscache "github.com/modelmux/modelmux/caches/redis"
	sqlitesink "github.com/modelmux/modelmux/sinks/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file (built-in defaults when empty)")
	addr := flag.String("addr", ":8080", "admin listen address")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	logJSON := flag.Bool("log-json", false, "emit JSON logs")
	redisAddr := flag.String("redis", "", "redis address for the response cache (host:port)")
	usageDB := flag.String("usage-db", "", "sqlite file for durable usage records")
	flag.Parse()

	logger := newLogger(*logLevel, *logJSON)
	slog.SetDefault(logger)

	logger.Info("starting modelmuxd", "version", modelmux.Version)

	opts := []modelmux.Option{
		modelmux.WithLogger(logger),
		modelmux.WithPrometheus(),
		modelmux.WithHotReload(),
	}
	if *configPath != "" {
		opts = append(opts, modelmux.WithConfigFile(*configPath))
	}

	if *redisAddr != "" {
		redisCfg := rediscache.DefaultConfig()
		redisCfg.Addr = *redisAddr
		store, err := rediscache.New(redisCfg)
		if err != nil {
			logger.Error("failed to connect to redis", "addr", *redisAddr, "error", err)
			os.Exit(1)
		}
		defer store.Close()
		opts = append(opts, modelmux.WithCacheStore(store))
		logger.Info("response cache backed by redis", "addr", *redisAddr)
	}

	if *usageDB != "" {
		sink, err := sqlitesink.Open(*usageDB, logger)
		if err != nil {
			logger.Error("failed to open usage database", "path", *usageDB, "error", err)
			os.Exit(1)
		}
		defer sink.Close()
		opts = append(opts, modelmux.WithSink(sink))
		logger.Info("usage records persisted to sqlite", "path", *usageDB)
	}

	router, err := modelmux.New(opts...)
	if err != nil {
		logger.Error("failed to initialize router", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	admin.NewHandler(router, logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:         *addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("admin server listening", "addr", *addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	stop()

	logger.Info("shutting down")

	// Drain the router before stopping the listener so /healthz reports 503
	// while in-flight dispatches finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := router.Shutdown(shutdownCtx); err != nil {
		logger.Error("router drain incomplete", "error", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	logger.Info("stopped")
}

func newLogger(level string, jsonOut bool) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	if jsonOut {
		return slog.New(slog.NewJSONHandler(os.Stdout, hopts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, hopts))
}
