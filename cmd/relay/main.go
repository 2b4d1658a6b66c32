package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/auth"
	"github.com/Tyrowin/chatrelay/internal/bus"
	"github.com/Tyrowin/chatrelay/internal/config"
	"github.com/Tyrowin/chatrelay/internal/logger"
	"github.com/Tyrowin/chatrelay/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A .env file is optional; the environment always wins.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Starting relay",
		zap.String("port", cfg.Port),
		zap.String("redis", cfg.Redis.Addr()),
		zap.String("backend", cfg.BackendURL),
		zap.Strings("allowed_origins", cfg.AllowedOrigins))

	verifier := auth.NewVerifier(cfg.BackendURL,
		auth.WithTimeout(cfg.AuthTimeout),
		auth.WithLogger(log))

	subscriber := bus.NewRedisSubscriber(bus.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, log)
	defer func() {
		if err := subscriber.Close(); err != nil {
			log.Warn("Error closing bus subscriber", zap.Error(err))
		}
	}()

	if err := subscriber.Ping(ctx); err != nil {
		return fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr(), err)
	}

	srv := server.New(cfg, verifier, subscriber, log)
	if err := srv.Run(ctx); err != nil {
		log.Error("Relay stopped with error", zap.Error(err))
		return err
	}

	log.Info("Relay stopped")
	return nil
}
