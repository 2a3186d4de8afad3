// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Command syncstored runs the reference remote store for cross-device
// synchronization: row CRUD, the ordered change feed, and device,
// presence and session bookkeeping, behind JWT bearer auth.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"

	"github.com/Sugarbait/MedEx-sub009/devsync"
)

type serverConfig struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	DatabaseURL string `mapstructure:"database_url"`
	JWTSecret   string `mapstructure:"jwt_secret"`
	AppName     string `mapstructure:"app_name"`
}

func loadConfig() (*serverConfig, error) {
	v := viper.New()
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("app_name", "syncstored")

	v.SetConfigName("syncstored")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/syncstored")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	v.SetEnvPrefix("SYNCSTORED")
	v.AutomaticEnv()
	_ = v.BindEnv("listen_addr")
	_ = v.BindEnv("database_url")
	_ = v.BindEnv("jwt_secret")
	_ = v.BindEnv("app_name")

	var cfg serverConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		logger.Error("database_url must be configured (SYNCSTORED_DATABASE_URL)")
		os.Exit(1)
	}
	if cfg.JWTSecret == "" {
		logger.Error("jwt_secret must be configured (SYNCSTORED_JWT_SECRET)")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create connection pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := devsync.InitSchema(ctx, pool); err != nil {
		logger.Error("failed to initialize schema", "error", err)
		os.Exit(1)
	}

	service, err := devsync.NewStoreService(pool, &devsync.ServiceConfig{AppName: cfg.AppName}, logger)
	if err != nil {
		logger.Error("failed to create store service", "error", err)
		os.Exit(1)
	}
	defer service.Close()

	handlers := devsync.NewHTTPHandlers(service, devsync.NewJWTAuth(cfg.JWTSecret), logger)
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handlers.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("store listening", "addr", cfg.ListenAddr, "app", cfg.AppName)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}
