// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/oidcd/pkg/authserver"
	"github.com/stacklok/oidcd/pkg/authserver/keys"
	"github.com/stacklok/oidcd/pkg/authserver/storage"
)

const (
	defaultGracefulTimeout = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second
	serverIdleTimeout      = 60 * time.Second
)

func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the provider",
		RunE:  runServe,
	}

	flags := serveCmd.Flags()
	flags.String("address", ":8080", "Address to listen on")
	flags.String("issuer", "http://localhost:8080", "External issuer URL")
	flags.String("seed-file", "", "YAML file with clients and users to load at startup")
	flags.String("key-file", "", "PEM signing key (generated in memory when empty)")
	flags.StringSlice("fallback-key-files", nil, "Additional PEM keys published for verification")
	flags.String("redis-addr", "", "Redis address (in-memory storage when empty)")
	flags.String("redis-password", "", "Redis password")
	flags.Bool("skip-consent", false, "Never prompt for consent")
	flags.Bool("reuse-consent", true, "Skip the prompt when a covering consent is on record")
	flags.Duration("consent-lifespan", 0, "How long recorded consents are honored (0 = forever)")

	for _, name := range []string{
		"address", "issuer", "seed-file", "key-file", "fallback-key-files",
		"redis-addr", "redis-password", "skip-consent", "reuse-consent",
		"consent-lifespan",
	} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			slog.Error("binding flag failed", "flag", name, "error", err)
			os.Exit(1)
		}
	}

	return serveCmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read configuration: %w", err)
		}
	}

	store, err := buildStorage(ctx)
	if err != nil {
		return err
	}

	keyProvider, err := buildKeyProvider()
	if err != nil {
		return err
	}

	seed, err := loadSeed(viper.GetString("seed-file"))
	if err != nil {
		return err
	}
	if err := seed.provision(ctx, store); err != nil {
		return err
	}

	host := newDevHost(seed.users)

	srv, err := authserver.New(authserver.Config{
		Issuer:               viper.GetString("issuer"),
		ConsentLifespan:      viper.GetDuration("consent-lifespan"),
		SkipConsentAlways:    viper.GetBool("skip-consent"),
		SkipConsentIfGranted: viper.GetBool("reuse-consent"),
	}, authserver.Options{
		Storage:       store,
		Keys:          keyProvider,
		Authenticator: host,
		Users:         host,
		Sessions:      host,
	})
	if err != nil {
		return fmt.Errorf("failed to assemble provider: %w", err)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	host.Register(router)
	srv.Register(router)

	address := viper.GetString("address")
	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		slog.Info("server listening", "address", address, "issuer", viper.GetString("issuer"))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	slog.Info("shutdown complete")
	return nil
}

func buildStorage(ctx context.Context) (storage.Storage, error) {
	redisAddr := viper.GetString("redis-addr")
	if redisAddr == "" {
		slog.Info("using in-memory storage")
		return storage.NewMemoryStorage(), nil
	}
	slog.Info("using redis storage", "address", redisAddr)
	store, err := storage.NewRedisStorage(ctx, storage.RedisConfig{
		Addr:     redisAddr,
		Password: viper.GetString("redis-password"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return store, nil
}

func buildKeyProvider() (keys.KeyProvider, error) {
	keyFile := viper.GetString("key-file")
	if keyFile == "" {
		slog.Warn("no signing key configured, generating an ephemeral key")
		set := keys.NewRotatingKeySet()
		if _, err := set.Generate(keys.DefaultAlgorithm); err != nil {
			return nil, fmt.Errorf("failed to generate signing key: %w", err)
		}
		return set, nil
	}
	provider, err := keys.NewFileProvider(keys.Config{
		SigningKeyFile:   keyFile,
		FallbackKeyFiles: viper.GetStringSlice("fallback-key-files"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load signing keys: %w", err)
	}
	return provider, nil
}
