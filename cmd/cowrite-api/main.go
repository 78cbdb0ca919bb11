package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cowritelabs/cowrite/internal/auth"
	"github.com/cowritelabs/cowrite/internal/config"
	"github.com/cowritelabs/cowrite/internal/database"
	"github.com/cowritelabs/cowrite/internal/documents"
	"github.com/cowritelabs/cowrite/internal/logging"
	"github.com/cowritelabs/cowrite/internal/relay"
	"github.com/cowritelabs/cowrite/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cowrite-api",
		Short: "Cowrite collaborative editing backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for cross-process relay (empty runs in-process)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Session token TTL in minutes")
	cmd.PersistentFlags().Int("mirror-debounce-ms", defaults.GetInt("sync.mirror_debounce_ms"), "Plain-text mirror debounce in milliseconds")
	cmd.PersistentFlags().Int("snapshot-interval-s", defaults.GetInt("sync.snapshot_interval_s"), "Replica snapshot interval in seconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "sync.mirror_debounce_ms", "mirror-debounce-ms")
	bindFlag(cmd, "sync.snapshot_interval_s", "snapshot-interval-s")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	documentsService, err := documents.NewService(documents.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: documents.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	documentRelay, closeRelay, err := buildRelay(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeRelay()

	hubs, err := server.NewHubManager(server.HubManagerConfig{
		Store:          documentsService,
		Relay:          documentRelay,
		Logger:         logger,
		MirrorDebounce: appConfig.MirrorDebounce,
		SnapshotEvery:  appConfig.SnapshotInterval,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Documents:    documentsService,
		Relay:        documentRelay,
		Hubs:         hubs,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		// Hubs flush after the listener drains so every accepted update
		// still reaches a snapshot before the process exits.
		hubs.CloseAll(shutdownCtx)
		return shutdownErr
	case err := <-errCh:
		return err
	}
}

func buildRelay(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (relay.Relay, func(), error) {
	if appConfig.RedisAddress == "" {
		logger.Info("relay running in-process")
		return relay.NewBroker(), func() {}, nil
	}

	redisRelay, err := relay.NewRedis(ctx, relay.RedisConfig{
		Address: appConfig.RedisAddress,
		Logger:  logger,
	})
	if err != nil {
		return nil, nil, err
	}
	closeRelay := func() {
		if closeErr := redisRelay.Close(); closeErr != nil {
			logger.Warn("relay close failed", zap.Error(closeErr))
		}
	}
	return redisRelay, closeRelay, nil
}
