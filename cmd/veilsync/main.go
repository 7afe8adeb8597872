package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/veilsync/veilsync/internal/config"
	"github.com/veilsync/veilsync/internal/logging"
	"github.com/veilsync/veilsync/internal/relay"
	"github.com/veilsync/veilsync/internal/server"
	"github.com/veilsync/veilsync/internal/storage"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "veilsync",
		Short: "VeilSync encrypted note relay",
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
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("primary-backend", defaults.GetString("persistence.primary"), "Primary persistence backend (sqlite, memory)")
	cmd.PersistentFlags().String("fallback-backend", defaults.GetString("persistence.fallback"), "Fallback persistence backend (memory, sqlite)")
	cmd.PersistentFlags().Bool("auto-failover", defaults.GetBool("persistence.auto_failover"), "Fail over automatically when the active backend is unhealthy")
	cmd.PersistentFlags().Duration("health-interval", defaults.GetDuration("persistence.health_interval"), "Backend health check interval")
	cmd.PersistentFlags().Duration("retention", defaults.GetDuration("persistence.retention"), "Inactive room retention window")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "persistence.primary", "primary-backend")
	bindFlag(cmd, "persistence.fallback", "fallback-backend")
	bindFlag(cmd, "persistence.auto_failover", "auto-failover")
	bindFlag(cmd, "persistence.health_interval", "health-interval")
	bindFlag(cmd, "persistence.retention", "retention")
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

	manager, err := storage.NewManager(storage.ManagerConfig{
		Primary:        appConfig.PrimaryBackend,
		Fallback:       appConfig.FallbackBackend,
		Open:           backendOpener(appConfig, logger),
		AutoFailover:   appConfig.AutoFailover,
		HealthInterval: appConfig.HealthInterval,
		Retention:      appConfig.Retention,
		Logger:         logger,
		OnFailover: func(from, to string) {
			logger.Warn("persistence failover",
				zap.String("from", from),
				zap.String("to", to))
		},
	})
	if err != nil {
		return err
	}
	if err := manager.Initialize(ctx); err != nil {
		return err
	}
	defer manager.Close()

	metrics := relay.NewMetrics(prometheus.DefaultRegisterer)
	hub := relay.NewHub(relay.HubConfig{
		Persistence: manager,
		Logger:      logger,
		Metrics:     metrics,
		OnPersistError: func(roomID string, persistErr error) {
			logger.Error("room persist failed",
				zap.String("room_id", roomID),
				zap.Error(persistErr))
		},
	})
	defer hub.Close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Hub:     hub,
		Manager: manager,
		Logger:  logger,
		Metrics: promhttp.Handler(),
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
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("backend", manager.ActiveBackend()))
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
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func backendOpener(appConfig config.AppConfig, logger *zap.Logger) storage.Opener {
	return func(name string) (storage.Backend, error) {
		switch name {
		case storage.BackendNameMemory:
			return storage.NewMemory(), nil
		case storage.BackendNameSQLite:
			return storage.OpenSQLite(appConfig.DatabasePath, logger)
		default:
			return nil, fmt.Errorf("%w: %q", storage.ErrUnknownBackend, name)
		}
	}
}
