package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wenwu/saas-platform/key-service/internal/capacity"
	"github.com/wenwu/saas-platform/key-service/internal/config"
	"github.com/wenwu/saas-platform/key-service/internal/db"
	httpserver "github.com/wenwu/saas-platform/key-service/internal/http"
	"github.com/wenwu/saas-platform/key-service/internal/migrate"
	"github.com/wenwu/saas-platform/key-service/internal/notify"
	"github.com/wenwu/saas-platform/key-service/internal/panel"
	"github.com/wenwu/saas-platform/key-service/internal/repository"
	"github.com/wenwu/saas-platform/key-service/internal/service"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "key-service",
		Short: "VPN key lifecycle and server allocation service",
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serveCmd(), sweepCmd(), migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the lifecycle sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pool, err := db.NewPool(ctx, cfg.Database.DSN(), logger)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer pool.Close()

			keyRepo := repository.NewKeyRepo(pool)
			serverRepo := repository.NewServerRepo(pool)
			locationRepo := repository.NewLocationRepo(pool)
			logRepo := repository.NewLogRepo(pool)

			panels := panel.NewFactory(panel.Options{
				Timeout:            cfg.Panel.Timeout,
				InsecureSkipVerify: cfg.Panel.InsecureSkipVerify,
			}, logger)

			var notifier notify.Notifier = notify.Noop{}
			if cfg.Notifier.GatewayURL != "" {
				notifier = notify.NewGatewayNotifier(cfg.Notifier.GatewayURL, cfg.InternalSecret)
			}

			registry := capacity.NewRegistry(serverRepo, panels, logger)
			planner := capacity.NewPlanner(registry)
			keySvc := service.NewKeyService(keyRepo, logger)
			subscription := service.NewSubscriptionService(
				cfg, keySvc, serverRepo, locationRepo, logRepo,
				planner, registry, panels, notifier, logger)

			sweeper := service.NewSweeper(cfg.Sweep, keyRepo, serverRepo, panels, notifier, logger)
			go sweeper.Run(ctx)

			handler := httpserver.NewHandler(subscription, serverRepo, locationRepo, logRepo, registry)
			server := httpserver.NewServer(cfg, handler)

			errCh := make(chan error, 1)
			go func() {
				logger.Info("key service starting", zap.String("port", cfg.Server.Port))
				errCh <- server.Run(":" + cfg.Server.Port)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				logger.Info("shutting down")
				return nil
			}
		},
	}
}

// sweepCmd runs a single lifecycle pass and exits. Useful for cron-style
// deployments and for manual catch-up after downtime.
func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one lifecycle sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}

			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.Database.DSN(), logger)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer pool.Close()

			panels := panel.NewFactory(panel.Options{
				Timeout:            cfg.Panel.Timeout,
				InsecureSkipVerify: cfg.Panel.InsecureSkipVerify,
			}, logger)

			var notifier notify.Notifier = notify.Noop{}
			if cfg.Notifier.GatewayURL != "" {
				notifier = notify.NewGatewayNotifier(cfg.Notifier.GatewayURL, cfg.InternalSecret)
			}

			sweeper := service.NewSweeper(cfg.Sweep,
				repository.NewKeyRepo(pool), repository.NewServerRepo(pool),
				panels, notifier, logger)
			return sweeper.SweepOnce(ctx)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			return migrate.Up(context.Background(), cfg.Database.DSN())
		},
	}
}
