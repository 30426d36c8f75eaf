// Command consent-server runs the patient consent access gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/qrhealth/consent-core/internal/config"
	"github.com/qrhealth/consent-core/internal/migrate"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

var errNoDatabase = errors.New("DATABASE_URL is required for this command")

func main() {
	root := &cobra.Command{
		Use:           "consent-server",
		Short:         "Patient consent access gateway",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), migrateCmd(), sweepCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads configuration and builds the logger shared by every command.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.IsDev() {
		zc = zap.NewDevelopmentConfig()
	}
	lvl, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	zc.Level = lvl
	return zc.Build()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the gRPC probe and the expiry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			log.Info("starting",
				zap.String("version", version),
				zap.String("buildDate", buildDate),
				zap.String("env", cfg.Env),
			)

			ctx, stop := signalContext()
			defer stop()
			return serve(ctx, cfg, log)
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	dsn := func() (string, error) {
		cfg, err := config.Load()
		if err != nil {
			return "", err
		}
		if cfg.DatabaseURL == "" {
			return "", errNoDatabase
		}
		return cfg.DatabaseURL, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := dsn()
			if err != nil {
				return err
			}
			if err := migrate.Up(cmd.Context(), url); err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			v, err := migrate.Version(cmd.Context(), url)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", v)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, err := dsn()
			if err != nil {
				return err
			}
			return migrate.Status(cmd.Context(), url)
		},
	})
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one expiry sweep pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if cfg.DatabaseURL == "" {
				return errNoDatabase
			}

			ctx, stop := signalContext()
			defer stop()

			a, err := build(ctx, cfg, log, nil)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.sweeper(cfg, nil).RunOnce(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "expired=%d denied=%d skipped=%t\n", res.Expired, res.Denied, res.Skipped)
			return err
		},
	}
}
