package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"chunkrelay/internal/app"
	"chunkrelay/internal/config"
	"chunkrelay/internal/logger"
)

const shutdownTimeout = 30 * time.Second

// serveFlags maps flag names to the config keys they override.
var serveFlags = map[string]string{
	"host":       "http.host",
	"port":       "http.port",
	"db":         "database.path",
	"token-file": "transport.token_file",
	"storage":    "storage.backend",
	"log-level":  "log.level",
	"log-pretty": "log.pretty",
}

func newServeCmd() *cobra.Command {
	defaults := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE:  runServe,
	}

	flags := cmd.Flags()
	flags.String("host", defaults.HTTP.Host, "HTTP listen host")
	flags.Int("port", defaults.HTTP.Port, "HTTP listen port")
	flags.String("db", defaults.Database.Path, "SQLite database path")
	flags.String("token-file", defaults.Transport.TokenFile, "File holding the gateway bearer token")
	flags.String("storage", defaults.Storage.Backend, "File store backend (local or s3)")
	flags.String("log-level", defaults.Log.Level, "Log level (debug, info, warn, error)")
	flags.Bool("log-pretty", defaults.Log.Pretty, "Human-readable console logs")
	return cmd
}

// loadConfig resolves configuration for cmd: flags set on the command line
// win over the environment, which wins over the config file.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := config.NewViper()
	if err := bindFlags(v, cmd); err != nil {
		return nil, err
	}

	path, _ := cmd.Flags().GetString("config")
	return config.Load(v, path)
}

func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for name, key := range serveFlags {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", name, err)
		}
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := logger.Configure(cfg.Log.Level, cfg.Log.Pretty); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApplication(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize")
		return err
	}
	if err := application.Start(ctx); err != nil {
		_ = application.Stop(context.Background())
		return err
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return application.Stop(shutdownCtx)
}
