package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"shape-sync/internal/config"
	_ "shape-sync/internal/store/badger"
	_ "shape-sync/internal/store/mysql"
	_ "shape-sync/internal/store/redis"
)

type rootOptions struct {
	configPath string
}

func newLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetLevel(logrus.InfoLevel)
	return logger
}

// loadConfig reads the config file and applies its log level
func loadConfig(opts *rootOptions, logger *logrus.Logger) (*config.Config, error) {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("Unknown log level %q, using %s", cfg.Logging.Level, logger.GetLevel())
	}
	return cfg, nil
}

func newRootCommand(logger *logrus.Logger) *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "shape-sync",
		Short: "Mirror upstream shapes into a key-value store",
		Long: `shape-sync subscribes to shapes on a sync endpoint and applies every
change batch to a key-value store in a single transaction.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "path to the config file")

	cmd.AddCommand(newRunCommand(opts, logger))
	cmd.AddCommand(newDumpCommand(opts, logger))
	cmd.AddCommand(newCheckCommand(opts, logger))
	return cmd
}

func main() {
	logger := newLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(logger).ExecuteContext(ctx); err != nil {
		logger.Errorf("%v", err)
		stop()
		os.Exit(1)
	}
}
