package main

import (
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/matvik19/duplicate-contacts/config"
	"github.com/matvik19/duplicate-contacts/pkg/logger"
)

type runtime struct {
	cfg    config.Config
	logger ectologger.Logger
	zap    *zap.Logger
}

// sync flushes buffered log entries; stderr sync errors are expected on some platforms.
func (rt *runtime) sync() {
	_ = rt.zap.Sync()
}

func bootstrap() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	log, zapLogger, err := logger.New(cfg.LogLevel, cfg.PrettyLogs)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return &runtime{cfg: cfg, logger: log, zap: zapLogger}, nil
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "dedup",
		Short:        "Finds and merges duplicate amoCRM contacts driven by RabbitMQ commands",
		SilenceUsage: true,
	}

	root.AddCommand(newServeCommand(), newMigrateCommand())
	return root
}
