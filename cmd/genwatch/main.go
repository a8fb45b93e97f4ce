package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/genwatch/genwatch/internal/config"
	"github.com/genwatch/genwatch/internal/logging"
	"github.com/genwatch/genwatch/internal/telemetry"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	runtimeLogger, err := logging.New()
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := runtimeLogger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()
	pruneOldLogs(cfg, runtimeLogger.Logger)

	telemetry.SetEndpointOverride(cfg.OTELEndpoint)
	shutdownTelemetry, err := telemetry.Init(ctx)
	if err != nil {
		runtimeLogger.Logger.Warn("telemetry disabled", "error", err)
	} else {
		defer shutdownTelemetry()
	}

	cmd := newRootCommand(cfg, runtimeLogger.Logger)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func pruneOldLogs(cfg *config.Config, logger *log.Logger) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return
	}
	logsDir := filepath.Join(homeDir, ".genwatch", "logs")
	if err := logging.Prune(logsDir, cfg.LogMaxFiles); err != nil {
		logger.Warn("prune old logs", "error", err)
	}
}

func newRootCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "genwatch",
		Short:         "Streaming code generation client",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(
		newGenerateCommand(cfg, logger),
		newResumeCommand(cfg, logger),
		newStatusCommand(cfg, logger),
		newHistoryCommand(cfg, logger),
		newDeleteCommand(cfg, logger),
		newStopCommand(cfg, logger),
		newModelsCommand(cfg, logger),
		newDoctorCommand(cfg, logger),
		newBugreportCommand(logger),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if logger == nil {
			return errors.New("logger is required")
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		logger.With("command", cmd.Name()).Debug("command invocation")
		return nil
	}

	return root
}
