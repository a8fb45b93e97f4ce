package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/genwatch/genwatch/internal/api"
	"github.com/genwatch/genwatch/internal/config"
	"github.com/genwatch/genwatch/internal/events"
	"github.com/genwatch/genwatch/internal/monitor"
)

func newClient(cfg *config.Config) (*api.Client, error) {
	return api.NewClient(cfg.ServerURL,
		api.WithRequestTimeout(cfg.RequestTimeout),
		api.WithProbeTimeout(cfg.ProbeTimeout),
	)
}

func newStatusCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show the authoritative state of one generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			record, err := client.FetchStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			logger.Info("fetched generation", "session_id", record.ID, "status", record.Status)
			printRecord(cmd.OutOrStdout(), record, true)
			return nil
		},
	}
}

func newHistoryCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent generations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			if limit <= 0 {
				limit = cfg.HistoryLimit
			}
			records, err := client.History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			logger.Info("listed history", "count", len(records))

			out := cmd.OutOrStdout()
			if len(records) == 0 {
				fmt.Fprintln(out, "no generations recorded")
				return nil
			}
			for _, record := range records {
				printRecord(out, record, false)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum records to list (defaults to configured limit)")
	return cmd
}

func printRecord(out io.Writer, record api.Record, full bool) {
	fmt.Fprintf(out, "%s  %-10s  %5d tokens  %s\n",
		record.ID, record.Status, record.TokenCount, summarizePrompt(record.Prompt))
	if !full {
		return
	}
	if record.Model != "" {
		fmt.Fprintf(out, "  model:    %s\n", record.Model)
	}
	if record.Language != "" {
		fmt.Fprintf(out, "  language: %s\n", record.Language)
	}
	if record.Filename != "" {
		fmt.Fprintf(out, "  filename: %s\n", record.Filename)
	}
	if record.Error != "" {
		fmt.Fprintf(out, "  error:    %s\n", record.Error)
	}
	if record.Output != "" {
		fmt.Fprintf(out, "\n%s\n", record.Output)
	}
}

func summarizePrompt(prompt string) string {
	prompt = strings.Join(strings.Fields(prompt), " ")
	if len(prompt) > 60 {
		return prompt[:57] + "..."
	}
	return prompt
}

func newDeleteCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete one generation from history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			if err := client.DeleteRecord(cmd.Context(), args[0]); err != nil {
				return err
			}
			logger.Info("deleted generation", "session_id", args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func newStopCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Short: "Ask the server to stop a running generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			if err := client.RequestStop(cmd.Context(), args[0], ""); err != nil {
				return err
			}
			logger.Info("requested stop", "session_id", args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "stop requested for %s\n", args[0])
			return nil
		},
	}
}

func newModelsCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List available models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			models, err := client.Models(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info("listed models", "count", len(models))

			out := cmd.OutOrStdout()
			if len(models) == 0 {
				fmt.Fprintln(out, "no models available")
				return nil
			}
			for _, model := range models {
				marker := " "
				if model.Name == cfg.DefaultModel {
					marker = "*"
				}
				fmt.Fprintf(out, "%s %s\n", marker, model.Name)
			}
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <name>",
		Short: "Select the model used for subsequent generations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			if err := client.SetModel(cmd.Context(), args[0]); err != nil {
				return err
			}
			logger.Info("selected model", "model", args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "model set to %s\n", args[0])
			return nil
		},
	})

	return cmd
}

func newDoctorCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Probe server health and repair orphaned generations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClient(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			ctx := cmd.Context()

			if err := client.ProbeReady(ctx); err != nil {
				return fmt.Errorf("server is not responding: %w", err)
			}
			fmt.Fprintln(out, "server: reachable")

			health, err := client.ProbeHealth(ctx)
			if err != nil {
				return fmt.Errorf("health probe: %w", err)
			}
			fmt.Fprintf(out, "health: %s (mongodb=%v ollama=%v)\n",
				health.Status, health.MongoDB, health.Ollama)

			sweeper, err := monitor.NewSweeper(client, monitor.SweepConfig{
				Limit:    cfg.HistoryLimit,
				EventBus: events.New(events.WithLogger(logger)),
			})
			if err != nil {
				return err
			}
			result, err := sweeper.Sweep(ctx, "")
			if err != nil {
				return fmt.Errorf("orphan sweep: %w", err)
			}
			fmt.Fprintf(out, "sweep: %d processing inspected, %d repaired\n",
				result.Inspected, len(result.RepairedIDs))
			for _, id := range result.RepairedIDs {
				fmt.Fprintf(out, "  repaired %s\n", id)
			}
			return nil
		},
	}
}
