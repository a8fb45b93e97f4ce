package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/genwatch/genwatch/internal/api"
	"github.com/genwatch/genwatch/internal/channel"
	"github.com/genwatch/genwatch/internal/config"
	"github.com/genwatch/genwatch/internal/events"
	"github.com/genwatch/genwatch/internal/lease"
	"github.com/genwatch/genwatch/internal/monitor"
	"github.com/genwatch/genwatch/internal/session"
	"github.com/genwatch/genwatch/internal/snapshot"
)

// app wires the full streaming stack: reconciliation client, channel
// transport, session controller, health monitor, and startup sweeper.
type app struct {
	cfg        *config.Config
	logger     *log.Logger
	client     *api.Client
	bus        *events.InMemoryBus
	controller *session.Controller
	monitor    *monitor.Manager
	sweeper    *monitor.Sweeper
	lease      *lease.Manager
}

func newApp(cfg *config.Config, logger *log.Logger) (*app, error) {
	client, err := api.NewClient(cfg.ServerURL,
		api.WithRequestTimeout(cfg.RequestTimeout),
		api.WithProbeTimeout(cfg.ProbeTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("build api client: %w", err)
	}

	snapPath, err := snapshot.DefaultPath()
	if err != nil {
		return nil, fmt.Errorf("resolve snapshot path: %w", err)
	}
	store, err := snapshot.NewStore(snapPath, snapshot.WithTTL(cfg.SnapshotTTL))
	if err != nil {
		return nil, fmt.Errorf("build snapshot store: %w", err)
	}

	bus := events.New(events.WithLogger(logger))

	factory := channel.NewFactory(client.StreamURL)
	transport := session.TransportFunc(func(id string) session.Stream {
		return factory.Open(id)
	})

	controller, err := session.NewController(client, transport, store, bus,
		session.WithLogger(logger),
		session.WithPersistEvery(cfg.PersistEvery),
		session.WithReconnectGrace(cfg.ReconnectGrace),
	)
	if err != nil {
		return nil, fmt.Errorf("build session controller: %w", err)
	}

	healthMonitor, err := monitor.NewManager(client, controller, bus, monitor.Config{
		HeartbeatInterval: cfg.HealthInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("build health monitor: %w", err)
	}

	sweeper, err := monitor.NewSweeper(client, monitor.SweepConfig{
		Limit:    cfg.HistoryLimit,
		EventBus: bus,
	})
	if err != nil {
		return nil, fmt.Errorf("build startup sweeper: %w", err)
	}

	leasePath, err := lease.DefaultPath()
	if err != nil {
		return nil, fmt.Errorf("resolve lease path: %w", err)
	}
	leaseStore, err := lease.NewFileStore(leasePath)
	if err != nil {
		return nil, fmt.Errorf("build lease store: %w", err)
	}
	leaseManager, err := lease.NewManager(leaseStore, lease.ManagerConfig{})
	if err != nil {
		return nil, fmt.Errorf("build lease manager: %w", err)
	}

	return &app{
		cfg:        cfg,
		logger:     logger,
		client:     client,
		bus:        bus,
		controller: controller,
		monitor:    healthMonitor,
		sweeper:    sweeper,
		lease:      leaseManager,
	}, nil
}

// acquireLease claims the single-session slot for this process.
func (a *app) acquireLease(ctx context.Context, owner string) (func(), error) {
	release, err := a.lease.Acquire(ctx, owner)
	if err != nil {
		return nil, err
	}
	return func() {
		if err := release(); err != nil {
			a.logger.Warn("release session lease", "error", err)
		}
	}, nil
}

// start launches the controller run loop and the health monitor. The
// returned cancel tears both down.
func (a *app) start(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithCancel(ctx)
	go a.controller.Run(runCtx)
	go a.monitor.Start(runCtx)
	return runCtx, cancel
}

// printTokens mirrors streamed tokens to out as they arrive.
func (a *app) printTokens(out io.Writer) {
	a.bus.Subscribe(events.EventTypeToken, func(event events.Event) {
		if token, ok := event.Payload.(string); ok {
			fmt.Fprint(out, token)
		}
	})
}

// handleSignals maps interrupt to a graceful stop and termination to a
// fire-and-forget unload notification.
func (a *app) handleSignals(ctx context.Context, cancel context.CancelFunc) func() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	go func() {
		for sig := range signals {
			switch sig {
			case os.Interrupt:
				if _, err := a.controller.Stop(ctx); err != nil {
					a.logger.Warn("stop on interrupt", "error", err)
				}
			case syscall.SIGTERM:
				if err := a.controller.NotifyUnload(ctx); err != nil {
					a.logger.Warn("unload notification", "error", err)
				}
				cancel()
			}
		}
	}()

	return func() {
		signal.Stop(signals)
		close(signals)
	}
}

func newGenerateCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var model string

	cmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Generate code from a prompt and stream the output",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			if model == "" {
				model = cfg.DefaultModel
			}
			return runGeneration(cmd.Context(), a, strings.Join(args, " "), model, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&model, "model", "m", "", "model to generate with (defaults to configured model)")
	return cmd
}

func runGeneration(ctx context.Context, a *app, prompt, model string, out io.Writer) error {
	releaseLease, err := a.acquireLease(ctx, "generate")
	if err != nil {
		return err
	}
	defer releaseLease()

	runCtx, cancel := a.start(ctx)
	defer cancel()
	a.printTokens(out)
	stopSignals := a.handleSignals(runCtx, cancel)
	defer stopSignals()

	if model != "" {
		if err := a.client.SetModel(runCtx, model); err != nil {
			return fmt.Errorf("select model: %w", err)
		}
	}

	// Repair generations orphaned by a previous crash before starting.
	if _, err := a.sweeper.Sweep(runCtx, ""); err != nil {
		a.logger.Warn("startup sweep", "error", err)
	}

	id, err := a.controller.StartGeneration(runCtx, prompt, model)
	if err != nil {
		return err
	}
	a.logger.Info("generation started", "session_id", id, "model", model)

	final, err := a.controller.WaitTerminal(runCtx)
	if err != nil {
		return fmt.Errorf("wait for generation: %w", err)
	}

	fmt.Fprintln(out)
	return reportOutcome(final, out)
}

func newResumeCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume the persisted session from the last run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			return runResume(cmd.Context(), a, cmd.OutOrStdout())
		},
	}
}

func runResume(ctx context.Context, a *app, out io.Writer) error {
	releaseLease, err := a.acquireLease(ctx, "resume")
	if err != nil {
		return err
	}
	defer releaseLease()

	runCtx, cancel := a.start(ctx)
	defer cancel()
	a.printTokens(out)
	stopSignals := a.handleSignals(runCtx, cancel)
	defer stopSignals()

	restored, err := a.controller.Restore(runCtx)
	if err != nil {
		return err
	}
	if !restored {
		fmt.Fprintln(out, "no persisted session to resume")
		return nil
	}

	current, err := a.controller.Current(runCtx)
	if err != nil {
		return err
	}
	if current.Output != "" {
		fmt.Fprint(out, current.Output)
	}

	if current.Status != session.StatusStreaming {
		fmt.Fprintln(out)
		return reportOutcome(current, out)
	}

	final, err := a.controller.WaitTerminal(runCtx)
	if err != nil {
		return fmt.Errorf("wait for resumed generation: %w", err)
	}
	fmt.Fprintln(out)
	return reportOutcome(final, out)
}

// reportOutcome summarizes a terminal session on out and maps failure onto
// a non-nil error for the process exit code.
func reportOutcome(final session.Session, out io.Writer) error {
	switch final.Status {
	case session.StatusCompleted:
		fmt.Fprintf(out, "completed: %d tokens", final.TokenCount)
		if final.Filename != "" {
			fmt.Fprintf(out, " -> %s", final.Filename)
		}
		fmt.Fprintln(out)
		return nil
	case session.StatusStopped:
		fmt.Fprintf(out, "stopped after %d tokens\n", final.TokenCount)
		return nil
	case session.StatusFailed:
		return fmt.Errorf("generation failed: %s", final.Error)
	default:
		fmt.Fprintf(out, "session is %s\n", final.Status)
		return nil
	}
}
