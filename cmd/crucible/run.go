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

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rogers-f/crucible/internal/agent"
	"github.com/rogers-f/crucible/internal/breaker"
	"github.com/rogers-f/crucible/internal/config"
	"github.com/rogers-f/crucible/internal/domain"
	"github.com/rogers-f/crucible/internal/driver"
	"github.com/rogers-f/crucible/internal/events"
	"github.com/rogers-f/crucible/internal/ipc"
	"github.com/rogers-f/crucible/internal/logging"
	"github.com/rogers-f/crucible/internal/manifest"
	"github.com/rogers-f/crucible/internal/report"
	"github.com/rogers-f/crucible/internal/store"
	"github.com/rogers-f/crucible/internal/workflow"
)

const busBuffer = 4096

func runCmd() *cobra.Command {
	var (
		manifestPath string
		runID        string
		noServe      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the protocol over a function manifest",
		Long: `Walk a new run through every protocol phase.

The injection phase implements each function in the manifest. While the run
is blocked, the operator API answers on run.listen_addr; use "crucible
resolve" to continue.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if manifestPath != "" {
				cfg.Run.ManifestPath = manifestPath
			}
			if err := cfg.ValidateForRun(); err != nil {
				return err
			}
			if runID == "" {
				runID = uuid.NewString()
			}

			logger, closeLog, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer closeLog()
			if v.ConfigFileUsed() != "" {
				config.WatchLogLevel(v, logger)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return execute(ctx, cfg, runID, !noServe, logger)
		},
	}

	cmd.Flags().StringVar(&manifestPath, "manifest", "", "function manifest (overrides run.manifest_path)")
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier (default: random UUID)")
	cmd.Flags().BoolVar(&noServe, "no-serve", false, "do not start the operator API")

	return cmd
}

func execute(ctx context.Context, cfg *config.Config, runID string, serve bool, logger *logging.Logger) error {
	m, err := manifest.Load(cfg.Run.ManifestPath)
	if err != nil {
		return err
	}

	db, err := store.NewDB(cfg.Run.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	bus := events.NewBus(busBuffer)
	journal, err := driver.NewJournal(ctx, db, runID, logger)
	if err != nil {
		return err
	}
	unsubscribe := journal.Attach(bus)

	table := cfg.CostTable()
	br, err := breaker.New(cfg.Breaker, breaker.WithLogger(logger.With("breaker")))
	if err != nil {
		return err
	}
	machine := workflow.NewMachine(workflow.WithObserver(driver.TransitionObserver(bus)))
	gov := workflow.NewBudgetGovernor(table, cfg.Run.BudgetCap)
	gates := workflow.NewPhaseGateRegistry(gov)
	gates.Register(domain.PhaseInjection, workflow.All("injection",
		&workflow.DefaultGate{Governor: gov},
		driver.FunctionsTerminalGate(br),
	))

	// Wire tier agents.
	registry := agent.NewRegistry()
	for i, t := range cfg.Tiers {
		if err := registry.Register(agent.TierSpec{
			Tier:    domain.Tier(i),
			Name:    t.Name,
			Command: t.Command,
			Args:    t.Args,
			Env:     t.Env,
		}); err != nil {
			return fmt.Errorf("register tier %s: %w", t.Name, err)
		}
	}
	verifier := &agent.ProcessVerifier{
		Command: cfg.Verifier.Command,
		Args:    cfg.Verifier.Args,
		Env:     cfg.Verifier.Env,
		Timeout: cfg.Verifier.Timeout,
	}

	loop, err := driver.NewLoop(driver.LoopDeps{
		Machine:  machine,
		Breaker:  br,
		Agent:    agent.NewProcessAgent(registry, logger),
		Verifier: verifier,
		Builder:  driver.DefaultContextBuilder{Table: table},
		Governor: gov,
		Gates:    gates,
		Notifier: bus,
		Logger:   logger,
	}, driver.LoopConfig{
		Workers:        cfg.Run.Workers,
		AttemptTimeout: cfg.Run.AttemptTimeout,
		TripAction:     driver.TripAction(cfg.Run.TripAction),
	})
	if err != nil {
		return err
	}

	runner := driver.NewRunner(driver.RunnerDeps{
		Machine:  machine,
		Gates:    gates,
		Breaker:  br,
		Governor: gov,
		Notifier: bus,
		Logger:   logger,
	})
	runner.Handle(domain.PhaseInjection, driver.InjectionHandler(loop, m.Functions))

	var srv *ipc.Server
	if serve {
		srv = ipc.NewServer(&ipc.Handler{
			RunID:     runID,
			Runner:    runner,
			Breaker:   br,
			Governor:  gov,
			DB:        db,
			EventRepo: &store.EventRepo{},
			UsageRepo: &store.UsageRepo{},
			AuditRepo: &store.AuditRepo{},
		}, cfg.Run.ListenAddr)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("operator API: %v", err)
			}
		}()
		logger.Infof("run %s: operator API on http://%s", runID, cfg.Run.ListenAddr)
	}

	logger.Infof("run %s: %d functions in %d modules (project %q)", runID, len(m.Functions), len(m.Modules()), m.Project)
	runErr := runner.Run(ctx)

	rep := br.GenerateStructuralDefectReport()
	if err := journal.SaveReport(context.Background(), rep); err != nil {
		logger.Errorf("save report: %v", err)
	}
	if err := report.New(table).Text(os.Stdout, rep); err != nil {
		logger.Errorf("render report: %v", err)
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Run.DrainTimeout)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("server shutdown: %v", err)
		}
		cancel()
	}
	drain(bus, journal, cfg.Run.DrainTimeout)
	unsubscribe()
	bus.Close()
	if n := bus.Dropped(); n > 0 {
		logger.Warnf("journal missed %d events", n)
	}

	if runErr != nil {
		return runErr
	}
	if s, ok := machine.State().(domain.Failed); ok {
		return fmt.Errorf("run %s failed: %s", runID, s.Error)
	}
	logger.Infof("run %s reached %s", runID, machine.CurrentPhase())
	return nil
}

// drain waits until the journal has handled every event queued to it.
func drain(bus *events.Bus, j *driver.Journal, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for j.Processed() < bus.Delivered() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}
