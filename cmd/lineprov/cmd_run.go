package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"lineprov/internal/browser"
	"lineprov/internal/challenge"
	"lineprov/internal/control"
	"lineprov/internal/ledger"
	"lineprov/internal/logging"
	"lineprov/internal/session"
	"lineprov/internal/supervisor"
	"lineprov/internal/ui"
	"lineprov/internal/workflow"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	runSheetURL string
	runSheet    string
	runHeadless bool
	runNoTUI    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Provision every enabled row",
	Long: `Loads the enabled rows, downloads their icons, logs in once (reusing the saved
session when possible) and creates one LINE Official Account per row.

While running:
  p / r / s    pause, resume, stop (terminal UI)
  c            acknowledge a solved verification challenge
Without a terminal UI, touch pause, resume, stop or resolved inside the
control directory instead.`,
	RunE: runProvision,
}

func init() {
	runCmd.Flags().StringVar(&runSheetURL, "sheet-url", "", "Spreadsheet URL or .csv path (overrides settings)")
	runCmd.Flags().StringVar(&runSheet, "sheet", "", "Worksheet name (overrides settings)")
	runCmd.Flags().BoolVar(&runHeadless, "headless", false, "Run the browser headless")
	runCmd.Flags().BoolVar(&runNoTUI, "no-tui", false, "Log progress instead of showing the terminal UI")
}

func runProvision(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runSheetURL != "" {
		cfg.Sheet.URL = runSheetURL
	}
	if runSheet != "" {
		cfg.Sheet.Name = runSheet
	}
	if cmd.Flags().Changed("headless") {
		cfg.Options.Headless = runHeadless
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}

	logCfg := cfg.Logging
	if runNoTUI {
		logCfg.Console = true
	}
	if verbose {
		logCfg.Level = "debug"
	}
	if err := logging.Initialize(logCfg); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.CloseAll()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reporters := control.NewMulti(control.NewLogReporter(nil))

	ctrl := browser.New(browserConfig(cfg), logging.Get(logging.CategoryBrowser))
	gate := challenge.New(ctrl, gateOptions(cfg)...)
	gate.SetNotifier(reporters)
	store := session.NewStore(cfg.Paths.SessionFile, logging.Get(logging.CategorySession))
	prov := workflow.New(workflowConfig(cfg), ctrl, gate, store,
		workflow.WithStatus(reporters.Status),
		workflow.WithLogger(logging.Get(logging.CategoryWorkflow)))

	source, err := newSource(ctx, cfg)
	if err != nil {
		return fmt.Errorf("record source: %w", err)
	}
	retriever, err := newRetriever(cfg)
	if err != nil {
		return fmt.Errorf("object storage: %w", err)
	}

	opts := []supervisor.Option{
		supervisor.WithRetriever(retriever),
		supervisor.WithReporter(reporters),
		supervisor.WithLogger(logging.Get(logging.CategorySupervisor)),
	}
	if db, err := ledger.Open(cfg.Paths.LedgerDB, logging.Get(logging.CategoryLedger)); err != nil {
		logger.Warn("run history disabled", zap.Error(err))
	} else {
		defer db.Close()
		opts = append(opts, supervisor.WithRecorder(db))
	}
	runner := supervisor.New(supervisorConfig(cfg), source, prov, opts...)

	watcher, err := control.NewWatcher(cfg.Paths.ControlDir, runner, gate, logging.Get(logging.CategoryControl))
	if err != nil {
		return err
	}
	reporters.Add(watcher)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("control directory not watched", zap.Error(err))
	}
	defer watcher.Stop()

	var results []workflow.Result
	if runNoTUI {
		results = runner.Run(ctx)
	} else {
		results, err = runWithTUI(ctx, runner, gate, reporters)
		if err != nil {
			return err
		}
	}

	printSummary(results)
	return nil
}

func runWithTUI(ctx context.Context, runner *supervisor.Runner, gate *challenge.Gate, reporters *control.Multi) ([]workflow.Result, error) {
	p := tea.NewProgram(ui.New(runner, gate), tea.WithContext(ctx))
	reporters.Add(ui.NewReporter(p))

	h := runner.Start(ctx)
	_, err := p.Run()
	select {
	case <-h.Done():
	default:
		// The UI was closed mid-run: finish the current row and stop.
		runner.Stop()
		fmt.Println("Stopping after the current row...")
	}
	results := h.Wait()
	if err != nil && ctx.Err() == nil {
		return results, fmt.Errorf("terminal UI: %w", err)
	}
	return results, nil
}

func printSummary(results []workflow.Result) {
	ok := 0
	for _, r := range results {
		if r.Success {
			ok++
		}
	}
	fmt.Printf("\nProcessed %d rows: %d succeeded, %d failed\n", len(results), ok, len(results)-ok)
	for _, r := range results {
		if r.Success {
			fmt.Printf("  row %d: %s\n", r.Row, r.BasicID)
			continue
		}
		fmt.Printf("  row %d: FAILED %s\n", r.Row, r.Error)
	}
}
