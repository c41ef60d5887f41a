package main

import (
	"fmt"
	"os"
	"strings"

	"lineprov/internal/ledger"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	historyLimit int
	historyRun   string
	historyPlain bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent runs and the results of the latest one",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "Number of runs to list")
	historyCmd.Flags().StringVar(&historyRun, "run", "", "Show the results of this run id (prefix accepted)")
	historyCmd.Flags().BoolVar(&historyPlain, "plain", false, "Print raw markdown")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.Paths.LedgerDB); err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded yet.")
		return nil
	}
	db, err := ledger.Open(cfg.Paths.LedgerDB, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := cmd.Context()
	runs, err := db.Runs(ctx, historyLimit)
	if err != nil {
		return err
	}
	if historyRun != "" {
		runs = selectRun(runs, historyRun)
		if len(runs) == 0 {
			return fmt.Errorf("no run matching %q among the last %d", historyRun, historyLimit)
		}
	}

	var entries []ledger.Entry
	if len(runs) > 0 {
		if entries, err = db.Entries(ctx, runs[0].ID); err != nil {
			return err
		}
		if entries == nil {
			entries = []ledger.Entry{}
		}
	}

	md := ledger.Markdown(runs, entries)
	if historyPlain {
		fmt.Fprint(cmd.OutOrStdout(), md)
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), renderMarkdown(md))
	return nil
}

// selectRun moves the run whose id starts with prefix to the front.
func selectRun(runs []ledger.Run, prefix string) []ledger.Run {
	for i, r := range runs {
		if strings.HasPrefix(r.ID, prefix) {
			out := []ledger.Run{r}
			out = append(out, runs[:i]...)
			return append(out, runs[i+1:]...)
		}
	}
	return nil
}

func renderMarkdown(md string) string {
	width := 100
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 20 {
		width = w - 4
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		return md
	}
	return out
}
