package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"lineprov/internal/records"

	"github.com/spf13/cobra"
)

var sheetsCmd = &cobra.Command{
	Use:   "sheets [url]",
	Short: "List the worksheets of a spreadsheet",
	Long: `Lists the worksheet names of the spreadsheet at url (default: the configured
sheet url). Accepts /d/<id> and key=<id> URLs.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSheets,
}

var columnsCmd = &cobra.Command{
	Use:   "columns",
	Short: "Show the column mapping and the selectable columns",
	RunE:  runColumns,
}

func runSheets(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	target := cfg.Sheet.URL
	if len(args) == 1 {
		target = args[0]
	}
	if isCSV(target) {
		return fmt.Errorf("%s is a CSV file and has no worksheets", target)
	}
	id, ok := records.SpreadsheetID(target)
	if !ok {
		return fmt.Errorf("%w: %q", records.ErrInvalidURL, target)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	src, err := records.NewSheetsSource(ctx, cfg.Sheet.CredentialsFile, records.WithLogger(logger))
	if err != nil {
		return err
	}
	names, err := src.SheetNames(ctx, target)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Spreadsheet %s\n", id)
	for _, n := range names {
		marker := " "
		if n == cfg.Sheet.Name {
			marker = "*"
		}
		fmt.Fprintf(out, " %s %s\n", marker, n)
	}
	return nil
}

func runColumns(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	m := cfg.Mapping()
	out := cmd.OutOrStdout()
	rows := []struct{ field, col string }{
		{"enabled", m.Enabled},
		{"name", m.Name},
		{"icon", m.Icon},
		{"basic_id", m.BasicID},
		{"access_token", m.AccessToken},
		{"permission_link", m.PermissionLink},
		{"friend_link", m.FriendLink},
		{"business_account", m.BusinessAccount},
	}
	for _, r := range rows {
		fmt.Fprintf(out, "%-18s %s\n", r.field, r.col)
	}
	fmt.Fprintf(out, "\nSelectable: %s\n", strings.Join(records.ColumnOptions(), " "))
	return nil
}
