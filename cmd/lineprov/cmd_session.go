package main

import (
	"fmt"
	"sort"
	"strings"

	"lineprov/internal/session"

	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect or clear the saved login session",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the saved login session",
	RunE:  runSessionShow,
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the saved login session",
	RunE:  runSessionClear,
}

func init() {
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionClearCmd)
}

func sessionStore() (*session.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return session.NewStore(cfg.Paths.SessionFile, logger), nil
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	store, err := sessionStore()
	if err != nil {
		return err
	}
	a, ok := store.Load()
	if !ok {
		fmt.Fprintf(cmd.OutOrStdout(), "No saved session at %s\n", store.Path())
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), describeArtifact(store.Path(), a))
	return nil
}

func describeArtifact(path string, a *session.Artifact) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Session: %s\n", path)
	if !a.SavedAt.IsZero() {
		fmt.Fprintf(&sb, "Saved:   %s\n", a.SavedAt.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(&sb, "Cookies: %d\n", len(a.Cookies))

	domains := map[string]int{}
	for _, c := range a.Cookies {
		domains[c.Domain]++
	}
	names := make([]string, 0, len(domains))
	for d := range domains {
		names = append(names, d)
	}
	sort.Strings(names)
	for _, d := range names {
		fmt.Fprintf(&sb, "  %-32s %d\n", d, domains[d])
	}

	origins := make([]string, 0, len(a.Storage))
	for o := range a.Storage {
		origins = append(origins, o)
	}
	sort.Strings(origins)
	fmt.Fprintf(&sb, "Storage origins: %d\n", len(origins))
	for _, o := range origins {
		fmt.Fprintf(&sb, "  %-32s %d keys\n", o, len(a.Storage[o]))
	}
	return sb.String()
}

func runSessionClear(cmd *cobra.Command, args []string) error {
	store, err := sessionStore()
	if err != nil {
		return err
	}
	if !store.Clear() {
		return fmt.Errorf("could not remove %s", store.Path())
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Session cleared. The next run logs in with the configured credentials.")
	return nil
}
