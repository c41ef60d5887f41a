// Package ui is the terminal control surface for a provisioning run.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
)

var (
	Primary     = lipgloss.Color("#06C755")
	Foreground  = lipgloss.Color("#f2f2f2")
	Muted       = lipgloss.Color("#7a8699")
	Border      = lipgloss.Color("#2a3850")
	Destructive = lipgloss.Color("#e53935")
	Warning     = lipgloss.Color("#FFC107")
	Info        = lipgloss.Color("#2196F3")
)

// Styles holds the styled components.
type Styles struct {
	Header  lipgloss.Style
	Footer  lipgloss.Style
	Body    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Info    lipgloss.Style
	Banner  lipgloss.Style
	Spinner lipgloss.Style
	Badge   lipgloss.Style
}

// DefaultStyles returns the default styles. NO_COLOR drops the colors.
func DefaultStyles() Styles {
	if os.Getenv("NO_COLOR") != "" {
		plain := lipgloss.NewStyle()
		return Styles{
			Header: plain.Bold(true), Footer: plain, Body: plain, Muted: plain,
			Success: plain, Error: plain.Bold(true), Warning: plain.Bold(true),
			Info: plain, Banner: plain.Bold(true), Spinner: plain, Badge: plain,
		}
	}
	return Styles{
		Header: lipgloss.NewStyle().
			Background(Primary).
			Foreground(lipgloss.Color("#ffffff")).
			Padding(0, 2).
			Bold(true),
		Footer: lipgloss.NewStyle().
			Foreground(Muted).
			MarginTop(1),
		Body: lipgloss.NewStyle().
			Foreground(Foreground),
		Muted: lipgloss.NewStyle().
			Foreground(Muted),
		Success: lipgloss.NewStyle().
			Foreground(Primary).
			Bold(true),
		Error: lipgloss.NewStyle().
			Foreground(Destructive).
			Bold(true),
		Warning: lipgloss.NewStyle().
			Foreground(Warning).
			Bold(true),
		Info: lipgloss.NewStyle().
			Foreground(Info),
		Banner: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Warning).
			Foreground(Warning).
			Padding(0, 1),
		Spinner: lipgloss.NewStyle().
			Foreground(Primary),
		Badge: lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), false, false, false, true).
			BorderForeground(Border).
			PaddingLeft(1),
	}
}
