package ui

import (
	"fmt"
	"strings"

	"lineprov/internal/control"
	"lineprov/internal/workflow"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

const maxLines = 8

// Messages delivered by Reporter.
type (
	ProgressMsg  struct{ Current, Total int }
	StatusMsg    string
	ChallengeMsg struct{}
	ResolvedMsg  struct{}
	FinishedMsg  struct{ Results []workflow.Result }
)

// Model shows run progress and maps keys to run commands:
// p pause, r resume, s stop, c challenge solved, q quit once finished.
// ctrl+c leaves the UI; the caller stops the run.
type Model struct {
	cmd      control.Commander
	resolver control.Resolver

	progress progress.Model
	spinner  spinner.Model
	styles   Styles
	width    int

	current, total int
	state          string
	lines          []string
	challenge      bool
	finished       bool
	results        []workflow.Result
}

// New creates the model. resolver may be nil.
func New(cmd control.Commander, resolver control.Resolver) Model {
	s := spinner.New(spinner.WithSpinner(spinner.Dot))
	st := DefaultStyles()
	s.Style = st.Spinner
	return Model{
		cmd:      cmd,
		resolver: resolver,
		progress: progress.New(progress.WithDefaultGradient()),
		spinner:  s,
		styles:   st,
		width:    80,
		state:    "starting",
	}
}

func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progress.Width = max(10, msg.Width-10)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case ProgressMsg:
		m.current, m.total = msg.Current, msg.Total
		if m.state == "starting" {
			m.state = "running"
		}
		return m, nil

	case StatusMsg:
		m.appendLine(string(msg))
		return m, nil

	case ChallengeMsg:
		m.challenge = true
		return m, nil

	case ResolvedMsg:
		if m.challenge {
			m.challenge = false
			m.appendLine("challenge acknowledged")
		}
		return m, nil

	case FinishedMsg:
		m.finished = true
		m.challenge = false
		m.results = msg.Results
		m.state = "finished"
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// run defers a run command to a tea.Cmd. Commands report status back
// through Send, which must not be called from inside Update.
func run(fn func()) tea.Cmd {
	return func() tea.Msg {
		fn()
		return nil
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "q":
		if m.finished {
			return m, tea.Quit
		}
	}
	if m.finished {
		return m, nil
	}

	switch msg.String() {
	case "p":
		if m.state != "stopping" && m.state != "paused" {
			m.state = "paused"
			return m, run(m.cmd.Pause)
		}
	case "r":
		if m.state == "paused" {
			m.state = "running"
			return m, run(m.cmd.Resume)
		}
	case "s":
		if m.state != "stopping" {
			m.state = "stopping"
			return m, run(m.cmd.Stop)
		}
	case "c":
		// The banner clears when the gate reports the resolution.
		if m.resolver != nil && m.challenge {
			return m, run(func() { m.resolver.Resolve() })
		}
	}
	return m, nil
}

func (m *Model) appendLine(s string) {
	m.lines = append(m.lines, s)
	if len(m.lines) > maxLines {
		m.lines = m.lines[len(m.lines)-maxLines:]
	}
}

func (m Model) percent() float64 {
	if m.total == 0 {
		return 0
	}
	return float64(m.current) / float64(m.total)
}

func (m Model) View() string {
	var sb strings.Builder
	sb.WriteString(m.styles.Header.Render("LINE account provisioning"))
	sb.WriteString("\n\n")

	if m.finished {
		ok := 0
		for _, r := range m.results {
			if r.Success {
				ok++
			}
		}
		sb.WriteString(m.styles.Success.Render(fmt.Sprintf("Finished: %d of %d succeeded", ok, len(m.results))))
		sb.WriteString("\n")
		for _, r := range m.results {
			if !r.Success {
				sb.WriteString(m.styles.Error.Render(fmt.Sprintf("  row %d: %s", r.Row, r.Error)))
				sb.WriteString("\n")
			}
		}
	} else {
		fmt.Fprintf(&sb, "%s %s  %d/%d\n", m.spinner.View(), m.stateLabel(), m.current, m.total)
		sb.WriteString(m.progress.ViewAs(m.percent()))
		sb.WriteString("\n")
	}

	if m.challenge {
		sb.WriteString("\n")
		sb.WriteString(m.styles.Banner.Render("Verification required: solve it in the browser, then press c"))
		sb.WriteString("\n")
	}

	if len(m.lines) > 0 {
		sb.WriteString("\n")
		for _, l := range m.lines {
			sb.WriteString(m.styles.Badge.Render(m.styles.Muted.Render(l)))
			sb.WriteString("\n")
		}
	}

	help := "p pause • r resume • s stop • c challenge solved • ctrl+c quit"
	if m.finished {
		help = "q quit"
	}
	sb.WriteString(m.styles.Footer.Render(help))
	return sb.String()
}

func (m Model) stateLabel() string {
	switch m.state {
	case "paused":
		return m.styles.Warning.Render("paused")
	case "stopping":
		return m.styles.Error.Render("stopping")
	default:
		return m.styles.Info.Render(m.state)
	}
}

// Sender delivers messages to a running program. *tea.Program satisfies it.
type Sender interface {
	Send(msg tea.Msg)
}

// Reporter forwards run events to the model.
type Reporter struct {
	s Sender
}

// NewReporter returns a reporter that sends to s.
func NewReporter(s Sender) *Reporter {
	return &Reporter{s: s}
}

func (r *Reporter) Progress(current, total int) { r.s.Send(ProgressMsg{Current: current, Total: total}) }
func (r *Reporter) Status(msg string)           { r.s.Send(StatusMsg(msg)) }
func (r *Reporter) ChallengeRequired()          { r.s.Send(ChallengeMsg{}) }
func (r *Reporter) ChallengeResolved()          { r.s.Send(ResolvedMsg{}) }
func (r *Reporter) Finished(results []workflow.Result) {
	r.s.Send(FinishedMsg{Results: results})
}
