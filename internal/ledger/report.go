package ledger

import (
	"fmt"
	"strings"
	"time"
)

// Markdown renders runs and, when entries is non-nil, the entries of the
// first run as a markdown document.
func Markdown(runs []Run, entries []Entry) string {
	var sb strings.Builder
	sb.WriteString("# Run history\n\n")
	if len(runs) == 0 {
		sb.WriteString("_No runs recorded._\n")
		return sb.String()
	}

	sb.WriteString("| Run | Started | Source | State | OK | Failed | Total |\n")
	sb.WriteString("|---|---|---|---|---|---|---|\n")
	for _, r := range runs {
		fmt.Fprintf(&sb, "| `%s` | %s | %s | %s | %d | %d | %d |\n",
			shortID(r.ID), stamp(r.StartedAt), escapeCell(r.Source), r.State, r.Succeeded, r.Failed, r.Total)
	}

	if entries == nil {
		return sb.String()
	}
	fmt.Fprintf(&sb, "\n## Run `%s`\n\n", shortID(runs[0].ID))
	if len(entries) == 0 {
		sb.WriteString("_No results recorded._\n")
		return sb.String()
	}
	sb.WriteString("| Row | Result | Basic ID | Token | Detail |\n")
	sb.WriteString("|---|---|---|---|---|\n")
	for _, e := range entries {
		result := "ok"
		detail := failedPhases(e.Phases)
		if !e.Success {
			result = "failed"
			detail = e.Error
		}
		fmt.Fprintf(&sb, "| %d | %s | %s | %s | %s |\n",
			e.Row, result, escapeCell(e.BasicID), escapeCell(e.TokenMasked), escapeCell(detail))
	}
	return sb.String()
}

func failedPhases(phases []PhaseEntry) string {
	var names []string
	for _, p := range phases {
		if p.Status == "failed" {
			names = append(names, p.Phase)
		}
	}
	if len(names) == 0 {
		return ""
	}
	return "failed: " + strings.Join(names, ", ")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}
