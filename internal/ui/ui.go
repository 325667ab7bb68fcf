// Package ui renders command output for terminals.
//
// Styles degrade to plain text when stdout is not a terminal, so the same
// output can be piped into logs.
package ui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mschirtzinger/p4sync/internal/daemon"
)

var (
	accent = lipgloss.Color("62")
	muted  = lipgloss.Color("241")

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(accent)
	labelStyle = lipgloss.NewStyle().Foreground(muted).Width(18)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(muted).
			Padding(0, 1)
)

// Title renders a heading.
func Title(s string) string { return titleStyle.Render(s) }

// OK renders a success line.
func OK(s string) string { return okStyle.Render("✓ " + s) }

// Warn renders a warning line.
func Warn(s string) string { return warnStyle.Render("! " + s) }

// Error renders an error line.
func Error(s string) string { return errStyle.Render("✗ " + s) }

// Row is one label/value line of a panel.
type Row struct {
	Label string
	Value string
}

// Panel renders rows under a title inside a box.
func Panel(title string, rows []Row) string {
	lines := make([]string, 0, len(rows)+1)
	lines = append(lines, Title(title))
	for _, r := range rows {
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(r.Label), r.Value))
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

// Status is what the status command shows.
type Status struct {
	Project         int
	Counter         string
	Cursor          int
	LatestSubmitted int
}

// RenderStatus renders the cursor against the server head.
func RenderStatus(s Status) string {
	behind := s.LatestSubmitted - s.Cursor
	lag := OK("up to date")
	if behind > 0 {
		lag = Warn(fmt.Sprintf("%d change ids behind", behind))
	}
	return Panel(fmt.Sprintf("Project %d", s.Project), []Row{
		{"Counter", s.Counter},
		{"Cursor", fmt.Sprint(s.Cursor)},
		{"Latest submitted", fmt.Sprint(s.LatestSubmitted)},
		{"Lag", lag},
	})
}

// RenderRangeReport renders the result of a range sync, one line per failed
// change.
func RenderRangeReport(r *daemon.RangeReport) string {
	var b strings.Builder
	b.WriteString(Panel(fmt.Sprintf("Changes %d-%d", r.Start, r.End), []Row{
		{"Synced", joinIDs(r.Synced)},
		{"Skipped", joinIDs(r.Skipped)},
		{"Failed", fmt.Sprint(len(r.Failed))},
	}))
	b.WriteString("\n")

	ids := make([]int, 0, len(r.Failed))
	for id := range r.Failed {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		b.WriteString(Error(fmt.Sprintf("change %d: %v", id, r.Failed[id])))
		b.WriteString("\n")
	}

	if r.OK() {
		b.WriteString(OK("range complete"))
	} else {
		b.WriteString(Warn("range complete with failures"))
	}
	b.WriteString("\n")
	return b.String()
}

func joinIDs(ids []int) string {
	if len(ids) == 0 {
		return "-"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, " ")
}
