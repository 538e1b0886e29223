package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"phaseloop/internal/state"
)

var (
	colorAccent  = lipgloss.Color("#8BC34A")
	colorWarning = lipgloss.Color("#FFC107")
	colorError   = lipgloss.Color("#e53935")
	colorMuted   = lipgloss.Color("#6b7785")

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	warnStyle   = lipgloss.NewStyle().Foreground(colorWarning)
	errStyle    = lipgloss.NewStyle().Foreground(colorError)
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorMuted).Padding(0, 1)
)

// statusCmd shows pipeline state
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show objectives, tasks and phase statistics",
	RunE:  showStatus,
}

func showStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mgr := state.NewManager(cfg.ResolvePath(cfg.State.Path), nil)
	st, err := mgr.Load()
	if err != nil {
		return err
	}
	ackPending := false
	if _, err := os.Stat(cfg.ResolvePath(cfg.Loop.AckFile)); err == nil {
		ackPending = true
	}
	renderStatus(cmd.OutOrStdout(), st, ackPending)
	return nil
}

func renderStatus(w io.Writer, st *state.PipelineState, ackPending bool) {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("phaseloop status"))
	fmt.Fprintf(&sb, "  iteration %d  current %s", st.Iteration, orDash(st.CurrentPhase))
	if st.NextPhase != "" {
		fmt.Fprintf(&sb, "  next %s", st.NextPhase)
	}
	if !st.UpdatedAt.IsZero() {
		sb.WriteString(mutedStyle.Render("  updated " + st.UpdatedAt.Local().Format(time.DateTime)))
	}
	sb.WriteString("\n\n")

	sb.WriteString(headerStyle.Render("Objectives"))
	sb.WriteString("\n")
	if len(st.Objectives) == 0 {
		sb.WriteString(mutedStyle.Render("  none") + "\n")
	}
	current := st.CurrentObjective()
	for _, o := range st.Objectives {
		marker := "  "
		if current != nil && o.ID == current.ID {
			marker = titleStyle.Render("> ")
		}
		fmt.Fprintf(&sb, "%s%-14s %-9s p%d  %s\n", marker, o.ID, o.Status, o.Priority, o.Title)
	}
	sb.WriteString("\n")

	sb.WriteString(headerStyle.Render("Tasks"))
	sb.WriteString("\n  " + formatTaskCounts(st.TaskCounts()) + "\n\n")

	sb.WriteString(headerStyle.Render("Phases"))
	sb.WriteString("\n")
	names := make([]string, 0, len(st.Phases))
	for n := range st.Phases {
		names = append(names, n)
	}
	sort.Strings(names)
	fmt.Fprintf(&sb, "  %-14s %5s %5s %5s %6s  %s\n", "PHASE", "RUNS", "OK", "FAIL", "RATE", "LAST RUN")
	for _, n := range names {
		ps := st.Phases[n]
		last := "-"
		if !ps.LastRunAt.IsZero() {
			last = ps.LastRunAt.Local().Format(time.DateTime)
		}
		rate := fmt.Sprintf("%5.0f%%", ps.SuccessRate*100)
		switch {
		case ps.RunCount == 0:
			rate = mutedStyle.Render(fmt.Sprintf("%6s", "-"))
		case ps.SuccessRate < 0.3:
			rate = errStyle.Render(rate)
		case ps.ConsecutiveFailures() > 0:
			rate = warnStyle.Render(rate)
		}
		fmt.Fprintf(&sb, "  %-14s %5d %5d %5d %s  %s\n", n, ps.RunCount, ps.SuccessCount, ps.FailureCount, rate, last)
	}

	if n := len(st.PhaseHistory); n > 0 {
		sb.WriteString("\n")
		sb.WriteString(headerStyle.Render("Recent decisions"))
		sb.WriteString("\n")
		for _, e := range st.PhaseHistory[max(0, n-5):] {
			outcome := titleStyle.Render("ok  ")
			if !e.Success {
				outcome = errStyle.Render("fail")
			}
			fmt.Fprintf(&sb, "  %s %-14s %s %s\n", e.At.Local().Format(time.TimeOnly), e.Phase, outcome, mutedStyle.Render(e.Reason))
		}
	}

	if ackPending {
		sb.WriteString("\n" + warnStyle.Render("Acknowledgement file present; a running loop will consume it.") + "\n")
	}

	fmt.Fprintln(w, boxStyle.Render(strings.TrimRight(sb.String(), "\n")))
}
