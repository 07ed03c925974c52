package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/esasync/internal/records"
	"github.com/MarcoPoloResearchLab/esasync/internal/syncer"
	"github.com/charmbracelet/lipgloss"
)

var styles = struct {
	title   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	failure lipgloss.Style
	muted   lipgloss.Style
	label   lipgloss.Style
}{
	title:   lipgloss.NewStyle().Bold(true),
	success: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
	warning: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
	failure: lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
	muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	label:   lipgloss.NewStyle().Width(18),
}

func printResult(out io.Writer, result syncer.Result) {
	switch result.Status {
	case syncer.StatusSuccess:
		fmt.Fprintln(out, styles.success.Render("✓ ")+result.Message)
	case syncer.StatusConflict:
		fmt.Fprintln(out, styles.warning.Render("! ")+result.Message)
	case syncer.StatusAlreadyRunning:
		fmt.Fprintln(out, styles.muted.Render("… ")+result.Message)
	default:
		line := styles.failure.Render("✗ ") + result.Message
		if result.Attempts > 1 {
			line += styles.muted.Render(fmt.Sprintf(" (after %d attempts)", result.Attempts))
		}
		fmt.Fprintln(out, line)
	}
}

func printPhase(out io.Writer) func(syncer.Phase) {
	return func(phase syncer.Phase) {
		if phase == syncer.PhaseDone || phase == syncer.PhaseConflict || phase == syncer.PhaseFailed {
			return
		}
		fmt.Fprintln(out, styles.muted.Render("  "+string(phase)+"…"))
	}
}

func printRow(out io.Writer, label, value string) {
	fmt.Fprintln(out, styles.label.Render(label)+value)
}

func stateBadge(state records.State) string {
	switch state {
	case records.StateSynced:
		return styles.success.Render("synced")
	case records.StatePending:
		return styles.warning.Render("pending")
	default:
		return styles.muted.Render(string(state))
	}
}

// describeConflict renders both versions side by side for the resolution prompt.
func describeConflict(conflict syncer.Conflict) string {
	width := 38
	column := lipgloss.NewStyle().Width(width).Border(lipgloss.RoundedBorder()).Padding(0, 1)
	local := column.Render(styles.title.Render("local") + "\n" +
		styles.muted.Render(conflict.Local.LastModified.Local().Format("2006-01-02 15:04:05")) + "\n" +
		payloadLines(conflict.Local))
	server := column.Render(styles.title.Render("server") + "\n" +
		styles.muted.Render(conflict.Server.LastModified.Local().Format("2006-01-02 15:04:05")) + "\n" +
		payloadLines(conflict.Server))
	return lipgloss.JoinHorizontal(lipgloss.Top, local, server)
}

func payloadLines(record records.Record) string {
	if record.IsDeleted {
		return styles.failure.Render("deleted")
	}
	fields, err := record.Fields()
	if err != nil || len(fields) == 0 {
		return strings.TrimSpace(string(record.Payload))
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, key := range keys {
		value := fmt.Sprint(fields[key])
		if value == "" || value == "<nil>" {
			continue
		}
		lines = append(lines, key+": "+value)
	}
	return strings.Join(lines, "\n")
}

func isInteractive() bool {
	info, err := os.Stdin.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}
