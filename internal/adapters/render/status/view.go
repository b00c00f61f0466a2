package status

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bnema/questd/internal/application"
	"github.com/bnema/questd/internal/domain"
	"github.com/charmbracelet/lipgloss"
)

const barWidth = 24

type RenderOptions struct {
	Now time.Time
	// Logs is the number of trailing log lines shown per session.
	Logs int
	// Width truncates lines when positive.
	Width int
}

func renderView(report application.StatusReport, opts RenderOptions, s styles) string {
	lines := []string{
		s.title.Render("Quest Supervisor"),
		s.header.Render(headerLine(report)),
		s.heading.Render("Workers"),
	}

	if len(report.Workers) == 0 {
		lines = append(lines, s.empty.Render("No workers."))
	}
	for _, slot := range report.Workers {
		lines = append(lines, workerLine(slot, report.Limits, s))
	}

	lines = append(lines, s.heading.Render("Sessions"))
	if len(report.Sessions) == 0 {
		lines = append(lines, s.empty.Render("No sessions."))
		return lipgloss.JoinVertical(lipgloss.Left, lines...)
	}
	for _, session := range report.Sessions {
		lines = append(lines, renderSession(session, opts, s))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func headerLine(report application.StatusReport) string {
	parts := []string{
		fmt.Sprintf("sessions: %d", len(report.Sessions)),
		fmt.Sprintf("tasks: %d/%s", report.Global, capLabel(report.Limits.GlobalCap)),
		fmt.Sprintf("per worker: %s", capLabel(report.Limits.PerWorkerCap)),
	}
	if report.RunID != "" {
		parts = append([]string{"run: " + shortID(report.RunID)}, parts...)
	}
	return strings.Join(parts, "  ")
}

func workerLine(slot domain.WorkerSlot, limits application.PoolLimits, s styles) string {
	name := fmt.Sprintf("worker %d", slot.Index)
	if slot.PID > 0 {
		name += fmt.Sprintf(" (pid %d)", slot.PID)
	}

	load := s.detail.Render(fmt.Sprintf("%d/%s", slot.Tasks, capLabel(limits.PerWorkerCap)))
	parts := []string{s.identity.Render(name), " "}
	if limits.PerWorkerCap > 0 {
		parts = append(parts, renderProgressBar(percentOf(float64(slot.Tasks), float64(limits.PerWorkerCap)), barWidth, s), " ")
	}
	parts = append(parts, load, " ", workerState(slot, s))
	if slot.RSSBytes > 0 {
		parts = append(parts, " ", s.header.Render("rss "+formatBytes(slot.RSSBytes)))
	}
	if slot.Reported != slot.Tasks {
		parts = append(parts, " ", s.header.Render(fmt.Sprintf("reported %d", slot.Reported)))
	}

	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

func workerState(slot domain.WorkerSlot, s styles) string {
	switch {
	case !slot.Healthy:
		return s.warning.Render("[exited]")
	case !slot.Ready:
		return s.empty.Render("starting")
	default:
		return s.ok.Render("ready")
	}
}

func renderSession(session domain.SessionSnapshot, opts RenderOptions, s styles) string {
	parts := []string{s.identity.Render(string(session.Identity)), " ", s.detail.Render(string(session.State))}
	if session.Worker != domain.NoWorker {
		parts = append(parts, " ", s.header.Render(fmt.Sprintf("on worker %d", session.Worker)))
	}

	head := lipgloss.JoinHorizontal(lipgloss.Top, parts...)
	rows := []string{head}

	if session.Task != nil {
		task := session.Task
		percent := float64(session.Percent)
		percentStyle := lipgloss.NewStyle().Foreground(interpolateColor(percent, 0, 100))
		rows = append(rows, lipgloss.JoinHorizontal(
			lipgloss.Top,
			s.detail.Render(fmt.Sprintf("%s (%s):", task.ID, task.QuestID)),
			" ",
			renderProgressBar(percent, barWidth, s),
			" ",
			percentStyle.Render(fmt.Sprintf("%3d%%", session.Percent)),
			" ",
			s.header.Render(fmt.Sprintf("%s/%s", formatAmount(task.Current), formatAmount(task.Target))),
		))
	} else {
		rows = append(rows, s.empty.Render("no task selected"))
	}

	if session.Reason != "" {
		rows = append(rows, s.warning.Render("reason: "+session.Reason))
	}
	if !opts.Now.IsZero() && !session.UpdatedAt.IsZero() {
		rows = append(rows, s.header.Render("updated "+formatAge(session.UpdatedAt, opts.Now)))
	}

	logs := session.Logs
	if opts.Logs >= 0 && len(logs) > opts.Logs {
		logs = logs[len(logs)-opts.Logs:]
	}
	for _, line := range logs {
		rows = append(rows, s.logLine.Render(line))
	}

	return s.section.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// renderProgressBar fills the bar proportionally to percent done.
func renderProgressBar(percent float64, width int, s styles) string {
	if width <= 0 {
		return ""
	}

	done := clampPercent(percent) / 100.0
	filled := int(math.Round(float64(width) * done))
	if filled < 0 {
		filled = 0
	}
	if filled > width {
		filled = width
	}

	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		s.barBracket.Render("["),
		s.barFill.Render(strings.Repeat("=", filled)),
		s.barEmpty.Render(strings.Repeat("-", width-filled)),
		s.barBracket.Render("]"),
	)
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func percentOf(value, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return value / total * 100
}

func capLabel(limit int) string {
	if limit <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d", limit)
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func formatAmount(v float64) string {
	if v == math.Trunc(v) {
		return fmt.Sprintf("%.0f", v)
	}
	return fmt.Sprintf("%.1f", v)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	value := float64(n)
	suffixes := []string{"KiB", "MiB", "GiB", "TiB"}
	i := -1
	for value >= unit && i < len(suffixes)-1 {
		value /= unit
		i++
	}
	return fmt.Sprintf("%.1f %s", value, suffixes[i])
}

func formatAge(at, now time.Time) string {
	if at.After(now) {
		return "just now"
	}

	elapsed := now.Sub(at)
	switch {
	case elapsed < time.Minute:
		return fmt.Sprintf("%ds ago", int(elapsed.Seconds()))
	case elapsed < time.Hour:
		return fmt.Sprintf("%dm ago", int(elapsed.Minutes()))
	case elapsed < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(elapsed.Hours()))
	default:
		return at.Format("15:04 on 02 Jan")
	}
}

// interpolateColor maps value onto the 240..255 greyscale ramp.
func interpolateColor(value, min, max float64) lipgloss.Color {
	if max == min {
		return lipgloss.Color("255")
	}

	normalized := (value - min) / (max - min)
	if normalized < 0 {
		normalized = 0
	}
	if normalized > 1 {
		normalized = 1
	}

	baseColor := 240.0
	targetColor := 255.0
	colorCode := int(baseColor + (targetColor-baseColor)*normalized)

	return lipgloss.Color(fmt.Sprintf("%d", colorCode))
}
