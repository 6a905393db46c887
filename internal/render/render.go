// Package render formats launch results, failures and toolchain reports for
// the terminal.
package render

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/ship-commander/mlaunch/internal/events"
	"github.com/ship-commander/mlaunch/internal/launcherr"
	"github.com/ship-commander/mlaunch/internal/platform"
	"github.com/ship-commander/mlaunch/internal/toolchain"
)

const (
	// Accent is the primary highlight color.
	Accent = "#FF9966"
	// Info is the informational blue.
	Info = "#9999CC"
	// Alert is the failure red.
	Alert = "#FF3333"
	// Caution is the warning yellow.
	Caution = "#FFCC00"
	// Ok is the success green.
	Ok = "#33FF33"
	// Muted is the neutral gray for secondary text.
	Muted = "#52526A"
)

const (
	// IconDone marks a successful step.
	IconDone = "✓"
	// IconFailed marks a failed step.
	IconFailed = "✗"
	// IconRunning marks a step in progress.
	IconRunning = "▸"
	// IconAlert marks a warning.
	IconAlert = "⚠"
	// IconWaiting marks a step that has not started.
	IconWaiting = "⏸"
)

var (
	// TitleStyle marks headings.
	TitleStyle = lipgloss.NewStyle().Foreground(color(Accent, "209", "11")).Bold(true)
	// SuccessStyle marks successful outcomes.
	SuccessStyle = lipgloss.NewStyle().Foreground(color(Ok, "46", "10")).Bold(true)
	// ErrorStyle marks failures.
	ErrorStyle = lipgloss.NewStyle().Foreground(color(Alert, "203", "9")).Bold(true)
	// WarningStyle marks warnings.
	WarningStyle = lipgloss.NewStyle().Foreground(color(Caution, "220", "11")).Bold(true)
	// InfoStyle marks progress lines.
	InfoStyle = lipgloss.NewStyle().Foreground(color(Info, "146", "12"))
	// MutedStyle marks secondary details.
	MutedStyle = lipgloss.NewStyle().Foreground(color(Muted, "60", "8"))

	// PanelBorder frames result summaries.
	PanelBorder = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(color(Muted, "60", "8")).
			Padding(0, 1)
)

var colorProfileFn = lipgloss.ColorProfile

func color(hex string, ansi256 string, ansi string) lipgloss.TerminalColor {
	switch colorProfileFn() {
	case termenv.ANSI256, termenv.ANSI:
		complete := lipgloss.CompleteColor{TrueColor: hex, ANSI256: ansi256, ANSI: ansi}
		return lipgloss.CompleteAdaptiveColor{Light: complete, Dark: complete}
	default:
		return lipgloss.AdaptiveColor{Light: hex, Dark: hex}
	}
}

// LaunchResult renders a verified launch.
func LaunchResult(result platform.Result) string {
	target := result.Target
	rows := [][2]string{{"platform", result.Platform}}
	if target.Platform == platform.IOS {
		mode := "device"
		if target.Simulator {
			mode = "simulator"
		}
		rows = append(rows, [2]string{"mode", mode})
	}
	if target.DeviceID != "" {
		rows = append(rows, [2]string{"device", target.DeviceID})
	}
	if target.BundleID != "" {
		rows = append(rows, [2]string{"bundle", target.BundleID})
	}
	if result.AppPath != "" {
		rows = append(rows, [2]string{"app", result.AppPath})
	}
	rows = append(rows, [2]string{"duration", result.Duration.Round(time.Millisecond).String()})

	title := SuccessStyle.Render(IconDone + " Application launched")
	return PanelBorder.Render(title + "\n" + table(rows))
}

// SessionEnded renders the end of a device session.
func SessionEnded(appPath, detail string) string {
	line := InfoStyle.Render(IconDone+" Session ended") + " " + MutedStyle.Render(appPath)
	if detail != "" {
		line += " " + MutedStyle.Render("("+detail+")")
	}
	return line
}

// Failure renders err for the terminal. Classified failures show their code.
func Failure(err error) string {
	if err == nil {
		return ""
	}
	var usage *launcherr.UsageError
	if errors.As(err, &usage) {
		return WarningStyle.Render(IconAlert+" usage: ") + usage.Error()
	}

	var launchErr *launcherr.Error
	if !errors.As(err, &launchErr) {
		return ErrorStyle.Render(IconFailed+" error: ") + err.Error()
	}
	header := ErrorStyle.Render(fmt.Sprintf("%s %s (error code %d)", IconFailed, launchErr.Message(), int(launchErr.Kind)))
	if !launchErr.Nested() {
		return header
	}
	return header + "\n" + MutedStyle.Render("  caused by: "+launchErr.Cause.Error())
}

// Stage renders one progress event as a single line. It returns "" for
// events that are not shown.
func Stage(event events.Event) string {
	payload, ok := event.Payload.(map[string]string)
	if !ok {
		return ""
	}

	var name string
	switch event.Type {
	case events.EventTypePipelineStep:
		name = payload["step"]
	case events.EventTypeLaunchStage:
		name = "launch/" + payload["stage"]
	case events.EventTypeSystemAlert:
		return WarningStyle.Render(IconAlert+" ") + payload["message"]
	default:
		return ""
	}

	status := payload["status"]
	var icon string
	var style lipgloss.Style
	switch status {
	case "started":
		icon, style = IconRunning, InfoStyle
	case "succeeded", "stopped", "exited":
		icon, style = IconDone, SuccessStyle
	case "failed":
		icon, style = IconFailed, ErrorStyle
	default:
		icon, style = IconWaiting, MutedStyle
	}
	return style.Render(fmt.Sprintf("%s %s %s", icon, name, status))
}

// Toolchain renders a tool availability table. Missing tools listed in
// required are flagged as errors, other missing tools as warnings.
func Toolchain(availability toolchain.Availability, required []string) string {
	needed := make(map[string]bool, len(required))
	for _, name := range required {
		needed[name] = true
	}

	tools := availability.Sorted()
	sort.SliceStable(tools, func(i, j int) bool { return needed[tools[i].Name] && !needed[tools[j].Name] })

	lines := []string{TitleStyle.Render("Toolchain")}
	width := 0
	for _, tool := range tools {
		width = max(width, len(tool.Name))
	}
	for _, tool := range tools {
		name := tool.Name + strings.Repeat(" ", width-len(tool.Name))
		switch {
		case tool.Found:
			lines = append(lines, SuccessStyle.Render(IconDone)+" "+name+"  "+MutedStyle.Render(tool.Path))
		case needed[tool.Name]:
			lines = append(lines, ErrorStyle.Render(IconFailed)+" "+name+"  "+ErrorStyle.Render("missing"))
		default:
			lines = append(lines, WarningStyle.Render(IconAlert)+" "+name+"  "+MutedStyle.Render("not found"))
		}
	}
	return strings.Join(lines, "\n")
}

func table(rows [][2]string) string {
	width := 0
	for _, row := range rows {
		width = max(width, len(row[0]))
	}
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		key := MutedStyle.Render(row[0] + strings.Repeat(" ", width-len(row[0])))
		lines = append(lines, key+"  "+row[1])
	}
	return strings.Join(lines, "\n")
}
