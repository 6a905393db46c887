package render

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/ship-commander/mlaunch/internal/events"
	"github.com/ship-commander/mlaunch/internal/launcherr"
	"github.com/ship-commander/mlaunch/internal/platform"
	"github.com/ship-commander/mlaunch/internal/toolchain"
)

func TestStylesExported(t *testing.T) {
	t.Parallel()

	styles := []lipgloss.Style{TitleStyle, SuccessStyle, ErrorStyle, WarningStyle, InfoStyle, MutedStyle}
	for i, style := range styles {
		if style.GetForeground() == nil {
			t.Fatalf("style %d has nil foreground", i)
		}
	}
	if border, _, _, _, _ := PanelBorder.GetBorder(); border.Top != lipgloss.RoundedBorder().Top {
		t.Fatalf("panel border top = %q, want rounded", border.Top)
	}
}

func TestLaunchResult(t *testing.T) {
	t.Parallel()

	out := LaunchResult(platform.Result{
		Platform: platform.IOS,
		Target: platform.Target{
			Platform:  platform.IOS,
			DeviceID:  "SIM-1",
			Simulator: true,
			BundleID:  "com.example.app",
		},
		Duration: 1500 * time.Millisecond,
	})
	for _, want := range []string{"Application launched", "iOS", "simulator", "SIM-1", "com.example.app", "1.5s"} {
		if !strings.Contains(out, want) {
			t.Fatalf("result missing %q:\n%s", want, out)
		}
	}
}

func TestFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want []string
		deny []string
	}{
		{
			name: "classified",
			err:  launcherr.New(launcherr.LaunchTimedOut),
			want: []string{"Launch timed out - is the device locked?", "(error code 1304)"},
			deny: []string{"caused by"},
		},
		{
			name: "nested",
			err:  launcherr.Wrap(launcherr.AndroidInstallFailed, errors.New("exit status 1"), "INSTALL_FAILED_OLDER_SDK"),
			want: []string{"Installation failed: INSTALL_FAILED_OLDER_SDK", "caused by: exit status 1"},
		},
		{
			name: "usage",
			err:  launcherr.Usage("--simulator and --device are mutually exclusive"),
			want: []string{"usage:", "mutually exclusive"},
		},
		{
			name: "plain",
			err:  errors.New("boom"),
			want: []string{"error: boom"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out := Failure(tt.err)
			for _, want := range tt.want {
				if !strings.Contains(out, want) {
					t.Fatalf("Failure() = %q, want %q", out, want)
				}
			}
			for _, deny := range tt.deny {
				if strings.Contains(out, deny) {
					t.Fatalf("Failure() = %q, must not contain %q", out, deny)
				}
			}
		})
	}

	if got := Failure(nil); got != "" {
		t.Fatalf("Failure(nil) = %q", got)
	}
}

func TestStage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		event events.Event
		want  string
	}{
		{
			event: events.Event{Type: events.EventTypePipelineStep, Payload: map[string]string{"step": "install", "status": "started"}},
			want:  "install started",
		},
		{
			event: events.Event{Type: events.EventTypeLaunchStage, Payload: map[string]string{"stage": "continue", "status": "succeeded"}},
			want:  "launch/continue succeeded",
		},
		{
			event: events.Event{Type: events.EventTypeSystemAlert, Payload: map[string]string{"message": "application exited"}},
			want:  "application exited",
		},
		{
			event: events.Event{Type: events.EventTypeVerification, Payload: map[string]string{"result": "passed"}},
		},
		{
			event: events.Event{Type: events.EventTypePipelineStep, Payload: "not a map"},
		},
	}

	for _, tt := range tests {
		got := Stage(tt.event)
		if tt.want == "" {
			if got != "" {
				t.Fatalf("Stage(%s) = %q, want empty", tt.event.Type, got)
			}
			continue
		}
		if !strings.Contains(got, tt.want) {
			t.Fatalf("Stage(%s) = %q, want %q", tt.event.Type, got, tt.want)
		}
	}
}

func TestToolchain(t *testing.T) {
	t.Parallel()

	availability := toolchain.Availability{Tools: map[string]toolchain.Tool{
		"adb":   {Name: "adb", Path: "/usr/bin/adb", Found: true},
		"npx":   {Name: "npx"},
		"xcrun": {Name: "xcrun"},
	}}

	out := Toolchain(availability, []string{"npx"})
	lines := strings.Split(out, "\n")
	if len(lines) != 4 {
		t.Fatalf("line count = %d, want 4:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[1], "npx") || !strings.Contains(lines[1], "missing") {
		t.Fatalf("required tool should be listed first as missing: %q", lines[1])
	}
	if !strings.Contains(out, "/usr/bin/adb") {
		t.Fatalf("found tool path missing:\n%s", out)
	}
	if !strings.Contains(out, "not found") {
		t.Fatalf("optional tool should be marked not found:\n%s", out)
	}
}
