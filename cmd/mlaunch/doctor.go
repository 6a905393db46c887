package main

import (
	"fmt"
	"strings"

	"github.com/ship-commander/mlaunch/internal/launcherr"
	"github.com/ship-commander/mlaunch/internal/render"
	"github.com/ship-commander/mlaunch/internal/toolchain"
	"github.com/spf13/cobra"
)

func newDoctorCommand(a *app) *cobra.Command {
	var (
		platformName string
		device       bool
	)
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Report which platform tools are installed",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := a.doctorReport(platformName, device)
			fmt.Fprintln(cmd.OutOrStdout(), report)
			return err
		},
	}
	cmd.Flags().StringVar(&platformName, "platform", "", "fail unless the tools for android or ios are installed")
	cmd.Flags().BoolVar(&device, "device", false, "check the physical iOS device toolchain")
	return cmd
}

// doctorReport renders tool availability. With a platform it also fails when
// a tool that platform needs is missing.
func (a *app) doctorReport(platformName string, device bool) (string, error) {
	availability, err := a.tools.Detect()
	if err != nil {
		return "", fmt.Errorf("detect toolchain: %w", err)
	}

	var required []string
	platformName = strings.ToLower(strings.TrimSpace(platformName))
	if platformName != "" {
		required, err = a.tools.Required(platformName, device)
		if err != nil {
			return "", launcherr.Usage("--platform must be %s or %s", toolchain.PlatformAndroid, toolchain.PlatformIOS)
		}
	}

	lines := []string{render.Toolchain(availability, required), ""}
	lines = append(lines, render.TitleStyle.Render("Runtime"))
	lines = append(lines, fmt.Sprintf("proxy     %s:%d", a.cfg.ProxyHost, a.cfg.ProxyPort))
	lines = append(lines, fmt.Sprintf("stage     %s", a.cfg.StageTimeout))
	if a.cfg.PatternCatalog != "" {
		lines = append(lines, fmt.Sprintf("patterns  %s", a.cfg.PatternCatalog))
	}
	if path := a.logger.Path(); path != "" {
		lines = append(lines, fmt.Sprintf("log       %s", path))
	}
	report := strings.Join(lines, "\n")

	if platformName == "" {
		return report, nil
	}
	if _, err := a.tools.Require(platformName, device); err != nil {
		return report, err
	}
	return report, nil
}
