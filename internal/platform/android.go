package platform

import (
	"context"
	"errors"

	"github.com/ship-commander/mlaunch/internal/verify"
)

// AndroidDriver deploys and starts an app with one Android CLI command.
type AndroidDriver struct {
	base
	command []string
}

// NewAndroidDriver builds an AndroidDriver running command, typically
// `npx react-native run-android`.
func NewAndroidDriver(starter Starter, command []string, options ...Option) *AndroidDriver {
	return &AndroidDriver{base: newBase(starter, options), command: append([]string{}, command...)}
}

// Run executes the deploy command in the project root and verifies its output.
func (d *AndroidDriver) Run(ctx context.Context, target Target) (Result, error) {
	if err := d.validate(); err != nil {
		return Result{}, err
	}
	if len(d.command) == 0 {
		return Result{}, errors.New("android command must not be empty")
	}
	started := d.now()

	var args []string
	if target.DeviceID != "" {
		args = append(args, "--deviceId", target.DeviceID)
	}
	if target.Configuration != "" {
		args = append(args, "--mode", target.Configuration)
	}

	err := d.runVerified(
		ctx,
		"deploy",
		buildCommand(d.command, target.ProjectRoot, args...),
		Android,
		d.failures(Android, AndroidFailurePatterns()),
		d.successes(Android, verify.StaticSuccesses(AndroidSuccessPatterns()...)),
	)
	if err != nil {
		return Result{}, err
	}

	target.Platform = Android
	return Result{
		Platform: Android,
		Target:   target,
		AppPath:  target.AppPath,
		Duration: d.now().Sub(started),
	}, nil
}
