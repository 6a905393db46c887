package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// SimulatorDriver builds, installs and starts an app on an iOS simulator
// with one CLI command.
type SimulatorDriver struct {
	base
	command  []string
	resolver BundleIDResolver
}

// NewSimulatorDriver builds a SimulatorDriver running command, typically
// `npx react-native run-ios`. resolver supplies the bundle identifier the
// success signature depends on.
func NewSimulatorDriver(starter Starter, command []string, resolver BundleIDResolver, options ...Option) *SimulatorDriver {
	return &SimulatorDriver{
		base:     newBase(starter, options),
		command:  append([]string{}, command...),
		resolver: resolver,
	}
}

// Run executes the deploy command and verifies that the app was launched.
func (d *SimulatorDriver) Run(ctx context.Context, target Target) (Result, error) {
	if err := d.validate(); err != nil {
		return Result{}, err
	}
	if len(d.command) == 0 {
		return Result{}, errors.New("ios command must not be empty")
	}
	if d.resolver == nil {
		return Result{}, errors.New("bundle identifier resolver is required")
	}
	started := d.now()

	var args []string
	if target.DeviceID != "" {
		args = append(args, "--udid", target.DeviceID)
	}
	if target.Scheme != "" {
		args = append(args, "--scheme", target.Scheme)
	}
	if target.Configuration != "" {
		args = append(args, "--mode", target.Configuration)
	}

	// The identifier is only needed if no failure pattern matched.
	var (
		once     sync.Once
		bundleID string
		idErr    error
	)
	resolve := func(ctx context.Context) (string, error) {
		once.Do(func() {
			bundleID, idErr = d.resolver.ResolveBundleID(ctx, target)
		})
		return bundleID, idErr
	}
	successes := func(ctx context.Context) ([]string, error) {
		id, err := resolve(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve bundle identifier: %w", err)
		}
		return SimulatorSuccessPatterns(id), nil
	}

	err := d.runVerified(
		ctx,
		"deploy",
		buildCommand(d.command, target.ProjectRoot, args...),
		IOS,
		d.failures(IOS, IOSFailurePatterns()),
		d.successes(IOS, successes),
	)
	if err != nil {
		return Result{}, err
	}

	target.Platform = IOS
	target.Simulator = true
	if id, err := resolve(ctx); err == nil {
		target.BundleID = strings.TrimSpace(id)
	}
	return Result{
		Platform: IOS,
		Target:   target,
		AppPath:  target.AppPath,
		Duration: d.now().Sub(started),
	}, nil
}
