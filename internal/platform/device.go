package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ship-commander/mlaunch/internal/events"
	"github.com/ship-commander/mlaunch/internal/gdbremote"
	"github.com/ship-commander/mlaunch/internal/launcherr"
	"github.com/ship-commander/mlaunch/internal/retry"
	"github.com/ship-commander/mlaunch/internal/verify"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var devicePathPattern = regexp.MustCompile(`(?:/private)?/var/containers/Bundle/Application/[0-9A-Fa-f-]+/[^/\s]+\.app`)

// Installer copies a built bundle to a device and reports where it landed.
type Installer interface {
	Install(ctx context.Context, target Target, appPath string) (devicePath string, err error)
}

// CommandInstaller installs with an external command such as
// `ios-deploy --bundle <app>` and reads the on-device path from its output.
type CommandInstaller struct {
	base
	command []string
}

// NewCommandInstaller builds an installer running command with the bundle
// path appended.
func NewCommandInstaller(starter Starter, command []string, options ...Option) *CommandInstaller {
	return &CommandInstaller{base: newBase(starter, options), command: append([]string{}, command...)}
}

// Install runs the install command and returns the application path on the
// device.
func (i *CommandInstaller) Install(ctx context.Context, target Target, appPath string) (string, error) {
	if err := i.validate(); err != nil {
		return "", err
	}
	if len(i.command) == 0 {
		return "", errors.New("install command must not be empty")
	}

	args := []string{appPath}
	if target.DeviceID != "" {
		args = append(args, "--id", target.DeviceID)
	}
	out, err := i.capture(ctx, buildCommand(i.command, target.ProjectRoot, args...))
	if err != nil {
		return "", launcherr.Wrap(launcherr.IOSInstallFailed, err, deviceLabel(target))
	}

	devicePath := devicePathPattern.FindString(out)
	if devicePath == "" {
		return "", launcherr.Wrap(
			launcherr.IOSInstallFailed,
			errors.New("installer did not report the on-device application path"),
			deviceLabel(target),
		)
	}
	return devicePath, nil
}

// ProxyLauncher starts a debug-server proxy for target listening on
// host:port. stop terminates it.
type ProxyLauncher interface {
	StartProxy(ctx context.Context, target Target, host string, port int) (stop func() error, err error)
}

// CommandProxyLauncher runs a proxy command such as
// `idevicedebugserverproxy [-u <udid>] <port>` and waits for its port.
//
// By default readiness is a TCP connection to the port, which makes the
// proxy open and drop one device-side debugserver connection. When
// ReadyLine is set, readiness is instead an output line matching it and the
// port is never probed.
type CommandProxyLauncher struct {
	base
	command []string
	policy  retry.Policy

	ReadyLine *regexp.Regexp
}

// NewCommandProxyLauncher builds a proxy launcher. policy bounds the wait
// for the proxy port.
func NewCommandProxyLauncher(starter Starter, command []string, policy retry.Policy, options ...Option) *CommandProxyLauncher {
	return &CommandProxyLauncher{
		base:    newBase(starter, options),
		command: append([]string{}, command...),
		policy:  policy,
	}
}

// StartProxy spawns the proxy and returns once it accepts connections.
func (p *CommandProxyLauncher) StartProxy(ctx context.Context, target Target, host string, port int) (func() error, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if len(p.command) == 0 {
		return nil, errors.New("proxy command must not be empty")
	}

	var args []string
	if target.DeviceID != "" {
		args = append(args, "-u", target.DeviceID)
	}
	args = append(args, fmt.Sprint(port))

	address := fmt.Sprintf("%s:%d", host, port)
	process, err := p.starter.Start(ctx, buildCommand(p.command, "", args...))
	if err != nil {
		return nil, launcherr.Wrap(launcherr.ProxyUnavailable, err, address)
	}
	var output io.Writer = logWriter{logger: p.logger, source: "proxy"}
	var ready *readyWriter
	if p.ReadyLine != nil {
		ready = &readyWriter{next: output, pattern: p.ReadyLine}
		output = ready
	}
	process.Drain(output)

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-process.Exited():
			cancel()
		case <-waitCtx.Done():
		}
	}()

	if ready != nil {
		err = retry.Until(waitCtx, p.policy, func(context.Context) (bool, error) {
			return ready.seen.Load(), nil
		}, fmt.Sprintf("proxy printed no line matching %q", p.ReadyLine.String()))
	} else {
		err = retry.WaitForListener(waitCtx, p.policy, host, port)
	}
	if err != nil {
		select {
		case <-process.Exited():
			outcome := <-process.Outcome()
			if outcome == nil {
				outcome = errors.New("exit status 0")
			}
			err = fmt.Errorf("proxy exited before listening: %w", outcome)
		default:
		}
		_ = process.Stop()
		return nil, launcherr.Wrap(launcherr.ProxyUnavailable, err, address)
	}
	p.logger.Debug("proxy listening", "address", address, "pid", process.PID())
	return process.Stop, nil
}

// readyWriter watches proxy output for the readiness line. Drain
// serializes its writes.
type readyWriter struct {
	next    io.Writer
	pattern *regexp.Regexp
	partial string
	seen    atomic.Bool
}

func (w *readyWriter) Write(p []byte) (int, error) {
	_, _ = w.next.Write(p)
	if w.seen.Load() {
		return len(p), nil
	}
	lines := strings.Split(w.partial+string(p), "\n")
	w.partial = lines[len(lines)-1]
	for _, line := range lines {
		if w.pattern.MatchString(line) {
			w.seen.Store(true)
			w.partial = ""
			break
		}
	}
	return len(p), nil
}

// DeviceConfig configures the physical-device flow.
type DeviceConfig struct {
	BuildCommand []string
	ProxyHost    string
	ProxyPort    int
	StageTimeout time.Duration
	Retry        retry.Policy
}

// DeviceDriver builds, installs and launches an app on a physical iOS device.
type DeviceDriver struct {
	base
	cfg       DeviceConfig
	installer Installer
	proxy     ProxyLauncher
	launcher  *gdbremote.Launcher
}

// NewDeviceDriver builds a DeviceDriver.
func NewDeviceDriver(
	starter Starter,
	cfg DeviceConfig,
	installer Installer,
	proxy ProxyLauncher,
	launcher *gdbremote.Launcher,
	options ...Option,
) *DeviceDriver {
	return &DeviceDriver{
		base:      newBase(starter, options),
		cfg:       cfg,
		installer: installer,
		proxy:     proxy,
		launcher:  launcher,
	}
}

// Run builds the app when a scheme is set, installs it, starts the proxy and
// launches the app through it. The returned session keeps the app alive; the
// proxy is stopped once the session ends.
func (d *DeviceDriver) Run(ctx context.Context, target Target) (result Result, err error) {
	if err := d.validate(); err != nil {
		return Result{}, err
	}
	if d.installer == nil || d.proxy == nil || d.launcher == nil {
		return Result{}, errors.New("installer, proxy launcher and debug-server launcher are required")
	}
	if target.Scheme == "" && target.AppPath == "" {
		return Result{}, errors.New("a scheme or a built app path is required for device launches")
	}
	started := d.now()

	ctx, span := d.tracer.Start(ctx, "platform.device.run", trace.WithAttributes(
		attribute.String("device_id", target.DeviceID),
		attribute.String("scheme", target.Scheme),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "launched")
		}
		span.End()
	}()

	appPath, err := d.build(ctx, target)
	if err != nil {
		return Result{}, err
	}

	if err := d.step("wait-for-bundle", func() error {
		if err := retry.WaitForFile(ctx, d.cfg.Retry, appPath); err != nil {
			return launcherr.Wrap(launcherr.IOSBundleNotFound, err, appPath)
		}
		return nil
	}); err != nil {
		return Result{}, err
	}

	var devicePath string
	if err := d.step("install", func() error {
		var installErr error
		devicePath, installErr = d.installer.Install(ctx, target, appPath)
		return installErr
	}); err != nil {
		return Result{}, err
	}

	var stopProxy func() error
	if err := d.step("proxy", func() error {
		var proxyErr error
		stopProxy, proxyErr = d.proxy.StartProxy(ctx, target, d.cfg.ProxyHost, d.cfg.ProxyPort)
		return proxyErr
	}); err != nil {
		return Result{}, err
	}

	var session *gdbremote.Session
	if err := d.step("launch", func() error {
		var launchErr error
		session, launchErr = d.launcher.Launch(ctx, gdbremote.Request{
			Host:         d.cfg.ProxyHost,
			Port:         d.cfg.ProxyPort,
			AppPath:      devicePath,
			StageTimeout: d.cfg.StageTimeout,
		})
		return launchErr
	}); err != nil {
		if stopErr := stopProxy(); stopErr != nil {
			d.logger.Warn("stop proxy", "err", stopErr)
		}
		return Result{}, err
	}

	go func() {
		<-session.Done()
		if stopErr := stopProxy(); stopErr != nil {
			d.logger.Warn("stop proxy", "err", stopErr)
		}
		d.publishStep("proxy", "stopped", events.SeverityInfo, "")
	}()

	target.Platform = IOS
	target.Simulator = false
	return Result{
		Platform: IOS,
		Target:   target,
		AppPath:  devicePath,
		Duration: d.now().Sub(started),
		Session:  session,
	}, nil
}

// build runs the configured build command for target.Scheme and returns the
// local bundle path.
func (d *DeviceDriver) build(ctx context.Context, target Target) (string, error) {
	if target.Scheme == "" {
		return target.AppPath, nil
	}
	if len(d.cfg.BuildCommand) == 0 {
		return "", errors.New("build command must not be empty")
	}

	configuration := target.Configuration
	if configuration == "" {
		configuration = "Debug"
	}
	iosDir := filepath.Join(target.ProjectRoot, "ios")
	derivedData := filepath.Join(iosDir, "build")

	args := []string{
		"-scheme", target.Scheme,
		"-configuration", configuration,
		"-sdk", "iphoneos",
		"-derivedDataPath", derivedData,
	}
	if target.DeviceID != "" {
		args = append(args, "-destination", "id="+target.DeviceID)
	}

	err := d.runVerified(
		ctx,
		"build",
		buildCommand(d.cfg.BuildCommand, iosDir, args...),
		IOS,
		d.failures(IOS, IOSFailurePatterns()),
		d.successes(IOS, verify.StaticSuccesses(IOSBuildSuccessPatterns()...)),
	)
	if err != nil {
		return "", err
	}

	if target.AppPath != "" {
		return target.AppPath, nil
	}
	return filepath.Join(derivedData, "Build", "Products", configuration+"-iphoneos", target.Scheme+".app"), nil
}

func (d *DeviceDriver) step(name string, fn func() error) error {
	d.publishStep(name, "started", events.SeverityInfo, "")
	if err := fn(); err != nil {
		d.publishStep(name, "failed", events.SeverityError, err.Error())
		return err
	}
	d.publishStep(name, "succeeded", events.SeverityInfo, "")
	return nil
}

func deviceLabel(target Target) string {
	if id := strings.TrimSpace(target.DeviceID); id != "" {
		return id
	}
	return "(default device)"
}
