package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ship-commander/mlaunch/internal/events"
	"github.com/ship-commander/mlaunch/internal/gdbremote"
	"github.com/ship-commander/mlaunch/internal/launcherr"
	"github.com/ship-commander/mlaunch/internal/platform"
	"github.com/ship-commander/mlaunch/internal/render"
	"github.com/ship-commander/mlaunch/internal/retry"
	"github.com/ship-commander/mlaunch/internal/telemetry"
	"github.com/ship-commander/mlaunch/internal/toolchain"
	"github.com/spf13/cobra"
)

type targetFlags struct {
	project       string
	deviceID      string
	configuration string
}

func (f *targetFlags) register(cmd *cobra.Command, configurationUsage string) {
	cmd.Flags().StringVar(&f.project, "project", ".", "React Native project root")
	cmd.Flags().StringVar(&f.deviceID, "device-id", "", "target device, emulator or simulator identifier")
	cmd.Flags().StringVar(&f.configuration, "configuration", "", configurationUsage)
}

func (f *targetFlags) target(platformName string) (platform.Target, error) {
	root, err := filepath.Abs(strings.TrimSpace(f.project))
	if err != nil {
		return platform.Target{}, fmt.Errorf("resolve project root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return platform.Target{}, launcherr.Usage("project root %s is not a directory", root)
	}
	return platform.Target{
		Platform:      platformName,
		DeviceID:      strings.TrimSpace(f.deviceID),
		ProjectRoot:   root,
		Configuration: strings.TrimSpace(f.configuration),
	}, nil
}

func newRunAndroidCommand(a *app) *cobra.Command {
	var flags targetFlags
	cmd := &cobra.Command{
		Use:   "run-android",
		Short: "Build, install and start the app on an Android device or emulator",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			target, err := flags.target(platform.Android)
			if err != nil {
				return err
			}
			if err := a.requireTools(toolchain.PlatformAndroid, false); err != nil {
				return err
			}
			return a.launch(cmd.Context(), "run-android", target, func(ctx context.Context) (platform.Result, error) {
				driver := platform.NewAndroidDriver(a.starter, a.cfg.Android.Command, a.driverOptions()...)
				return driver.Run(ctx, target)
			})
		},
	}
	flags.register(cmd, "build variant passed as --mode (for example release)")
	return cmd
}

func newRunIOSCommand(a *app) *cobra.Command {
	var (
		flags     targetFlags
		simulator bool
		device    bool
		scheme    string
		appPath   string
		bundleID  string
	)
	cmd := &cobra.Command{
		Use:   "run-ios",
		Short: "Build, install and start the app on an iOS simulator or device",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if simulator && device {
				return launcherr.Usage("--simulator and --device are mutually exclusive")
			}
			target, err := flags.target(platform.IOS)
			if err != nil {
				return err
			}
			target.Simulator = !device
			target.Scheme = strings.TrimSpace(scheme)
			target.AppPath = strings.TrimSpace(appPath)
			target.BundleID = strings.TrimSpace(bundleID)
			if device && target.Scheme == "" && target.AppPath == "" {
				return launcherr.Usage("--device requires --scheme or --app-path")
			}

			if err := a.requireTools(toolchain.PlatformIOS, device); err != nil {
				return err
			}
			name := "run-ios-simulator"
			if device {
				name = "run-ios-device"
			}
			return a.launch(cmd.Context(), name, target, func(ctx context.Context) (platform.Result, error) {
				if device {
					return a.deviceDriver().Run(ctx, target)
				}
				resolver := platform.NewPlistBundleIDResolver(a.starter, a.driverOptions()...)
				driver := platform.NewSimulatorDriver(a.starter, a.cfg.IOS.Command, resolver, a.driverOptions()...)
				return driver.Run(ctx, target)
			})
		},
	}
	flags.register(cmd, "build configuration (Debug or Release)")
	cmd.Flags().BoolVar(&simulator, "simulator", false, "launch on a simulator (default)")
	cmd.Flags().BoolVar(&device, "device", false, "launch on a physical device through the debug-server proxy")
	cmd.Flags().StringVar(&scheme, "scheme", "", "Xcode scheme to build")
	cmd.Flags().StringVar(&appPath, "app-path", "", "prebuilt .app bundle to install")
	cmd.Flags().StringVar(&bundleID, "bundle-id", "", "bundle identifier (read from Info.plist when empty)")
	return cmd
}

func newLaunchCommand(a *app) *cobra.Command {
	var (
		host         string
		port         int
		appPath      string
		stageTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Start an installed app through a running debug-server proxy",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appPath = strings.TrimSpace(appPath)
			if appPath == "" {
				return launcherr.Usage("--app-path is required")
			}
			req := gdbremote.Request{
				Host:         firstNonEmpty(host, a.cfg.ProxyHost),
				Port:         port,
				AppPath:      appPath,
				StageTimeout: stageTimeout,
			}
			if req.Port == 0 {
				req.Port = a.cfg.ProxyPort
			}
			if req.StageTimeout == 0 {
				req.StageTimeout = a.cfg.StageTimeout
			}

			target := platform.Target{Platform: platform.IOS, AppPath: appPath}
			return a.launch(cmd.Context(), "launch", target, func(ctx context.Context) (platform.Result, error) {
				started := time.Now()
				session, err := a.debugLauncher().Launch(ctx, req)
				if err != nil {
					return platform.Result{}, err
				}
				return platform.Result{
					Platform: platform.IOS,
					Target:   target,
					AppPath:  appPath,
					Duration: time.Since(started),
					Session:  session,
				}, nil
			})
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "debug-server proxy host (default from config)")
	cmd.Flags().IntVar(&port, "port", 0, "debug-server proxy port (default from config)")
	cmd.Flags().StringVar(&appPath, "app-path", "", "application path on the device")
	cmd.Flags().DurationVar(&stageTimeout, "stage-timeout", 0, "timeout per handshake stage (default from config)")
	return cmd
}

// launch runs one traced launch, prints its result and, for debug-server
// sessions, waits until the application ends or the command is interrupted.
func (a *app) launch(
	ctx context.Context,
	name string,
	target platform.Target,
	fn func(ctx context.Context) (platform.Result, error),
) (err error) {
	ctx, run := telemetry.StartRun(ctx, telemetry.RunRequest{
		Command:  name,
		Platform: target.Platform,
		DeviceID: target.DeviceID,
		RunID:    a.logger.RunID(),
	})
	a.logger.WithTraceID(run.TraceID())
	a.track(run)
	defer func() {
		if err != nil {
			kind, _ := launcherr.KindOf(err)
			a.log().Error("launch failed", "command", name, "kind", kind.Name(), "err", err)
		}
		a.drain()
		run.End(err)
	}()

	a.log().Info("launch started", "command", name, "platform", target.Platform, "device_id", target.DeviceID)
	result, err := fn(ctx)
	if err != nil {
		return err
	}
	a.log().Info("launch verified", "command", name, "duration_ms", result.Duration.Milliseconds())
	fmt.Fprintln(a.out, render.LaunchResult(result))

	if result.Session == nil {
		return nil
	}
	return a.await(ctx, result.Session)
}

// await blocks until the session ends. Interrupting the command closes the
// session, which terminates the application.
func (a *app) await(ctx context.Context, session *gdbremote.Session) error {
	if !a.quiet {
		fmt.Fprintln(a.errOut, render.MutedStyle.Render("Session attached; press Ctrl-C to stop the application."))
	}
	select {
	case <-session.Done():
		detail := "connection closed"
		if exit, ok := session.ExitStatus(); ok {
			detail = exit.String()
		}
		a.bus.Publish(events.Event{
			Type:       events.EventTypeSystemAlert,
			EntityType: "session",
			EntityID:   session.AppPath(),
			Payload:    map[string]string{"message": "application ended: " + detail},
			Severity:   events.SeverityWarn,
		})
		fmt.Fprintln(a.out, render.SessionEnded(session.AppPath(), detail))
		return nil
	case <-ctx.Done():
		if err := session.Close(); err != nil {
			return fmt.Errorf("close session: %w", err)
		}
		fmt.Fprintln(a.out, render.SessionEnded(session.AppPath(), "stopped"))
		return nil
	}
}

func (a *app) driverOptions() []platform.Option {
	return []platform.Option{
		platform.WithLogger(a.log()),
		platform.WithPublisher(a.bus),
		platform.WithCatalog(a.catalog),
	}
}

func (a *app) debugLauncher() *gdbremote.Launcher {
	return gdbremote.NewLauncher(gdbremote.WithLogger(a.log()), gdbremote.WithPublisher(a.bus))
}

func (a *app) deviceDriver() *platform.DeviceDriver {
	policy := retry.Policy{MaxAttempts: a.cfg.Retry.MaxAttempts, Delay: a.cfg.Retry.Delay}
	options := a.driverOptions()
	proxy := platform.NewCommandProxyLauncher(a.starter, a.cfg.IOS.ProxyCommand, policy, options...)
	if pattern := a.cfg.IOS.ProxyReadyPattern; pattern != "" {
		// Validated when the config was loaded.
		proxy.ReadyLine = regexp.MustCompile(pattern)
	}
	return platform.NewDeviceDriver(
		a.starter,
		platform.DeviceConfig{
			BuildCommand: a.cfg.IOS.BuildCommand,
			ProxyHost:    a.cfg.ProxyHost,
			ProxyPort:    a.cfg.ProxyPort,
			StageTimeout: a.cfg.StageTimeout,
			Retry:        policy,
		},
		platform.NewCommandInstaller(a.starter, a.cfg.IOS.InstallCommand, options...),
		proxy,
		a.debugLauncher(),
		options...,
	)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			return value
		}
	}
	return ""
}
