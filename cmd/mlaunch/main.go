package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ship-commander/mlaunch/internal/launcherr"
	"github.com/ship-commander/mlaunch/internal/render"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, render.Failure(err))
		os.Exit(launcherr.ExitCode(err))
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	return execute(ctx, newApp(stdout, stderr), args)
}

func execute(ctx context.Context, a *app, args []string) error {
	defer a.close()

	cmd := newRootCommand(a)
	cmd.SetArgs(args)
	cmd.SetOut(a.out)
	cmd.SetErr(a.errOut)
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "mlaunch",
		Short:         "Build, launch and verify mobile apps on Android and iOS targets",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "write debug-level logs")
	root.PersistentFlags().BoolVarP(&a.quiet, "quiet", "q", false, "hide progress lines")
	root.PersistentFlags().StringVar(&a.otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint for traces")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return launcherr.Usage("%v", err)
	})

	root.AddCommand(
		newRunAndroidCommand(a),
		newRunIOSCommand(a),
		newLaunchCommand(a),
		newDoctorCommand(a),
		newBugreportCommand(a),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if err := a.setup(cmd.Context()); err != nil {
			return err
		}
		a.log().With("command", cmd.Name()).Debug("command invocation")
		return nil
	}

	return root
}

func noArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.NoArgs(cmd, args); err != nil {
		return launcherr.Usage("%v", err)
	}
	return nil
}
