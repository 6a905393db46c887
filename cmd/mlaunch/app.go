package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/ship-commander/mlaunch/internal/config"
	"github.com/ship-commander/mlaunch/internal/events"
	"github.com/ship-commander/mlaunch/internal/logging"
	"github.com/ship-commander/mlaunch/internal/platform"
	"github.com/ship-commander/mlaunch/internal/procexec"
	"github.com/ship-commander/mlaunch/internal/render"
	"github.com/ship-commander/mlaunch/internal/telemetry"
	"github.com/ship-commander/mlaunch/internal/toolchain"
	"github.com/ship-commander/mlaunch/internal/verify"
)

// toolChecker reports which platform tools are installed.
type toolChecker interface {
	Detect() (toolchain.Availability, error)
	Required(platform string, device bool) ([]string, error)
	Require(platform string, device bool) (toolchain.Availability, error)
}

// app carries the runtime shared by every subcommand. Fields left nil are
// filled by setup.
type app struct {
	out    io.Writer
	errOut io.Writer

	loadConfig    func(ctx context.Context) (*config.Config, error)
	initTelemetry func(ctx context.Context, endpoint string) (func(), error)
	logDir        string
	starter       platform.Starter
	tools         toolChecker

	verbose      bool
	quiet        bool
	otelEndpoint string

	cfg      *config.Config
	logger   *logging.RuntimeLogger
	bus      *events.InMemoryBus
	catalog  verify.Catalog
	shutdown func()
}

func newApp(out, errOut io.Writer) *app {
	return &app{
		out:           out,
		errOut:        &syncWriter{w: errOut},
		loadConfig:    config.Load,
		initTelemetry: telemetry.Init,
	}
}

// setup loads configuration and starts logging, tracing and the event bus.
func (a *app) setup(ctx context.Context) error {
	cfg, err := a.loadConfig(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg

	options := []logging.Option{
		logging.WithVerbose(a.verbose || cfg.Verbose),
		logging.WithMaxFiles(cfg.LogMaxFiles),
	}
	if a.logDir != "" {
		options = append(options, logging.WithDir(a.logDir))
	}
	logger, err := logging.New(ctx, options...)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	a.logger = logger

	if a.otelEndpoint != "" {
		telemetry.SetEndpointOverride(a.otelEndpoint)
	}
	shutdown, err := a.initTelemetry(ctx, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	a.shutdown = shutdown

	catalog, err := verify.LoadCatalog(cfg.PatternCatalog)
	if err != nil {
		return fmt.Errorf("load pattern catalog: %w", err)
	}
	a.catalog = catalog

	a.bus = events.New(events.WithLogger(a.log()))
	if a.starter == nil {
		a.starter = procexec.NewSpawner(procexec.WithLogger(a.log()))
	}
	if a.tools == nil {
		a.tools = toolchain.NewChecker(proxyBinary(cfg))
	}
	return nil
}

// track routes bus events to the log, the run span and the terminal.
func (a *app) track(run *telemetry.Run) {
	if a.bus == nil {
		return
	}
	a.bus.SubscribeAll(func(event events.Event) {
		payload, _ := event.Payload.(map[string]string)
		fields := []any{"type", event.Type, "entity_type", event.EntityType, "entity_id", event.EntityID}
		for _, key := range slices.Sorted(maps.Keys(payload)) {
			fields = append(fields, key, payload[key])
		}
		a.log().Info("event", fields...)

		switch event.Type {
		case events.EventTypePipelineStep:
			run.RecordStage(payload["step"], payload["status"], payload["detail"])
		case events.EventTypeLaunchStage:
			run.RecordStage("launch/"+payload["stage"], payload["status"], payload["detail"])
		}

		if a.quiet {
			return
		}
		if line := render.Stage(event); line != "" {
			fmt.Fprintln(a.errOut, line)
		}
	})
}

// drain delivers every queued event before the run ends.
func (a *app) drain() {
	if a.bus != nil {
		a.bus.Close()
	}
}

func (a *app) close() {
	a.drain()
	if a.shutdown != nil {
		a.shutdown()
	}
	if a.logger != nil {
		if err := a.logger.Close(); err != nil {
			fmt.Fprintf(a.errOut, "failed to close logger: %v\n", err)
		}
	}
}

func (a *app) log() *log.Logger {
	if a.logger == nil || a.logger.Logger == nil {
		return log.New(io.Discard)
	}
	return a.logger.Logger
}

func (a *app) requireTools(platformName string, device bool) error {
	if a.tools == nil {
		return errors.New("toolchain checker is not initialized")
	}
	if _, err := a.tools.Require(platformName, device); err != nil {
		return fmt.Errorf("%w (run `mlaunch doctor` for details)", err)
	}
	return nil
}

func proxyBinary(cfg *config.Config) string {
	if cfg == nil || len(cfg.IOS.ProxyCommand) == 0 {
		return ""
	}
	return cfg.IOS.ProxyCommand[0]
}

// syncWriter serializes writes from bus handlers and commands.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
