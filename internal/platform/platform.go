// Package platform drives a build, deploy and launch for one target and
// decides whether it worked.
//
// Android and simulator targets are deployed by a single CLI command whose
// output is classified by the verify package. Physical iOS devices are built
// and installed by external tools and then started through a debug-server
// proxy with the gdbremote package.
package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ship-commander/mlaunch/internal/events"
	"github.com/ship-commander/mlaunch/internal/gdbremote"
	"github.com/ship-commander/mlaunch/internal/procexec"
	"github.com/ship-commander/mlaunch/internal/verify"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Platform labels used in messages and catalog lookups.
const (
	Android = "Android"
	IOS     = "iOS"
)

// Target selects what to build and where to run it.
type Target struct {
	Platform      string
	DeviceID      string
	Simulator     bool
	ProjectRoot   string
	Scheme        string
	Configuration string
	AppPath       string
	BundleID      string
}

// Result describes a verified launch.
type Result struct {
	Platform string
	Target   Target
	AppPath  string
	Duration time.Duration
	// Session is the live debug-server session for physical iOS devices.
	// Closing it terminates the application.
	Session *gdbremote.Session
}

// Driver runs one platform launch flow.
type Driver interface {
	Run(ctx context.Context, target Target) (Result, error)
}

// Starter spawns external commands.
type Starter interface {
	Start(ctx context.Context, command procexec.Command) (*procexec.Process, error)
}

// EventPublisher receives pipeline progress.
type EventPublisher interface {
	Publish(event events.Event)
}

// Option customizes a driver.
type Option func(*base)

// WithLogger sets the driver logger.
func WithLogger(logger *log.Logger) Option {
	return func(b *base) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithPublisher sets the bus receiving pipeline, verification and stage events.
func WithPublisher(bus EventPublisher) Option {
	return func(b *base) {
		b.bus = bus
	}
}

// WithCatalog adds project-specific patterns ahead of the built-in ones.
func WithCatalog(catalog verify.Catalog) Option {
	return func(b *base) {
		b.catalog = catalog
	}
}

// WithTracer replaces the global tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(b *base) {
		if tracer != nil {
			b.tracer = tracer
		}
	}
}

// base holds what every driver shares.
type base struct {
	starter Starter
	logger  *log.Logger
	bus     EventPublisher
	catalog verify.Catalog
	tracer  trace.Tracer
	now     func() time.Time
}

func newBase(starter Starter, options []Option) base {
	b := base{
		starter: starter,
		logger:  log.New(io.Discard),
		tracer:  otel.Tracer("mlaunch/platform"),
		now:     time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(&b)
		}
	}
	return b
}

func (b *base) validate() error {
	if b.starter == nil {
		return errors.New("command starter is required")
	}
	return nil
}

// failures puts catalog patterns ahead of builtin.
func (b *base) failures(platform string, builtin []verify.FailurePattern) verify.FailureSupplier {
	return func(context.Context) ([]verify.FailurePattern, error) {
		patterns := append([]verify.FailurePattern{}, b.catalog.Failures(platform)...)
		return append(patterns, builtin...), nil
	}
}

// successes appends catalog patterns to those produced by builtin.
func (b *base) successes(platform string, builtin verify.SuccessSupplier) verify.SuccessSupplier {
	return func(ctx context.Context) ([]string, error) {
		patterns, err := builtin(ctx)
		if err != nil {
			return nil, err
		}
		return append(append([]string{}, patterns...), b.catalog.Successes(platform)...), nil
	}
}

// runVerified spawns command and classifies its output.
func (b *base) runVerified(
	ctx context.Context,
	step string,
	command procexec.Command,
	platform string,
	failures verify.FailureSupplier,
	successes verify.SuccessSupplier,
) error {
	b.publishStep(step, "started", events.SeverityInfo, command.String())

	verifier, err := verify.New(
		failures,
		successes,
		platform,
		verify.WithLogger(b.logger),
		verify.WithPublisher(b.bus),
		verify.WithTracer(b.tracer),
	)
	if err != nil {
		return fmt.Errorf("create %s verifier: %w", step, err)
	}

	process, err := b.starter.Start(ctx, command)
	if err != nil {
		b.publishStep(step, "failed", events.SeverityError, err.Error())
		return fmt.Errorf("%s: %w", step, err)
	}

	err = verifier.Process(ctx, verify.Streams{Stdout: process.Stdout, Stderr: process.Stderr}, b.relayOutcome(command, process))
	if err != nil {
		stdout, stderr := verifier.Output()
		b.logger.Debug("step output", "step", step, "stdout", tail(stdout), "stderr", tail(stderr))
		b.publishStep(step, "failed", events.SeverityError, err.Error())
		return err
	}
	b.publishStep(step, "succeeded", events.SeverityInfo, "")
	return nil
}

// capture runs command to completion and returns its stdout. A non-zero
// exit is returned with the captured stderr appended.
func (b *base) capture(ctx context.Context, command procexec.Command) (string, error) {
	process, err := b.starter.Start(ctx, command)
	if err != nil {
		return "", err
	}

	var (
		wg     sync.WaitGroup
		stdout strings.Builder
		stderr strings.Builder
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&stdout, process.Stdout)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&stderr, process.Stderr)
	}()

	var outcome error
	select {
	case outcome = <-b.relayOutcome(command, process):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	wg.Wait()

	if outcome != nil {
		if detail := strings.TrimSpace(stderr.String()); detail != "" {
			return stdout.String(), fmt.Errorf("%w: %s", outcome, tail(detail))
		}
		return stdout.String(), outcome
	}
	return stdout.String(), nil
}

// relayOutcome forwards the process outcome after publishing the exit.
func (b *base) relayOutcome(command procexec.Command, process *procexec.Process) <-chan error {
	relayed := make(chan error, 1)
	go func() {
		outcome := <-process.Outcome()
		payload := map[string]string{"command": command.String(), "status": "exited"}
		severity := events.SeverityInfo
		var exitErr *procexec.ExitError
		if errors.As(outcome, &exitErr) {
			payload["status"] = "failed"
			payload["exit_code"] = fmt.Sprint(exitErr.Code)
			severity = events.SeverityWarn
		}
		b.publish(events.EventTypeProcessExit, "process", command.Name, payload, severity)
		relayed <- outcome
	}()
	return relayed
}

func (b *base) publishStep(step, status, severity, detail string) {
	b.logger.Info("pipeline step", "step", step, "status", status)
	payload := map[string]string{"step": step, "status": status}
	if detail != "" {
		payload["detail"] = detail
	}
	b.publish(events.EventTypePipelineStep, "pipeline", step, payload, severity)
}

func (b *base) publish(eventType, entityType, entityID string, payload map[string]string, severity string) {
	if b.bus == nil {
		return
	}
	b.bus.Publish(events.Event{
		Type:       eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
		Severity:   severity,
	})
}

func buildCommand(base []string, dir string, args ...string) procexec.Command {
	if len(base) == 0 {
		return procexec.Command{Dir: dir}
	}
	all := append(append([]string{}, base[1:]...), args...)
	return procexec.Command{Name: base[0], Args: all, Dir: dir}
}

func tail(text string) string {
	const limit = 2048
	if len(text) <= limit {
		return text
	}
	return "..." + text[len(text)-limit:]
}
