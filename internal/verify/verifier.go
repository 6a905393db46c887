// Package verify decides whether an external deploy or launch command
// succeeded by scanning its output for failure and success signatures.
package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/ship-commander/mlaunch/internal/events"
	"github.com/ship-commander/mlaunch/internal/launcherr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const readChunkSize = 4096

// ErrAlreadyUsed is returned when Process is called twice on one Verifier.
var ErrAlreadyUsed = errors.New("verifier already processed an output stream")

// Streams are the output streams of an already spawned process.
type Streams struct {
	Stdout io.Reader
	Stderr io.Reader
}

// EventPublisher receives verification results.
type EventPublisher interface {
	Publish(event events.Event)
}

// Option customizes a Verifier.
type Option func(*Verifier)

// WithLogger sets the verifier logger.
func WithLogger(logger *log.Logger) Option {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithPublisher sets the bus receiving verification results.
func WithPublisher(bus EventPublisher) Option {
	return func(v *Verifier) {
		v.bus = bus
	}
}

// WithTracer replaces the global tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(v *Verifier) {
		if tracer != nil {
			v.tracer = tracer
		}
	}
}

// Verifier classifies the output of one process run. A Verifier is used for
// exactly one Process call.
type Verifier struct {
	failures  FailureSupplier
	successes SuccessSupplier
	platform  string
	logger    *log.Logger
	bus       EventPublisher
	tracer    trace.Tracer

	used atomic.Bool

	mu     sync.Mutex
	stdout strings.Builder
	stderr strings.Builder
}

// New builds a verifier. platform is only used in error messages.
func New(failures FailureSupplier, successes SuccessSupplier, platform string, options ...Option) (*Verifier, error) {
	if failures == nil {
		return nil, errors.New("failure pattern supplier is required")
	}
	if successes == nil {
		return nil, errors.New("success pattern supplier is required")
	}
	platform = strings.TrimSpace(platform)
	if platform == "" {
		return nil, errors.New("platform label must not be empty")
	}

	verifier := &Verifier{
		failures:  failures,
		successes: successes,
		platform:  platform,
		logger:    log.New(io.Discard),
		tracer:    otel.Tracer("mlaunch/verify"),
	}
	for _, option := range options {
		if option != nil {
			option(verifier)
		}
	}
	return verifier, nil
}

// Process subscribes to both streams, waits for the process outcome and for
// the streams to drain, then classifies the accumulated output. outcome
// delivers nil for a clean exit or the spawner's error.
//
// A matched failure pattern wins over a clean exit. Without one, every
// success pattern must match stdout, case-insensitively.
func (v *Verifier) Process(ctx context.Context, streams Streams, outcome <-chan error) error {
	if v == nil {
		return errors.New("verifier is nil")
	}
	if outcome == nil {
		return errors.New("process outcome channel is required")
	}
	if !v.used.CompareAndSwap(false, true) {
		return ErrAlreadyUsed
	}

	ctx, span := v.tracer.Start(ctx, "verify.process", trace.WithAttributes(attribute.String("platform", v.platform)))
	defer span.End()

	// Subscribe before awaiting the outcome so no early output is lost.
	drained := v.subscribe(streams)

	var processErr error
	select {
	case processErr = <-outcome:
	case <-ctx.Done():
		span.SetStatus(codes.Error, "canceled")
		return fmt.Errorf("await process outcome: %w", ctx.Err())
	}
	select {
	case <-drained:
	case <-ctx.Done():
		span.SetStatus(codes.Error, "canceled")
		return fmt.Errorf("drain process output: %w", ctx.Err())
	}

	err := v.classify(ctx, processErr)
	v.report(span, processErr, err)
	return err
}

// Output returns the accumulated stdout and stderr text.
func (v *Verifier) Output() (stdout, stderr string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stdout.String(), v.stderr.String()
}

func (v *Verifier) classify(ctx context.Context, processErr error) error {
	stdout, stderr := v.Output()

	failures, err := v.failures(ctx)
	if err != nil {
		return supplierError("resolve failure patterns", err, processErr)
	}
	combined := stderr + stdout
	for _, pattern := range failures {
		matched, args := pattern.match(combined)
		if !matched {
			continue
		}
		v.logger.Debug("failure pattern matched", "pattern", pattern.String(), "kind", pattern.Kind.Name())
		if processErr != nil {
			return launcherr.Wrap(pattern.Kind, processErr, args...)
		}
		return launcherr.New(pattern.Kind, args...)
	}

	successes, err := v.successes(ctx)
	if err != nil {
		return supplierError("resolve success patterns", err, processErr)
	}
	for _, pattern := range successes {
		if compileSuccess(pattern).MatchString(stdout) {
			continue
		}
		v.logger.Debug("success pattern missing", "pattern", pattern)
		if processErr != nil {
			// Keep the process failure as the cause instead of dropping it.
			return launcherr.Wrap(launcherr.IncompleteSuccessSignature, processErr, v.platform, v.platform)
		}
		return launcherr.New(launcherr.IncompleteSuccessSignature, v.platform, v.platform)
	}
	return nil
}

// supplierError keeps the process failure, if any, next to the supplier's.
func supplierError(action string, err, processErr error) error {
	if processErr == nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	return fmt.Errorf("%s: %w (process: %w)", action, err, processErr)
}

func (v *Verifier) subscribe(streams Streams) <-chan struct{} {
	var wg sync.WaitGroup
	for _, target := range []struct {
		reader io.Reader
		buffer *strings.Builder
	}{
		{reader: streams.Stdout, buffer: &v.stdout},
		{reader: streams.Stderr, buffer: &v.stderr},
	} {
		if target.reader == nil {
			continue
		}
		wg.Add(1)
		go func(reader io.Reader, buffer *strings.Builder) {
			defer wg.Done()
			v.accumulate(reader, buffer)
		}(target.reader, target.buffer)
	}

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	return drained
}

func (v *Verifier) accumulate(reader io.Reader, buffer *strings.Builder) {
	chunk := make([]byte, readChunkSize)
	for {
		n, err := reader.Read(chunk)
		if n > 0 {
			v.mu.Lock()
			buffer.Write(chunk[:n])
			v.mu.Unlock()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				v.logger.Debug("output stream ended with error", "err", err)
			}
			return
		}
	}
}

func (v *Verifier) report(span trace.Span, processErr, result error) {
	status := "success"
	severity := events.SeverityInfo
	payload := map[string]string{"platform": v.platform}
	if processErr != nil {
		payload["process_error"] = processErr.Error()
	}
	if result != nil {
		status = "failure"
		severity = events.SeverityError
		payload["error"] = result.Error()
		if kind, ok := launcherr.KindOf(result); ok {
			payload["kind"] = kind.Name()
			span.SetAttributes(attribute.Int("error_code", int(kind)))
		}
		span.RecordError(result)
		span.SetStatus(codes.Error, result.Error())
		v.logger.Warn("verification failed", "platform", v.platform, "err", result)
	} else {
		span.SetStatus(codes.Ok, "verified")
		v.logger.Info("verification succeeded", "platform", v.platform)
	}
	payload["status"] = status

	if v.bus != nil {
		v.bus.Publish(events.Event{
			Type:       events.EventTypeVerification,
			EntityType: "verifier",
			EntityID:   v.platform,
			Payload:    payload,
			Severity:   severity,
		})
	}
}
