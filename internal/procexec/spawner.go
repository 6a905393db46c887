// Package procexec spawns external toolchain commands and exposes their
// output as live streams plus an asynchronous exit outcome.
package procexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxOutputEventBytes = 1024
	defaultWaitDelay    = 5 * time.Second
	defaultStopGrace    = 3 * time.Second
)

// Command is one external tool invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string
}

// String returns a redacted command preview for logs and traces.
func (c Command) String() string {
	return FormatCommand(c.Name, redactArgs(c.Args))
}

// ExitError reports a command that ran but exited unsuccessfully.
type ExitError struct {
	Command string
	Code    int
	Err     error
}

func (e *ExitError) Error() string {
	if e.Code < 0 {
		return fmt.Sprintf("run %s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("run %s: exit status %d", e.Command, e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Option customizes a Spawner.
type Option func(*Spawner)

// WithLogger sets the spawner logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Spawner) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTracer replaces the global tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Spawner) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// Spawner starts commands.
type Spawner struct {
	logger    *log.Logger
	tracer    trace.Tracer
	waitDelay time.Duration
}

// NewSpawner builds a Spawner.
func NewSpawner(options ...Option) *Spawner {
	spawner := &Spawner{
		logger:    log.New(io.Discard),
		tracer:    otel.Tracer("mlaunch/procexec"),
		waitDelay: defaultWaitDelay,
	}
	for _, option := range options {
		if option != nil {
			option(spawner)
		}
	}
	return spawner
}

// Process is a running command. Stdout and Stderr must be consumed (or
// passed to Drain): the command blocks once it fills an unread stream.
type Process struct {
	Stdout io.Reader
	Stderr io.Reader

	command Command
	cmd     *exec.Cmd
	outcome chan error
	exited  chan struct{}
	stopMu  sync.Mutex
}

// Outcome delivers nil on a zero exit, an *ExitError otherwise. It yields
// exactly one value.
func (p *Process) Outcome() <-chan error {
	return p.outcome
}

// Exited is closed once the process has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// PID returns the operating system process id.
func (p *Process) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Command returns the command the process was started from.
func (p *Process) Command() Command {
	return p.command
}

// Drain copies both streams to w until they close.
func (p *Process) Drain(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	var mu sync.Mutex
	copyStream := func(r io.Reader) {
		buf := make([]byte, 4096)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				mu.Lock()
				_, _ = w.Write(buf[:n])
				mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}
	go copyStream(p.Stdout)
	go copyStream(p.Stderr)
}

// Stop interrupts the process and kills it if it has not exited after a
// grace period.
func (p *Process) Stop() error {
	p.stopMu.Lock()
	defer p.stopMu.Unlock()

	select {
	case <-p.exited:
		return nil
	default:
	}
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("interrupt %s: %w", p.command, err)
	}
	select {
	case <-p.exited:
		return nil
	case <-time.After(defaultStopGrace):
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill %s: %w", p.command, err)
	}
	<-p.exited
	return nil
}

// Start spawns command. Failing to start is returned directly; everything
// after a successful start is reported through Outcome.
func (s *Spawner) Start(ctx context.Context, command Command) (*Process, error) {
	if s == nil {
		return nil, errors.New("spawner is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	command.Name = strings.TrimSpace(command.Name)
	if command.Name == "" {
		return nil, errors.New("command name must not be empty")
	}

	_, span := s.tracer.Start(
		ctx,
		"tool.exec",
		trace.WithAttributes(
			attribute.String("tool_name", command.Name),
			attribute.String("args_redacted", strings.Join(redactArgs(command.Args), " ")),
			attribute.String("cwd", command.Dir),
		),
	)

	cmd := exec.CommandContext(ctx, command.Name, command.Args...)
	cmd.Dir = strings.TrimSpace(command.Dir)
	if len(command.Env) > 0 {
		cmd.Env = append(os.Environ(), command.Env...)
	}
	cmd.WaitDelay = s.waitDelay

	stdoutReader, stdoutWriter := io.Pipe()
	stderrReader, stderrWriter := io.Pipe()
	stdoutHead := newLimitedBuffer(maxOutputEventBytes)
	stderrHead := newLimitedBuffer(maxOutputEventBytes)
	cmd.Stdout = io.MultiWriter(stdoutWriter, stdoutHead)
	cmd.Stderr = io.MultiWriter(stderrWriter, stderrHead)

	started := time.Now()
	if err := cmd.Start(); err != nil {
		_ = stdoutWriter.Close()
		_ = stderrWriter.Close()
		wrapped := WrapExecutionError(command.Name, command.Args, err)
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		span.End()
		return nil, wrapped
	}
	s.logger.Debug("command started", "command", command.String(), "pid", cmd.Process.Pid)

	process := &Process{
		Stdout:  stdoutReader,
		Stderr:  stderrReader,
		command: command,
		cmd:     cmd,
		outcome: make(chan error, 1),
		exited:  make(chan struct{}),
	}

	go func() {
		waitErr := cmd.Wait()
		_ = stdoutWriter.Close()
		_ = stderrWriter.Close()

		exitCode := resolveExitCode(cmd, waitErr, ctx)
		span.SetAttributes(
			attribute.Int("exit_code", exitCode),
			attribute.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
		if text := strings.TrimSpace(stdoutHead.String()); text != "" {
			span.AddEvent("tool.stdout", trace.WithAttributes(attribute.String("output", text)))
		}
		if text := strings.TrimSpace(stderrHead.String()); text != "" {
			span.AddEvent("tool.stderr", trace.WithAttributes(attribute.String("output", text)))
		}

		var outcome error
		if waitErr != nil {
			outcome = &ExitError{Command: command.String(), Code: exitCode, Err: waitErr}
			span.RecordError(outcome)
			span.SetStatus(codes.Error, outcome.Error())
			s.logger.Debug("command failed", "command", command.String(), "exit_code", exitCode)
		} else {
			span.SetStatus(codes.Ok, "tool command completed")
			s.logger.Debug("command exited", "command", command.String())
		}
		span.End()

		process.outcome <- outcome
		close(process.exited)
	}()

	return process, nil
}

func resolveExitCode(cmd *exec.Cmd, runErr error, ctx context.Context) int {
	if runErr == nil {
		return 0
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(ctx.Err(), context.Canceled) {
		return -1
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd != nil && cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

func redactArgs(args []string) []string {
	redacted := make([]string, 0, len(args))
	maskNext := false

	for _, arg := range args {
		if maskNext {
			redacted = append(redacted, "<redacted>")
			maskNext = false
			continue
		}

		trimmed := strings.TrimSpace(arg)
		if strings.Contains(trimmed, "=") {
			parts := strings.SplitN(trimmed, "=", 2)
			if len(parts) == 2 && isSensitiveToken(strings.ToLower(parts[0])) {
				redacted = append(redacted, parts[0]+"=<redacted>")
				continue
			}
		}

		if isSensitiveToken(strings.ToLower(trimmed)) {
			maskNext = true
		}
		redacted = append(redacted, trimmed)
	}

	return redacted
}

func isSensitiveToken(value string) bool {
	for _, candidate := range []string{
		"token",
		"password",
		"passwd",
		"secret",
		"api-key",
		"apikey",
		"auth",
		"bearer",
		"keystore-pass",
		"key-pass",
	} {
		if strings.Contains(value, candidate) {
			return true
		}
	}
	return false
}

// FormatCommand returns a deterministic command preview for traces and logs.
func FormatCommand(toolName string, args []string) string {
	parts := append([]string{strings.TrimSpace(toolName)}, args...)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return strings.Join(out, " ")
}

// WrapExecutionError annotates execution failures with command identity.
func WrapExecutionError(toolName string, args []string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("run %s: %w", FormatCommand(toolName, redactArgs(args)), err)
}
