package gdbremote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ship-commander/mlaunch/internal/events"
	"github.com/ship-commander/mlaunch/internal/launcherr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultStageTimeout bounds each launch stage when the request leaves it unset.
const DefaultStageTimeout = 10 * time.Second

const readBufferSize = 4096

// Stage is one step of the launch handshake.
type Stage int

const (
	// StageNone means no stage is pending.
	StageNone Stage = iota
	// StageSetArgument sends the application path as the launch argument.
	StageSetArgument
	// StageSelectThread selects the thread used for continue.
	StageSelectThread
	// StageContinue resumes the target so the application starts.
	StageContinue
)

func (s Stage) String() string {
	switch s {
	case StageSetArgument:
		return "set_argument"
	case StageSelectThread:
		return "select_thread"
	case StageContinue:
		return "continue"
	default:
		return "none"
	}
}

func (s Stage) command(appPath string) string {
	switch s {
	case StageSetArgument:
		return SetArgumentCommand(appPath)
	case StageSelectThread:
		return "Hc0"
	case StageContinue:
		return "c"
	default:
		return ""
	}
}

func (s Stage) next() Stage {
	switch s {
	case StageSetArgument:
		return StageSelectThread
	case StageSelectThread:
		return StageContinue
	default:
		return StageNone
	}
}

// ExitKind tells how the target process ended.
type ExitKind string

const (
	// ExitKindExited is a normal exit with a status code (W packet).
	ExitKindExited ExitKind = "exited"
	// ExitKindSignaled is a termination by signal (X packet).
	ExitKindSignaled ExitKind = "signaled"
)

// ExitStatus records a W or X notification from the proxy.
type ExitStatus struct {
	Kind ExitKind
	Code byte
}

func (e ExitStatus) String() string {
	return fmt.Sprintf("%s(%d)", e.Kind, e.Code)
}

// SessionState is the launch progress owned by the session's event loop.
type SessionState struct {
	Pending  Stage
	Complete bool
	Exit     *ExitStatus
}

// Request describes one launch through a debug-server proxy that is already
// listening.
type Request struct {
	Host         string
	Port         int
	AppPath      string
	StageTimeout time.Duration
}

func (r Request) address() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// EventPublisher receives stage progress events.
type EventPublisher interface {
	Publish(event events.Event)
}

// DialFunc opens the proxy connection.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Launcher opens device launch sessions.
type Launcher struct {
	dial   DialFunc
	logger *log.Logger
	bus    EventPublisher
	tracer trace.Tracer
	now    func() time.Time
}

// Option customizes a Launcher.
type Option func(*Launcher)

// WithLogger sets the logger used for stage transitions.
func WithLogger(logger *log.Logger) Option {
	return func(l *Launcher) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithPublisher sets the bus receiving stage events.
func WithPublisher(bus EventPublisher) Option {
	return func(l *Launcher) {
		l.bus = bus
	}
}

// WithDialer replaces the TCP dialer.
func WithDialer(dial DialFunc) Option {
	return func(l *Launcher) {
		if dial != nil {
			l.dial = dial
		}
	}
}

// WithTracer replaces the global tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(l *Launcher) {
		if tracer != nil {
			l.tracer = tracer
		}
	}
}

// NewLauncher builds a Launcher with a plain TCP dialer.
func NewLauncher(options ...Option) *Launcher {
	dialer := &net.Dialer{}
	launcher := &Launcher{
		dial:   dialer.DialContext,
		logger: log.New(io.Discard),
		tracer: otel.Tracer("mlaunch/gdbremote"),
		now:    time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(launcher)
		}
	}
	return launcher
}

// Launch connects to the proxy and drives the handshake until the
// application is known to be running or the launch has failed. ctx bounds
// the launch only; a returned Session stays connected until Close or until
// the proxy reports that the application ended.
func (l *Launcher) Launch(ctx context.Context, req Request) (*Session, error) {
	if l == nil {
		return nil, errors.New("launcher is nil")
	}
	req.Host = strings.TrimSpace(req.Host)
	if req.Host == "" {
		return nil, errors.New("proxy host must not be empty")
	}
	if req.Port <= 0 || req.Port > 65535 {
		return nil, fmt.Errorf("proxy port %d out of range", req.Port)
	}
	if strings.TrimSpace(req.AppPath) == "" {
		return nil, errors.New("app path must not be empty")
	}
	if req.StageTimeout <= 0 {
		req.StageTimeout = DefaultStageTimeout
	}

	spanCtx, span := l.tracer.Start(
		ctx,
		"gdbremote.launch",
		trace.WithAttributes(
			attribute.String("proxy_address", req.address()),
			attribute.String("app_path", req.AppPath),
			attribute.Int64("stage_timeout_ms", req.StageTimeout.Milliseconds()),
		),
	)

	conn, err := l.dial(spanCtx, "tcp", req.address())
	if err != nil {
		launchErr := launcherr.Wrap(launcherr.ConnectionFailure, fmt.Errorf("connect to proxy %s: %w", req.address(), err))
		span.RecordError(launchErr)
		span.SetStatus(codes.Error, launchErr.Error())
		span.End()
		return nil, launchErr
	}

	session := &Session{
		req:     req,
		conn:    conn,
		logger:  l.logger.With("proxy", req.address(), "app_path", req.AppPath),
		bus:     l.bus,
		span:    span,
		now:     l.now,
		chunks:  make(chan readResult, 16),
		settled: make(chan error, 1),
		done:    make(chan struct{}),
	}

	go session.readLoop()
	go session.run(spanCtx)

	if err := <-session.settled; err != nil {
		<-session.done
		return nil, err
	}
	return session, nil
}

type readResult struct {
	data string
	err  error
}

// Session is one connection to a debug-server proxy. Only its event loop
// writes to the socket or mutates its state.
type Session struct {
	req    Request
	conn   net.Conn
	logger *log.Logger
	bus    EventPublisher
	span   trace.Span
	now    func() time.Time

	chunks  chan readResult
	settled chan error
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error

	mu    sync.Mutex
	state SessionState

	// Owned by the event loop.
	scanner   Scanner
	timer     *time.Timer
	isSettled bool
}

// AppPath returns the launched application path.
func (s *Session) AppPath() string {
	return s.req.AppPath
}

// State returns a snapshot of the session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state
	if s.state.Exit != nil {
		exit := *s.state.Exit
		snapshot.Exit = &exit
	}
	return snapshot
}

// ExitStatus reports the application's exit, if the proxy has announced one.
func (s *Session) ExitStatus() (ExitStatus, bool) {
	state := s.State()
	if state.Exit == nil {
		return ExitStatus{}, false
	}
	return *state.Exit, true
}

// Done is closed once the proxy connection is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close closes the proxy connection and waits for the event loop to stop.
// The debug server terminates the application when its connection drops.
func (s *Session) Close() error {
	s.closeConn()
	<-s.done
	if errors.Is(s.closeErr, net.ErrClosed) {
		return nil
	}
	return s.closeErr
}

func (s *Session) closeConn() {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
}

func (s *Session) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			select {
			case s.chunks <- readResult{data: string(buf[:n])}:
			case <-s.done:
				return
			}
		}
		if err != nil {
			select {
			case s.chunks <- readResult{err: err}:
			case <-s.done:
			}
			return
		}
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.closeConn()

	if !s.begin(StageSetArgument) {
		return
	}

	for {
		var timeout <-chan time.Time
		if s.timer != nil {
			timeout = s.timer.C
		}
		var canceled <-chan struct{}
		if !s.isSettled {
			canceled = ctx.Done()
		}

		select {
		case chunk := <-s.chunks:
			if chunk.err != nil {
				s.handleDisconnect(chunk.err)
				return
			}
			if stop := s.handleData(chunk.data); stop {
				return
			}
		case <-timeout:
			s.timer = nil
			stage := s.pending()
			s.logger.Warn("launch stage timed out", "stage", stage.String(), "timeout", s.req.StageTimeout)
			s.fail(stage, launcherr.New(launcherr.LaunchTimedOut))
			return
		case <-canceled:
			s.fail(s.pending(), launcherr.Wrap(launcherr.ConnectionFailure, ctx.Err()))
			return
		}
	}
}

// begin sends the stage's command and arms its timer.
func (s *Session) begin(stage Stage) bool {
	s.setPending(stage)
	command := stage.command(s.req.AppPath)

	if err := s.conn.SetWriteDeadline(s.now().Add(s.req.StageTimeout)); err != nil {
		s.logger.Debug("set write deadline failed", "err", err)
	}
	if _, err := io.WriteString(s.conn, Encode(command)); err != nil {
		s.fail(stage, launcherr.Wrap(launcherr.ConnectionFailure, fmt.Errorf("send %s: %w", stage, err)))
		return false
	}

	s.stopTimer()
	s.timer = time.NewTimer(s.req.StageTimeout)
	s.logger.Debug("launch stage started", "stage", stage.String(), "command", command)
	s.span.AddEvent("stage.started", trace.WithAttributes(attribute.String("stage", stage.String())))
	s.publish(stage, "started", events.SeverityInfo, "")
	return true
}

// handleData processes one received chunk. It reports whether the event
// loop must stop.
func (s *Session) handleData(chunk string) bool {
	for _, frame := range s.scanner.Feed(chunk) {
		packet, err := Decode(frame)
		if err != nil {
			if s.isSettled {
				s.logger.Debug("ignoring malformed packet", "frame", frame, "err", err)
				continue
			}
			s.fail(s.pending(), launcherr.Wrap(launcherr.ProtocolError, err))
			return true
		}
		if stop := s.handlePacket(packet); stop {
			return true
		}
	}
	return false
}

func (s *Session) handlePacket(packet Packet) bool {
	body := packet.Body
	pending := s.pending()

	switch {
	case body == "OK":
		if pending == StageNone {
			s.logger.Debug("ignoring OK with no pending stage")
			return false
		}
		s.stopTimer()
		s.publish(pending, "succeeded", events.SeverityInfo, "")
		s.span.AddEvent("stage.succeeded", trace.WithAttributes(attribute.String("stage", pending.String())))
		if pending == StageContinue {
			s.succeed("continue acknowledged")
			return false
		}
		return !s.begin(pending.next())

	case strings.HasPrefix(body, "W"), strings.HasPrefix(body, "X"):
		exit, err := parseExit(body)
		if err != nil {
			if s.isSettled {
				s.logger.Debug("ignoring malformed exit packet", "body", body, "err", err)
				return false
			}
			s.fail(pending, launcherr.Wrap(launcherr.ProtocolError, err))
			return true
		}
		s.recordExit(exit)
		if s.state.Complete {
			s.logger.Info("application exited", "exit", exit.String())
			s.publish(StageNone, "exited", events.SeverityInfo, exit.String())
			return true
		}
		s.fail(pending, launcherr.Wrap(
			launcherr.UnexpectedTermination,
			fmt.Errorf("target %s during %s", exit, pending),
		))
		return true

	case strings.HasPrefix(body, "O"):
		if pending == StageContinue {
			s.stopTimer()
			s.publish(pending, "succeeded", events.SeverityInfo, "")
			s.succeed("target produced output")
			return false
		}
		if text, err := DecodeHex(body[1:]); err == nil && text != "" {
			s.logger.Debug("target output", "text", strings.TrimRight(text, "\n"))
		}
		return false

	case strings.HasPrefix(body, "E"):
		if s.isSettled {
			s.logger.Debug("ignoring error packet after settlement", "body", body)
			return false
		}
		s.fail(pending, launcherr.Wrap(
			launcherr.ProtocolError,
			fmt.Errorf("proxy replied %s to %s", body, pending),
		))
		return true

	default:
		s.logger.Debug("ignoring unsupported packet", "body", body)
		return false
	}
}

func (s *Session) handleDisconnect(err error) {
	if s.isSettled {
		if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			s.logger.Debug("proxy connection ended", "err", err)
		}
		return
	}
	cause := err
	if errors.Is(err, io.EOF) {
		cause = errors.New("proxy closed the connection")
	}
	s.fail(s.pending(), launcherr.Wrap(launcherr.ConnectionFailure, cause))
}

func (s *Session) succeed(reason string) {
	if s.isSettled {
		return
	}
	s.isSettled = true
	s.stopTimer()

	s.mu.Lock()
	s.state.Pending = StageNone
	s.state.Complete = true
	s.mu.Unlock()

	s.logger.Info("application launched", "reason", reason)
	s.span.SetStatus(codes.Ok, reason)
	s.span.End()
	s.settled <- nil
}

func (s *Session) fail(stage Stage, err error) {
	if s.isSettled {
		return
	}
	s.isSettled = true
	s.stopTimer()

	s.mu.Lock()
	s.state.Pending = StageNone
	s.mu.Unlock()

	s.logger.Error("launch failed", "stage", stage.String(), "err", err)
	s.publish(stage, "failed", events.SeverityError, err.Error())
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
	s.span.End()
	s.settled <- err
}

func (s *Session) pending() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Pending
}

func (s *Session) setPending(stage Stage) {
	s.mu.Lock()
	s.state.Pending = stage
	s.mu.Unlock()
}

func (s *Session) recordExit(exit ExitStatus) {
	s.mu.Lock()
	s.state.Exit = &exit
	s.mu.Unlock()
}

func (s *Session) stopTimer() {
	if s.timer == nil {
		return
	}
	s.timer.Stop()
	s.timer = nil
}

func (s *Session) publish(stage Stage, status, severity, detail string) {
	if s.bus == nil {
		return
	}
	payload := map[string]string{
		"stage":  stage.String(),
		"status": status,
	}
	if detail != "" {
		payload["detail"] = detail
	}
	s.bus.Publish(events.Event{
		Type:       events.EventTypeLaunchStage,
		Timestamp:  s.now().UTC(),
		EntityType: "device_session",
		EntityID:   s.req.AppPath,
		Payload:    payload,
		Severity:   severity,
	})
}

func parseExit(body string) (ExitStatus, error) {
	kind := ExitKindExited
	if body[0] == 'X' {
		kind = ExitKindSignaled
	}
	if len(body) < 3 {
		return ExitStatus{}, fmt.Errorf("%w: exit packet %q", ErrMalformedPacket, body)
	}
	code, err := strconv.ParseUint(body[1:3], 16, 8)
	if err != nil {
		return ExitStatus{}, fmt.Errorf("%w: exit packet %q", ErrMalformedPacket, body)
	}
	return ExitStatus{Kind: kind, Code: byte(code)}, nil
}
