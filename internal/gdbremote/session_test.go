package gdbremote

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ship-commander/mlaunch/internal/events"
	"github.com/ship-commander/mlaunch/internal/launcherr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const testAppPath = "/private/var/containers/Bundle/Application/ABCD/Sample.app"

// replyFunc answers the index-th command received by the proxy. Returning
// false closes the connection after the replies are written.
type replyFunc func(index int, command string) (replies []string, keepOpen bool)

type scriptedProxy struct {
	listener net.Listener
	reply    replyFunc

	mu       sync.Mutex
	received []string
	conn     net.Conn
	closed   chan struct{}
}

func startProxy(t *testing.T, reply replyFunc) *scriptedProxy {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	proxy := &scriptedProxy{
		listener: listener,
		reply:    reply,
		closed:   make(chan struct{}),
	}
	t.Cleanup(func() {
		_ = listener.Close()
		proxy.mu.Lock()
		if proxy.conn != nil {
			_ = proxy.conn.Close()
		}
		proxy.mu.Unlock()
	})

	go proxy.serve()
	return proxy
}

func (p *scriptedProxy) serve() {
	defer close(p.closed)

	conn, err := p.listener.Accept()
	if err != nil {
		return
	}
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	defer conn.Close()

	var scanner Scanner
	buf := make([]byte, 1024)
	index := 0
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		for _, frame := range scanner.Feed(string(buf[:n])) {
			packet, decodeErr := Decode(frame)
			if decodeErr != nil {
				return
			}
			p.mu.Lock()
			p.received = append(p.received, packet.Body)
			p.mu.Unlock()

			replies, keepOpen := p.reply(index, packet.Body)
			index++
			for _, reply := range replies {
				if _, err := conn.Write([]byte(reply)); err != nil {
					return
				}
			}
			if !keepOpen {
				return
			}
		}
	}
}

// send pushes unsolicited data to the connected client.
func (p *scriptedProxy) send(t *testing.T, data string) {
	t.Helper()
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	require.NotNil(t, conn)
	_, err := conn.Write([]byte(data))
	require.NoError(t, err)
}

func (p *scriptedProxy) commands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.received...)
}

func (p *scriptedProxy) request(timeout time.Duration) Request {
	addr := p.listener.Addr().(*net.TCPAddr)
	return Request{
		Host:         "127.0.0.1",
		Port:         addr.Port,
		AppPath:      testAppPath,
		StageTimeout: timeout,
	}
}

func (p *scriptedProxy) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-p.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("proxy connection was not closed")
	}
}

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Publish(event events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBus) statuses() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.events))
	for _, event := range b.events {
		payload := event.Payload.(map[string]string)
		out = append(out, payload["stage"]+":"+payload["status"])
	}
	return out
}

func TestLaunchSucceedsWhenContinueProducesOutput(t *testing.T) {
	t.Parallel()

	proxy := startProxy(t, func(index int, _ string) ([]string, bool) {
		switch index {
		case 0, 1:
			return []string{"+$OK#9A"}, true
		default:
			return []string{"+$O#4F"}, true
		}
	})
	bus := &recordingBus{}
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	launcher := NewLauncher(WithPublisher(bus), WithTracer(provider.Tracer("test")))
	session, err := launcher.Launch(context.Background(), proxy.request(time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	assert.Equal(t, testAppPath, session.AppPath())
	assert.Equal(t, []string{SetArgumentCommand(testAppPath), "Hc0", "c"}, proxy.commands())

	state := session.State()
	assert.True(t, state.Complete)
	assert.Equal(t, StageNone, state.Pending)
	assert.Nil(t, state.Exit)

	assert.Equal(t, []string{
		"set_argument:started", "set_argument:succeeded",
		"select_thread:started", "select_thread:succeeded",
		"continue:started", "continue:succeeded",
	}, bus.statuses())

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "gdbremote.launch", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
}

func TestLaunchSucceedsWhenContinueIsAcknowledged(t *testing.T) {
	t.Parallel()

	proxy := startProxy(t, func(int, string) ([]string, bool) {
		return []string{"+", "$OK#9A"}, true
	})

	session, err := NewLauncher().Launch(context.Background(), proxy.request(time.Second))
	require.NoError(t, err)
	require.NoError(t, session.Close())

	assert.Len(t, proxy.commands(), 3)
	proxy.waitClosed(t)
}

func TestLaunchHandlesFramesSplitAcrossReads(t *testing.T) {
	t.Parallel()

	proxy := startProxy(t, func(index int, _ string) ([]string, bool) {
		return []string{"+", "$O", "K#", "9A"}, true
	})

	session, err := NewLauncher().Launch(context.Background(), proxy.request(time.Second))
	require.NoError(t, err)
	require.NoError(t, session.Close())
}

func TestLaunchFailsOnErrorPacketAndNeverSendsContinue(t *testing.T) {
	t.Parallel()

	proxy := startProxy(t, func(index int, _ string) ([]string, bool) {
		if index == 0 {
			return []string{"+$OK#9A"}, true
		}
		return []string{"+$E23#AA"}, false
	})
	bus := &recordingBus{}

	session, err := NewLauncher(WithPublisher(bus)).Launch(context.Background(), proxy.request(time.Second))
	require.Error(t, err)
	assert.Nil(t, session)
	assert.ErrorIs(t, err, launcherr.New(launcherr.ProtocolError))
	assert.Contains(t, err.Error(), "Unable to launch application")

	proxy.waitClosed(t)
	assert.Equal(t, []string{SetArgumentCommand(testAppPath), "Hc0"}, proxy.commands())
	assert.Contains(t, bus.statuses(), "select_thread:failed")
}

func TestLaunchFailsWhenProxyClosesWhilePending(t *testing.T) {
	t.Parallel()

	proxy := startProxy(t, func(index int, _ string) ([]string, bool) {
		if index == 0 {
			return []string{"+$OK#9A"}, true
		}
		return []string{"+"}, false
	})

	_, err := NewLauncher().Launch(context.Background(), proxy.request(time.Second))
	require.Error(t, err)
	assert.ErrorIs(t, err, launcherr.New(launcherr.ConnectionFailure))
	assert.Equal(t, []string{SetArgumentCommand(testAppPath), "Hc0"}, proxy.commands())
}

func TestLaunchTimesOutWhenProxyIsSilent(t *testing.T) {
	t.Parallel()

	proxy := startProxy(t, func(int, string) ([]string, bool) {
		return nil, true
	})

	started := time.Now()
	_, err := NewLauncher().Launch(context.Background(), proxy.request(50*time.Millisecond))
	require.Error(t, err)
	assert.ErrorIs(t, err, launcherr.New(launcherr.LaunchTimedOut))
	assert.Contains(t, err.Error(), "is the device locked?")
	assert.Less(t, time.Since(started), 2*time.Second)

	proxy.waitClosed(t)
	assert.Equal(t, []string{SetArgumentCommand(testAppPath)}, proxy.commands(), "no writes after timeout")
}

func TestLaunchFailsOnExitBeforeContinue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		reply string
		want  ExitStatus
	}{
		{name: "exited", reply: "+" + Encode("W05"), want: ExitStatus{Kind: ExitKindExited, Code: 5}},
		{name: "signaled", reply: "+" + Encode("X09"), want: ExitStatus{Kind: ExitKindSignaled, Code: 9}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			proxy := startProxy(t, func(int, string) ([]string, bool) {
				return []string{tt.reply}, true
			})

			_, err := NewLauncher().Launch(context.Background(), proxy.request(time.Second))
			require.Error(t, err)
			assert.ErrorIs(t, err, launcherr.New(launcherr.UnexpectedTermination))
			assert.Contains(t, err.Error(), tt.want.String())
			proxy.waitClosed(t)
		})
	}
}

func TestSettledSessionIgnoresFurtherEventsAndRecordsExit(t *testing.T) {
	t.Parallel()

	proxy := startProxy(t, func(index int, _ string) ([]string, bool) {
		if index < 2 {
			return []string{"+$OK#9A"}, true
		}
		return []string{"+" + Encode("O" + EncodePathArgument("hello\n"))}, true
	})

	session, err := NewLauncher().Launch(context.Background(), proxy.request(time.Second))
	require.NoError(t, err)

	proxy.send(t, "$OK#9A")
	proxy.send(t, "$E23#AA")
	proxy.send(t, "$garbage#00")
	proxy.send(t, Encode("W00"))

	select {
	case <-session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after exit packet")
	}

	exit, ok := session.ExitStatus()
	require.True(t, ok)
	assert.Equal(t, ExitStatus{Kind: ExitKindExited, Code: 0}, exit)
	assert.True(t, session.State().Complete)
	assert.NoError(t, session.Close())
	assert.NoError(t, session.Close(), "close is idempotent")
	assert.Len(t, proxy.commands(), 3)
}

func TestLaunchFailsWhenProxyUnreachable(t *testing.T) {
	t.Parallel()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	_, err = NewLauncher().Launch(context.Background(), Request{
		Host:         "127.0.0.1",
		Port:         port,
		AppPath:      testAppPath,
		StageTimeout: time.Second,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, launcherr.New(launcherr.ConnectionFailure))
}

func TestLaunchFailsOnContextCancellation(t *testing.T) {
	t.Parallel()

	proxy := startProxy(t, func(int, string) ([]string, bool) {
		return nil, true
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := NewLauncher().Launch(ctx, proxy.request(5*time.Second))
	require.Error(t, err)
	assert.ErrorIs(t, err, launcherr.New(launcherr.ConnectionFailure))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestLaunchValidatesRequest(t *testing.T) {
	t.Parallel()

	launcher := NewLauncher()
	tests := []struct {
		name string
		req  Request
	}{
		{name: "empty host", req: Request{Port: 1, AppPath: "/a.app"}},
		{name: "bad port", req: Request{Host: "127.0.0.1", Port: 0, AppPath: "/a.app"}},
		{name: "empty path", req: Request{Host: "127.0.0.1", Port: 2345}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := launcher.Launch(context.Background(), tt.req)
			require.Error(t, err)
			_, classified := launcherr.KindOf(err)
			assert.False(t, classified)
		})
	}
}

func TestParseExit(t *testing.T) {
	t.Parallel()

	exit, err := parseExit("WFF")
	require.NoError(t, err)
	assert.Equal(t, ExitStatus{Kind: ExitKindExited, Code: 255}, exit)

	exit, err = parseExit("X0b;process:1a2")
	require.NoError(t, err)
	assert.Equal(t, ExitStatus{Kind: ExitKindSignaled, Code: 11}, exit)

	_, err = parseExit("W")
	assert.ErrorIs(t, err, ErrMalformedPacket)
	_, err = parseExit("Wzz")
	assert.ErrorIs(t, err, ErrMalformedPacket)
}
