package testutil

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ship-commander/mlaunch/internal/gdbremote"
	"github.com/stretchr/testify/require"
)

// ReplyFunc answers the index-th command a DebugServer receives. Returning
// false closes the connection after the replies are written.
type ReplyFunc func(index int, command string) (replies []string, keepOpen bool)

// LaunchReplies acknowledges the set-argument and thread commands and
// reports program output after continue.
func LaunchReplies(index int, _ string) ([]string, bool) {
	if index < 2 {
		return []string{"+$OK#9A"}, true
	}
	return []string{"+" + gdbremote.Encode("O")}, true
}

// DebugServer is a scripted debug-server proxy on 127.0.0.1. Connections
// that send no command, such as readiness probes, are ignored.
type DebugServer struct {
	listener net.Listener
	reply    ReplyFunc

	mu       sync.Mutex
	received []string
	conns    []net.Conn

	closeOnce sync.Once
	closed    chan struct{}
}

// NewDebugServer starts a DebugServer answering with reply.
func NewDebugServer(t *testing.T, reply ReplyFunc) *DebugServer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := &DebugServer{listener: listener, reply: reply, closed: make(chan struct{})}
	t.Cleanup(server.Close)

	go server.acceptLoop()
	return server
}

// Port returns the listening port.
func (s *DebugServer) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Commands returns every command body received.
func (s *DebugServer) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// WaitClosed waits until a connection that sent commands has closed.
func (s *DebugServer) WaitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-s.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("debug server connection was not closed")
	}
}

// Close stops the listener and drops every connection.
func (s *DebugServer) Close() {
	_ = s.listener.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
}

func (s *DebugServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.serve(conn)
	}
}

func (s *DebugServer) serve(conn net.Conn) {
	defer conn.Close()

	var scanner gdbremote.Scanner
	buf := make([]byte, 1024)
	index := 0
	defer func() {
		if index > 0 {
			s.closeOnce.Do(func() { close(s.closed) })
		}
	}()

	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		for _, frame := range scanner.Feed(string(buf[:n])) {
			packet, decodeErr := gdbremote.Decode(frame)
			if decodeErr != nil {
				return
			}
			s.mu.Lock()
			s.received = append(s.received, packet.Body)
			s.mu.Unlock()

			replies, keepOpen := s.reply(index, packet.Body)
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
