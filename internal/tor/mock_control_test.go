package tor

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
)

// mockControl is a scripted control port. handle returns the raw reply for a
// command line; an empty string sends nothing.
type mockControl struct {
	listener net.Listener
	handle   func(cmd string) string

	mu       sync.Mutex
	commands []string
	accepts  int
	conns    []net.Conn
}

func startMockControl(t *testing.T, handle func(cmd string) string) *mockControl {
	t.Helper()

	lc := net.ListenConfig{}
	listener, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start mock control port: %v", err)
	}
	m := &mockControl{listener: listener, handle: handle}
	t.Cleanup(m.close)

	go m.serve()
	return m
}

// okEverything answers 250 OK to any command.
func okEverything(string) string {
	return "250 OK\r\n"
}

func (m *mockControl) serve() {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			return
		}
		m.mu.Lock()
		m.accepts++
		m.conns = append(m.conns, conn)
		m.mu.Unlock()
		go m.serveConn(conn)
	}
}

func (m *mockControl) serveConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimRight(line, "\r\n")
		m.mu.Lock()
		m.commands = append(m.commands, cmd)
		m.mu.Unlock()
		if reply := m.handle(cmd); reply != "" {
			if _, err := conn.Write([]byte(reply)); err != nil {
				return
			}
		}
	}
}

func (m *mockControl) close() {
	_ = m.listener.Close()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		_ = c.Close()
	}
}

func (m *mockControl) addr() string {
	return m.listener.Addr().String()
}

func (m *mockControl) recorded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

func (m *mockControl) acceptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accepts
}

// closedPort returns an address nothing listens on.
func closedPort(t *testing.T) string {
	t.Helper()

	lc := net.ListenConfig{}
	listener, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()
	_ = listener.Close()
	return addr
}
