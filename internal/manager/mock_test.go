package manager

import (
	"bufio"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"
)

// controlMock is a scripted control port.
type controlMock struct {
	listener net.Listener
	handle   func(cmd string) string

	mu       sync.Mutex
	commands []string
}

func startControlMock(t *testing.T, handle func(cmd string) string) *controlMock {
	t.Helper()

	lc := net.ListenConfig{}
	listener, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start mock control port: %v", err)
	}
	m := &controlMock{listener: listener, handle: handle}
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go m.serve(conn)
		}
	}()
	return m
}

func (m *controlMock) serve(conn net.Conn) {
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
		if _, err := conn.Write([]byte(m.handle(cmd))); err != nil {
			return
		}
	}
}

func (m *controlMock) port() int {
	return m.listener.Addr().(*net.TCPAddr).Port //nolint:forcetypeassert // tcp listener
}

func (m *controlMock) recorded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.commands...)
}

// freePort returns a port nothing listens on.
func freePort(t *testing.T) int {
	t.Helper()

	lc := net.ListenConfig{}
	listener, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port //nolint:forcetypeassert // tcp listener
	_ = listener.Close()
	return port
}

// fakeTor writes an executable standing in for the daemon. The script
// ignores its arguments.
func fakeTor(t *testing.T, body string) string {
	t.Helper()

	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "tor")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil { //nolint:gosec // test executable
		t.Fatal(err)
	}
	return path
}

// testOptions points every port at an unused local port.
func testOptions(t *testing.T) Options {
	t.Helper()

	opts := DefaultOptions()
	opts.SocksPort = freePort(t)
	opts.ControlPort = freePort(t)
	opts.ConnectionTimeout = 2 * time.Second
	opts.CircuitTimeout = 2 * time.Second
	opts.StartupTimeout = 10 * time.Second
	opts.StopGracePeriod = time.Second
	opts.DataDirectory = t.TempDir()
	return opts
}

// eventLog records every emitted event.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func recordEvents(m *Manager) *eventLog {
	l := &eventLog{}
	m.Subscribe(EventAll, func(ev Event) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.events = append(l.events, ev)
	})
	return l
}

func (l *eventLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []State
	for _, ev := range l.events {
		if ev.Name == EventStateChange {
			out = append(out, ev.State)
		}
	}
	return out
}

func (l *eventLog) named(name EventName) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// startSOCKSMock accepts one SOCKS5 CONNECT, sends greeting to the client
// and closes. The requested host is delivered on the returned channel.
func startSOCKSMock(t *testing.T, greeting string) (int, <-chan string) {
	t.Helper()

	lc := net.ListenConfig{}
	listener, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start mock SOCKS port: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	hosts := make(chan string, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 256)
		// version, one method, no auth
		if _, err := io.ReadFull(conn, buf[:3]); err != nil {
			return
		}
		if _, err := conn.Write([]byte{0x05, 0x00}); err != nil {
			return
		}
		// version, CONNECT, reserved, domain name
		if _, err := io.ReadFull(conn, buf[:5]); err != nil || buf[3] != 0x03 {
			return
		}
		n := int(buf[4])
		if _, err := io.ReadFull(conn, buf[:n+2]); err != nil {
			return
		}
		hosts <- string(buf[:n])
		if _, err := conn.Write([]byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}); err != nil {
			return
		}
		_, _ = conn.Write([]byte(greeting))
	}()
	return listener.Addr().(*net.TCPAddr).Port, hosts //nolint:forcetypeassert // tcp listener
}
