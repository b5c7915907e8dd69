package tor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestControl(t *testing.T, addr string, auth ControlAuth) *ControlClient {
	t.Helper()

	c := NewControlClient(addr, WithControlAuth(auth), WithControlTimeout(2*time.Second))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestControlClientAuthenticate(t *testing.T) {
	t.Parallel()

	t.Run("250 OK marks the session authenticated", func(t *testing.T) {
		t.Parallel()

		mock := startMockControl(t, okEverything)
		c := newTestControl(t, mock.addr(), ControlAuth{})

		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error: %v", err)
		}
		if err := c.Authenticate(context.Background()); err != nil {
			t.Fatalf("Authenticate() error: %v", err)
		}
		if !c.Authenticated() {
			t.Error("expected Authenticated() to be true")
		}
	})

	t.Run("configured password is sent quoted and exact", func(t *testing.T) {
		t.Parallel()

		mock := startMockControl(t, okEverything)
		c := newTestControl(t, mock.addr(), ControlAuth{Password: `hunter 2"x`})

		if err := c.EnsureAuthenticated(context.Background()); err != nil {
			t.Fatalf("EnsureAuthenticated() error: %v", err)
		}
		cmds := mock.recorded()
		if len(cmds) != 1 {
			t.Fatalf("expected 1 command, got %v", cmds)
		}
		if cmds[0] != `AUTHENTICATE "hunter 2\"x"` {
			t.Errorf("command = %q", cmds[0])
		}
	})

	t.Run("password with line breaks stays on one command line", func(t *testing.T) {
		t.Parallel()

		mock := startMockControl(t, okEverything)
		c := newTestControl(t, mock.addr(), ControlAuth{Password: "pw\r\nSIGNAL HALT"})

		if err := c.EnsureAuthenticated(context.Background()); err != nil {
			t.Fatalf("EnsureAuthenticated() error: %v", err)
		}
		cmds := mock.recorded()
		if len(cmds) != 1 {
			t.Fatalf("expected 1 command, got %q", cmds)
		}
		if cmds[0] != `AUTHENTICATE "pw\r\nSIGNAL HALT"` {
			t.Errorf("command = %q", cmds[0])
		}
	})

	t.Run("no credential sends a bare AUTHENTICATE", func(t *testing.T) {
		t.Parallel()

		mock := startMockControl(t, okEverything)
		c := newTestControl(t, mock.addr(), ControlAuth{})

		if err := c.EnsureAuthenticated(context.Background()); err != nil {
			t.Fatalf("EnsureAuthenticated() error: %v", err)
		}
		if cmds := mock.recorded(); len(cmds) != 1 || cmds[0] != "AUTHENTICATE" {
			t.Errorf("commands = %q", cmds)
		}
	})

	t.Run("cookie file is sent as upper-case hex", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), CookieFileName)
		if err := os.WriteFile(path, []byte{0xde, 0xad, 0xbe, 0xef}, 0o600); err != nil {
			t.Fatal(err)
		}
		mock := startMockControl(t, okEverything)
		c := newTestControl(t, mock.addr(), ControlAuth{CookiePath: path})

		if err := c.EnsureAuthenticated(context.Background()); err != nil {
			t.Fatalf("EnsureAuthenticated() error: %v", err)
		}
		if cmds := mock.recorded(); len(cmds) != 1 || cmds[0] != "AUTHENTICATE DEADBEEF" {
			t.Errorf("commands = %q", cmds)
		}
	})

	t.Run("rejection fails with an authentication error", func(t *testing.T) {
		t.Parallel()

		mock := startMockControl(t, func(string) string {
			return "515 Authentication failed: Password did not match HashedControlPassword value from configuration\r\n"
		})
		c := newTestControl(t, mock.addr(), ControlAuth{Password: "wrong"})

		err := c.EnsureAuthenticated(context.Background())
		if !errors.Is(err, ErrAuthenticationFailed) {
			t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
		}
		if !strings.Contains(err.Error(), "Authentication failed") {
			t.Errorf("error %q does not carry the reply text", err)
		}
		if c.Authenticated() {
			t.Error("expected Authenticated() to be false")
		}
	})
}

func TestControlClientConnect(t *testing.T) {
	t.Parallel()

	t.Run("second connect reuses the live socket", func(t *testing.T) {
		t.Parallel()

		mock := startMockControl(t, okEverything)
		c := newTestControl(t, mock.addr(), ControlAuth{})

		for range 3 {
			if err := c.Connect(context.Background()); err != nil {
				t.Fatalf("Connect() error: %v", err)
			}
		}
		if _, err := c.Send(context.Background(), "GETINFO version"); err != nil {
			t.Fatalf("Send() error: %v", err)
		}
		if n := mock.acceptCount(); n != 1 {
			t.Errorf("accepted %d connections, want 1", n)
		}
	})

	t.Run("closed port is a refused connection with an errno code", func(t *testing.T) {
		t.Parallel()

		c := newTestControl(t, closedPort(t), ControlAuth{})
		err := c.Connect(context.Background())
		if !errors.Is(err, ErrConnectionRefused) {
			t.Fatalf("expected ErrConnectionRefused, got %v", err)
		}
		var e *Error
		if !errors.As(err, &e) || e.Code == "" {
			t.Errorf("expected an errno code, got %#v", err)
		}
	})

	t.Run("unreachable port is wrapped as cannot connect to control port", func(t *testing.T) {
		t.Parallel()

		c := newTestControl(t, closedPort(t), ControlAuth{})
		err := c.EnsureAuthenticated(context.Background())
		if err == nil {
			t.Fatal("expected error")
		}
		if !strings.Contains(err.Error(), "cannot connect to control port") {
			t.Errorf("error %q", err)
		}
	})

	t.Run("send without a connection fails", func(t *testing.T) {
		t.Parallel()

		c := NewControlClient("127.0.0.1:1")
		_, err := c.Send(context.Background(), "GETINFO version")
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("expected ErrNotConnected, got %v", err)
		}
	})

	t.Run("close notifies the disconnect handler", func(t *testing.T) {
		t.Parallel()

		mock := startMockControl(t, okEverything)
		c := newTestControl(t, mock.addr(), ControlAuth{})

		notified := make(chan struct{})
		var once sync.Once
		c.OnDisconnect(func(error) { once.Do(func() { close(notified) }) })

		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error: %v", err)
		}
		if err := c.Close(); err != nil {
			t.Fatalf("Close() error: %v", err)
		}
		select {
		case <-notified:
		case <-time.After(2 * time.Second):
			t.Fatal("disconnect handler was not called")
		}
		if c.Connected() {
			t.Error("expected Connected() to be false after Close")
		}
	})
}

func TestControlClientSend(t *testing.T) {
	t.Parallel()

	t.Run("concurrent commands receive their own replies", func(t *testing.T) {
		t.Parallel()

		mock := startMockControl(t, func(cmd string) string {
			key := strings.TrimPrefix(cmd, "GETINFO ")
			return fmt.Sprintf("250-%s=value-of-%s\r\n250 OK\r\n", key, key)
		})
		c := newTestControl(t, mock.addr(), ControlAuth{})
		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error: %v", err)
		}

		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for i := range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				key := fmt.Sprintf("k%d", i)
				info, err := c.GetInfo(context.Background(), key)
				if err != nil {
					errs <- err
					return
				}
				if info[key] != "value-of-"+key {
					errs <- fmt.Errorf("key %s got %q", key, info[key])
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Error(err)
		}
	})

	t.Run("timeout fails only the waiting call", func(t *testing.T) {
		t.Parallel()

		mock := startMockControl(t, func(cmd string) string {
			if cmd == "GETINFO slow" {
				time.Sleep(300 * time.Millisecond)
				return "250-slow=late\r\n250 OK\r\n"
			}
			return "250-fast=quick\r\n250 OK\r\n"
		})
		c := newTestControl(t, mock.addr(), ControlAuth{})
		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		if _, err := c.GetInfo(ctx, "slow"); !errors.Is(err, ErrConnectionTimeout) {
			t.Fatalf("expected ErrConnectionTimeout, got %v", err)
		}
		if !c.Connected() {
			t.Fatal("timeout tore down the connection")
		}

		info, err := c.GetInfo(context.Background(), "fast")
		if err != nil {
			t.Fatalf("GetInfo(fast) error: %v", err)
		}
		if info["fast"] != "quick" {
			t.Errorf("fast = %q, the late reply leaked into the next request", info["fast"])
		}
	})

	t.Run("asynchronous events are not delivered as replies", func(t *testing.T) {
		t.Parallel()

		mock := startMockControl(t, func(string) string {
			return "650 CIRC 5 BUILT $AAAA~relay PURPOSE=GENERAL\r\n250-version=0.4.8.13\r\n250 OK\r\n"
		})
		c := newTestControl(t, mock.addr(), ControlAuth{})
		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error: %v", err)
		}
		info, err := c.GetInfo(context.Background(), "version")
		if err != nil {
			t.Fatalf("GetInfo() error: %v", err)
		}
		if info["version"] != "0.4.8.13" {
			t.Errorf("version = %q", info["version"])
		}
	})

	t.Run("error status surfaces as a protocol error", func(t *testing.T) {
		t.Parallel()

		mock := startMockControl(t, func(string) string {
			return "552 Unrecognized key \"nope\"\r\n"
		})
		c := newTestControl(t, mock.addr(), ControlAuth{})
		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error: %v", err)
		}
		if _, err := c.GetInfo(context.Background(), "nope"); !errors.Is(err, ErrProtocol) {
			t.Errorf("expected ErrProtocol, got %v", err)
		}
	})

	t.Run("malformed reply closes the session with a protocol error", func(t *testing.T) {
		t.Parallel()

		mock := startMockControl(t, func(string) string {
			return "garbage\r\n"
		})
		c := newTestControl(t, mock.addr(), ControlAuth{})
		if err := c.Connect(context.Background()); err != nil {
			t.Fatalf("Connect() error: %v", err)
		}
		if _, err := c.Send(context.Background(), "GETINFO version"); !errors.Is(err, ErrProtocol) {
			t.Errorf("expected ErrProtocol, got %v", err)
		}
	})
}

func TestSetConfCommand(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		pairs []ConfPair
		want  string
	}{
		{
			name:  "plain value",
			pairs: []ConfPair{{Key: "ExitNodes", Value: "{de},{nl}"}},
			want:  "SETCONF ExitNodes={de},{nl}",
		},
		{
			name:  "empty value resets",
			pairs: ExitPolicy{}.ConfPairs(),
			want:  "SETCONF ExitNodes ExcludeExitNodes EntryNodes",
		},
		{
			name:  "values with spaces are quoted",
			pairs: []ConfPair{{Key: "UseBridges", Value: "1"}, {Key: "Bridge", Value: "obfs4 1.2.3.4:443 FPR cert=X"}},
			want:  `SETCONF UseBridges=1 Bridge="obfs4 1.2.3.4:443 FPR cert=X"`,
		},
		{
			name:  "line breaks are escaped inside quotes",
			pairs: []ConfPair{{Key: "Bridge", Value: "obfs4\r\nSIGNAL"}},
			want:  `SETCONF Bridge="obfs4\r\nSIGNAL"`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := setConfCommand(tc.pairs); got != tc.want {
				t.Errorf("setConfCommand() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestQuotedString(t *testing.T) {
	t.Parallel()

	if got := quotedString(`a\b"c`); got != `"a\\b\"c"` {
		t.Errorf("quotedString() = %q", got)
	}
	if got := quotedString("a\r\nb"); got != `"a\r\nb"` {
		t.Errorf("quotedString() = %q", got)
	}
}

func TestSendRejectsMultiLineCommands(t *testing.T) {
	t.Parallel()

	mock := startMockControl(t, okEverything)
	c := newTestControl(t, mock.addr(), ControlAuth{})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Send(context.Background(), "GETINFO version\r\nSIGNAL SHUTDOWN"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if _, err := c.Send(context.Background(), "GETINFO version"); err != nil {
		t.Fatalf("connection should stay usable: %v", err)
	}
	if cmds := mock.recorded(); len(cmds) != 1 || cmds[0] != "GETINFO version" {
		t.Errorf("commands = %q", cmds)
	}
}
