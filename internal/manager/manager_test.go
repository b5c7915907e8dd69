package manager

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nao1215/torctl/internal/tor"
)

const bootstrapDone = "250-status/bootstrap-phase=NOTICE BOOTSTRAP PROGRESS=100 TAG=done SUMMARY=\"Done\"\r\n250 OK\r\n"

func okReply(string) string {
	return "250 OK\r\n"
}

func TestDefaultOptions(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	if opts.SocksHost != "127.0.0.1" || opts.SocksPort != 9050 || opts.ControlPort != 9051 {
		t.Errorf("defaults = %+v", opts)
	}
	if !opts.AutoStart || !opts.KillOnExit {
		t.Error("AutoStart and KillOnExit default to true")
	}

	m := New(Options{})
	if m.State() != StateStopped {
		t.Errorf("State() = %s", m.State())
	}
	if got := m.Proxy().Rules(); got != "socks5://127.0.0.1:9050" {
		t.Errorf("Rules() = %q", got)
	}
}

func TestManagerControlPort(t *testing.T) {
	t.Parallel()

	t.Run("mocked 250 OK authenticates a fresh manager", func(t *testing.T) {
		t.Parallel()

		mock := startControlMock(t, okReply)
		opts := testOptions(t)
		opts.ControlPort = mock.port()
		m := New(opts)
		t.Cleanup(func() { m.DisconnectControlPort() })

		r := m.ConnectControlPort(context.Background())
		if !r.Success || !r.Authenticated {
			t.Fatalf("ConnectControlPort() = %+v", r)
		}
		if !m.Authenticated() {
			t.Error("Authenticated() = false")
		}
		if again := m.ConnectControlPort(context.Background()); !again.Success || again.Message != "already connected" {
			t.Errorf("second connect = %+v", again)
		}
	})

	t.Run("configured password reaches AUTHENTICATE", func(t *testing.T) {
		t.Parallel()

		mock := startControlMock(t, okReply)
		opts := testOptions(t)
		opts.ControlPort = mock.port()
		opts.ControlPassword = "s3cret"
		m := New(opts)
		t.Cleanup(func() { m.DisconnectControlPort() })

		if r := m.ConnectControlPort(context.Background()); !r.Success {
			t.Fatalf("ConnectControlPort() = %+v", r)
		}
		if cmds := mock.recorded(); len(cmds) == 0 || cmds[0] != `AUTHENTICATE "s3cret"` {
			t.Errorf("commands = %q", cmds)
		}
	})

	t.Run("exit countries are pushed over an authenticated session", func(t *testing.T) {
		t.Parallel()

		mock := startControlMock(t, okReply)
		opts := testOptions(t)
		opts.ControlPort = mock.port()
		m := New(opts)
		t.Cleanup(func() { m.DisconnectControlPort() })
		events := recordEvents(m)

		if r := m.ConnectControlPort(context.Background()); !r.Success {
			t.Fatalf("ConnectControlPort() = %+v", r)
		}
		if r := m.SetExitCountries(context.Background(), "de"); !r.Success {
			t.Fatalf("SetExitCountries() = %+v", r)
		}
		if m.State() != StateStopped {
			t.Errorf("State() = %s", m.State())
		}
		want := []string{"AUTHENTICATE", "SETCONF ExitNodes={de}", "SIGNAL NEWNYM"}
		if cmds := mock.recorded(); !slices.Equal(cmds, want) {
			t.Errorf("commands = %q, want %q", cmds, want)
		}
		if len(events.named(EventNewIdentity)) != 1 {
			t.Error("expected a new identity after the policy change")
		}
	})

	t.Run("new identity with the control port unreachable fails", func(t *testing.T) {
		t.Parallel()

		m := New(testOptions(t))
		events := recordEvents(m)

		r := m.NewIdentity(context.Background())
		if r.Success {
			t.Fatal("expected failure")
		}
		if !strings.Contains(r.Message, "cannot connect to control port") {
			t.Errorf("Message = %q", r.Message)
		}
		if r.Kind() != tor.KindConnectionRefused {
			t.Errorf("Kind() = %q", r.Kind())
		}
		if m.Stats().ConnectionErrors != 1 {
			t.Errorf("ConnectionErrors = %d", m.Stats().ConnectionErrors)
		}
		if len(events.named(EventNewIdentity)) != 0 {
			t.Error("newIdentity emitted on failure")
		}
	})

	t.Run("new identity emits the change count", func(t *testing.T) {
		t.Parallel()

		mock := startControlMock(t, okReply)
		opts := testOptions(t)
		opts.ControlPort = mock.port()
		m := New(opts)
		t.Cleanup(func() { m.DisconnectControlPort() })
		events := recordEvents(m)

		for range 2 {
			if r := m.NewIdentity(context.Background()); !r.Success {
				t.Fatalf("NewIdentity() = %+v", r)
			}
		}
		got := events.named(EventNewIdentity)
		if len(got) != 2 || got[1].CircuitChangeCount != 2 {
			t.Errorf("events = %+v", got)
		}
		if m.Stats().CircuitChanges != 2 {
			t.Errorf("CircuitChanges = %d", m.Stats().CircuitChanges)
		}
	})
}

func TestManagerConfiguration(t *testing.T) {
	t.Parallel()

	t.Run("bridge line is stored exactly", func(t *testing.T) {
		t.Parallel()

		m := New(testOptions(t))
		r := m.AddBridge("obfs4 1.2.3.4:443 FPR cert=X")
		if !r.Success || r.Count != 1 {
			t.Fatalf("AddBridge() = %+v", r)
		}
		if got := m.Bridges()[0].Line; got != "obfs4 1.2.3.4:443 FPR cert=X" {
			t.Errorf("line = %q", got)
		}
		if r := m.AddBridge(""); r.Success || r.Kind() != tor.KindValidation || r.Count != 1 {
			t.Errorf("empty AddBridge() = %+v", r)
		}
	})

	t.Run("builtin bridges come back as an unsuccessful fallback", func(t *testing.T) {
		t.Parallel()

		m := New(testOptions(t))
		r := m.FetchBuiltinBridges("snowflake")
		if r.Success || len(r.BuiltinBridges) == 0 || r.Err != nil {
			t.Errorf("FetchBuiltinBridges() = %+v", r)
		}
		if u := m.UseBuiltinBridges("obfs4"); !u.Success || u.Count == 0 {
			t.Errorf("UseBuiltinBridges() = %+v", u)
		}
	})

	t.Run("per domain isolation reuses ports per host", func(t *testing.T) {
		t.Parallel()

		m := New(testOptions(t))
		if r := m.SetIsolationMode(context.Background(), "per_domain"); !r.Success {
			t.Fatalf("SetIsolationMode() = %+v", r)
		}
		a := m.Port("example.com")
		b := m.Port("example.com")
		c := m.Port("other.com")
		if !a.Success || !a.Isolated {
			t.Fatalf("Port() = %+v", a)
		}
		if a.Port != b.Port {
			t.Errorf("same key got %d and %d", a.Port, b.Port)
		}
		if a.Port == c.Port {
			t.Errorf("distinct keys share %d", a.Port)
		}

		p := m.ProxyFor("example.com")
		if !p.Success || p.Proxy.Port != a.Port || !strings.HasPrefix(p.Rules, "socks5://127.0.0.1:") {
			t.Errorf("ProxyFor() = %+v", p)
		}
	})

	t.Run("released key is bound to a fresh port", func(t *testing.T) {
		t.Parallel()

		m := New(testOptions(t))
		if r := m.SetIsolationMode(context.Background(), "per_tab"); !r.Success {
			t.Fatalf("SetIsolationMode() = %+v", r)
		}
		first := m.Port("tab-1")
		second := m.Port("tab-2")
		if r := m.ReleaseIsolation("tab-1"); !r.Success {
			t.Fatalf("ReleaseIsolation() = %+v", r)
		}
		if slots := m.IsolationSlots(); len(slots) != 1 || slots[0].Key != "tab-2" {
			t.Errorf("slots = %+v", slots)
		}
		again := m.Port("tab-1")
		if again.Port == first.Port || again.Port == second.Port {
			t.Errorf("tab-1 rebound to %d (first %d, tab-2 %d)", again.Port, first.Port, second.Port)
		}
	})

	t.Run("dial goes through the SOCKS port", func(t *testing.T) {
		t.Parallel()

		port, hosts := startSOCKSMock(t, "hello")
		opts := testOptions(t)
		opts.SocksPort = port
		m := New(opts)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conn, err := m.DialContext(ctx, "tab-1", "tcp", "example.com:80")
		if err != nil {
			t.Fatalf("DialContext() error: %v", err)
		}
		defer conn.Close()

		if host := <-hosts; host != "example.com" {
			t.Errorf("proxy saw host %q", host)
		}
		got, err := io.ReadAll(conn)
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "hello" {
			t.Errorf("read %q", got)
		}
	})

	t.Run("dial fails when nothing listens", func(t *testing.T) {
		t.Parallel()

		m := New(testOptions(t))
		if _, err := m.DialContext(context.Background(), "", "tcp", "example.com:80"); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("onion addresses are normalized", func(t *testing.T) {
		t.Parallel()

		m := New(testOptions(t))
		const address = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaam2dqd.onion"
		r := m.NormalizeOnion("HTTPS://" + strings.ToUpper(address) + "/index.html")
		if !r.Success || r.Message != address || r.Info.Version != 3 || !r.Info.ChecksumValid {
			t.Errorf("NormalizeOnion() = %+v", r)
		}
		if r := m.NormalizeOnion("facebookcorewwwi.onion"); r.Success || r.Kind() != tor.KindValidation {
			t.Errorf("NormalizeOnion(v2) = %+v", r)
		}
		if r := m.OnionAddressFromKeyFile(filepath.Join(t.TempDir(), "missing")); r.Success {
			t.Errorf("OnionAddressFromKeyFile(missing) = %+v", r)
		}
	})

	t.Run("invalid isolation mode is a validation failure", func(t *testing.T) {
		t.Parallel()

		m := New(testOptions(t))
		r := m.SetIsolationMode(context.Background(), "per_window")
		if r.Success || r.Kind() != tor.KindValidation || r.Mode != tor.IsolationNone {
			t.Errorf("SetIsolationMode() = %+v", r)
		}
	})

	t.Run("exit countries are stored while stopped", func(t *testing.T) {
		t.Parallel()

		m := New(testOptions(t))
		if r := m.SetExitCountries(context.Background(), "de", "NL"); !r.Success {
			t.Fatalf("SetExitCountries() = %+v", r)
		}
		if r := m.SetExitCountries(context.Background(), "de", "qq"); r.Success || r.Kind() != tor.KindValidation {
			t.Errorf("invalid SetExitCountries() = %+v", r)
		}
		ex := m.ExcludeExitCountries(context.Background(), "ru", "qq")
		if !ex.Success || !slices.Equal(ex.Dropped, []string{"qq"}) {
			t.Errorf("ExcludeExitCountries() = %+v", ex)
		}
		policy := m.ExitPolicy()
		if !slices.Equal(policy.Exit, []string{"{de}", "{nl}"}) || !slices.Equal(policy.Exclude, []string{"{ru}"}) {
			t.Errorf("policy = %+v", policy)
		}
	})

	t.Run("onion location is emitted for accepted and rejected candidates", func(t *testing.T) {
		t.Parallel()

		m := New(testOptions(t))
		events := recordEvents(m)

		accepted := m.HandleOnionLocation("http://aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaam2dqd.onion/")
		rejected := m.HandleOnionLocation("https://example.com/")
		if !accepted.Success || !accepted.Location.ShouldRedirect {
			t.Errorf("accepted = %+v", accepted)
		}
		if rejected.Success || rejected.Location.ShouldRedirect {
			t.Errorf("rejected = %+v", rejected)
		}
		got := events.named(EventOnionLocation)
		if len(got) != 2 || !got[0].ShouldRedirect || got[1].ShouldRedirect {
			t.Errorf("events = %+v", got)
		}

		if r := m.IsOnionURL("http://[::1"); r.Success || r.Kind() != tor.KindInvalidURL {
			t.Errorf("IsOnionURL(malformed) = %+v", r)
		}
	})
}

func TestManagerLifecycle(t *testing.T) {
	t.Parallel()

	t.Run("stop from stopped is a successful no-op", func(t *testing.T) {
		t.Parallel()

		m := New(testOptions(t))
		events := recordEvents(m)
		r := m.Stop(context.Background())
		if !r.Success || r.Message != "already stopped" {
			t.Errorf("Stop() = %+v", r)
		}
		if m.State() != StateStopped || len(events.states()) != 0 {
			t.Errorf("state %s, transitions %v", m.State(), events.states())
		}
	})

	t.Run("missing binary fails fast and moves to error", func(t *testing.T) {
		t.Parallel()

		opts := testOptions(t)
		opts.TorBinary = filepath.Join(t.TempDir(), "no-such-tor")
		m := New(opts)
		events := recordEvents(m)

		r := m.Start(context.Background())
		if r.Success || !errors.Is(r.Err, tor.ErrBinaryNotFound) {
			t.Errorf("Start() = %+v", r)
		}
		if m.State() != StateError {
			t.Errorf("State() = %s", m.State())
		}
		if got := events.states(); !slices.Equal(got, []State{StateError}) {
			t.Errorf("transitions = %v", got)
		}
		if r := m.Stop(context.Background()); !r.Success || m.State() != StateStopped {
			t.Errorf("Stop() = %+v, state %s", r, m.State())
		}
	})

	t.Run("stop during launch preparation prevents the spawn", func(t *testing.T) {
		t.Parallel()

		marker := filepath.Join(t.TempDir(), "spawned")
		opts := testOptions(t)
		opts.TorBinary = fakeTor(t, `touch "`+marker+`"
exec sleep 30`)
		m := New(opts)

		var stopped atomic.Bool
		m.Subscribe(EventStateChange, func(ev Event) {
			if ev.State == StateStarting && stopped.CompareAndSwap(false, true) {
				m.Stop(context.Background())
			}
		})

		r := m.Start(context.Background())
		if r.Success || r.Kind() != tor.KindInvalidState {
			t.Errorf("Start() = %+v", r)
		}
		if m.State() != StateStopped || m.PID() != 0 {
			t.Errorf("state %s pid %d", m.State(), m.PID())
		}
		if _, err := os.Stat(marker); !os.IsNotExist(err) {
			t.Errorf("daemon was spawned: %v", err)
		}
	})

	t.Run("start reaches connected and stop returns to stopped", func(t *testing.T) {
		t.Parallel()

		opts := testOptions(t)
		opts.TorBinary = fakeTor(t, `echo "[notice] Bootstrapped 0% (starting): Starting"
echo "[notice] Bootstrapped 100% (done): Done"
exec sleep 30`)
		m := New(opts)
		events := recordEvents(m)
		t.Cleanup(func() { m.Stop(context.Background()) })

		if r := m.Start(context.Background()); !r.Success {
			t.Fatalf("Start() = %+v", r)
		}
		if m.State() != StateConnected || m.PID() == 0 {
			t.Fatalf("state %s pid %d", m.State(), m.PID())
		}
		want := []State{StateStarting, StateBootstrapping, StateConnected}
		if got := events.states(); !slices.Equal(got, want) {
			t.Errorf("transitions = %v, want %v", got, want)
		}
		progress := events.named(EventBootstrap)
		if len(progress) != 2 || progress[1].Progress != 100 || progress[1].Phase != "done" {
			t.Errorf("bootstrap events = %+v", progress)
		}
		if len(events.named(EventConnected)) != 1 {
			t.Error("connected not emitted")
		}

		rc, err := os.ReadFile(filepath.Join(opts.DataDirectory, tor.TorrcFileName))
		if err != nil {
			t.Fatal(err)
		}
		for _, want := range []string{"CookieAuthentication 1", "__OwningControllerProcess ", "SocksPort 127.0.0.1:"} {
			if !strings.Contains(string(rc), want) {
				t.Errorf("torrc lacks %q:\n%s", want, rc)
			}
		}

		again := m.Start(context.Background())
		if again.Success || again.Kind() != tor.KindAlreadyRunning || m.State() != StateConnected {
			t.Errorf("second Start() = %+v, state %s", again, m.State())
		}

		if r := m.Stop(context.Background()); !r.Success || r.Message != "stopped" {
			t.Fatalf("Stop() = %+v", r)
		}
		if m.State() != StateStopped || m.PID() != 0 {
			t.Errorf("state %s pid %d", m.State(), m.PID())
		}
		tail := events.states()
		if !slices.Equal(tail[len(tail)-2:], []State{StateStopping, StateStopped}) {
			t.Errorf("transitions = %v", tail)
		}
	})

	t.Run("failed launch moves to error until stopped", func(t *testing.T) {
		t.Parallel()

		opts := testOptions(t)
		opts.TorBinary = fakeTor(t, `echo "[warn] Could not bind to 127.0.0.1:9050: Address already in use" >&2
exit 1`)
		m := New(opts)

		r := m.Start(context.Background())
		if r.Success || r.Kind() != tor.KindLaunchFailed {
			t.Fatalf("Start() = %+v", r)
		}
		if m.State() != StateError {
			t.Fatalf("State() = %s", m.State())
		}

		blocked := m.Start(context.Background())
		if blocked.Success || blocked.Kind() != tor.KindInvalidState || m.State() != StateError {
			t.Errorf("Start() from error = %+v, state %s", blocked, m.State())
		}

		if s := m.Stop(context.Background()); !s.Success {
			t.Fatalf("Stop() = %+v", s)
		}
		if m.State() != StateStopped {
			t.Errorf("State() = %s", m.State())
		}
	})

	t.Run("attach mode waits for bootstrap and pushes stored settings", func(t *testing.T) {
		t.Parallel()

		var polls atomic.Int32
		mock := startControlMock(t, func(cmd string) string {
			if cmd == "GETINFO status/bootstrap-phase" {
				if polls.Add(1) == 1 {
					return "250-status/bootstrap-phase=NOTICE BOOTSTRAP PROGRESS=50 TAG=loading_descriptors SUMMARY=\"Loading relay descriptors\"\r\n250 OK\r\n"
				}
				return bootstrapDone
			}
			return "250 OK\r\n"
		})
		opts := testOptions(t)
		opts.ControlPort = mock.port()
		opts.AutoStart = false
		m := New(opts)
		events := recordEvents(m)
		t.Cleanup(func() { m.Stop(context.Background()) })

		if r := m.SetExitCountries(context.Background(), "de"); !r.Success {
			t.Fatal(r.Message)
		}
		if r := m.Start(context.Background()); !r.Success {
			t.Fatalf("Start() = %+v", r)
		}
		if m.State() != StateConnected {
			t.Fatalf("State() = %s", m.State())
		}
		progress := events.named(EventBootstrap)
		if len(progress) != 2 || progress[0].Progress != 50 || progress[1].Progress != 100 {
			t.Errorf("bootstrap events = %+v", progress)
		}
		if !slices.Contains(mock.recorded(), "SETCONF ExitNodes={de} ExcludeExitNodes EntryNodes") {
			t.Errorf("stored policy not pushed: %q", mock.recorded())
		}

		if r := m.SetExitCountries(context.Background(), "nl"); !r.Success {
			t.Fatalf("live SetExitCountries() = %+v", r)
		}
		cmds := mock.recorded()
		if !slices.Equal(cmds[len(cmds)-2:], []string{"SETCONF ExitNodes={nl}", "SIGNAL NEWNYM"}) {
			t.Errorf("commands = %q", cmds)
		}
		if len(events.named(EventNewIdentity)) != 1 {
			t.Error("policy change did not rotate the identity")
		}

		if r := m.Stop(context.Background()); !r.Success || m.State() != StateStopped {
			t.Errorf("Stop() = %+v, state %s", r, m.State())
		}
	})

	t.Run("attach to an unreachable control port ends in error", func(t *testing.T) {
		t.Parallel()

		opts := testOptions(t)
		opts.AutoStart = false
		m := New(opts)

		r := m.Start(context.Background())
		if r.Success || !strings.Contains(r.Message, "cannot connect to control port") {
			t.Errorf("Start() = %+v", r)
		}
		if m.State() != StateError {
			t.Errorf("State() = %s", m.State())
		}
	})

	t.Run("cleanup resets instance state", func(t *testing.T) {
		t.Parallel()

		m := New(testOptions(t))
		m.AddBridge("obfs4 1.2.3.4:443 FPR cert=X")
		m.SetExitCountries(context.Background(), "de")
		m.SetIsolationMode(context.Background(), "per_tab")
		m.Port("tab-1")

		if r := m.Cleanup(context.Background()); !r.Success {
			t.Fatalf("Cleanup() = %+v", r)
		}
		if len(m.Bridges()) != 0 || !m.ExitPolicy().Empty() || len(m.IsolationSlots()) != 0 {
			t.Error("state survived Cleanup")
		}
		if a := m.Port("tab-1"); a.Isolated {
			t.Errorf("isolation mode survived Cleanup: %+v", a)
		}
	})
}

func TestManagerStatus(t *testing.T) {
	t.Parallel()

	mock := startControlMock(t, func(cmd string) string {
		switch cmd {
		case "GETINFO version":
			return "250-version=0.4.8.13\r\n250 OK\r\n"
		case "GETINFO status/circuit-established":
			return "250-status/circuit-established=1\r\n250 OK\r\n"
		case "GETINFO status/bootstrap-phase":
			return bootstrapDone
		case "GETINFO circuit-status":
			return "250+circuit-status=\r\n1 BUILT $AA~a,$BB~b,$CC~c PURPOSE=GENERAL\r\n2 EXTENDED $AA~a PURPOSE=GENERAL\r\n.\r\n250 OK\r\n"
		}
		return "250 OK\r\n"
	})
	opts := testOptions(t)
	opts.ControlPort = mock.port()
	m := New(opts)
	t.Cleanup(func() { m.DisconnectControlPort() })

	stopped := m.Status(context.Background())
	if !stopped.Success || stopped.Status.Version != "" || stopped.Status.State != StateStopped {
		t.Errorf("offline Status() = %+v", stopped)
	}

	if r := m.ConnectControlPort(context.Background()); !r.Success {
		t.Fatal(r.Message)
	}
	r := m.Status(context.Background())
	s := r.Status
	if s.Version != "0.4.8.13" || !s.CircuitEstablished || s.Bootstrap != 100 || s.ControlError != "" {
		t.Errorf("Status() = %+v", s)
	}
	if len(s.Circuits) != 2 {
		t.Fatalf("circuits = %+v", s.Circuits)
	}
	if counts := s.CircuitCounts(); counts["BUILT"] != 1 || counts["EXTENDED"] != 1 {
		t.Errorf("CircuitCounts() = %v", counts)
	}
	if !s.Authenticated || s.ProxyRules == "" {
		t.Errorf("Status() = %+v", s)
	}
}
