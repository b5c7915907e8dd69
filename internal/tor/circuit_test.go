package tor

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"
)

const twoCircuitBody = "1 BUILT $A1B2C3~alpha,$D4E5F6~beta,$0A0B0C~gamma BUILD_FLAGS=NEED_CAPACITY PURPOSE=GENERAL TIME_CREATED=2026-10-16T09:00:00.000000\n" +
	"2 EXTENDED $A1B2C3~alpha,$D4E5F6~beta PURPOSE=GENERAL"

func TestParseCircuits(t *testing.T) {
	t.Parallel()

	t.Run("two data lines yield two circuits", func(t *testing.T) {
		t.Parallel()

		circuits := ParseCircuits(twoCircuitBody)
		if len(circuits) != 2 {
			t.Fatalf("got %d circuits, want 2", len(circuits))
		}
		if circuits[0].ID != "1" || circuits[0].Status != "BUILT" {
			t.Errorf("first = %+v", circuits[0])
		}
		if circuits[1].ID != "2" || circuits[1].Status != "EXTENDED" {
			t.Errorf("second = %+v", circuits[1])
		}
		if circuits[0].NodeCount() != 3 || circuits[1].NodeCount() != 2 {
			t.Errorf("node counts = %d, %d", circuits[0].NodeCount(), circuits[1].NodeCount())
		}
		if circuits[0].Purpose != "GENERAL" || circuits[0].TimeCreated == "" {
			t.Errorf("keywords not parsed: %+v", circuits[0])
		}
		if !slices.Equal(circuits[0].BuildFlags, []string{"NEED_CAPACITY"}) {
			t.Errorf("BuildFlags = %v", circuits[0].BuildFlags)
		}
	})

	t.Run("header prefix and blank lines are skipped", func(t *testing.T) {
		t.Parallel()

		body := "circuit-status=1 BUILT $AA~a\n\n   \n3 LAUNCHED\n"
		circuits := ParseCircuits(body)
		if len(circuits) != 2 {
			t.Fatalf("got %d circuits, want 2", len(circuits))
		}
		if circuits[1].ID != "3" || circuits[1].NodeCount() != 0 {
			t.Errorf("launched circuit = %+v", circuits[1])
		}
	})

	t.Run("node count matches comma separated tokens", func(t *testing.T) {
		t.Parallel()

		for n := 1; n <= 5; n++ {
			tokens := make([]string, n)
			for i := range tokens {
				tokens[i] = "$FP~r"
			}
			c := ParseCircuits("9 BUILT " + strings.Join(tokens, ","))
			if len(c) != 1 || c[0].NodeCount() != n {
				t.Errorf("n=%d: got %+v", n, c)
			}
		}
	})

	t.Run("relays split fingerprint and nickname", func(t *testing.T) {
		t.Parallel()

		c := Circuit{Path: []string{"$AAAA~alpha", "$BBBB=beta", "gamma"}}
		want := []Relay{{"AAAA", "alpha"}, {"BBBB", "beta"}, {"", "gamma"}}
		if got := c.Relays(); !slices.Equal(got, want) {
			t.Errorf("Relays() = %+v, want %+v", got, want)
		}
	})
}

type fixedProber string

func (p fixedProber) ExitIP(context.Context) (string, error) {
	return string(p), nil
}

func TestCircuitManager(t *testing.T) {
	t.Parallel()

	t.Run("new identity authenticates then signals", func(t *testing.T) {
		t.Parallel()

		mock := startMockControl(t, okEverything)
		control := newTestControl(t, mock.addr(), ControlAuth{})
		m := NewCircuitManager(control)

		id, err := m.NewIdentity(context.Background())
		if err != nil {
			t.Fatalf("NewIdentity() error: %v", err)
		}
		if id.ChangeCount != 1 || m.ChangeCount() != 1 {
			t.Errorf("ChangeCount = %d / %d", id.ChangeCount, m.ChangeCount())
		}
		if m.LastChange().IsZero() {
			t.Error("LastChange not stamped")
		}
		if cmds := mock.recorded(); !slices.Equal(cmds, []string{"AUTHENTICATE", "SIGNAL NEWNYM"}) {
			t.Errorf("commands = %q", cmds)
		}

		if _, err := m.NewIdentity(context.Background()); err != nil {
			t.Fatalf("second NewIdentity() error: %v", err)
		}
		if m.ChangeCount() != 2 {
			t.Errorf("ChangeCount = %d, want 2", m.ChangeCount())
		}
	})

	t.Run("unreachable control port fails without counting", func(t *testing.T) {
		t.Parallel()

		control := newTestControl(t, closedPort(t), ControlAuth{})
		m := NewCircuitManager(control)

		_, err := m.NewIdentity(context.Background())
		if err == nil {
			t.Fatal("expected error")
		}
		if !strings.Contains(err.Error(), "cannot connect to control port") {
			t.Errorf("error = %q", err)
		}
		if m.ChangeCount() != 0 {
			t.Errorf("ChangeCount = %d, want 0", m.ChangeCount())
		}
	})

	t.Run("rejected signal is a protocol error", func(t *testing.T) {
		t.Parallel()

		mock := startMockControl(t, func(cmd string) string {
			if strings.HasPrefix(cmd, "SIGNAL") {
				return "552 Unrecognized signal\r\n"
			}
			return "250 OK\r\n"
		})
		m := NewCircuitManager(newTestControl(t, mock.addr(), ControlAuth{}))
		if _, err := m.NewIdentity(context.Background()); !errors.Is(err, ErrProtocol) {
			t.Errorf("expected ErrProtocol, got %v", err)
		}
	})

	t.Run("exit prober fills address and country", func(t *testing.T) {
		t.Parallel()

		mock := startMockControl(t, func(cmd string) string {
			if cmd == "GETINFO ip-to-country/203.0.113.7" {
				return "250-ip-to-country/203.0.113.7=de\r\n250 OK\r\n"
			}
			return "250 OK\r\n"
		})
		m := NewCircuitManager(newTestControl(t, mock.addr(), ControlAuth{}), WithExitProber(fixedProber("203.0.113.7")))

		id, err := m.NewIdentity(context.Background())
		if err != nil {
			t.Fatalf("NewIdentity() error: %v", err)
		}
		if id.ExitIP != "203.0.113.7" || id.ExitCountry != "DE" {
			t.Errorf("identity = %+v", id)
		}
	})

	t.Run("circuit status is parsed from a data block", func(t *testing.T) {
		t.Parallel()

		mock := startMockControl(t, func(cmd string) string {
			if cmd == "GETINFO circuit-status" {
				return "250+circuit-status=\r\n" + strings.ReplaceAll(twoCircuitBody, "\n", "\r\n") + "\r\n.\r\n250 OK\r\n"
			}
			return "250 OK\r\n"
		})
		m := NewCircuitManager(newTestControl(t, mock.addr(), ControlAuth{}))

		circuits, err := m.Circuits(context.Background())
		if err != nil {
			t.Fatalf("Circuits() error: %v", err)
		}
		if len(circuits) != 2 || circuits[0].ID != "1" || circuits[1].ID != "2" {
			t.Errorf("circuits = %+v", circuits)
		}
	})

	t.Run("version and established are read with GETINFO", func(t *testing.T) {
		t.Parallel()

		mock := startMockControl(t, func(cmd string) string {
			switch cmd {
			case "GETINFO version":
				return "250-version=0.4.8.13 (git-1234)\r\n250 OK\r\n"
			case "GETINFO status/circuit-established":
				return "250-status/circuit-established=1\r\n250 OK\r\n"
			case "GETINFO status/bootstrap-phase":
				return "250-status/bootstrap-phase=NOTICE BOOTSTRAP PROGRESS=100 TAG=done SUMMARY=\"Done\"\r\n250 OK\r\n"
			}
			return "250 OK\r\n"
		})
		m := NewCircuitManager(newTestControl(t, mock.addr(), ControlAuth{}), WithCircuitTimeout(time.Second))

		v, err := m.Version(context.Background())
		if err != nil || v != "0.4.8.13 (git-1234)" {
			t.Errorf("Version() = %q, %v", v, err)
		}
		ok, err := m.Established(context.Background())
		if err != nil || !ok {
			t.Errorf("Established() = %v, %v", ok, err)
		}
		st, err := m.BootstrapPhase(context.Background())
		if err != nil || !st.Done() || st.Tag != "done" || st.Summary != "Done" {
			t.Errorf("BootstrapPhase() = %+v, %v", st, err)
		}
	})
}
