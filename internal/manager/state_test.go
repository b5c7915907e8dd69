package manager

import (
	"errors"
	"testing"

	"github.com/nao1215/torctl/internal/tor"
)

func TestStateTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to State
		allowed  bool
	}{
		{StateStopped, StateStarting, true},
		{StateStopped, StateConnected, false},
		{StateStopped, StateStopping, false},
		{StateStarting, StateBootstrapping, true},
		{StateStarting, StateConnected, false},
		{StateBootstrapping, StateConnected, true},
		{StateBootstrapping, StateStarting, false},
		{StateConnected, StateStopping, true},
		{StateConnected, StateError, true},
		{StateConnected, StateStopped, false},
		{StateStopping, StateStopped, true},
		{StateStopping, StateStarting, false},
		{StateError, StateStopping, true},
		{StateError, StateStopped, true},
		{StateError, StateStarting, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+" to "+string(tt.to), func(t *testing.T) {
			t.Parallel()
			if got := tt.from.CanTransition(tt.to); got != tt.allowed {
				t.Errorf("CanTransition() = %v, want %v", got, tt.allowed)
			}
		})
	}
}

func TestStateRunning(t *testing.T) {
	t.Parallel()

	running := map[State]bool{
		StateStopped:       false,
		StateStarting:      true,
		StateBootstrapping: true,
		StateConnected:     true,
		StateStopping:      false,
		StateError:         false,
	}
	for st, want := range running {
		if st.Running() != want {
			t.Errorf("%s.Running() = %v", st, !want)
		}
	}
}

func TestResult(t *testing.T) {
	t.Parallel()

	r := fail(tor.ErrAuthenticationFailed)
	if r.Success || r.Kind() != tor.KindAuthenticationFailed || r.Message == "" {
		t.Errorf("fail() = %+v", r)
	}
	if !errors.Is(r.Err, tor.ErrAuthenticationFailed) {
		t.Errorf("Err = %v", r.Err)
	}
	if got := ok("done"); !got.Success || got.Kind() != "" || got.Err != nil {
		t.Errorf("ok() = %+v", got)
	}
}
