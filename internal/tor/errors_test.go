package tor

import (
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"
)

func TestError(t *testing.T) {
	t.Parallel()

	t.Run("matches sentinels by kind through wrapping", func(t *testing.T) {
		t.Parallel()

		err := fmt.Errorf("outer: %w", newError(KindValidation, "add bridge", "bridge line is empty", nil))
		if !errors.Is(err, ErrValidation) {
			t.Error("expected ErrValidation to match")
		}
		if errors.Is(err, ErrProtocol) {
			t.Error("ErrProtocol should not match")
		}
		if KindOf(err) != KindValidation {
			t.Errorf("KindOf() = %q", KindOf(err))
		}
		if KindOf(io.EOF) != "" {
			t.Errorf("KindOf(io.EOF) = %q", KindOf(io.EOF))
		}
	})

	t.Run("message carries op, kind, code and cause", func(t *testing.T) {
		t.Parallel()

		e := &Error{Kind: KindConnectionRefused, Op: "connect", Msg: "127.0.0.1:9051", Code: "ECONNREFUSED", Err: io.EOF}
		want := "connect: connection_refused: 127.0.0.1:9051 (ECONNREFUSED): EOF"
		if e.Error() != want {
			t.Errorf("Error() = %q, want %q", e.Error(), want)
		}
		if !errors.Is(e, io.EOF) {
			t.Error("Unwrap should expose the cause")
		}
	})

	t.Run("transport errors carry errno names", func(t *testing.T) {
		t.Parallel()

		e := transportError("connect", fmt.Errorf("dial: %w", syscall.ECONNREFUSED))
		if e.Kind != KindConnectionRefused || e.Code != "ECONNREFUSED" {
			t.Errorf("transportError() = %+v", e)
		}
	})
}
