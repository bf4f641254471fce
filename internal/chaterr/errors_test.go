package chaterr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := New(NotFound, "conversation c1")
	if KindOf(err) != NotFound {
		t.Errorf("KindOf = %q, want NotFound", KindOf(err))
	}
	if KindOf(fmt.Errorf("plain")) != "" {
		t.Error("plain error should have empty kind")
	}
	if KindOf(nil) != "" {
		t.Error("nil error should have empty kind")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(Storage, "upsert message", cause)
	if !errors.Is(err, cause) {
		t.Error("wrapped cause not reachable via errors.Is")
	}
	if KindOf(err) != Storage {
		t.Errorf("kind = %q, want Storage", KindOf(err))
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(Transport, "send", nil) != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestKindSurvivesFmtWrapping(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(WindowExpired, "revoke"))
	if !IsKind(err, WindowExpired) {
		t.Error("kind lost through fmt.Errorf %%w wrapping")
	}
}

func TestIsMatchesOnKind(t *testing.T) {
	err := Wrap(Unauthorized, "revoke", errors.New("sender mismatch"))
	if !errors.Is(err, &Error{Kind: Unauthorized}) {
		t.Error("errors.Is should match on kind")
	}
	if errors.Is(err, &Error{Kind: NotFound}) {
		t.Error("errors.Is matched wrong kind")
	}
}
