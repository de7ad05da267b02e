package forgeerr

import (
	"errors"
	"testing"
)

func TestNewCapturesKindAndLocation(t *testing.T) {
	err := New(KindNotFound, "build not found")
	if err.Kind != KindNotFound {
		t.Fatalf("Kind = %v, want %v", err.Kind, KindNotFound)
	}
	if err.Location.File == "" {
		t.Fatalf("expected a captured location")
	}
	if !Is(err, KindNotFound) {
		t.Fatalf("Is should report true for matching kind")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindInternal, "writing log", cause)

	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}
	if got := err.Error(); got != "writing log: disk full" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	plain := errors.New("boom")
	if KindOf(plain) != KindInternal {
		t.Fatalf("expected a plain error to classify as internal")
	}
	if KindOf(nil) != "" {
		t.Fatalf("expected nil error to classify as empty kind")
	}
}

func TestTraceWalksChain(t *testing.T) {
	root := New(KindUnavailable, "store unreachable")
	wrapped := Wrap(KindInternal, "fetching build", root)

	trace := wrapped.Trace()
	if trace == "" {
		t.Fatalf("expected a non-empty trace")
	}
}

func TestWithValue(t *testing.T) {
	err := New(KindInvalid, "bad target").WithValue("target", "linux/amd64")
	if err.Values["target"] != "linux/amd64" {
		t.Fatalf("expected WithValue to attach named context")
	}
}
