package errs

import (
	"errors"
	"testing"
)

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(Transient, "smtp send failed", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected Unwrap to expose cause")
	}
	if KindOf(err) != Transient {
		t.Fatalf("expected Transient kind, got %s", KindOf(err))
	}
}

func TestIs(t *testing.T) {
	err := New(Validation, "content too long")
	if !Is(err, Validation) {
		t.Fatalf("expected Validation kind")
	}
	if Is(err, Forbidden) {
		t.Fatalf("did not expect Forbidden kind")
	}
}

func TestKindOfPlainError(t *testing.T) {
	if KindOf(errors.New("untagged")) != Fatal {
		t.Fatalf("expected Fatal default for untagged errors")
	}
}
