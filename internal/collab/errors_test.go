package collab

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsTransient(t *testing.T) {
	base := errors.New("boom")

	if !IsTransient(Transient("op", base)) {
		t.Error("Transient error should be transient")
	}
	if IsTransient(Permanent("op", base)) {
		t.Error("Permanent error should not be transient")
	}
	// Unclassified errors are treated as permanent.
	if IsTransient(base) {
		t.Error("unclassified error should not be transient")
	}
	// Classification survives wrapping.
	wrapped := fmt.Errorf("stage failed: %w", Transient("op", base))
	if !IsTransient(wrapped) {
		t.Error("wrapped transient error should be transient")
	}
}

func TestConstructorsNilSafe(t *testing.T) {
	if Transient("op", nil) != nil {
		t.Error("Transient(nil) should be nil")
	}
	if Permanent("op", nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func TestErrorMessage(t *testing.T) {
	err := Permanent("tracker.fetch", errors.New("not found"))
	want := "tracker.fetch: permanent: not found"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, err.(*Error).Err) {
		t.Error("Unwrap should expose the cause")
	}
}
