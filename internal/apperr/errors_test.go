package apperr

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"
)

func TestErrorsIsMatchesKindOnly(t *testing.T) {
	err := NotFound("store.get", "document not found")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected errors.Is to match ErrNotFound")
	}
	if errors.Is(err, ErrConflict) {
		t.Fatalf("not_found must not match conflict")
	}

	wrapped := fmt.Errorf("handler: %w", err)
	if !errors.Is(wrapped, ErrNotFound) {
		t.Fatalf("expected match through fmt wrapping")
	}
	if KindOf(wrapped) != KindNotFound {
		t.Fatalf("unexpected kind %s", KindOf(wrapped))
	}
	if ReasonOf(wrapped) != "document not found" {
		t.Fatalf("unexpected reason %q", ReasonOf(wrapped))
	}
}

func TestWrapKeepsCause(t *testing.T) {
	err := Filesystem("store.write", fs.ErrPermission)
	if !errors.Is(err, fs.ErrPermission) {
		t.Fatalf("cause should stay reachable")
	}
	if !errors.Is(err, ErrFilesystem) {
		t.Fatalf("expected filesystem kind")
	}
	if Wrap(KindNetwork, "op", nil) != nil {
		t.Fatalf("wrapping nil should return nil")
	}
}

func TestKindOfUnknown(t *testing.T) {
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Fatalf("plain errors should be unknown")
	}
	if ReasonOf(errors.New("plain")) != "unknown" {
		t.Fatalf("plain errors should report the kind name")
	}
}
