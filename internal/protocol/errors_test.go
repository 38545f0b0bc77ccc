package protocol

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsKnownCode(t *testing.T) {
	cases := []string{
		"",
		ErrNotFound,
		ErrAlreadyExists,
		ErrReferentialIntegrity,
		ErrSchemaMismatch,
		ErrCorruptSnapshot,
		ErrChecksumMismatch,
		ErrStaleTick,
		ErrInvalidState,
		ErrProjectionStalled,
		ErrBadRequest,
		ErrInternal,
	}
	for _, c := range cases {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestCodeOf_SurvivesWrapping(t *testing.T) {
	base := Errorf(ErrNotFound, "world %s", "w1")
	wrapped := fmt.Errorf("read: %w", base)
	if got := CodeOf(wrapped); got != ErrNotFound {
		t.Fatalf("code: got %q want %q", got, ErrNotFound)
	}
	if !Is(wrapped, ErrNotFound) {
		t.Fatalf("Is should match through fmt wrapping")
	}
	if Is(wrapped, ErrAlreadyExists) {
		t.Fatalf("Is matched the wrong code")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatalf("plain errors carry no code")
	}
}

func TestWrap_KeepsCause(t *testing.T) {
	cause := errors.New("zstd: bad magic")
	err := Wrap(ErrCorruptSnapshot, cause, "snapshot %d", 7)
	if !errors.Is(err, cause) {
		t.Fatalf("cause lost: %v", err)
	}
	if Wrap(ErrInternal, nil, "nothing") != nil {
		t.Fatalf("wrapping nil should stay nil")
	}
}
