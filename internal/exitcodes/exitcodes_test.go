package exitcodes

import (
	"errors"
	"fmt"
	"testing"
)

func TestCode(t *testing.T) {
	err := NewErr("password incorrect", PasswordIncorrect)
	if c := Code(err); c != PasswordIncorrect {
		t.Errorf("want %d, have %d", PasswordIncorrect, c)
	}
	wrapped := fmt.Errorf("loading: %w", err)
	if c := Code(wrapped); c != PasswordIncorrect {
		t.Errorf("wrapped: want %d, have %d", PasswordIncorrect, c)
	}
	if c := Code(errors.New("x")); c != Other {
		t.Errorf("plain error: want %d, have %d", Other, c)
	}
}
