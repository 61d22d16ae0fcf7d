package readpassword

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pathkeyfs/pathkeyfs/internal/exitcodes"
)

func writePassfile(t *testing.T, name string, content string) string {
	t.Helper()
	fn := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(fn, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return fn
}

func TestPassfile(t *testing.T) {
	testcases := []struct {
		file    string
		content string
		want    string
	}{
		{"mypassword.txt", "mypassword\n", "mypassword"},
		{"mypassword_garbage.txt", "mypassword\nTRAILING GARBAGE\n", "mypassword"},
		{"mypassword_missing_newline.txt", "mypassword", "mypassword"},
		{"file with spaces.txt", "mypassword\n", "mypassword"},
	}
	for _, tc := range testcases {
		fn := writePassfile(t, tc.file, tc.content)
		pw, err := readPassFile(fn)
		if err != nil {
			t.Fatal(err)
		}
		if string(pw) != tc.want {
			t.Errorf("Wrong result: want=%q have=%q", tc.want, pw)
		}
		// Calling readPassFileConcatenate with only one element should give the
		// same result
		pw, err = readPassFileConcatenate([]string{fn})
		if err != nil {
			t.Fatal(err)
		}
		if string(pw) != tc.want {
			t.Errorf("Wrong result: want=%q have=%q", tc.want, pw)
		}
	}
}

func TestPassfileConcatenate(t *testing.T) {
	a := writePassfile(t, "a", "abc\n")
	b := writePassfile(t, "b", "def")
	pw, err := Once([]string{a, b}, "")
	if err != nil {
		t.Fatal(err)
	}
	if string(pw) != "abcdef" {
		t.Errorf("have %q", pw)
	}
}

func TestPassfileEmpty(t *testing.T) {
	fn := writePassfile(t, "empty.txt", "\n")
	_, err := readPassFile(fn)
	if exitcodes.Code(err) != exitcodes.PasswordEmpty {
		t.Errorf("want PasswordEmpty, have %v", err)
	}
}

func TestPassfileTooLong(t *testing.T) {
	fn := writePassfile(t, "long.txt", strings.Repeat("x", maxPasswordLen+1))
	if _, err := readPassFile(fn); err == nil {
		t.Error("overlong password accepted")
	}
}

func TestPassfileMissing(t *testing.T) {
	_, err := readPassFile(filepath.Join(t.TempDir(), "nope"))
	if exitcodes.Code(err) != exitcodes.ReadPassword {
		t.Errorf("want ReadPassword, have %v", err)
	}
}
