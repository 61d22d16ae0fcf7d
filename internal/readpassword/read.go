// Package readpassword reads a password from the terminal, from stdin or
// from a passfile.
package readpassword

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/pathkeyfs/pathkeyfs/internal/exitcodes"
	"github.com/pathkeyfs/pathkeyfs/internal/tlog"
)

const (
	// 2kB limit like EncFS
	maxPasswordLen = 2048
)

// Once tries to get a password from the user, either from the terminal,
// the passfile(s) or stdin. Leave "prompt" empty to use the default
// "Password: " prompt.
func Once(passfile []string, prompt string) ([]byte, error) {
	if len(passfile) != 0 {
		return readPassFileConcatenate(passfile)
	}
	if prompt == "" {
		prompt = "Password"
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return readPasswordStdin(prompt)
	}
	return readPasswordTerminal(prompt + ": ")
}

// Twice is the same as Once but will prompt twice if we get the password from
// the terminal.
func Twice(passfile []string) ([]byte, error) {
	if len(passfile) != 0 {
		return readPassFileConcatenate(passfile)
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return readPasswordStdin("Password")
	}
	p1, err := readPasswordTerminal("Password: ")
	if err != nil {
		return nil, err
	}
	p2, err := readPasswordTerminal("Repeat: ")
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(p1, p2) {
		return nil, exitcodes.NewErr("Passwords do not match", exitcodes.ReadPassword)
	}
	// Wipe the second copy
	for i := range p2 {
		p2[i] = 0
	}
	return p1, nil
}

// readPasswordTerminal reads a line from the terminal.
// Fails on read error or empty result.
func readPasswordTerminal(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	fmt.Fprintf(os.Stderr, "%s", prompt)
	// term.ReadPassword removes the trailing newline
	p, err := term.ReadPassword(fd)
	fmt.Fprintf(os.Stderr, "\n")
	if err != nil {
		return nil, exitcodes.NewErr(fmt.Sprintf("Could not read password from terminal: %v", err), exitcodes.ReadPassword)
	}
	if len(p) == 0 {
		return nil, exitcodes.NewErr("Password is empty", exitcodes.PasswordEmpty)
	}
	return p, nil
}

// readPasswordStdin reads a line from stdin.
// Fails on read error or empty result.
func readPasswordStdin(prompt string) ([]byte, error) {
	tlog.Info.Printf("Reading %s from stdin", prompt)
	p, err := readLineUnbuffered(os.Stdin)
	if err != nil {
		return nil, err
	}
	if len(p) == 0 {
		return nil, exitcodes.NewErr(fmt.Sprintf("Got empty %s from stdin", prompt), exitcodes.PasswordEmpty)
	}
	return p, nil
}

// readLineUnbuffered reads single bytes from "r" util it gets "\n" or EOF.
// The returned string does NOT contain the trailing "\n".
func readLineUnbuffered(r io.Reader) (l []byte, err error) {
	b := make([]byte, 1)
	for {
		if len(l) > maxPasswordLen {
			return nil, exitcodes.NewErr(fmt.Sprintf("fatal: maximum password length of %d bytes exceeded", maxPasswordLen), exitcodes.ReadPassword)
		}
		n, err := r.Read(b)
		if err == io.EOF {
			return l, nil
		}
		if err != nil {
			return nil, exitcodes.NewErr(fmt.Sprintf("readLineUnbuffered: %v", err), exitcodes.ReadPassword)
		}
		if n == 0 {
			continue
		}
		if b[0] == '\n' {
			return l, nil
		}
		l = append(l, b...)
	}
}
