package readpassword

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/pathkeyfs/pathkeyfs/internal/exitcodes"
	"github.com/pathkeyfs/pathkeyfs/internal/tlog"
)

// readPassFileConcatenate joins the first lines of all "files".
func readPassFileConcatenate(files []string) ([]byte, error) {
	var pw []byte
	for _, fn := range files {
		part, err := readPassFile(fn)
		if err != nil {
			return nil, err
		}
		pw = append(pw, part...)
	}
	return pw, nil
}

// readPassFile returns the first line of "fn" without the newline.
func readPassFile(fn string) ([]byte, error) {
	tlog.Info.Printf("passfile: reading from file %q", fn)
	f, err := os.Open(fn)
	if err != nil {
		return nil, exitcodes.NewErr(fmt.Sprintf("fatal: passfile: %v", err), exitcodes.ReadPassword)
	}
	defer f.Close()
	// One byte more than a maximum line plus newline, to notice overlong lines
	content, err := io.ReadAll(io.LimitReader(f, maxPasswordLen+2))
	if err != nil {
		return nil, exitcodes.NewErr(fmt.Sprintf("fatal: passfile: reading %q: %v", fn, err), exitcodes.ReadPassword)
	}
	line, rest, _ := bytes.Cut(content, []byte("\n"))
	switch {
	case len(line) == 0:
		return nil, exitcodes.NewErr(fmt.Sprintf("fatal: passfile: empty first line in %q", fn), exitcodes.PasswordEmpty)
	case len(line) > maxPasswordLen:
		return nil, exitcodes.NewErr(fmt.Sprintf("fatal: passfile: longer than %d bytes", maxPasswordLen), exitcodes.ReadPassword)
	case len(rest) > 0:
		tlog.Warn.Printf("passfile: ignoring %d bytes after the first line of %q", len(rest), fn)
	}
	return line, nil
}
