// Package exitcodes contains all well-defined exit codes that pathkeyfs
// can return.
package exitcodes

import (
	"errors"
	"os"
)

const (
	// Usage - usage error like wrong cli syntax, wrong number of parameters.
	Usage = 1
	// 2 is reserved because it is used by Go panic

	// CipherDir means that the CIPHERDIR does not exist, is not empty, or is not
	// a directory.
	CipherDir = 6
	// Init is an error on filesystem init
	Init = 7
	// LoadConf is an error while loading pathkeyfs.conf
	LoadConf = 8
	// ReadPassword means something went wrong reading the password
	ReadPassword = 9
	// MountPoint error means that the mountpoint is invalid (not empty etc).
	MountPoint = 10
	// Other error - please inspect the message
	Other = 11
	// PasswordIncorrect - the password was incorrect when mounting a sealed
	// key store.
	PasswordIncorrect = 12
	// ScryptParams means that scrypt was called with invalid parameters
	ScryptParams = 13
	// KeyStore means the key store could not be loaded or written
	KeyStore = 14
	// SigInt means we got SIGINT
	SigInt = 15
	// FuseNewServer - this exit code means that the call to fs.Mount failed.
	// This usually means that there was a problem executing fusermount, or
	// fusermount could not attach the mountpoint to the kernel.
	FuseNewServer = 19
	// PasswordEmpty - we received an empty password
	PasswordEmpty = 22
	// OpenConf - the was an error opening the pathkeyfs.conf file for reading
	OpenConf = 23
	// WriteConf - could not write the pathkeyfs.conf
	WriteConf = 24
	// FsckErrors - the filesystem check found errors
	FsckErrors = 26
	// DevNull means that /dev/null could not be opened
	DevNull = 27
	// Rekey - re-encrypting a file under a new content key failed
	Rekey = 28
	// Metrics - the metrics listener could not be started
	Metrics = 31
)

// Err wraps an error with an associated numeric exit code
type Err struct {
	error
	code int
}

// NewErr returns an error containing "msg" and the exit code "code".
func NewErr(msg string, code int) Err {
	return Err{
		error: errors.New(msg),
		code:  code,
	}
}

// Code returns the exit code stored in "err", or Other if there is none.
func Code(err error) int {
	var err2 Err
	if !errors.As(err, &err2) {
		return Other
	}
	return err2.code
}

// Exit extracts the numeric exit code from "err" (if available) and exits the
// application.
func Exit(err error) {
	os.Exit(Code(err))
}
