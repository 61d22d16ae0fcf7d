// Package tlog provides the four program loggers (Debug, Info, Warn, Fatal).
// Each can be switched on and off, colored, and redirected to syslog.
package tlog

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/syslog"
	"os"
	"strings"

	"golang.org/x/term"
)

const (
	// ProgramName is used in log reports and as the syslog tag.
	ProgramName = "pathkeyfs"
	wpanicMsg   = "-wpanic turns this warning into a panic: "
)

// Terminal color escapes. Empty unless stdout is a terminal.
var (
	ColorReset  string
	ColorGrey   string
	ColorRed    string
	ColorGreen  string
	ColorYellow string
)

var (
	// Debug is off unless "-d" is passed.
	Debug *toggledLogger
	// Info can be silenced with "-q".
	Info *toggledLogger
	// Warn panics after logging when "-wpanic" is passed.
	Warn *toggledLogger
	// Fatal is used right before exiting with an error.
	Fatal *toggledLogger
)

// JSONDump renders "obj" as indented JSON, or returns the marshal error.
func JSONDump(obj any) string {
	b, err := json.MarshalIndent(obj, "", "\t")
	if err != nil {
		return err.Error()
	}
	return string(b)
}

type toggledLogger struct {
	Enabled bool
	// Wpanic makes every message panic after it has been logged
	Wpanic bool
	Logger *log.Logger
	// color escapes around each message
	prefix, postfix string
}

func trimNewline(msg string) string {
	return strings.TrimSuffix(msg, "\n")
}

func (l *toggledLogger) emit(msg string) {
	msg = trimNewline(msg)
	l.Logger.Println(l.prefix + msg + l.postfix)
	if l.Wpanic {
		l.Logger.Panic(wpanicMsg + msg)
	}
}

func (l *toggledLogger) Printf(format string, v ...any) {
	if l.Enabled {
		l.emit(fmt.Sprintf(format, v...))
	}
}

func (l *toggledLogger) Println(v ...any) {
	if l.Enabled {
		l.emit(fmt.Sprint(v...))
	}
}

// SetOutput redirects the logger to "w".
func (l *toggledLogger) SetOutput(w io.Writer) {
	l.Logger.SetOutput(w)
}

// SwitchToSyslog sends this logger's output to syslog with priority "p"
// (facility | severity) and drops the colors.
func (l *toggledLogger) SwitchToSyslog(p syslog.Priority) {
	w, err := syslog.New(p, ProgramName)
	if err != nil {
		Warn.Printf("SwitchToSyslog: %v", err)
		return
	}
	l.SetOutput(w)
	l.prefix, l.postfix = "", ""
}

// SwitchLoggerToSyslog sends the standard library logger, which go-fuse
// writes to, to syslog.
func SwitchLoggerToSyslog() {
	w, err := syslog.New(syslog.LOG_USER|syslog.LOG_WARNING, ProgramName)
	if err != nil {
		Warn.Printf("SwitchLoggerToSyslog: %v", err)
		return
	}
	log.SetPrefix("go-fuse: ")
	// syslog adds its own timestamp
	log.SetFlags(0)
	log.SetOutput(w)
}

func newLogger(w io.Writer, enabled bool) *toggledLogger {
	return &toggledLogger{Enabled: enabled, Logger: log.New(w, "", 0)}
}

func init() {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		ColorReset = "\033[0m"
		ColorGrey = "\033[2m"
		ColorRed = "\033[31m"
		ColorGreen = "\033[32m"
		ColorYellow = "\033[33m"
	}
	Debug = newLogger(os.Stdout, false)
	Info = newLogger(os.Stdout, true)
	Warn = newLogger(os.Stderr, true)
	Fatal = newLogger(os.Stderr, true)
	Fatal.prefix, Fatal.postfix = ColorRed, ColorReset
}
