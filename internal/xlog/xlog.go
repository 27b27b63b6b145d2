// Package xlog is the logging façade shared by every component of the
// engine. It wraps the standard library logger with the teacher's
// bracketed-level convention ([INFO]/[FAIL]/[ERROR]) so components log
// through one place instead of calling the global log functions
// directly.
package xlog

import (
	"io"
	"log"
	"os"
)

// Logger tags every line with a component name and a level bracket.
type Logger struct {
	component string
	l         *log.Logger
}

// New returns a Logger that writes to os.Stderr, tagged with component.
func New(component string) *Logger {
	return &Logger{
		component: component,
		l:         log.New(os.Stderr, "", log.LstdFlags),
	}
}

// NewWithWriter is like New but writes to w (used by tests to capture
// output).
func NewWithWriter(component string, w io.Writer) *Logger {
	return &Logger{
		component: component,
		l:         log.New(w, "", log.LstdFlags),
	}
}

func (lg *Logger) Infof(format string, args ...any) {
	lg.l.Printf("[INFO]\t"+lg.prefix()+format, args...)
}

func (lg *Logger) Failf(format string, args ...any) {
	lg.l.Printf("[FAIL]\t"+lg.prefix()+format, args...)
}

func (lg *Logger) Errorf(format string, args ...any) {
	lg.l.Printf("[ERROR]\t"+lg.prefix()+format, args...)
}

func (lg *Logger) prefix() string {
	if lg.component == "" {
		return ""
	}
	return lg.component + ": "
}
