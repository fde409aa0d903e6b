// Package logging provides the plain stderr logger used across the
// client runtime and relay.
package logging

import (
	"fmt"
	"os"
)

// Logger tags every line with a component name, "[pipeline] message".
type Logger struct {
	component string
}

// New returns a Logger tagged with component.
func New(component string) *Logger {
	return &Logger{component: component}
}

func (l *Logger) Printf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "["+l.component+"] "+format+"\n", args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "["+l.component+"] warning: "+format+"\n", args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "["+l.component+"] error: "+format+"\n", args...)
}
