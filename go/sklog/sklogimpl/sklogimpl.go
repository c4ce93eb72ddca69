// Package sklogimpl defines the interface for the logging implementation
// used by sklog. Splitting the interface from the facade avoids an import
// cycle when an implementation wants to use sklog itself.
package sklogimpl

import (
	"sync/atomic"
)

// Severity identifies one logging level.
type Severity int

const (
	Debug Severity = iota
	Info
	Warning
	Error
	Fatal
)

// String implements fmt.Stringer.
func (s Severity) String() string {
	switch s {
	case Debug:
		return "Debug"
	case Info:
		return "Info"
	case Warning:
		return "Warning"
	case Error:
		return "Error"
	case Fatal:
		return "Fatal"
	}
	return "Unknown"
}

// Logger is implemented by logging backends.
type Logger interface {
	// Log at the given severity. If format is empty the args are handled
	// as fmt.Sprint, otherwise as fmt.Sprintf. depth is the number of
	// stack frames to skip when reporting the call site.
	Log(depth int, severity Severity, format string, args ...interface{})

	// Flush any buffered log lines.
	Flush()
}

var logger atomic.Value

// SetLogger changes the package to use the given Logger.
func SetLogger(l Logger) {
	logger.Store(l)
}

// Log forwards to the currently installed Logger. A nil installed Logger
// panics; sklog installs a default in an init function.
func Log(depth int, severity Severity, format string, args ...interface{}) {
	logger.Load().(Logger).Log(depth+1, severity, format, args...)
}

// Flush forwards to the currently installed Logger.
func Flush() {
	logger.Load().(Logger).Flush()
}
