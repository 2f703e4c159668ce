// Package monitoring holds the process-wide diagnostic logger used by the
// calibration and reconstruction stages.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Prefixed returns a logger that prepends "[stage] " to every message and
// forwards to the current package logger at call time, so a later SetLogger
// still takes effect.
func Prefixed(stage string) func(format string, v ...interface{}) {
	prefix := "[" + stage + "] "
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}

// Warnf logs a warning for the given stage. Warnings are conditions the caller
// may choose to act on (high reprojection error, pending review) but that do
// not stop the pipeline.
func Warnf(stage, format string, v ...interface{}) {
	Logf("["+stage+"] WARNING: "+format, v...)
}
