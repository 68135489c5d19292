package monitoring

import "log"

// Logf is the package-level diagnostic logger used by the analysis pipeline.
// It defaults to log.Printf but may be replaced by SetLogger so that the CLI,
// tests or an embedding application can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Tracef logs a message tagged with a trace key, e.g. "[2nM/trace_01] fitted".
func Tracef(key, format string, v ...interface{}) {
	Logf("["+key+"] "+format, v...)
}
