package polodb

import (
	"log"
	"sync/atomic"
)

// debugLogging is the one piece of global, process-wide state PoloDB-Go
// carries (spec §9): a single on/off switch for the VM/codegen debug trace,
// gated the same way the teacher gates its own log.Println calls — through
// the standard library log package, never a custom logger interface.
var debugLogging atomic.Bool

// EnableLogging turns on debug tracing of compiled programs and VM
// execution. Off by default; intended for development, not production use.
func EnableLogging(enabled bool) {
	debugLogging.Store(enabled)
}

// debugf logs via the standard log package when debug tracing is enabled.
func debugf(format string, args ...any) {
	if debugLogging.Load() {
		log.Printf(format, args...)
	}
}
