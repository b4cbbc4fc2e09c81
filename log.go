package milter

import (
	"fmt"
	"log"
)

func logWarning(format string, v ...interface{}) {
	log.Printf(fmt.Sprintf("milter: warning: %s", format), v...)
}

func logInfo(format string, v ...interface{}) {
	log.Printf(fmt.Sprintf("milter: %s", format), v...)
}

func logDebug(format string, v ...interface{}) {
	log.Printf(fmt.Sprintf("milter: debug: %s", format), v...)
}

// LogWarning is called by this library when it wants to output a warning.
// Warnings can happen even when the library user did everything right (because the other end did something wrong)
//
// The default implementation uses [log.Print] to output the warning.
// You can re-assign LogWarning to something more suitable for your application. But do not assign nil to it.
var LogWarning = logWarning

// LogInfo is called for routine, non-warning informational messages (session
// start/stop, negotiated protocol version). Re-assign to wire this library
// into your application's structured logger.
var LogInfo = logInfo

// LogDebug is called for low-level protocol tracing, including the
// tolerated-but-noteworthy deviations the milter protocol permits (e.g. a
// HELO frame missing its NUL terminator). Disabled by default.
var LogDebug = func(format string, v ...interface{}) {}
