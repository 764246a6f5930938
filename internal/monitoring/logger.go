package monitoring

import (
	"fmt"
	"log"
	"sync/atomic"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

var debugEnabled atomic.Bool

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// SetDebug toggles Debugf output for every component logger.
func SetDebug(enabled bool) {
	debugEnabled.Store(enabled)
}

// Logger prefixes every line with the component it belongs to, e.g.
// "[gamma] INFO flow: INPUT_READY ...". It always writes through Logf so
// SetLogger redirects component output too.
type Logger struct {
	prefix string
}

// Component returns the logger for a named firmware component.
func Component(name string) Logger {
	return Logger{prefix: "[" + name + "] "}
}

func (l Logger) Infof(format string, v ...interface{}) {
	Logf("%sINFO %s", l.prefix, fmt.Sprintf(format, v...))
}

func (l Logger) Errorf(format string, v ...interface{}) {
	Logf("%sERR %s", l.prefix, fmt.Sprintf(format, v...))
}

// Debugf is dropped unless SetDebug(true) was called.
func (l Logger) Debugf(format string, v ...interface{}) {
	if !debugEnabled.Load() {
		return
	}
	Logf("%sDEBUG %s", l.prefix, fmt.Sprintf(format, v...))
}
