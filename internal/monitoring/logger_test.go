package monitoring

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func capture(t *testing.T) *[]string {
	t.Helper()
	original := Logf
	t.Cleanup(func() {
		Logf = original
		SetDebug(false)
	})
	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	return &lines
}

func TestSetLogger(t *testing.T) {
	lines := capture(t)

	Logf("hello %d", 1)
	assert.Equal(t, []string{"hello 1"}, *lines)

	// nil installs a no-op logger
	SetLogger(nil)
	assert.NotPanics(t, func() { Logf("dropped") })
	assert.Len(t, *lines, 1)
}

func TestComponentLogger(t *testing.T) {
	lines := capture(t)
	log := Component("gamma")

	log.Infof("flow %s", "INPUT_READY")
	log.Errorf("process failed: %v", "boom")
	log.Debugf("hidden")

	assert.Equal(t, []string{
		"[gamma] INFO flow INPUT_READY",
		"[gamma] ERR process failed: boom",
	}, *lines)
}

func TestComponentLogger_Debug(t *testing.T) {
	lines := capture(t)
	SetDebug(true)

	Component("irq").Debugf("mask=%#x", 0x20)
	assert.Equal(t, []string{"[irq] DEBUG mask=0x20"}, *lines)
}
