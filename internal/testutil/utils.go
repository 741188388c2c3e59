package testutil

import (
	"log"
	"os"
	"strings"
	"testing"
)

type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// TestLogger returns a logger writing through t.Log. Output reverts to
// stderr on cleanup so room goroutines outliving the test cannot log into
// a finished test.
func TestLogger(t testing.TB) *log.Logger {
	logger := log.New(testWriter{t: t}, "[ephemeral-chat] ", log.LstdFlags|log.Lmsgprefix)
	t.Cleanup(func() {
		logger.SetOutput(os.Stderr)
	})
	return logger
}
