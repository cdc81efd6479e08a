// Package testutil carries small helpers shared by the package tests.
package testutil

import (
	"os"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
)

type testFn func() (bool, error)
type errorFn func(error)

// WaitForResult polls test every 10ms until it succeeds, calling the error
// function with the last error after the retry budget is spent.
func WaitForResult(test testFn, error errorFn) {
	retries := 500

	for retries > 0 {
		time.Sleep(10 * time.Millisecond)
		retries--

		success, err := test()
		if success {
			return
		}

		if retries == 0 {
			error(err)
		}
	}
}

// Logger returns a trace-level logger that writes through the test's log so
// output is attributed to the failing test.
func Logger(t *testing.T) hclog.Logger {
	level := hclog.Trace
	if lv := os.Getenv("TEST_LOG_LEVEL"); lv != "" {
		level = hclog.LevelFromString(lv)
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   t.Name(),
		Level:  level,
		Output: &testWriter{t},
	})
}

type testWriter struct {
	t *testing.T
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))
	return len(p), nil
}
