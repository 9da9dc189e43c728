// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package testlog creates a hclog.Logger backed by testing.T to ease
// logging in tests.
package testlog

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
	testing "github.com/mitchellh/go-testing-interface"
)

// LogLevel returns the level for logs in tests, set with the
// VC_ISSUER_TEST_LOG_LEVEL environment variable.
func LogLevel() string {
	if testLogLevel := os.Getenv("VC_ISSUER_TEST_LOG_LEVEL"); testLogLevel != "" {
		return testLogLevel
	}
	return "WARN"
}

// Writer implements io.Writer on top of a testing.T.
type Writer struct {
	t testing.T
}

// Write to the underlying test log. Never returns an error.
func (w *Writer) Write(p []byte) (n int, err error) {
	w.t.Helper()
	w.t.Logf(string(p))
	return len(p), nil
}

// NewWriter creates a new io.Writer backed by a testing.T.
func NewWriter(t testing.T) io.Writer {
	return &Writer{t}
}

// HCLogger returns a new test logger with the Name set to the name of the
// current test.
func HCLogger(t testing.T) hclog.InterceptLogger {
	opts := &hclog.LoggerOptions{
		Level:           hclog.LevelFromString(LogLevel()),
		Output:          NewWriter(t),
		IncludeLocation: true,
		Name:            t.Name(),
	}
	return hclog.NewInterceptLogger(opts)
}
