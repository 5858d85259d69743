// Package logging sets up the shared op/go-logging backend every other
// package gets its per-module *logging.Logger from, mirroring the
// teacher's initLogging/newLogger split.
package logging

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/op/go-logging.v1"
)

const logFormat = "%{time:15:04:05.000} %{level:.4s} %{module}: %{message}"

// Backend owns the process-wide log destination and level.
type Backend struct {
	level logging.Level
}

// Init configures the global op/go-logging backend. path is written to
// if non-empty, otherwise logs go to stderr. It must be called exactly
// once, before any component calls GetLogger.
func Init(level string, path string) (*Backend, error) {
	lvl, err := logging.LogLevel(level)
	if err != nil {
		return nil, fmt.Errorf("logging: invalid level %q: %w", level, err)
	}

	var out io.Writer = os.Stderr
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("logging: open log file: %w", err)
		}
		out = f
	}

	backend := logging.NewLogBackend(out, "", 0)
	formatter := logging.MustStringFormatter(logFormat)
	formatted := logging.NewBackendFormatter(backend, formatter)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(lvl, "")
	logging.SetBackend(leveled)

	return &Backend{level: lvl}, nil
}

// GetLogger returns a per-module logger backed by the shared backend.
func (b *Backend) GetLogger(module string) *logging.Logger {
	return logging.MustGetLogger(module)
}
