package logutil

import (
	"log"
	"os"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
)

var jsonMode atomic.Bool

func init() {
	if os.Getenv("NODEPOOL_LOG_JSON") == "1" || os.Getenv("NODEPOOL_LOG_FORMAT") == "json" {
		jsonMode.Store(true)
	}
}

// SetJSON switches loggers created afterwards to JSON output.
func SetJSON(enabled bool) { jsonMode.Store(enabled) }

// New returns a named logger writing to stderr. NODEPOOL_LOG_LEVEL sets the
// level (default info).
func New(name string) hclog.Logger {
	level := hclog.LevelFromString(os.Getenv("NODEPOOL_LOG_LEVEL"))
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       "nodepool." + name,
		Level:      level,
		Output:     os.Stderr,
		JSONFormat: jsonMode.Load(),
	})
}

// Or returns l, or a new logger named name when l is nil.
func Or(l hclog.Logger, name string) hclog.Logger {
	if l != nil {
		return l
	}
	return New(name)
}

// Standard adapts l for libraries that log through *log.Logger.
func Standard(l hclog.Logger) *log.Logger {
	if l == nil {
		l = New("std")
	}
	return l.StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true})
}
