// Package logging points the standard logger at stdout or at a rotating log file.
package logging

import (
	"io"
	"log"
	"os"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"

	"salmontunnel/config"
)

var verbose atomic.Bool

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup configures the standard logger. A nil config or an empty Filename logs to stdout.
// The returned closer flushes and closes the log file, if any.
func Setup(cfg *config.GlobalLogConfig, v bool) io.Closer {
	verbose.Store(v)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if cfg == nil || cfg.Filename == "" {
		log.SetOutput(os.Stdout)
		return nopCloser{}
	}

	lj := &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
	log.SetOutput(lj)
	return lj
}

// Verbose reports whether debug logging is on.
func Verbose() bool { return verbose.Load() }

// SetVerbose toggles debug logging.
func SetVerbose(v bool) { verbose.Store(v) }

// Debugf logs only when verbose logging was requested.
func Debugf(format string, args ...interface{}) {
	if verbose.Load() {
		log.Printf(format, args...)
	}
}
