package compiler

import (
	ethlog "github.com/ethereum/go-ethereum/log"
)

// translationLogger carries the method context through one translation.
// Trace output is emitted only when the compilation asked for debug logs.
type translationLogger struct {
	log   ethlog.Logger
	debug bool
}

func newTranslationLogger(method string, cfg Config) translationLogger {
	return translationLogger{log: ethlog.New("method", method), debug: cfg.DebugLogs}
}

// Trace emits per-block detail only if debug logging is enabled.
func (l translationLogger) Trace(msg string, ctx ...interface{}) {
	if l.debug {
		l.log.Trace(msg, ctx...)
	}
}

// Debug emits translation summaries.
func (l translationLogger) Debug(msg string, ctx ...interface{}) {
	l.log.Debug(msg, ctx...)
}

// Warn reports bail-outs.
func (l translationLogger) Warn(msg string, ctx ...interface{}) {
	l.log.Warn(msg, ctx...)
}

// Dump prints a module listing when the compilation asked for it.
func (l translationLogger) Dump(text string) {
	l.log.Info("IR dump\n" + text)
}
