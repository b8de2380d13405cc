// Package memlog is the structured-logging facade used throughout the
// simulator. Components accept a *Logger at construction and never import
// a concrete backend directly, mirroring the teacher's eventloop package
// accepting a package-level Logger interface rather than hard-wiring
// zerolog or any other backend.
package memlog

import (
	"io"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// Logger is the type every component in this module logs through.
type Logger = logiface.Logger[*izerolog.Event]

// New builds a Logger writing JSON lines to w at the given level. A nil w
// defaults to io.Discard, giving a callable-but-silent logger — the same
// "usable without ceremony" default as the teacher's NewNoOpLogger.
func New(w io.Writer, level logiface.Level) *Logger {
	if w == nil {
		w = io.Discard
	}
	zl := zerolog.New(w).With().Timestamp().Logger()
	return izerolog.L.New(
		izerolog.WithZerolog(zl),
		logiface.WithLevel[*izerolog.Event](level),
	)
}

// Discard is a Logger that drops everything, for use as a zero-ceremony
// default when callers don't care about simulator diagnostics.
func Discard() *Logger {
	return New(io.Discard, logiface.LevelInformational)
}
