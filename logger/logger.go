// Package logger constructs the base zerolog.Logger every core
// component narrows with its own "component" field.
package logger

import (
	"os"

	"github.com/rs/zerolog"
)

// New returns a configured zerolog.Logger. devMode enables debug-level
// console output; otherwise the logger runs at info level.
func New(devMode bool) zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: os.Stderr}
	lvl := zerolog.InfoLevel
	if devMode {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)
	return zerolog.New(out).With().Timestamp().Logger()
}
