// Package logging sets up the structured logger shared by every
// engine subsystem, and the startup banner/section helpers the CLI
// prints around it.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New builds the process-wide logger. debug raises the minimum level
// to Debug; otherwise Info and above are emitted. Output is a
// console writer in a terminal and plain JSON lines otherwise, so the
// same binary is pleasant interactively and greppable under a
// supervisor.
func New(w io.Writer, debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	out := w
	if f, ok := w.(*os.File); ok {
		if info, err := f.Stat(); err == nil && info.Mode()&os.ModeCharDevice != 0 {
			out = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
		}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Banner prints the startup banner through the shared writer so it is
// easy to silence in tests.
func Banner(w io.Writer, title, version string) {
	fmt.Fprintf(w, "\n=== %s ===\nversion %s\n\n", title, version)
}

// Section prints a labeled section divider, used to group the
// configuration summary printed at startup.
func Section(w io.Writer, title string) {
	fmt.Fprintf(w, "--- %s ---\n", title)
}
