package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
)

var replacements = map[string]string{
	"BOLD_RED":   "\x1b[31;1m",
	"BOLD_GREEN": "\x1b[32;1m",
	"BOLD_WHITE": "\x1b[37;1m",
	"GREY":       "\x1b[30m",
	"RESET":      "\x1b[0m",
	"RESETLN":    "\x1b[1G\x1b[2K", // Resets back to start of line and clears it.
}

// Printf is a convenience wrapper to Fprintf that always writes to stderr.
func Printf(msg string, args ...interface{}) {
	Fprintf(os.Stderr, msg, args...)
}

// Fprintf implements essentially fmt.Fprintf with replacements of
// some ANSI sequences, e.g. ${BOLD_RED} -> \x1bwhatever.
// The sequences are dropped when stderr isn't a terminal.
func Fprintf(w io.Writer, msg string, args ...interface{}) {
	for k, v := range replacements {
		if !StdErrIsATerminal {
			v = ""
		}
		msg = strings.ReplaceAll(msg, "${"+k+"}", v)
	}
	fmt.Fprintf(w, msg, args...)
}
