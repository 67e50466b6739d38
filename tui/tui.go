// Package tui renders command output for a terminal. Styling is dropped when
// stdout is not a terminal.
package tui

import (
	"os"

	"github.com/mattn/go-isatty"
)

var (
	HasTTY = isatty.IsTerminal(os.Stdout.Fd())
)
