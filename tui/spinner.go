package tui

import (
	"context"

	"github.com/charmbracelet/huh/spinner"
)

// ShowSpinner displays a spinner while action runs and returns its error.
// Without a terminal the action runs directly.
func ShowSpinner(ctx context.Context, title string, action func() error) error {
	if !HasTTY {
		return action()
	}
	var err error
	if serr := spinner.New().Context(ctx).Title(title).Action(func() {
		err = action()
	}).Run(); serr != nil {
		return serr
	}
	return err
}
