package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "imaging",
		Short:         "Display lookup tables and image cache tooling",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error); defaults to IMAGING_LOG_LEVEL or info")
	root.AddCommand(newLUTCommand())
	root.AddCommand(newSimulateCommand())
	return root
}
