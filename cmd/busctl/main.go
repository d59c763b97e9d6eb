package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func NewBusctlCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "busctl",
		Short:         "Run and talk to a ctxbus hub",
		Example:       "busctl hub --config hub.toml",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(
		newHubCommand(),
		newCallCommand(),
		newServeCommand(),
		newConfigCommand(),
	)

	return cmd
}

func main() {
	cmd := NewBusctlCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "busctl: %v\n", err)
		os.Exit(1)
	}
}
