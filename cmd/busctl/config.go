package main

import (
	"fmt"

	"github.com/danmuck/ctxbus/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCommand() *cobra.Command {
	var out string
	var force bool

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write a hub config template",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.WriteTemplate(out, "hub", force); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
			return err
		},
	}

	cmd.Flags().StringVarP(&out, "output", "o", "hub.toml", "Output path")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")

	return cmd
}
