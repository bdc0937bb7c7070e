package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "chunkrelay",
		Short: "chunkrelay - chunked upload relay",
		Long: `chunkrelay records chunked file uploads sent as direct messages and,
when a session is stopped, delivers a small program that downloads the
chunks and reassembles the original file.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().String("config", "", "Path to a config file (yaml, json or toml)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newReconstructCmd())
	root.AddCommand(newVersionCmd())

	root.Version = Version
	root.SetVersionTemplate("chunkrelay {{.Version}}\n")
	return root
}
