// Package cmd holds the collab subcommands.
package cmd

import (
	"github.com/grovetools/collab/cli"
	"github.com/grovetools/collab/version"
	"github.com/spf13/cobra"
)

// NewRootCmd assembles the collab command tree.
func NewRootCmd() *cobra.Command {
	root := cli.NewStandardCommand(
		"collab",
		"Collaborative workflow sync client and development relay",
	)
	cli.SetVersionTemplate(root, version.GetInfo())

	root.AddCommand(NewJoinCmd())
	root.AddCommand(NewRelayCmd())
	root.AddCommand(NewTokenCmd())
	root.AddCommand(cli.NewSchemaCommand())
	root.AddCommand(cli.NewVersionCommand("collab"))
	return root
}
