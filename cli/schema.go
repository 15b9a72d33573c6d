package cli

import (
	"fmt"

	"github.com/grovetools/collab/config"
	"github.com/spf13/cobra"
)

// NewSchemaCommand prints the JSON Schema for collab.yml.
func NewSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema for collab.yml",
		Long:  `Print the JSON Schema describing collab.yml, for editor completion and CI validation.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.GenerateSchema()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(schema))
			return nil
		},
	}
}

// Execute applies styled help to the whole tree and runs root. Errors are
// printed through the ErrorHandler.
func Execute(root *cobra.Command) error {
	ApplyStyledHelpRecursive(root)
	cmd, err := root.ExecuteC()
	if err == nil {
		return nil
	}
	NewErrorHandler(GetOptions(cmd).Verbose, cmd.ErrOrStderr()).Handle(err)
	fmt.Fprintln(cmd.ErrOrStderr(), DefaultTheme.Muted.Render(fmt.Sprintf("Run '%s --help' for usage.", cmd.CommandPath())))
	return err
}
