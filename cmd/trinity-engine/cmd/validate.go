package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/trinity-platform/trinity/definition"
)

var validateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Validate a process definition file without publishing it",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	def, err := definition.Parse(data)
	if err != nil {
		var invalid *definition.InvalidDefinitionError
		if errors.As(err, &invalid) {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d issue(s)\n", args[0], len(invalid.Issues))
			for _, issue := range invalid.Issues {
				fmt.Fprintf(cmd.ErrOrStderr(), "  - %s\n", issue)
			}
			return fmt.Errorf("definition %q is invalid", invalid.Name)
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%s@%s, %d steps)\n", args[0], def.Name, def.Version, len(def.Steps))
	return nil
}
