package cli

import (
	"github.com/spf13/cobra"
)

// AddCommands adds the version and run commands to the cobra object
func AddCommands(cmd *cobra.Command, cli CLI) {
	cmd.AddCommand(NewVersionCmd(cli))
	cmd.AddCommand(NewRunCmd(cli))
}
