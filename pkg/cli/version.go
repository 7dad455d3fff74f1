package cli

import (
	"fmt"

	"github.com/replicatedhq/testcontent/pkg/version"
	"github.com/spf13/cobra"
)

func NewVersionCmd(cli CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the current version and exit",
		Long:  `Print the current version and exit`,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return cli.GetViper().BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cli.GetViper().GetBool("short") {
				fmt.Fprintln(cmd.OutOrStdout(), version.Get().Version)
				return nil
			}
			version.Fprint(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().Bool("short", false, "print only the version")
	return cmd
}
