package cli

import (
	"strings"

	"github.com/spf13/cobra"
)

// EnvPrefix prefixes the environment variables that override flags, e.g.
// TESTCONTENT_SERVER_TYPE for --server-type.
const EnvPrefix = "TESTCONTENT"

const rootCmdLong = `Runs the test playbooks of a content build on XSOAR, XSIAM and XPANSE tenants
and writes the results as text, JSON and JUnit reports.`

// NewTestContentCmd creates the test-content CLI
func NewTestContentCmd(cli CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "testcontent",
		Short: "Run test playbooks on content tenants",
		Long:  rootCmdLong,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			v := cli.GetViper()
			v.SetEnvPrefix(EnvPrefix)
			v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
			v.AutomaticEnv()
			return v.BindPFlags(cmd.PersistentFlags())
		},
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return cli.GetViper().BindPFlags(cmd.Flags())
		},
	}

	cmd.PersistentFlags().Bool("debug", false, "write debug lines to the console")

	AddCommands(cmd, cli)

	return cmd
}
