package cmd

import (
	"fmt"
	"github.com/sazfasqq/jamespy/jamespy"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the jamespy build's version, commit and build time",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		_, _ = fmt.Fprintf(
			cmd.OutOrStdout(),
			"jamespy version=%s commit=%s built=%s\n",
			jamespy.Version,
			jamespy.CommitSHA,
			jamespy.BuildTime,
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(versionCmd)
}
