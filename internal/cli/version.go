package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/usbflash/tools/internal/version"
)

func versionCmd() *cobra.Command {
	var brief bool
	cmd := &cobra.Command{
		GroupID: "info",
		Use:     "version",
		Short:   "Print usbflash version",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printVersion(cmd.OutOrStdout(), brief)
		},
	}
	cmd.Flags().BoolVarP(&brief, "brief", "", false, "print only the abbreviated revision")
	return cmd
}

func printVersion(stdout io.Writer, brief bool) error {
	if brief {
		fmt.Fprintln(stdout, version.ReadBrief())
		return nil
	}
	info, ok := version.Get()
	if !ok {
		fmt.Fprintln(stdout, version.Read())
		return nil
	}
	fmt.Fprintf(stdout, "%s\nbuilt with %s\n", info.URL(), info.GoVersion)
	return nil
}
