package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/evpnd/internal/server"
	appversion "github.com/dantte-lp/evpnd/internal/version"
)

func versionCmd() *cobra.Command {
	var remote bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print evpnctl build information",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			fmt.Println(appversion.Full("evpnctl"))
			if !remote {
				return nil
			}
			var v server.VersionView
			if err := call(server.ProcGetVersion, nil, &v); err != nil {
				return fmt.Errorf("get daemon version: %w", err)
			}
			fmt.Printf("evpnd %s\n  commit:  %s\n  built:   %s\n", v.Version, v.GitCommit, v.BuildDate)
			return nil
		},
	}
	cmd.Flags().BoolVar(&remote, "daemon", false, "also print the version of the connected daemon")
	return cmd
}
