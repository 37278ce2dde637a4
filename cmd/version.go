package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gostor/ietgt/pkg/api"
	"github.com/gostor/ietgt/pkg/version"
)

func newVersionCommand(cli *apiCli) *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version of ietgt and of the daemon",
		Args:  NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			v := version.Get()
			fmt.Printf("Client: ietgt %s (API %s, %s)\n", v.Version, v.APIVersion, v.GoVersion)

			sv, err := serverVersion(cli)
			if err != nil {
				fmt.Printf("Server: %v\n", err)
				return
			}
			fmt.Printf("Server: ietgt %s (API %s, %s)\n", sv.Version, sv.APIVersion, sv.GoVersion)
		},
	}
	return cmd
}

func serverVersion(cli *apiCli) (api.Version, error) {
	c, err := cli.Client()
	if err != nil {
		return api.Version{}, err
	}
	return c.ServerVersion(context.Background())
}
