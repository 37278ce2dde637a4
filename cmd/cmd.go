/*
Copyright 2016 The GoStor Authors All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cmd holds the ietgt command line.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gostor/ietgt/pkg/api/client"
	"github.com/gostor/ietgt/pkg/config"
	"github.com/gostor/ietgt/pkg/version"
)

// hostEnv overrides the default API host of the client commands.
const hostEnv = "IETGT_HOST"

// apiCli connects the client commands to the daemon once the flags are parsed.
type apiCli struct {
	host   string
	client *client.Client
}

func (c *apiCli) Client() (*client.Client, error) {
	if c.client != nil {
		return c.client, nil
	}
	cli, err := client.NewClient(c.host, version.APIVersion, nil, nil)
	if err != nil {
		return nil, err
	}
	c.client = cli
	return cli, nil
}

func defaultHost() string {
	if h := os.Getenv(hostEnv); h != "" {
		return h
	}
	return config.DefaultAPIHost
}

func NewCommand() *cobra.Command {
	cli := &apiCli{}
	var cmd = &cobra.Command{
		Use:           "ietgt",
		Short:         "ietgt is an iSCSI target daemon and its management client",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().StringVarP(&cli.host, "host", "H", defaultHost(), "Daemon API address, PROTO://ADDR")
	cmd.AddCommand(
		newDaemonCommand(),
		newCreateCommand(cli),
		newRemoveCommand(cli),
		newDisableCommand(cli),
		newListCommand(cli),
		newVersionCommand(cli),
	)
	return cmd
}

// NoArgs validate args and returns an error if there are any args
func NoArgs(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return nil
	}

	if cmd.HasSubCommands() {
		return fmt.Errorf("\n" + strings.TrimRight(cmd.UsageString(), "\n"))
	}

	return fmt.Errorf(
		"\"%s\" accepts no argument(s).\n",
		cmd.CommandPath(),
	)
}
