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

package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/gostor/ietgt/pkg/api"
)

func newRemoveCommand(cli *apiCli) *cobra.Command {
	var cmd = &cobra.Command{
		Use:     "rm",
		Aliases: []string{"remove"},
		Short:   "Remove an object",
		Args:    NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(
		newRemoveTargetCmd(cli),
		newRemoveSessionCmd(cli),
	)
	return cmd
}

func newRemoveTargetCmd(cli *apiCli) *cobra.Command {
	opts := api.TargetRemoveOptions{}
	var cmd = &cobra.Command{
		Use:   "target NAME",
		Short: "Remove a target from the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Name = args[0]
			return removeTarget(cli, opts)
		},
	}
	flags := cmd.Flags()
	flags.BoolVarP(&opts.Force, "force", "f", false, "Remove the target even with logged in sessions")

	return cmd
}

func newRemoveSessionCmd(cli *apiCli) *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "session TARGET SID",
		Short: "Close every connection of a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sid, err := strconv.ParseUint(args[1], 0, 64)
			if err != nil {
				return errors.Errorf("bad session id %q", args[1])
			}
			c, err := cli.Client()
			if err != nil {
				return err
			}
			if err := c.SessionClose(context.Background(), args[0], sid); err != nil {
				return err
			}
			fmt.Printf("Session %d of %s closed\n", sid, args[0])
			return nil
		},
	}
	return cmd
}

func removeTarget(cli *apiCli, opts api.TargetRemoveOptions) error {
	c, err := cli.Client()
	if err != nil {
		return err
	}
	if err := c.TargetRemove(context.Background(), opts); err != nil {
		return err
	}
	fmt.Printf("Target %s successfully removed\n", opts.Name)
	return nil
}

func newDisableCommand(cli *apiCli) *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "disable TARGET",
		Short: "Detach the device of a target and ask its initiators to log out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cli.Client()
			if err != nil {
				return err
			}
			if err := c.TargetDisable(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("Target %s disabled\n", args[0])
			return nil
		},
	}
	return cmd
}
