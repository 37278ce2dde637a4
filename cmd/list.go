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
	"io"
	"os"
	"strings"
	"text/tabwriter"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/gostor/ietgt/pkg/api"
)

func newListCommand(cli *apiCli) *cobra.Command {
	var cmd = &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List object(s)",
		Args:    NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(
		newListTargetCmd(cli),
		newListLuCmd(cli),
		newListSessionCmd(cli),
		newListPortalCmd(cli),
	)
	return cmd
}

func newListTargetCmd(cli *apiCli) *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "target",
		Short: "List the targets of the daemon",
		Args:  NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cli.Client()
			if err != nil {
				return err
			}
			targets, err := c.TargetList(context.Background())
			if err != nil {
				return err
			}
			printTargets(os.Stdout, targets)
			return nil
		},
	}
	return cmd
}

func newListLuCmd(cli *apiCli) *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "lu TARGET",
		Short: "List the logical units of a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cli.Client()
			if err != nil {
				return err
			}
			luns, err := c.LUNList(context.Background(), args[0])
			if err != nil {
				return err
			}
			printLUNs(os.Stdout, luns)
			return nil
		},
	}
	return cmd
}

func newListSessionCmd(cli *apiCli) *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "session TARGET",
		Short: "List the sessions logged in to a target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cli.Client()
			if err != nil {
				return err
			}
			sessions, err := c.SessionList(context.Background(), args[0])
			if err != nil {
				return err
			}
			printSessions(os.Stdout, sessions)
			return nil
		},
	}
	return cmd
}

func newListPortalCmd(cli *apiCli) *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "portal",
		Short: "List the portals and the targets discovery reports",
		Args:  NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cli.Client()
			if err != nil {
				return err
			}
			info, err := c.Discovery(context.Background())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 20, 1, 3, ' ', 0)
			fmt.Fprintln(w, "PORTAL\tTARGETS")
			for _, p := range info.Portals {
				fmt.Fprintf(w, "%s\t%s\n", p, strings.Join(info.Targets, ","))
			}
			return w.Flush()
		},
	}
	return cmd
}

func printTargets(out io.Writer, targets []api.TargetInfo) {
	w := tabwriter.NewWriter(out, 20, 1, 3, ' ', 0)
	fmt.Fprintln(w, "TARGET NAME\tTID\tSTATE\tLUNS\tSESSIONS")
	for _, tgt := range targets {
		state := "ready"
		if tgt.Disabled {
			state = "disabled"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%d\n", tgt.Name, tgt.TID, state, len(tgt.LUNs), tgt.Sessions)
	}
	w.Flush()
}

func printLUNs(out io.Writer, luns []api.LUNConfig) {
	w := tabwriter.NewWriter(out, 8, 1, 3, ' ', 0)
	fmt.Fprintln(w, "LUN\tSTORE\tPATH\tSIZE\tBLOCK\tMODE")
	for _, lu := range luns {
		mode := "rw"
		if lu.ReadOnly {
			mode = "ro"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n", lu.LUN, lu.Store, lu.Path,
			units.BytesSize(float64(lu.Size)), uint64(1)<<lu.BlockShift, mode)
	}
	w.Flush()
}

func printSessions(out io.Writer, sessions []api.SessionInfo) {
	w := tabwriter.NewWriter(out, 8, 1, 3, ' ', 0)
	fmt.Fprintln(w, "SID\tINITIATOR\tTSIH\tCONNECTIONS\tREMOTE")
	for _, s := range sessions {
		var remotes []string
		for _, c := range s.Connections {
			remotes = append(remotes, c.Remote)
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\n", s.SID, s.Initiator, s.TSIH, len(s.Connections), strings.Join(remotes, ","))
	}
	w.Flush()
}
