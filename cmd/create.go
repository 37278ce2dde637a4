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
	"strings"

	units "github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/gostor/ietgt/pkg/api"
)

func newCreateCommand(cli *apiCli) *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "create",
		Short: "Create a new object",
		Args:  NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(
		newCreateTargetCmd(cli),
	)
	return cmd
}

func newCreateTargetCmd(cli *apiCli) *cobra.Command {
	opts := api.TargetCreateRequest{}
	var luns []string
	var cmd = &cobra.Command{
		Use:   "target",
		Short: "Create a new target in the daemon",
		Long: `Create a new target in the daemon.

Each --lun is STORE:PATH[:SIZE] and gets the next LUN number, starting at 0.
For example: --lun file:/var/lib/ietgt/disk0.img --lun null::1GiB`,
		Args: NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Name == "" {
				return errors.New("--name is required")
			}
			for i, spec := range luns {
				lun, err := parseLUN(uint64(i), spec)
				if err != nil {
					return err
				}
				opts.LUNs = append(opts.LUNs, lun)
			}
			return createTarget(cli, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.Name, "name", "", "Specify target name")
	flags.StringArrayVar(&luns, "lun", nil, "Logical unit as STORE:PATH[:SIZE], repeatable")
	flags.StringSliceVar(&opts.Portals, "portal", nil, "Portals of the target, default all")
	flags.Uint32Var(&opts.Params.QueueDepth, "queue-depth", 0, "Commands queued per session")
	flags.IntVar(&opts.Params.NopInterval, "nop-interval", 0, "Seconds between NOP-In pings, 0 disables them")
	flags.IntVar(&opts.Params.NopTimeout, "nop-timeout", 0, "Seconds to wait for a NOP-Out answer")
	flags.StringToStringVar(&opts.Keys, "key", nil, "Session key override as KEY=VALUE")

	return cmd
}

// parseLUN reads STORE:PATH[:SIZE]. The size is the last field only when it
// parses as one, so paths may hold colons.
func parseLUN(lun uint64, spec string) (api.LUNConfig, error) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 || parts[0] == "" {
		return api.LUNConfig{}, errors.Errorf("bad lun %q, expected STORE:PATH[:SIZE]", spec)
	}
	cfg := api.LUNConfig{LUN: lun, Store: parts[0], Path: parts[1], Online: true}
	if i := strings.LastIndex(cfg.Path, ":"); i >= 0 {
		if size, err := units.RAMInBytes(cfg.Path[i+1:]); err == nil {
			if size <= 0 {
				return api.LUNConfig{}, errors.Errorf("bad lun %q, size must be positive", spec)
			}
			cfg.Size = uint64(size)
			cfg.Path = cfg.Path[:i]
		}
	}
	return cfg, nil
}

func createTarget(cli *apiCli, opts api.TargetCreateRequest) error {
	c, err := cli.Client()
	if err != nil {
		return err
	}
	if err := c.TargetCreate(context.Background(), opts); err != nil {
		return err
	}
	fmt.Printf("Target %s successfully created\n", opts.Name)
	return nil
}
