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

package client

import (
	"context"
	"net/url"

	"github.com/gostor/ietgt/pkg/api"
)

// TargetList returns the targets the daemon exports.
func (cli *Client) TargetList(ctx context.Context) ([]api.TargetInfo, error) {
	var targets []api.TargetInfo
	resp, err := cli.get(ctx, "/targets", nil)
	if err != nil {
		return nil, err
	}
	err = decodeJSON(resp, &targets)
	return targets, err
}

// TargetCreate creates a target in the SCSI Target.
func (cli *Client) TargetCreate(ctx context.Context, req api.TargetCreateRequest) error {
	resp, err := cli.post(ctx, "/targets/create", nil, req)
	ensureReaderClosed(resp)
	return err
}

// TargetRemove removes a target. Without Force a target with sessions is
// left alone.
func (cli *Client) TargetRemove(ctx context.Context, options api.TargetRemoveOptions) error {
	query := url.Values{}
	if options.Force {
		query.Set("force", "1")
	}
	resp, err := cli.delete(ctx, "/targets/"+url.PathEscape(options.Name), query)
	ensureReaderClosed(resp)
	return err
}

func (cli *Client) TargetDisable(ctx context.Context, name string) error {
	resp, err := cli.post(ctx, "/targets/"+url.PathEscape(name)+"/disable", nil, nil)
	ensureReaderClosed(resp)
	return err
}

func (cli *Client) LUNList(ctx context.Context, target string) ([]api.LUNConfig, error) {
	var luns []api.LUNConfig
	resp, err := cli.get(ctx, "/targets/"+url.PathEscape(target)+"/luns", nil)
	if err != nil {
		return nil, err
	}
	err = decodeJSON(resp, &luns)
	return luns, err
}

func (cli *Client) Discovery(ctx context.Context) (api.DiscoveryInfo, error) {
	var info api.DiscoveryInfo
	resp, err := cli.get(ctx, "/discovery", nil)
	if err != nil {
		return info, err
	}
	err = decodeJSON(resp, &info)
	return info, err
}
