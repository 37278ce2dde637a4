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
	"io"

	"github.com/gostor/ietgt/pkg/api"
)

// ServerVersion returns information of the daemon the client talks to.
func (cli *Client) ServerVersion(ctx context.Context) (api.Version, error) {
	var v api.Version
	resp, err := cli.get(ctx, "/version", nil)
	if err != nil {
		return v, err
	}
	err = decodeJSON(resp, &v)
	return v, err
}

// Metrics returns the prometheus text exposition of the daemon.
func (cli *Client) Metrics(ctx context.Context) (string, error) {
	resp, err := cli.get(ctx, "/metrics", nil)
	if err != nil {
		return "", err
	}
	defer ensureReaderClosed(resp)
	data, err := io.ReadAll(resp.body)
	return string(data), err
}
