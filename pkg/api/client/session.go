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
	"strconv"

	"github.com/gostor/ietgt/pkg/api"
)

// SessionList returns the sessions logged in to a target.
func (cli *Client) SessionList(ctx context.Context, target string) ([]api.SessionInfo, error) {
	var sessions []api.SessionInfo
	resp, err := cli.get(ctx, "/targets/"+url.PathEscape(target)+"/sessions", nil)
	if err != nil {
		return nil, err
	}
	err = decodeJSON(resp, &sessions)
	return sessions, err
}

// SessionClose drops every connection of a session.
func (cli *Client) SessionClose(ctx context.Context, target string, sid uint64) error {
	path := "/targets/" + url.PathEscape(target) + "/sessions/" + strconv.FormatUint(sid, 10)
	resp, err := cli.delete(ctx, path, nil)
	ensureReaderClosed(resp)
	return err
}
