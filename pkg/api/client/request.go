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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// serverResponse is a wrapper for http API responses.
type serverResponse struct {
	body       io.ReadCloser
	header     http.Header
	statusCode int
}

func (cli *Client) get(ctx context.Context, path string, query url.Values) (serverResponse, error) {
	return cli.sendRequest(ctx, http.MethodGet, path, query, nil)
}

func (cli *Client) post(ctx context.Context, path string, query url.Values, obj interface{}) (serverResponse, error) {
	body, err := encodeBody(obj)
	if err != nil {
		return serverResponse{}, err
	}
	return cli.sendRequest(ctx, http.MethodPost, path, query, body)
}

func (cli *Client) delete(ctx context.Context, path string, query url.Values) (serverResponse, error) {
	return cli.sendRequest(ctx, http.MethodDelete, path, query, nil)
}

func encodeBody(obj interface{}) (io.Reader, error) {
	if obj == nil {
		return nil, nil
	}
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(obj); err != nil {
		return nil, err
	}
	return buf, nil
}

func (cli *Client) sendRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (serverResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, cli.getAPIPath(path, query), body)
	if err != nil {
		return serverResponse{}, err
	}
	for k, v := range cli.customHTTPHeaders {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	req.Host = cli.addr
	if cli.proto == "unix" || cli.proto == "npipe" {
		// the socket path is no host name
		req.Host = "ietgt"
	}
	req.URL.Host = req.Host
	req.URL.Scheme = "http"

	resp, err := cli.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return serverResponse{}, ctx.Err()
		}
		return serverResponse{}, errors.Wrapf(err, "cannot connect to the ietgt daemon at %s://%s. Is the daemon running?", cli.proto, cli.addr)
	}

	sr := serverResponse{
		body:       resp.Body,
		header:     resp.Header,
		statusCode: resp.StatusCode,
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil || len(bytes.TrimSpace(msg)) == 0 {
			return sr, errors.Errorf("error response from daemon: %s", http.StatusText(resp.StatusCode))
		}
		return sr, errors.Errorf("error response from daemon: %s", strings.TrimSpace(string(msg)))
	}
	return sr, nil
}

func decodeJSON(resp serverResponse, v interface{}) error {
	defer ensureReaderClosed(resp)
	return errors.Wrap(json.NewDecoder(resp.body).Decode(v), "decode response")
}

func ensureReaderClosed(response serverResponse) {
	if body := response.body; body != nil {
		// Drain up to 512 bytes and close the body to let the Transport reuse the connection
		io.CopyN(io.Discard, body, 512)
		body.Close()
	}
}
