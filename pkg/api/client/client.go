// Package client talks to the management API of an ietgt daemon.
package client

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/docker/go-connections/sockets"
	"github.com/pkg/errors"
)

// Client sends API requests to one daemon.
type Client struct {
	proto    string
	addr     string
	basePath string
	client   *http.Client
	// API version put in front of every path, none when empty
	version           string
	customHTTPHeaders map[string]string
}

// NewClient initializes a client for host, PROTO://ADDR[/BASEPATH]. A nil
// http client gets one whose transport dials host.
func NewClient(host string, version string, client *http.Client, httpHeaders map[string]string) (*Client, error) {
	proto, addr, basePath, err := ParseHost(host)
	if err != nil {
		return nil, err
	}

	if client == nil {
		tr := &http.Transport{}
		if err := sockets.ConfigureTransport(tr, proto, addr); err != nil {
			return nil, err
		}
		client = &http.Client{Transport: tr}
	}

	return &Client{
		proto:             proto,
		addr:              addr,
		basePath:          basePath,
		client:            client,
		version:           strings.TrimPrefix(version, "v"),
		customHTTPHeaders: httpHeaders,
	}, nil
}

func (cli *Client) getAPIPath(p string, query url.Values) string {
	prefix := cli.basePath
	if cli.version != "" {
		prefix += "/v" + cli.version
	}
	u := url.URL{Path: prefix + p, RawQuery: query.Encode()}
	return u.String()
}

// ClientVersion returns the API version the client sends.
func (cli *Client) ClientVersion() string {
	return cli.version
}

// ParseHost splits host into protocol, address and base path. Only tcp
// hosts carry a base path.
func ParseHost(host string) (proto, addr, basePath string, err error) {
	u, err := url.Parse(host)
	if err != nil || u.Scheme == "" {
		return "", "", "", errors.Errorf("unable to parse ietgt host `%s`", host)
	}
	switch u.Scheme {
	case "tcp":
		if u.Host == "" {
			return "", "", "", errors.Errorf("no address in ietgt host `%s`", host)
		}
		return u.Scheme, u.Host, strings.TrimSuffix(u.Path, "/"), nil
	case "unix", "npipe":
		return u.Scheme, u.Path, "", nil
	default:
		return "", "", "", errors.Errorf("unsupported protocol %q in ietgt host `%s`", u.Scheme, host)
	}
}
