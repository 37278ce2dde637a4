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

// Package apiserver contains the code that provides a rest.ful API service.
package apiserver

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	systemdActivation "github.com/coreos/go-systemd/activation"
	"github.com/docker/go-connections/sockets"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gostor/ietgt/pkg/apiserver/httputils"
	"github.com/gostor/ietgt/pkg/apiserver/router"
	"github.com/gostor/ietgt/pkg/apiserver/router/discovery"
	"github.com/gostor/ietgt/pkg/apiserver/router/lu"
	"github.com/gostor/ietgt/pkg/apiserver/router/system"
	"github.com/gostor/ietgt/pkg/apiserver/router/target"
	"github.com/gostor/ietgt/pkg/version"
)

// versionMatcher defines a variable matcher to be parsed by the router
// when a request is about to be served.
const versionMatcher = "/v{version:[0-9.]+}"

const (
	// first descriptor passed by systemd socket activation
	listenFdsStart    = 3
	readHeaderTimeout = 10 * time.Second
)

// Config provides the configuration for the API server
type Config struct {
	// Logging logs every request at debug level.
	Logging   bool
	Version   string
	TLSConfig *tls.Config
	Addrs     []Addr
}

// Addr contains string representation of address and its protocol (tcp, unix...).
type Addr struct {
	Proto string
	Addr  string
}

// ParseAddrs splits hosts written as PROTO://ADDR.
func ParseAddrs(hosts []string) ([]Addr, error) {
	var addrs []Addr
	for _, h := range hosts {
		parts := strings.SplitN(h, "://", 2)
		if len(parts) != 2 {
			return nil, errors.Errorf("bad parameter: host %q, expected PROTO://ADDR", h)
		}
		addrs = append(addrs, Addr{Proto: parts[0], Addr: parts[1]})
	}
	return addrs, nil
}

// Backend is everything the routers need from the daemon.
type Backend interface {
	target.Backend
	lu.Backend
	discovery.Backend
}

// Server contains instance details for the server
type Server struct {
	cfg           *Config
	servers       []*HTTPServer
	routers       []router.Router
	routerSwapper *routerSwapper
	logging       atomic.Bool
}

// New returns a new instance of the server based on the specified configuration.
// It allocates resources which will be needed for ServeAPI(ports, unix-sockets).
func New(cfg *Config) (*Server, error) {
	if cfg.Version == "" {
		cfg.Version = version.APIVersion
	}
	s := &Server{
		cfg:           cfg,
		routerSwapper: newRouterSwapper(mux.NewRouter()),
	}
	s.logging.Store(cfg.Logging)
	for _, addr := range cfg.Addrs {
		srv, err := s.newServer(addr.Proto, addr.Addr)
		if err != nil {
			s.Close()
			return nil, err
		}
		log.Infof("Server created for HTTP on %s (%s)", addr.Proto, addr.Addr)
		s.servers = append(s.servers, srv...)
	}
	return s, nil
}

// Close closes servers and thus stop receiving requests
func (s *Server) Close() {
	for _, srv := range s.servers {
		if err := srv.Close(); err != nil {
			log.Error(err)
		}
	}
}

// Addrs are the addresses the servers listen on.
func (s *Server) Addrs() []string {
	var addrs []string
	for _, srv := range s.servers {
		addrs = append(addrs, srv.l.Addr().String())
	}
	return addrs
}

// serveAPI serves every listener until they are closed. The first listener
// that fails closes the others.
func (s *Server) serveAPI() error {
	s.routerSwapper.Swap(s.createMux())

	var g errgroup.Group
	for _, srv := range s.servers {
		srv := srv
		srv.srv.Handler = s.routerSwapper
		g.Go(func() error {
			log.Infof("API listen on %s", srv.l.Addr())
			err := srv.Serve()
			if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.Close()
			return errors.Wrapf(err, "serve %s", srv.l.Addr())
		})
	}
	return g.Wait()
}

// HTTPServer is one listener of the API.
type HTTPServer struct {
	srv *http.Server
	l   net.Listener
}

func (s *HTTPServer) Serve() error {
	return s.srv.Serve(s.l)
}

// Close stops the listener and drops the open API connections.
func (s *HTTPServer) Close() error {
	err := s.srv.Close()
	if lerr := s.l.Close(); lerr != nil && !errors.Is(lerr, net.ErrClosed) && err == nil {
		err = lerr
	}
	return err
}

func (s *Server) initTCPSocket(addr string) (l net.Listener, err error) {
	if s.cfg.TLSConfig == nil || s.cfg.TLSConfig.ClientAuth != tls.RequireAndVerifyClientCert {
		host, _, _ := net.SplitHostPort(addr)
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			log.Warning("/!\\ DON'T BIND ON ANY IP ADDRESS WITHOUT TLS CLIENT VERIFICATION IF YOU DON'T KNOW WHAT YOU'RE DOING /!\\")
		}
	}
	if l, err = sockets.NewTCPSocket(addr, s.cfg.TLSConfig); err != nil {
		return nil, err
	}
	return l, nil
}

func (s *Server) makeHTTPHandler(handler httputils.APIFunc) http.HandlerFunc {
	handlerFunc := s.handleWithGlobalMiddlewares(handler)
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		if vars == nil {
			vars = make(map[string]string)
		}

		if err := handlerFunc(r.Context(), w, r, vars); err != nil {
			log.Errorf("Handler for %s %s returned error: %v", r.Method, r.URL.Path, err)
			httputils.WriteError(w, err)
		}
	}
}

// InitRouters initializes the routers of the server on top of b.
func (s *Server) InitRouters(b Backend) {
	s.addRouter(target.NewRouter(b))
	s.addRouter(lu.NewRouter(b))
	s.addRouter(discovery.NewRouter(b))
	s.addRouter(system.NewRouter())
}

// addRouter adds a new router to the server.
func (s *Server) addRouter(r router.Router) {
	s.routers = append(s.routers, r)
}

// createMux registers every route twice, with and without the version
// prefix.
func (s *Server) createMux() *mux.Router {
	m := mux.NewRouter()
	for _, apiRouter := range s.routers {
		for _, r := range apiRouter.Routes() {
			f := s.makeHTTPHandler(r.Handler)
			log.Debugf("Registering %s, %s", r.Method, r.Path)
			m.Path(versionMatcher + r.Path).Methods(r.Method).Handler(f)
			m.Path(r.Path).Methods(r.Method).Handler(f)
		}
	}
	return m
}

// Wait blocks the server goroutine until it exits.
// It sends an error message if there is any error during
// the API execution.
func (s *Server) Wait(waitChan chan error) {
	if err := s.serveAPI(); err != nil {
		log.Errorf("ServeAPI error: %v", err)
		waitChan <- err
		return
	}
	waitChan <- nil
}

// SetLogging turns request logging on or off for a running server.
func (s *Server) SetLogging(enabled bool) {
	if s.logging.Swap(enabled) != enabled {
		s.routerSwapper.Swap(s.createMux())
	}
}

func (s *Server) handleWithGlobalMiddlewares(handler httputils.APIFunc) httputils.APIFunc {
	next := handler
	if s.logging.Load() {
		next = loggingMiddleware(next)
	}
	return s.versionMiddleware(next)
}

// versionMiddleware rejects clients newer than the server and records the
// requested version in the context.
func (s *Server) versionMiddleware(handler httputils.APIFunc) httputils.APIFunc {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
		apiVersion := vars["version"]
		if apiVersion == "" {
			apiVersion = s.cfg.Version
		}
		if versionLess(s.cfg.Version, apiVersion) {
			return errors.Errorf("bad parameter: client version %s is too new. Maximum supported API version is %s", apiVersion, s.cfg.Version)
		}
		w.Header().Set("Api-Version", s.cfg.Version)
		ctx = context.WithValue(ctx, httputils.APIVersionKey, apiVersion)
		return handler(ctx, w, r, vars)
	}
}

func loggingMiddleware(handler httputils.APIFunc) httputils.APIFunc {
	return func(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
		log.WithFields(log.Fields{
			"method":  r.Method,
			"path":    r.URL.Path,
			"remote":  r.RemoteAddr,
			"version": httputils.VersionFromContext(ctx),
		}).Debug("API request")
		return handler(ctx, w, r, vars)
	}
}

// versionLess compares dotted versions numerically.
func versionLess(a, b string) bool {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var x, y int
		if i < len(as) {
			x, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			y, _ = strconv.Atoi(bs[i])
		}
		if x != y {
			return x < y
		}
	}
	return false
}

// newServer sets up the required HTTPServers and does protocol specific checking.
// newServer does not set any muxers, you should set it later to Handler field
func (s *Server) newServer(proto, addr string) ([]*HTTPServer, error) {
	var (
		err error
		ls  []net.Listener
	)
	switch proto {
	case "fd":
		ls, err = listenFD(addr, s.cfg.TLSConfig)
		if err != nil {
			return nil, err
		}
	case "tcp":
		l, err := s.initTCPSocket(addr)
		if err != nil {
			return nil, err
		}
		ls = append(ls, l)
	case "unix":
		l, err := sockets.NewUnixSocket(addr, os.Getegid())
		if err != nil {
			return nil, errors.Wrapf(err, "can't create unix socket %s", addr)
		}
		ls = append(ls, l)
	default:
		return nil, errors.Errorf("bad parameter: invalid protocol format: %q", proto)
	}
	res := make([]*HTTPServer, 0, len(ls))
	for _, l := range ls {
		res = append(res, &HTTPServer{
			srv: &http.Server{Addr: addr, ReadHeaderTimeout: readHeaderTimeout},
			l:   l,
		})
	}
	return res, nil
}

// listenFD returns the listeners systemd passed in: all of them for "" or
// "*", otherwise the one at the given fd number, closing the rest.
func listenFD(addr string, tlsConfig *tls.Config) ([]net.Listener, error) {
	var (
		listeners []net.Listener
		err       error
	)
	if tlsConfig != nil {
		listeners, err = systemdActivation.TLSListeners(tlsConfig)
	} else {
		listeners, err = systemdActivation.Listeners()
	}
	if err != nil {
		return nil, err
	}
	if len(listeners) == 0 {
		return nil, errors.New("no sockets found via socket activation: make sure the service was started by systemd")
	}
	if addr == "" || addr == "*" {
		return listeners, nil
	}

	fd, err := strconv.Atoi(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "bad parameter: fd address %q", addr)
	}
	idx := fd - listenFdsStart
	if idx < 0 || idx >= len(listeners) || listeners[idx] == nil {
		return nil, errors.Errorf("no socket activated listener at fd %d", fd)
	}
	for i, l := range listeners {
		if i == idx || l == nil {
			continue
		}
		if err := l.Close(); err != nil {
			log.Errorf("Failed to close systemd activated file at fd %d: %v", i+listenFdsStart, err)
		}
	}
	return listeners[idx : idx+1], nil
}
