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

package target

import (
	"context"
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"github.com/gostor/ietgt/pkg/api"
	"github.com/gostor/ietgt/pkg/apiserver/httputils"
	"github.com/gostor/ietgt/pkg/apiserver/router"
)

// Backend is the target management the router exposes.
type Backend interface {
	Targets() []api.TargetInfo
	CreateTarget(ctx context.Context, req api.TargetCreateRequest) error
	RemoveTarget(ctx context.Context, name string, force bool) error
	DisableTarget(ctx context.Context, name string) error
	Sessions(ctx context.Context, name string) ([]api.SessionInfo, error)
	CloseSession(ctx context.Context, name string, sid uint64) error
}

// targetRouter is a router to talk with the target driver
type targetRouter struct {
	backend Backend
	routes  []router.Route
}

// NewRouter initializes a new target router
func NewRouter(b Backend) router.Router {
	r := &targetRouter{backend: b}
	r.initRoutes()
	return r
}

func (r *targetRouter) Routes() []router.Route {
	return r.routes
}

func (r *targetRouter) initRoutes() {
	r.routes = []router.Route{
		// GET
		router.NewGetRoute("/targets", r.getTargetList),
		router.NewGetRoute("/targets/{name}/sessions", r.getSessionList),
		// POST
		router.NewPostRoute("/targets/create", r.postTargetCreate),
		router.NewPostRoute("/targets/{name}/disable", r.postTargetDisable),
		// DELETE
		router.NewDeleteRoute("/targets/{name}", r.deleteTarget),
		router.NewDeleteRoute("/targets/{name}/sessions/{sid}", r.deleteSession),
	}
}

func (r *targetRouter) getTargetList(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	return httputils.WriteJSON(w, http.StatusOK, r.backend.Targets())
}

func (r *targetRouter) postTargetCreate(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	var create api.TargetCreateRequest
	if err := httputils.ReadJSON(req, &create); err != nil {
		return err
	}
	if err := r.backend.CreateTarget(ctx, create); err != nil {
		return err
	}
	w.WriteHeader(http.StatusCreated)
	return nil
}

func (r *targetRouter) postTargetDisable(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	if err := r.backend.DisableTarget(ctx, vars["name"]); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (r *targetRouter) deleteTarget(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	force := httputils.BoolValue(req, "force")
	if err := r.backend.RemoveTarget(ctx, vars["name"], force); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (r *targetRouter) getSessionList(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	sessions, err := r.backend.Sessions(ctx, vars["name"])
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, sessions)
}

func (r *targetRouter) deleteSession(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	sid, err := strconv.ParseUint(vars["sid"], 0, 64)
	if err != nil {
		return errors.Errorf("bad parameter: session id %q", vars["sid"])
	}
	if err := r.backend.CloseSession(ctx, vars["name"], sid); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
