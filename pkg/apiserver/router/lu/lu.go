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

package lu

import (
	"context"
	"net/http"

	"github.com/gostor/ietgt/pkg/api"
	"github.com/gostor/ietgt/pkg/apiserver/httputils"
	"github.com/gostor/ietgt/pkg/apiserver/router"
)

type Backend interface {
	LUNs(target string) ([]api.LUNConfig, error)
}

// luRouter reports the logical units behind a target
type luRouter struct {
	backend Backend
	routes  []router.Route
}

func NewRouter(b Backend) router.Router {
	r := &luRouter{backend: b}
	r.routes = []router.Route{
		router.NewGetRoute("/targets/{name}/luns", r.getLUNs),
	}
	return r
}

func (r *luRouter) Routes() []router.Route {
	return r.routes
}

func (r *luRouter) getLUNs(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	luns, err := r.backend.LUNs(vars["name"])
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, luns)
}
