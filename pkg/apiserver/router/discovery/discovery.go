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

package discovery

import (
	"context"
	"net/http"

	"github.com/gostor/ietgt/pkg/api"
	"github.com/gostor/ietgt/pkg/apiserver/httputils"
	"github.com/gostor/ietgt/pkg/apiserver/router"
)

type Backend interface {
	Portals() []string
	Targets() []api.TargetInfo
}

// discoveryRouter answers with the portals and the targets an initiator
// would find through SendTargets.
type discoveryRouter struct {
	backend Backend
	routes  []router.Route
}

func NewRouter(b Backend) router.Router {
	r := &discoveryRouter{backend: b}
	r.routes = []router.Route{
		router.NewGetRoute("/discovery", r.getDiscovery),
	}
	return r
}

func (r *discoveryRouter) Routes() []router.Route {
	return r.routes
}

func (r *discoveryRouter) getDiscovery(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	info := api.DiscoveryInfo{
		Portals: r.backend.Portals(),
		Targets: []string{},
	}
	for _, t := range r.backend.Targets() {
		// disabled targets are left out of SendTargets
		if !t.Disabled {
			info.Targets = append(info.Targets, t.Name)
		}
	}
	return httputils.WriteJSON(w, http.StatusOK, info)
}
