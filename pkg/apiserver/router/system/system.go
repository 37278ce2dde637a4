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

package system

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gostor/ietgt/pkg/apiserver/httputils"
	"github.com/gostor/ietgt/pkg/apiserver/router"
	"github.com/gostor/ietgt/pkg/version"
)

type systemRouter struct {
	metrics http.Handler
	routes  []router.Route
}

// NewRouter serves the version and the prometheus metrics of the daemon.
func NewRouter() router.Router {
	r := &systemRouter{metrics: promhttp.Handler()}
	r.routes = []router.Route{
		router.NewGetRoute("/version", r.getVersion),
		router.NewGetRoute("/metrics", r.getMetrics),
	}
	return r
}

func (r *systemRouter) Routes() []router.Route {
	return r.routes
}

func (r *systemRouter) getVersion(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	return httputils.WriteJSON(w, http.StatusOK, version.Get())
}

func (r *systemRouter) getMetrics(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	r.metrics.ServeHTTP(w, req)
	return nil
}
