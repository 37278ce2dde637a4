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

// Package router groups the routes of the management API.
package router

import (
	"net/http"

	"github.com/gostor/ietgt/pkg/apiserver/httputils"
)

// Router is a group of routes served on top of one backend.
type Router interface {
	Routes() []Route
}

// Route binds a handler to a method and a path relative to /v{version}.
type Route struct {
	Method  string
	Path    string
	Handler httputils.APIFunc
}

func NewGetRoute(path string, handler httputils.APIFunc) Route {
	return Route{Method: http.MethodGet, Path: path, Handler: handler}
}

func NewPostRoute(path string, handler httputils.APIFunc) Route {
	return Route{Method: http.MethodPost, Path: path, Handler: handler}
}

func NewDeleteRoute(path string, handler httputils.APIFunc) Route {
	return Route{Method: http.MethodDelete, Path: path, Handler: handler}
}
