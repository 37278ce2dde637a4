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

package apiserver

import (
	"net/http"
	"sync/atomic"

	"github.com/gorilla/mux"
)

// routerSwapper serves through whichever mux was installed last, so routes
// and middlewares can change under running listeners.
type routerSwapper struct {
	router atomic.Pointer[mux.Router]
}

func newRouterSwapper(m *mux.Router) *routerSwapper {
	rs := &routerSwapper{}
	rs.router.Store(m)
	return rs
}

func (rs *routerSwapper) Swap(m *mux.Router) {
	rs.router.Store(m)
}

func (rs *routerSwapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rs.router.Load().ServeHTTP(w, r)
}
