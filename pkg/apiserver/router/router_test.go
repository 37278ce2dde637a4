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

package router

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRoutes(t *testing.T) {
	h := func(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
		return nil
	}
	for method, r := range map[string]Route{
		http.MethodGet:    NewGetRoute("/targets", h),
		http.MethodPost:   NewPostRoute("/targets", h),
		http.MethodDelete: NewDeleteRoute("/targets", h),
	} {
		assert.Equal(t, method, r.Method)
		assert.Equal(t, "/targets", r.Path)
		assert.NotNil(t, r.Handler)
	}
}
