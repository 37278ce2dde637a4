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

package httputils

import (
	"context"
	"encoding/json"
	"mime"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/gostor/ietgt/pkg/version"
)

type contextKey string

// APIVersionKey is the client's requested API version.
const APIVersionKey contextKey = "api-version"

// APIFunc is an adapter to allow the use of ordinary functions as API endpoints.
type APIFunc func(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error

// statusKeywords maps error text to status codes, first match wins.
var statusKeywords = []struct {
	keyword string
	status  int
}{
	{"not found", http.StatusNotFound},
	{"no such", http.StatusNotFound},
	{"bad parameter", http.StatusBadRequest},
	{"conflict", http.StatusConflict},
	{"already exists", http.StatusConflict},
	{"has sessions", http.StatusConflict},
	{"driver closed", http.StatusServiceUnavailable},
}

// MatchesContentType validates the content type against the expected one
func MatchesContentType(contentType, expectedType string) bool {
	mimetype, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		log.Errorf("Error parsing media type: %s error: %v", contentType, err)
	}
	return err == nil && mimetype == expectedType
}

// CheckForJSON makes sure that the request's Content-Type is application/json.
func CheckForJSON(r *http.Request) error {
	ct := r.Header.Get("Content-Type")

	// No Content-Type header is ok as long as there's no Body
	if ct == "" && (r.Body == nil || r.ContentLength == 0) {
		return nil
	}
	if MatchesContentType(ct, "application/json") {
		return nil
	}
	return errors.Errorf("bad parameter: Content-Type specified (%s) must be 'application/json'", ct)
}

// ReadJSON decodes the request body into v.
func ReadJSON(r *http.Request, v interface{}) error {
	if err := CheckForJSON(r); err != nil {
		return err
	}
	if r.Body == nil {
		return errors.New("bad parameter: empty body")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Wrap(err, "bad parameter")
	}
	return nil
}

// BoolValue transforms a form value in different formats into a boolean type.
func BoolValue(r *http.Request, k string) bool {
	s := strings.ToLower(strings.TrimSpace(r.FormValue(k)))
	return !(s == "" || s == "0" || s == "no" || s == "false" || s == "none")
}

// StatusCode picks the HTTP status for an error returned by a handler.
func StatusCode(err error) int {
	errStr := strings.ToLower(err.Error())
	for _, k := range statusKeywords {
		if strings.Contains(errStr, k.keyword) {
			return k.status
		}
	}
	return http.StatusInternalServerError
}

// WriteError sends err as the response with a status derived from its text.
func WriteError(w http.ResponseWriter, err error) {
	if err == nil || w == nil {
		log.WithFields(log.Fields{"error": err, "writer": w}).Error("unexpected HTTP error handling")
		return
	}
	http.Error(w, err.Error(), StatusCode(err))
}

// WriteJSON writes the value v to the http response stream as json with standard json encoding.
func WriteJSON(w http.ResponseWriter, code int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(v)
}

// VersionFromContext returns an API version from the context using APIVersionKey.
func VersionFromContext(ctx context.Context) string {
	if ctx == nil {
		return version.APIVersion
	}
	val, ok := ctx.Value(APIVersionKey).(string)
	if !ok || val == "" {
		return version.APIVersion
	}
	return val
}
