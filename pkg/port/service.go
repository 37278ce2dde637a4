/*
Copyright 2015 The GoStor Authors All rights reserved.

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

package port

import (
	"fmt"
	"sort"
	"sync"
)

type TargetDriverFunc func(DriverOptions) (TargetDriver, error)

var (
	pluginsMu         sync.Mutex
	registeredPlugins = map[string]TargetDriverFunc{}
)

// RegisterTargetDriver makes a driver available by name. Drivers call it
// from init.
func RegisterTargetDriver(name string, f TargetDriverFunc) {
	pluginsMu.Lock()
	defer pluginsMu.Unlock()
	registeredPlugins[name] = f
}

func NewTargetDriver(name string, opts DriverOptions) (TargetDriver, error) {
	pluginsMu.Lock()
	f, ok := registeredPlugins[name]
	pluginsMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("target driver %s is not found", name)
	}
	return f(opts)
}

// TargetDrivers lists the registered driver names.
func TargetDrivers() []string {
	pluginsMu.Lock()
	defer pluginsMu.Unlock()
	names := make([]string, 0, len(registeredPlugins))
	for name := range registeredPlugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
