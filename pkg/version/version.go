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


package version

import (
	"runtime"

	"github.com/gostor/ietgt/pkg/api"
)

// Set at link time with -ldflags "-X".
var (
	VERSION   = "0.2.0"
	GitCommit = ""
)

// APIVersion is the version of the management API.
const APIVersion = "1.0"

func Get() api.Version {
	return api.Version{
		Version:    VERSION,
		APIVersion: APIVersion,
		GitCommit:  GitCommit,
		GoVersion:  runtime.Version(),
	}
}
