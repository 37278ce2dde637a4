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

// Package port defines the target drivers that export SCSI devices over a
// transport.
package port

import (
	"context"

	"github.com/gostor/ietgt/pkg/api"
)

// CloseEvent reports a connection that went away for a reason other than
// the deletion of its target.
type CloseEvent struct {
	Target string
	SID    uint64
	CID    uint16
	Reason error
}

// TargetDriver is a transport exporting targets to initiators.
type TargetDriver interface {
	// AddPortal starts accepting connections on addr.
	AddPortal(addr string) error
	Portals() []string
	CreateTarget(req api.TargetCreateRequest, dev api.SCSIDevice) error
	// RemoveTarget closes all connections of the target. Without force a
	// target with sessions is not removed.
	RemoveTarget(ctx context.Context, name string, force bool) error
	// DisableTarget makes the target refuse new commands and asks its
	// initiators to log out.
	DisableTarget(ctx context.Context, name string) error
	Targets() []api.TargetInfo
	Sessions(ctx context.Context, name string) ([]api.SessionInfo, error)
	CloseSession(ctx context.Context, name string, sid uint64) error
	SetCloseNotifier(fn func(CloseEvent))
	Close(ctx context.Context) error
}

// DriverOptions are the driver wide settings.
type DriverOptions struct {
	// MaxConnections bounds the sockets accepted per portal; 0 is no
	// limit.
	MaxConnections int
	// DiscoveryKeys override session keys for discovery sessions.
	DiscoveryKeys map[string]string
}
