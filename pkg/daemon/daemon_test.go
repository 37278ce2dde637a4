/*
Copyright 2017 The GoStor Authors All rights reserved.

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

package daemon

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gostor/ietgt/pkg/api"
	"github.com/gostor/ietgt/pkg/config"
	_ "github.com/gostor/ietgt/pkg/port/iscsit"
	"github.com/gostor/ietgt/pkg/scsi/backingstore"
)

const (
	target1 = "iqn.2017-01.org.gostor:disk1"
	target2 = "iqn.2017-01.org.gostor:disk2"
)

func nullLUNs(n int) []api.LUNConfig {
	luns := make([]api.LUNConfig, n)
	for i := range luns {
		luns[i] = api.LUNConfig{LUN: uint64(i), Store: backingstore.NullBackingStorage, Size: 1 << 20}
	}
	return luns
}

func newDaemon(t *testing.T, persist bool) (*Daemon, *config.Config) {
	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	cfg.Portals = []string{"127.0.0.1:0"}
	cfg.Targets = []config.Target{{Name: target1, LUNs: nullLUNs(1)}}

	d, err := New(cfg, persist)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close(context.Background()) })
	return d, cfg
}

func TestNew(t *testing.T) {
	d, _ := newDaemon(t, false)

	portals := d.Portals()
	require.Len(t, portals, 1)
	conn, err := net.Dial("tcp", portals[0])
	require.NoError(t, err)
	conn.Close()

	targets := d.Targets()
	require.Len(t, targets, 1)
	assert.Equal(t, target1, targets[0].Name)
	assert.False(t, targets[0].Disabled)

	luns, err := d.LUNs(target1)
	require.NoError(t, err)
	require.Len(t, luns, 1)
	assert.Equal(t, uint64(1<<20), luns[0].Size)

	_, err = d.LUNs(target2)
	assert.Error(t, err)
}

func TestNewErrors(t *testing.T) {
	cases := map[string]func(*config.Config){
		"unknown driver": func(c *config.Config) { c.Driver.Name = "fc" },
		"bad portal":     func(c *config.Config) { c.Portals = []string{"256.0.0.1:3260"} },
		"bad store": func(c *config.Config) {
			c.Targets = []config.Target{{Name: target1, LUNs: []api.LUNConfig{{Store: "nope"}}}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Portals = []string{"127.0.0.1:0"}
			mutate(cfg)
			_, err := New(cfg, false)
			assert.Error(t, err)
		})
	}
}

func TestCreateRemove(t *testing.T) {
	d, cfg := newDaemon(t, true)
	ctx := context.Background()

	cases := map[string]struct {
		req     api.TargetCreateRequest
		wantErr string
	}{
		"created": {
			req: api.TargetCreateRequest{Name: target2, LUNs: nullLUNs(2)},
		},
		"duplicate": {
			req:     api.TargetCreateRequest{Name: target1, LUNs: nullLUNs(1)},
			wantErr: "already exists",
		},
		"bad name": {
			req:     api.TargetCreateRequest{Name: "disk", LUNs: nullLUNs(1)},
			wantErr: "bad parameter",
		},
		"no luns": {
			req:     api.TargetCreateRequest{Name: "iqn.2017-01.org.gostor:empty"},
			wantErr: "bad parameter",
		},
	}
	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			err := d.CreateTarget(ctx, tt.req)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
		})
	}
	assert.Len(t, d.Targets(), 2)

	saved, err := config.Load(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, saved.Targets)
	_, ok := cfg.Target(target2)
	assert.True(t, ok)

	require.NoError(t, d.RemoveTarget(ctx, target2, false))
	assert.Len(t, d.Targets(), 1)
	_, ok = cfg.Target(target2)
	assert.False(t, ok)

	err = d.RemoveTarget(ctx, target2, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such target")
}

func TestPersist(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(dir)
	require.NoError(t, err)
	cfg.Portals = []string{"127.0.0.1:0"}

	d, err := New(cfg, true)
	require.NoError(t, err)
	require.NoError(t, d.CreateTarget(context.Background(), api.TargetCreateRequest{Name: target2, LUNs: nullLUNs(1)}))
	require.NoError(t, d.Close(context.Background()))

	reloaded, err := config.Load(dir)
	require.NoError(t, err)
	got, ok := reloaded.Target(target2)
	require.True(t, ok)
	require.Len(t, got.LUNs, 1)
	assert.Equal(t, backingstore.NullBackingStorage, got.LUNs[0].Store)
}

func TestDisable(t *testing.T) {
	d, _ := newDaemon(t, false)
	ctx := context.Background()

	require.NoError(t, d.DisableTarget(ctx, target1))
	targets := d.Targets()
	require.Len(t, targets, 1)
	assert.True(t, targets[0].Disabled)

	assert.Error(t, d.DisableTarget(ctx, target2))

	sessions, err := d.Sessions(ctx, target1)
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.Error(t, d.CloseSession(ctx, target1, 1))
}
