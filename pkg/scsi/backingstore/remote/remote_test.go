/*
Copyright 2016 openebs authors All rights reserved.

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

package remote

import (
	"sync"
	"testing"

	"github.com/gostor/ietgt/pkg/scsi"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type volume struct {
	mu    sync.Mutex
	data  []byte
	syncs int
	fail  bool
}

func (v *volume) ReadAt(p []byte, off int64) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.fail {
		return 0, errors.New("replica unreachable")
	}
	return copy(p, v.data[off:]), nil
}

func (v *volume) WriteAt(p []byte, off int64) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.fail {
		return 0, errors.New("replica unreachable")
	}
	return copy(v.data[off:], p), nil
}

func (v *volume) Sync() (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.syncs++
	return 0, nil
}

func TestOpen(t *testing.T) {
	v := &volume{data: make([]byte, 8192)}
	Register("vol", v, 8192)
	Register("empty", v, 0)
	defer Unregister("vol")
	defer Unregister("empty")

	cases := map[string]struct {
		path string
		size uint64
		want uint64
		err  bool
	}{
		"registered size":  {path: "vol", want: 8192},
		"smaller size":     {path: "vol", size: 4096, want: 4096},
		"larger size":      {path: "vol", size: 1 << 20, want: 8192},
		"not registered":   {path: "other", err: true},
		"registered empty": {path: "empty", err: true},
	}
	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			bs, err := scsi.NewBackingStore(RemoteBackingStorage)
			require.NoError(t, err)
			err = bs.Open(tt.path, tt.size)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, bs.Size())
		})
	}
}

func TestReadWrite(t *testing.T) {
	v := &volume{data: make([]byte, 4096)}
	Register("rw", v, 4096)
	defer Unregister("rw")

	bs, err := scsi.NewBackingStore(RemoteBackingStorage)
	require.NoError(t, err)
	require.NoError(t, bs.Open("rw", 0))

	require.NoError(t, bs.Write([]byte{1, 2, 3, 4}, 1024))
	got, err := bs.Read(1024, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)
	require.NoError(t, bs.DataSync(0, 4096))
	assert.Equal(t, 1, v.syncs)

	// short transfers are errors
	_, err = bs.Read(4094, 4)
	assert.Error(t, err)
	assert.Error(t, bs.Write([]byte{1, 2, 3, 4}, 4094))

	v.fail = true
	_, err = bs.Read(0, 512)
	assert.Error(t, err)
	assert.Error(t, bs.Write(make([]byte, 512), 0))
	require.NoError(t, bs.Close())
}
