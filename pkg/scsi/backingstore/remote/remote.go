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

// Package remote lets a program that embeds the target serve a LU from its
// own storage. The program registers a RemoteBackingStore under a name and
// configures a LUN with store "remote" and that name as path.
package remote

import (
	"sync"

	"github.com/gostor/ietgt/pkg/scsi"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const RemoteBackingStorage = "remote"

// RemoteBackingStore is the storage a program exposes to the target.
type RemoteBackingStore interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Sync() (int, error)
}

type registration struct {
	rw   RemoteBackingStore
	size uint64
}

var (
	mu      sync.Mutex
	remotes = map[string]registration{}
)

func init() {
	scsi.RegisterBackingStore(RemoteBackingStorage, NewRemoteBackingStore)
}

// Register makes rw of size bytes available as path name.
func Register(name string, rw RemoteBackingStore, size uint64) {
	mu.Lock()
	defer mu.Unlock()
	remotes[name] = registration{rw: rw, size: size}
}

func Unregister(name string) {
	mu.Lock()
	defer mu.Unlock()
	delete(remotes, name)
}

type RemBackingStore struct {
	scsi.BaseBackingStore
	// Remote backing store, remote server exposing
	// read and write methods.
	RemBs RemoteBackingStore
}

func NewRemoteBackingStore() (scsi.BackingStore, error) {
	return &RemBackingStore{
		BaseBackingStore: scsi.BaseBackingStore{
			Name: RemoteBackingStorage,
		},
	}, nil
}

// Open attaches the store registered as path. A configured size smaller
// than the registered one limits the LU.
func (bs *RemBackingStore) Open(path string, size uint64) error {
	mu.Lock()
	reg, ok := remotes[path]
	mu.Unlock()
	if !ok {
		return errors.Errorf("no remote store registered as %q", path)
	}
	if reg.size == 0 {
		return errors.Errorf("remote store %q has no size", path)
	}
	bs.RemBs = reg.rw
	bs.DataSize = reg.size
	if size > 0 && size < reg.size {
		bs.DataSize = size
	}
	return nil
}

func (bs *RemBackingStore) Close() error {
	bs.RemBs = nil
	return nil
}

func (bs *RemBackingStore) Read(offset, tl int64) ([]byte, error) {
	tmpbuf := make([]byte, tl)
	length, err := bs.RemBs.ReadAt(tmpbuf, offset)
	if err != nil {
		return nil, err
	}
	if length != len(tmpbuf) {
		return nil, errors.Errorf("incomplete read expected:%d actual:%d", tl, length)
	}
	return tmpbuf, nil
}

func (bs *RemBackingStore) Write(wbuf []byte, offset int64) error {
	length, err := bs.RemBs.WriteAt(wbuf, offset)
	if err != nil {
		log.Error(err)
		return err
	}
	if length != len(wbuf) {
		return errors.Errorf("incomplete write expected:%d actual:%d", len(wbuf), length)
	}
	return nil
}

func (bs *RemBackingStore) DataAdvise(offset, length int64, advise int) error {
	return nil
}

func (bs *RemBackingStore) DataSync(offset, length int64) (err error) {
	_, err = bs.RemBs.Sync()
	return
}
