//go:build ceph
// +build ceph

/*
Copyright 2018 The GoStor Authors All rights reserved.

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

// Package cephstore registers the rbd backing store. It needs librados and
// librbd and is only built with the ceph tag.
package cephstore

import (
	"strings"

	"github.com/ceph/go-ceph/rados"
	"github.com/ceph/go-ceph/rbd"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/gostor/ietgt/pkg/scsi"
)

// path format poolname/imagename
const (
	CephBackingStorage = "rbd"
)

func init() {
	scsi.RegisterBackingStore(CephBackingStorage, newCeph)
}

type CephBackingStore struct {
	scsi.BaseBackingStore
	conn  *rados.Conn
	ioctx *rados.IOContext
	image *rbd.Image
}

func newCeph() (scsi.BackingStore, error) {
	return &CephBackingStore{
		BaseBackingStore: scsi.BaseBackingStore{
			Name: CephBackingStorage,
		},
	}, nil
}

func (bs *CephBackingStore) Open(path string, size uint64) (err error) {
	pathinfo := strings.SplitN(path, "/", 2)
	if len(pathinfo) != 2 || pathinfo[0] == "" || pathinfo[1] == "" {
		return errors.Errorf("invalid rbd path %q, want pool/image", path)
	}
	poolName, imageName := pathinfo[0], pathinfo[1]
	log.Debugf("ceph path = %s", path)

	if bs.conn, err = rados.NewConn(); err != nil {
		return errors.Wrap(err, "rados connection")
	}
	defer func() {
		if err != nil {
			bs.Close()
		}
	}()
	if err = bs.conn.ReadDefaultConfigFile(); err != nil {
		return errors.Wrap(err, "read ceph config")
	}
	if err = bs.conn.Connect(); err != nil {
		return errors.Wrap(err, "connect to ceph")
	}
	if bs.ioctx, err = bs.conn.OpenIOContext(poolName); err != nil {
		return errors.Wrapf(err, "open pool %s", poolName)
	}
	image := rbd.GetImage(bs.ioctx, imageName)
	if image == nil {
		return errors.Errorf("no rbd image %s in pool %s", imageName, poolName)
	}
	if err = image.Open(); err != nil {
		return errors.Wrapf(err, "open rbd image %s", path)
	}
	bs.image = image
	if bs.DataSize, err = bs.image.GetSize(); err != nil {
		return errors.Wrapf(err, "size of rbd image %s", path)
	}
	return nil
}

func (bs *CephBackingStore) Close() error {
	var err error
	if bs.image != nil {
		err = bs.image.Close()
		bs.image = nil
	}
	if bs.ioctx != nil {
		bs.ioctx.Destroy()
		bs.ioctx = nil
	}
	if bs.conn != nil {
		bs.conn.Shutdown()
		bs.conn = nil
	}
	return err
}

func (bs *CephBackingStore) Read(offset, tl int64) ([]byte, error) {
	tmpbuf := make([]byte, tl)
	n, err := bs.image.ReadAt(tmpbuf, offset)
	return tmpbuf[:n], err
}

func (bs *CephBackingStore) Write(wbuf []byte, offset int64) error {
	_, err := bs.image.WriteAt(wbuf, offset)
	return err
}

func (bs *CephBackingStore) DataSync(offset, tl int64) error {
	return bs.image.Flush()
}

func (bs *CephBackingStore) DataAdvise(offset, length int64, advise int) error {
	return nil
}
