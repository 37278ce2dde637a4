/*
Copyright 2023 The GoStor Authors All rights reserved.

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

package backingstore

import (
	"github.com/dypflying/go-qcow2lib/qcow2"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/gostor/ietgt/pkg/scsi"
)

const (
	Qcow2BackingStorage = "qcow2"
)

func init() {
	scsi.RegisterBackingStore(Qcow2BackingStorage, newQcow2)
}

// qcow2Store serves the LU from a qcow2 image; the capacity is the virtual
// size of the image.
type qcow2Store struct {
	scsi.BaseBackingStore
	child *qcow2.BdrvChild
}

func newQcow2() (scsi.BackingStore, error) {
	return &qcow2Store{
		BaseBackingStore: scsi.BaseBackingStore{
			Name: Qcow2BackingStorage,
		},
	}, nil
}

func (bs *qcow2Store) Open(path string, size uint64) error {
	var err error
	var openOpts = map[string]any{
		qcow2.OPT_FILENAME: path,
		qcow2.OPT_FMT:      "qcow2",
	}
	log.Debugf("open qcow2 path = %s", path)
	if bs.child, err = qcow2.Blk_Open(path, openOpts, qcow2.BDRV_O_RDWR); err != nil {
		return errors.Wrapf(err, "open qcow2 image %s", path)
	}
	if bs.DataSize, err = qcow2.Blk_Getlength(bs.child); err != nil {
		qcow2.Blk_Close(bs.child)
		return errors.Wrapf(err, "size of qcow2 image %s", path)
	}
	return nil
}

func (bs *qcow2Store) Close() error {
	if bs.child != nil {
		qcow2.Blk_Close(bs.child)
		bs.child = nil
	}
	return nil
}

func (bs *qcow2Store) Read(offset, tl int64) ([]byte, error) {
	tmpbuf := make([]byte, tl)
	_, err := qcow2.Blk_Pread(bs.child, uint64(offset), tmpbuf, uint64(tl))
	return tmpbuf, err
}

func (bs *qcow2Store) Write(wbuf []byte, offset int64) error {
	_, err := qcow2.Blk_Pwrite(bs.child, uint64(offset), wbuf, uint64(len(wbuf)), 0)
	return err
}

// DataSync is a no-op: the library writes through to the image file.
func (bs *qcow2Store) DataSync(offset, tl int64) error {
	return nil
}

func (bs *qcow2Store) DataAdvise(offset, length int64, advise int) error {
	return nil
}
