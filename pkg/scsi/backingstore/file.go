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

package backingstore

import (
	"io"
	"os"

	"github.com/gostor/ietgt/pkg/scsi"
	"github.com/gostor/ietgt/pkg/util"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	FileBackingStorage = "file"
)

func init() {
	scsi.RegisterBackingStore(FileBackingStorage, newFile)
}

// FileBackingStore keeps the LU in a regular file or a block device node.
type FileBackingStore struct {
	scsi.BaseBackingStore
	file *os.File
}

func newFile() (scsi.BackingStore, error) {
	return &FileBackingStore{
		BaseBackingStore: scsi.BaseBackingStore{
			Name: FileBackingStorage,
		},
	}, nil
}

// Open opens path read-write. A missing file is created sparse when a size
// is configured.
func (bs *FileBackingStore) Open(path string, size uint64) error {
	if path == "" {
		return errors.New("file store needs a path")
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if os.IsNotExist(err) && size > 0 {
		log.Infof("creating %d byte backing file %s", size, path)
		if f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600); err == nil {
			err = f.Truncate(int64(size))
		}
	}
	if err != nil {
		if f != nil {
			f.Close()
		}
		return errors.Wrapf(err, "open %s", path)
	}

	// block devices report their size through seek
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return errors.Wrapf(err, "size of %s", path)
	}
	bs.file = f
	bs.DataSize = uint64(end)
	return nil
}

func (bs *FileBackingStore) Close() error {
	if bs.file == nil {
		return nil
	}
	err := bs.file.Close()
	bs.file = nil
	return err
}

func (bs *FileBackingStore) Read(offset, tl int64) ([]byte, error) {
	if bs.file == nil {
		return nil, errors.New("backing file is not open")
	}
	tmpbuf := make([]byte, tl)
	length, err := bs.file.ReadAt(tmpbuf, offset)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return tmpbuf[:length], err
}

func (bs *FileBackingStore) Write(wbuf []byte, offset int64) error {
	if bs.file == nil {
		return errors.New("backing file is not open")
	}
	length, err := bs.file.WriteAt(wbuf, offset)
	if err != nil {
		return err
	}
	if length != len(wbuf) {
		return errors.Errorf("short write: %d of %d bytes", length, len(wbuf))
	}
	return nil
}

func (bs *FileBackingStore) DataSync(offset, tl int64) error {
	return util.Fdatasync(bs.file)
}

func (bs *FileBackingStore) DataAdvise(offset, length int64, advise int) error {
	return util.Fadvise(bs.file, offset, length, advise)
}
