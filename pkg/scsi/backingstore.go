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

package scsi

import (
	"bytes"
	"io"
	"sort"
	"sync"

	"github.com/gostor/ietgt/pkg/api"
	"github.com/gostor/ietgt/pkg/util"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// BackingStore holds the data of one logical unit.
type BackingStore interface {
	// Open attaches the store to path. size is the configured capacity in
	// bytes; stores that know their own size may ignore it.
	Open(path string, size uint64) error
	Close() error
	Size() uint64
	Read(offset, tl int64) ([]byte, error)
	Write(wbuf []byte, offset int64) error
	DataSync(offset, tl int64) error
	DataAdvise(offset, length int64, advise int) error
}

type BaseBackingStore struct {
	Name     string
	DataSize uint64
}

func (bs *BaseBackingStore) Size() uint64 {
	return bs.DataSize
}

type BackingStoreFunc func() (BackingStore, error)

var (
	bsMu                sync.RWMutex
	registeredBSPlugins = map[string]BackingStoreFunc{}
)

func RegisterBackingStore(name string, f BackingStoreFunc) {
	bsMu.Lock()
	defer bsMu.Unlock()
	registeredBSPlugins[name] = f
}

func NewBackingStore(name string) (BackingStore, error) {
	bsMu.RLock()
	f, ok := registeredBSPlugins[name]
	bsMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("backing store %q is not registered", name)
	}
	return f()
}

// BackingStores lists the registered store types.
func BackingStores() []string {
	bsMu.RLock()
	defer bsMu.RUnlock()
	names := make([]string, 0, len(registeredBSPlugins))
	for name := range registeredBSPlugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// bsPerformCommand moves the data of a media access command between the
// request buffers and the store of the LU. cmd.Offset and cmd.TL are
// already checked against the capacity.
func bsPerformCommand(bs BackingStore, cmd *Command) error {
	var (
		scb    = cmd.SCB
		opcode = cmd.opcode()
		lu     = cmd.LU
		offset = int64(cmd.Offset)
		tl     = int64(cmd.TL)
		err    error
		se     SenseError
		rbuf   []byte
		wbuf   []byte
	)

	switch opcode {
	case api.SYNCHRONIZE_CACHE, api.SYNCHRONIZE_CACHE_16:
		if tl == 0 {
			tl = int64(lu.Size) - offset
		}
		if err = bs.DataSync(offset, tl); err != nil {
			se = errWriteFailure
			goto sense
		}
	case api.WRITE_VERIFY, api.WRITE_VERIFY_12, api.WRITE_VERIFY_16,
		api.WRITE_6, api.WRITE_10, api.WRITE_12, api.WRITE_16:
		if wbuf, err = cmd.readOut(int(tl)); err != nil {
			se = errInternalFailure
			goto sense
		}
		if err = bs.Write(wbuf, offset); err != nil {
			se = errWriteFailure
			goto sense
		}
		log.Debugf("write data at %#x for length %d", offset, len(wbuf))
		// FUA, or no write cache
		if (opcode != api.WRITE_6 && scb[1]&0x08 != 0) || !lu.writeCache() {
			if err = bs.DataSync(offset, int64(len(wbuf))); err != nil {
				se = errWriteFailure
				goto sense
			}
		}
		if opcode != api.WRITE_6 && scb[1]&0x10 != 0 {
			bs.DataAdvise(offset, int64(len(wbuf)), util.POSIX_FADV_NOREUSE)
		}
		if opcode == api.WRITE_VERIFY || opcode == api.WRITE_VERIFY_12 || opcode == api.WRITE_VERIFY_16 {
			if err = bsVerify(bs, offset, wbuf); err != nil {
				se = errors.Cause(err).(SenseError)
				goto sense
			}
		}
	case api.READ_6, api.READ_10, api.READ_12, api.READ_16:
		rbuf, err = bs.Read(offset, tl)
		if err != nil && err != io.EOF {
			se = errReadFailure
			goto sense
		}
		// stores may return less than asked near the end of their data
		if int64(len(rbuf)) < tl {
			rbuf = append(rbuf, make([]byte, tl-int64(len(rbuf)))...)
		}
		if opcode != api.READ_6 && scb[1]&0x10 != 0 {
			bs.DataAdvise(offset, tl, util.POSIX_FADV_NOREUSE)
		}
		if err = cmd.writeIn(rbuf, -1); err != nil {
			se = errInternalFailure
			goto sense
		}
	case api.VERIFY_10, api.VERIFY_12, api.VERIFY_16:
		// BYTCHK compares the data sent with the command
		if scb[1]&0x02 != 0 {
			if wbuf, err = cmd.readOut(int(tl)); err != nil {
				se = errInternalFailure
				goto sense
			}
			if len(wbuf) != int(tl) {
				err = errors.Errorf("verify of %d bytes with %d bytes of data", tl, len(wbuf))
				se = errInvalidField
				goto sense
			}
			if err = bsVerify(bs, offset, wbuf); err != nil {
				se = errors.Cause(err).(SenseError)
				goto sense
			}
		} else if _, err = bs.Read(offset, tl); err != nil && err != io.EOF {
			se = errReadFailure
			goto sense
		}
	default:
		return errors.Errorf("opcode %#x has no data for the store", byte(opcode))
	}
	return nil
sense:
	log.Errorf("opcode %#x on lun %d: %v", byte(opcode), lu.LUN, err)
	return errors.Wrap(se, err.Error())
}

func bsVerify(bs BackingStore, offset int64, wbuf []byte) error {
	rbuf, err := bs.Read(offset, int64(len(wbuf)))
	if err != nil && err != io.EOF {
		return errors.Wrap(errReadFailure, err.Error())
	}
	if len(rbuf) < len(wbuf) {
		rbuf = append(rbuf, make([]byte, len(wbuf)-len(rbuf))...)
	}
	if !bytes.Equal(wbuf, rbuf) {
		return errors.Wrapf(SenseError{MISCOMPARE, ASC_MISCOMPARE_DURING_VERIFY_OPERATION},
			"verify of %d bytes at %#x", len(wbuf), offset)
	}
	return nil
}
