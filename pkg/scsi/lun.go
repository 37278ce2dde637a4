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

package scsi

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/gostor/ietgt/pkg/api"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultVendorID  = "GOSTOR"
	DefaultProductID = "IETGT DISK"
	productRevision  = "0001"
)

// LU is a logical unit: a block device backed by one store.
type LU struct {
	LUN        uint64
	StoreType  string
	Path       string
	BlockShift uint
	// Size is the capacity in bytes.
	Size      uint64
	ReadOnly  bool
	VendorID  string
	ProductID string
	Serial    string
	// UUID identifies the LU in the device identification page.
	UUID uuid.UUID

	store BackingStore

	mu      sync.Mutex
	online  bool
	wce     bool
	reserve reservation
}

// NewLU opens the store of cfg. target names the device the LU belongs to
// and seeds the identifiers that are not configured.
func NewLU(target string, cfg api.LUNConfig) (*LU, error) {
	storeType := cfg.Store
	if storeType == "" {
		storeType = "file"
	}
	bs, err := NewBackingStore(storeType)
	if err != nil {
		return nil, err
	}
	if err := bs.Open(cfg.Path, cfg.Size); err != nil {
		return nil, errors.Wrapf(err, "open %s store %q for lun %d", storeType, cfg.Path, cfg.LUN)
	}

	lu := &LU{
		LUN:        cfg.LUN,
		StoreType:  storeType,
		Path:       cfg.Path,
		BlockShift: cfg.BlockShift,
		Size:       bs.Size(),
		ReadOnly:   cfg.ReadOnly,
		VendorID:   cfg.VendorID,
		ProductID:  cfg.ProductID,
		Serial:     cfg.SerialNumber,
		UUID:       uuid.NewV5(uuid.NamespaceOID, fmt.Sprintf("%s:%d", target, cfg.LUN)),
		store:      bs,
		online:     true,
		wce:        true,
	}
	if lu.BlockShift == 0 {
		lu.BlockShift = DefaultBlockShift
	}
	if lu.VendorID == "" {
		lu.VendorID = DefaultVendorID
	}
	if lu.ProductID == "" {
		lu.ProductID = DefaultProductID
	}
	if lu.Serial == "" {
		lu.Serial = hex.EncodeToString(lu.UUID[:8])
	}
	if lu.Size < 1<<lu.BlockShift {
		bs.Close()
		return nil, errors.Errorf("lun %d: store %q holds less than one %d byte block", cfg.LUN, cfg.Path, 1<<lu.BlockShift)
	}
	log.Infof("lun %d: %s store %q, %d blocks of %d bytes", lu.LUN, storeType, cfg.Path, lu.Blocks(), 1<<lu.BlockShift)
	return lu, nil
}

// Blocks returns the capacity in logical blocks.
func (lu *LU) Blocks() uint64 {
	return lu.Size >> lu.BlockShift
}

func (lu *LU) Online() bool {
	lu.mu.Lock()
	defer lu.mu.Unlock()
	return lu.online
}

func (lu *LU) setOnline(online bool) {
	lu.mu.Lock()
	lu.online = online
	lu.mu.Unlock()
}

func (lu *LU) writeCache() bool {
	lu.mu.Lock()
	defer lu.mu.Unlock()
	return lu.wce
}

func (lu *LU) Config() api.LUNConfig {
	return api.LUNConfig{
		LUN:          lu.LUN,
		Store:        lu.StoreType,
		Path:         lu.Path,
		BlockShift:   lu.BlockShift,
		Size:         lu.Size,
		Online:       lu.Online(),
		ReadOnly:     lu.ReadOnly,
		ProductID:    lu.ProductID,
		VendorID:     lu.VendorID,
		SerialNumber: lu.Serial,
	}
}

func (lu *LU) Close() error {
	return lu.store.Close()
}

// checkRange sets the byte range of a media access command and checks it
// against the capacity.
func (lu *LU) checkRange(cmd *Command, lba uint64, tl uint32) error {
	blocks := lu.Blocks()
	if lba > blocks || uint64(tl) > blocks-lba {
		return errors.Wrapf(errLBAOutOfRange, "lba %d + %d beyond %d blocks", lba, tl, blocks)
	}
	cmd.Offset = lba << lu.BlockShift
	cmd.TL = tl << lu.BlockShift
	return nil
}
