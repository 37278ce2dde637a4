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

// SCSI block command processing
package scsi

import (
	"github.com/gostor/ietgt/pkg/api"
	"github.com/gostor/ietgt/pkg/util"
)

// Mode pages
const (
	modePageCaching = 0x08
	modePageControl = 0x0a
	modePageAll     = 0x3f
)

type SBCSCSIDeviceProtocol struct {
	Type          SCSIDeviceType
	SCSIDeviceOps [256]SCSIDeviceOperation
}

var sbcProtocol = NewSBCDevice()

func NewSBCDevice() *SBCSCSIDeviceProtocol {
	sbc := &SBCSCSIDeviceProtocol{Type: TYPE_DISK}
	ops := &sbc.SCSIDeviceOps

	ops[api.TEST_UNIT_READY] = NewSCSIDeviceOperation(SPCTestUnit, nil, false)
	ops[api.REQUEST_SENSE] = SCSIDeviceOperation{CommandPerformFunc: SPCRequestSense, NoLU: true}
	ops[api.READ_6] = NewSCSIDeviceOperation(SBCReadWrite, nil, true)
	ops[api.WRITE_6] = NewSCSIDeviceOperation(SBCReadWrite, nil, true)
	ops[api.INQUIRY] = SCSIDeviceOperation{CommandPerformFunc: SPCInquiry, NoLU: true}
	ops[api.RESERVE] = NewSCSIDeviceOperation(SBCReserve, nil, true)
	ops[api.RELEASE] = NewSCSIDeviceOperation(SBCRelease, nil, false)
	ops[api.MODE_SENSE] = NewSCSIDeviceOperation(SBCModeSense, nil, true)
	ops[api.START_STOP] = NewSCSIDeviceOperation(SPCStartStop, nil, true)
	ops[api.SEND_DIAGNOSTIC] = NewSCSIDeviceOperation(SPCSendDiagnostics, nil, true)
	ops[api.READ_CAPACITY] = NewSCSIDeviceOperation(SBCReadCapacity, nil, false)
	ops[api.READ_10] = NewSCSIDeviceOperation(SBCReadWrite, nil, true)
	ops[api.WRITE_10] = NewSCSIDeviceOperation(SBCReadWrite, nil, true)
	ops[api.WRITE_VERIFY] = NewSCSIDeviceOperation(SBCReadWrite, nil, true)
	ops[api.VERIFY_10] = NewSCSIDeviceOperation(SBCReadWrite, nil, true)
	ops[api.SYNCHRONIZE_CACHE] = NewSCSIDeviceOperation(SBCReadWrite, nil, true)
	ops[api.MODE_SENSE_10] = NewSCSIDeviceOperation(SBCModeSense, nil, true)
	ops[api.READ_16] = NewSCSIDeviceOperation(SBCReadWrite, nil, true)
	ops[api.WRITE_16] = NewSCSIDeviceOperation(SBCReadWrite, nil, true)
	ops[api.WRITE_VERIFY_16] = NewSCSIDeviceOperation(SBCReadWrite, nil, true)
	ops[api.VERIFY_16] = NewSCSIDeviceOperation(SBCReadWrite, nil, true)
	ops[api.SYNCHRONIZE_CACHE_16] = NewSCSIDeviceOperation(SBCReadWrite, nil, true)
	ops[api.SERVICE_ACTION_IN] = NewSCSIDeviceOperation(nil, []SCSIServiceAction{
		{ServiceAction: byte(api.SAI_READ_CAPACITY_16), CommandPerformFunc: SBCReadCapacity16},
	}, false)
	ops[api.REPORT_LUNS] = SCSIDeviceOperation{CommandPerformFunc: SPCReportLuns, NoLU: true}
	ops[api.READ_12] = NewSCSIDeviceOperation(SBCReadWrite, nil, true)
	ops[api.WRITE_12] = NewSCSIDeviceOperation(SBCReadWrite, nil, true)
	ops[api.WRITE_VERIFY_12] = NewSCSIDeviceOperation(SBCReadWrite, nil, true)
	ops[api.VERIFY_12] = NewSCSIDeviceOperation(SBCReadWrite, nil, true)

	return sbc
}

// Supported reports whether the device implements opcode.
func (sbc *SBCSCSIDeviceProtocol) Supported(opcode byte) bool {
	op := sbc.SCSIDeviceOps[opcode]
	return op.CommandPerformFunc != nil || len(op.ServiceActions) > 0
}

func isWrite(op api.SCSICommandType) bool {
	switch op {
	case api.WRITE_6, api.WRITE_10, api.WRITE_12, api.WRITE_16,
		api.WRITE_VERIFY, api.WRITE_VERIFY_12, api.WRITE_VERIFY_16:
		return true
	}
	return false
}

// SBCReadWrite serves every command that addresses a range of blocks:
// reads, writes, verifies and cache synchronization.
func SBCReadWrite(cmd *Command) SAMStat {
	var (
		lu     = cmd.LU
		opcode = cmd.opcode()
	)
	if !lu.Online() {
		return checkCondition(cmd, errNotReady)
	}
	if isWrite(opcode) && lu.ReadOnly {
		return checkCondition(cmd, errWriteProtect)
	}

	lba, tl := blockRange(cmd.SCB)
	if err := lu.checkRange(cmd, lba, tl); err != nil {
		return checkCondition(cmd, err)
	}
	// nothing to move, except for a sync of the whole LU
	if tl == 0 && opcode != api.SYNCHRONIZE_CACHE && opcode != api.SYNCHRONIZE_CACHE_16 {
		return SAMStatGood
	}
	if err := bsPerformCommand(lu.store, cmd); err != nil {
		return checkCondition(cmd, err)
	}
	return SAMStatGood
}

func SBCReadCapacity(cmd *Command) SAMStat {
	var (
		lu   = cmd.LU
		data = make([]byte, 8)
		last = lu.Blocks() - 1
	)
	// PMI without a zero LBA
	if cmd.SCB[8]&0x01 == 0 && util.GetUnalignedUint32(cmd.SCB[2:6]) != 0 {
		BuildSenseData(cmd, ILLEGAL_REQUEST, ASC_INVALID_FIELD_IN_CDB)
		return SAMStatCheckCondition
	}
	if last > 0xffffffff {
		last = 0xffffffff
	}
	util.PutUnalignedUint32(data[0:4], uint32(last))
	util.PutUnalignedUint32(data[4:8], 1<<lu.BlockShift)
	if err := cmd.writeIn(data, -1); err != nil {
		return checkCondition(cmd, err)
	}
	return SAMStatGood
}

func SBCReadCapacity16(cmd *Command) SAMStat {
	var (
		lu       = cmd.LU
		data     = make([]byte, 32)
		alloc, _ = SCSICDBBufXLength(cmd.SCB)
	)
	util.PutUnalignedUint64(data[0:8], lu.Blocks()-1)
	util.PutUnalignedUint32(data[8:12], 1<<lu.BlockShift)
	if err := cmd.writeIn(data, int(alloc)); err != nil {
		return checkCondition(cmd, err)
	}
	return SAMStatGood
}

// modePage returns the current values of page pcode, or nil when the page
// is not supported.
func modePage(lu *LU, pcode byte) []byte {
	switch pcode {
	case modePageCaching:
		pg := make([]byte, 20)
		pg[0], pg[1] = modePageCaching, 0x12
		if lu.writeCache() {
			pg[2] |= 0x04
		}
		return pg
	case modePageControl:
		pg := make([]byte, 12)
		pg[0], pg[1] = modePageControl, 0x0a
		// D_SENSE cleared: fixed format sense
		pg[2] = 0x00
		return pg
	}
	return nil
}

// SBCModeSense implements MODE SENSE(6) and MODE SENSE(10).
func SBCModeSense(cmd *Command) SAMStat {
	var (
		scb      = cmd.SCB
		lu       = cmd.LU
		mode6    = api.SCSICommandType(scb[0]) == api.MODE_SENSE
		dbd      = scb[1]&0x08 != 0
		pcode    = scb[2] & 0x3f
		pctrl    = (scb[2] & 0xc0) >> 6
		subpcode = scb[3]
		alloc, _ = SCSICDBBufXLength(scb)
		pages    []byte
		bd       []byte
		data     []byte
		devSpec  byte
	)
	if pctrl == 3 {
		BuildSenseData(cmd, ILLEGAL_REQUEST, ASC_SAVING_PARMS_UNSUP)
		return SAMStatCheckCondition
	}
	if subpcode != 0 && subpcode != 0xff {
		goto sense
	}
	if pcode == modePageAll {
		pages = append(modePage(lu, modePageCaching), modePage(lu, modePageControl)...)
	} else if pages = modePage(lu, pcode); pages == nil {
		goto sense
	}
	// changeable values: nothing can be changed
	if pctrl == 1 {
		for off := 0; off+2 <= len(pages); off += 2 + int(pages[off+1]) {
			for i := off + 2; i < off+2+int(pages[off+1]); i++ {
				pages[i] = 0
			}
		}
	}
	if !dbd {
		bd = make([]byte, 8)
		blocks := lu.Blocks()
		if blocks > 0xffffff {
			blocks = 0xffffff
		}
		bd[1], bd[2], bd[3] = byte(blocks>>16), byte(blocks>>8), byte(blocks)
		size := uint32(1) << lu.BlockShift
		bd[5], bd[6], bd[7] = byte(size>>16), byte(size>>8), byte(size)
	}
	if lu.ReadOnly {
		// WP
		devSpec = 0x80
	}
	if mode6 {
		data = []byte{0, 0, devSpec, byte(len(bd))}
		data = append(append(data, bd...), pages...)
		data[0] = byte(len(data) - 1)
	} else {
		data = []byte{0, 0, 0, devSpec, 0, 0, 0, byte(len(bd))}
		data = append(append(data, bd...), pages...)
		util.PutUnalignedUint16(data[0:2], uint16(len(data)-2))
	}
	if err := cmd.writeIn(data, int(alloc)); err != nil {
		return checkCondition(cmd, err)
	}
	return SAMStatGood
sense:
	BuildSenseData(cmd, ILLEGAL_REQUEST, ASC_INVALID_FIELD_IN_CDB)
	return SAMStatCheckCondition
}
