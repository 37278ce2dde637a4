/*
Copyright 2016 The GoStor Authors All rights reserved.

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

// SCSI primary command processing
package scsi

import (
	"bytes"

	"github.com/gostor/ietgt/pkg/util"
	log "github.com/sirupsen/logrus"
)

/*
 * Protocol Identifier Values
 *
 * 0 Fibre Channel (FCP-2)
 * 1 Parallel SCSI (SPI-5)
 * 2 SSA (SSA-S3P)
 * 3 IEEE 1394 (SBP-3)
 * 4 SCSI Remote Direct Memory Access (SRP)
 * 5 iSCSI
 * 6 SAS Serial SCSI Protocol (SAS)
 * 7 Automation/Drive Interface (ADT)
 * 8 AT Attachment Interface (ATA/ATAPI-7)
 */
const (
	PIV_FCP = iota
	PIV_SPI
	PIV_S3P
	PIV_SBP
	PIV_SRP
	PIV_ISCSI
	PIV_SAS
	PIV_ADT
	PIV_ATA
)

// Code set of a designator
const (
	INQ_CODE_BIN   byte = 1
	INQ_CODE_ASCII byte = 2
	INQ_CODE_UTF8  byte = 3
)

// Association field of a designator
const (
	ASS_LU       byte = 0
	ASS_TGT_PORT byte = 0x10
	ASS_TGT_DEV  byte = 0x20
)

/*
 * Designator type - SPC-4 Reference
 *
 * 0 - Vendor specific - 7.6.3.3
 * 1 - T10 vendor ID - 7.6.3.4
 * 2 - EUI-64 - 7.6.3.5
 * 3 - NAA - 7.6.3.6
 * 4 - Relative Target port identifier - 7.6.3.7
 * 5 - Target Port group - 7.6.3.8
 * 6 - Logical Unit group - 7.6.3.9
 * 7 - MD5 logical unit identifier - 7.6.3.10
 * 8 - SCSI name string - 7.6.3.11
 */
const (
	DESG_VENDOR = iota
	DESG_T10
	DESG_EUI64
	DESG_NAA
	DESG_REL_TGT_PORT
	DESG_TGT_PORT_GRP
	DESG_LU_GRP
	DESG_MD5
	DESG_SCSI
)

// VPD pages
const (
	vpdSupportedPages = 0x00
	vpdSerialNumber   = 0x80
	vpdDeviceID       = 0x83
)

// peripheral returns byte 0 of the inquiry data: qualifier and device
// type, or "not connected" for a LUN without a LU.
func peripheral(cmd *Command) byte {
	if cmd.LU == nil {
		return byte(TYPE_NO_LUN)
	}
	return byte(TYPE_DISK)
}

// padded returns s left aligned in n bytes of spaces.
func padded(s string, n int) []byte {
	b := bytes.Repeat([]byte{' '}, n)
	copy(b, s)
	return b
}

func SPCInquiry(cmd *Command) SAMStat {
	var (
		scb   = cmd.SCB
		evpd  = scb[1]&0x01 != 0
		pcode = scb[2]
		alloc = int(util.GetUnalignedUint16(scb[3:5]))
		data  []byte
	)
	if !evpd {
		if pcode != 0 {
			goto sense
		}
		data = standardInquiry(cmd)
	} else {
		if cmd.LU == nil {
			goto sense
		}
		switch pcode {
		case vpdSupportedPages:
			data = []byte{peripheral(cmd), vpdSupportedPages, 0, 3, vpdSupportedPages, vpdSerialNumber, vpdDeviceID}
		case vpdSerialNumber:
			serial := []byte(cmd.LU.Serial)
			data = append([]byte{peripheral(cmd), vpdSerialNumber, 0, byte(len(serial))}, serial...)
		case vpdDeviceID:
			data = deviceIdentification(cmd)
		default:
			goto sense
		}
	}
	if err := cmd.writeIn(data, alloc); err != nil {
		return checkCondition(cmd, err)
	}
	return SAMStatGood
sense:
	BuildSenseData(cmd, ILLEGAL_REQUEST, ASC_INVALID_FIELD_IN_CDB)
	return SAMStatCheckCondition
}

func standardInquiry(cmd *Command) []byte {
	vendor, product := DefaultVendorID, DefaultProductID
	if cmd.LU != nil {
		vendor, product = cmd.LU.VendorID, cmd.LU.ProductID
	}
	data := make([]byte, 36)
	data[0] = peripheral(cmd)
	// SPC-3
	data[2] = 0x05
	// HiSup, response data format 2
	data[3] = 0x12
	data[4] = byte(len(data) - 5)
	// CmdQue
	data[7] = 0x02
	copy(data[8:16], padded(vendor, 8))
	copy(data[16:32], padded(product, 16))
	copy(data[32:36], padded(productRevision, 4))
	return data
}

func designator(codeSet, assoc byte, desgType int, id []byte) []byte {
	d := []byte{codeSet, assoc | byte(desgType), 0, byte(len(id))}
	return append(d, id...)
}

// deviceIdentification builds VPD page 0x83: an NAA and a T10 vendor
// designator for the LU and the iSCSI name of the target device.
func deviceIdentification(cmd *Command) []byte {
	lu := cmd.LU
	naa := make([]byte, 16)
	copy(naa, lu.UUID[:])
	// NAA 6, locally assigned
	naa[0] = 0x60 | naa[0]&0x0f

	var page []byte
	page = append(page, designator(INQ_CODE_BIN, ASS_LU, DESG_NAA, naa)...)
	t10 := append(padded(lu.VendorID, 8), []byte(lu.Serial)...)
	page = append(page, designator(INQ_CODE_ASCII, ASS_LU, DESG_T10, t10)...)
	if name := cmd.Device.Name; name != "" {
		// null terminated, padded to a multiple of four
		id := make([]byte, util.PadLen(len(name)+1))
		copy(id, name)
		page = append(page, designator(PIV_ISCSI<<4|INQ_CODE_UTF8, 0x80|ASS_TGT_DEV, DESG_SCSI, id)...)
	}

	data := []byte{peripheral(cmd), vpdDeviceID, 0, 0}
	util.PutUnalignedUint16(data[2:4], uint16(len(page)))
	return append(data, page...)
}

func SPCReportLuns(cmd *Command) SAMStat {
	alloc, _ := SCSICDBBufXLength(cmd.SCB)
	if alloc < 16 {
		log.Warnf("report luns with allocation length %d", alloc)
		BuildSenseData(cmd, ILLEGAL_REQUEST, ASC_INVALID_FIELD_IN_CDB)
		return SAMStatCheckCondition
	}
	luns := cmd.Device.luns()
	data := make([]byte, 8, 8+8*len(luns))
	util.PutUnalignedUint32(data[0:4], uint32(8*len(luns)))
	for _, lun := range luns {
		data = append(data, lunBytes(lun)...)
	}
	if err := cmd.writeIn(data, int(alloc)); err != nil {
		return checkCondition(cmd, err)
	}
	return SAMStatGood
}

func SPCTestUnit(cmd *Command) SAMStat {
	if cmd.LU.Online() {
		return SAMStatGood
	}
	BuildSenseData(cmd, errNotReady.Key, errNotReady.ASC)
	return SAMStatCheckCondition
}

// SPCRequestSense reports the current condition of the LU. Sense is not
// kept between commands, so a ready LU reports no sense.
func SPCRequestSense(cmd *Command) SAMStat {
	var (
		desc  = cmd.SCB[1]&0x01 != 0
		alloc = int(cmd.SCB[4])
		data  []byte
	)
	switch {
	case cmd.LU == nil:
		data = senseData(ILLEGAL_REQUEST, ASC_LUN_NOT_SUPPORTED, desc)
	case !cmd.LU.Online():
		data = senseData(errNotReady.Key, errNotReady.ASC, desc)
	default:
		data = senseData(NO_SENSE, NO_ADDITIONAL_SENSE, desc)
	}
	if err := cmd.writeIn(data, alloc); err != nil {
		return checkCondition(cmd, err)
	}
	return SAMStatGood
}

func SPCStartStop(cmd *Command) SAMStat {
	scb := cmd.SCB
	// power conditions are accepted and ignored
	if scb[4]&0xf0 != 0 {
		return SAMStatGood
	}
	start := scb[4]&0x01 != 0
	cmd.LU.setOnline(start)
	log.Infof("lun %d: %s", cmd.LU.LUN, map[bool]string{true: "started", false: "stopped"}[start])
	return SAMStatGood
}

func SPCSendDiagnostics(cmd *Command) SAMStat {
	// we only support SELF-TEST==1
	if cmd.SCB[1]&0x04 == 0 {
		BuildSenseData(cmd, ILLEGAL_REQUEST, ASC_INVALID_FIELD_IN_CDB)
		return SAMStatCheckCondition
	}
	return SAMStatGood
}
