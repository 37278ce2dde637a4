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
	"github.com/gostor/ietgt/pkg/api"
	"github.com/gostor/ietgt/pkg/util"
)

const (
	CBD_GROUPID_0 = iota
	CBD_GROUPID_1
	CBD_GROUPID_2
	CBD_GROUPID_3
	CBD_GROUPID_4
	CBD_GROUPID_5
	CBD_GROUPID_6
	CBD_GROUPID_7
)

func SCSICDBGroupID(opcode byte) byte {
	return ((opcode >> 5) & 0x7)
}

/*
 * Transfer Length (if any)
 * Parameter List Length (if any)
 * Allocation Length (if any)
 */
func SCSICDBBufXLength(scb []byte) (int64, bool) {
	var (
		opcode byte
		length int64
		group  byte
		ok     bool = true
	)
	opcode = scb[0]
	group = SCSICDBGroupID(opcode)

	switch group {
	case CBD_GROUPID_0:
		length = int64(scb[4])
	case CBD_GROUPID_1, CBD_GROUPID_2:
		length = int64(util.GetUnalignedUint16(scb[7:9]))
	case CBD_GROUPID_4:
		length = int64(util.GetUnalignedUint32(scb[10:14]))
	case CBD_GROUPID_5:
		length = int64(util.GetUnalignedUint32(scb[6:10]))
	default:
		ok = false
	}
	return length, ok
}

// blockRange decodes the logical block address and the number of blocks a
// media access command addresses.
func blockRange(scb []byte) (lba uint64, tl uint32) {
	switch SCSICDBGroupID(scb[0]) {
	case CBD_GROUPID_0:
		lba = uint64(scb[1]&0x1f)<<16 | uint64(scb[2])<<8 | uint64(scb[3])
		tl = uint32(scb[4])
		// a zero length READ(6)/WRITE(6) moves 256 blocks
		if tl == 0 && (api.SCSICommandType(scb[0]) == api.READ_6 || api.SCSICommandType(scb[0]) == api.WRITE_6) {
			tl = 256
		}
	case CBD_GROUPID_1, CBD_GROUPID_2:
		lba = uint64(util.GetUnalignedUint32(scb[2:6]))
		tl = uint32(util.GetUnalignedUint16(scb[7:9]))
	case CBD_GROUPID_4:
		lba = util.GetUnalignedUint64(scb[2:10])
		tl = util.GetUnalignedUint32(scb[10:14])
	case CBD_GROUPID_5:
		lba = uint64(util.GetUnalignedUint32(scb[2:6]))
		tl = util.GetUnalignedUint32(scb[6:10])
	}
	return
}

// lunBytes encodes lun in the first level of a SAM LUN structure, with
// peripheral addressing below 256 and flat addressing above.
func lunBytes(lun uint64) []byte {
	b := make([]byte, 8)
	if lun < 256 {
		b[1] = byte(lun)
	} else {
		b[0] = 0x40 | byte(lun>>8)&0x3f
		b[1] = byte(lun)
	}
	return b
}
