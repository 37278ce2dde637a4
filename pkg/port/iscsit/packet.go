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

// Package iscsit implements an iSCSI target port: the PDU format as
// specified in rfc7143 section 11, login, and the full feature phase
// protocol engine.
package iscsit

import (
	"bytes"
	"fmt"

	"github.com/gostor/ietgt/pkg/util"
	"github.com/lunixbochs/struc"
)

type OpCode int

const (
	// Defined on the initiator.
	OpNoopOut     OpCode = 0x00
	OpSCSICmd     OpCode = 0x01
	OpSCSITaskReq OpCode = 0x02
	OpLoginReq    OpCode = 0x03
	OpTextReq     OpCode = 0x04
	OpSCSIOut     OpCode = 0x05
	OpLogoutReq   OpCode = 0x06
	OpSNACKReq    OpCode = 0x10
	// Defined on the target.
	OpNoopIn       OpCode = 0x20
	OpSCSIResp     OpCode = 0x21
	OpSCSITaskResp OpCode = 0x22
	OpLoginResp    OpCode = 0x23
	OpTextResp     OpCode = 0x24
	OpSCSIIn       OpCode = 0x25
	OpLogoutResp   OpCode = 0x26
	OpReady        OpCode = 0x31
	OpAsync        OpCode = 0x32
	OpReject       OpCode = 0x3f
)

var opCodeMap = map[OpCode]string{
	OpNoopOut:      "NOP-Out",
	OpSCSICmd:      "SCSI Command",
	OpSCSITaskReq:  "SCSI Task Management FunctionRequest",
	OpLoginReq:     "Login Request",
	OpTextReq:      "Text Request",
	OpSCSIOut:      "SCSI Data-Out (write)",
	OpLogoutReq:    "Logout Request",
	OpSNACKReq:     "SNACK Request",
	OpNoopIn:       "NOP-In",
	OpSCSIResp:     "SCSI Response",
	OpSCSITaskResp: "SCSI Task Management Function Response",
	OpLoginResp:    "Login Response",
	OpTextResp:     "Text Response",
	OpSCSIIn:       "SCSI Data-In (read)",
	OpLogoutResp:   "Logout Response",
	OpReady:        "Ready To Transfer (R2T)",
	OpAsync:        "Asynchronous Message",
	OpReject:       "Reject",
}

func (c OpCode) String() string {
	s := opCodeMap[c]
	if s == "" {
		s = fmt.Sprintf("Unknown Code: %x", int(c))
	}
	return s
}

const (
	BHSLen    = 48
	digestLen = 4

	// reservedTag is the "no task" value of ITT and TTT.
	reservedTag uint32 = 0xffffffff
)

// Header flag bits.
const (
	flagImmediate = 0x40 // byte 0
	flagFinal     = 0x80

	flagCmdRead     = 0x40
	flagCmdWrite    = 0x20
	flagCmdAttrMask = 0x07

	flagStatus        = 0x01 // Data-In carries status
	flagUnderflow     = 0x02
	flagOverflow      = 0x04
	flagBiUnderflow   = 0x08
	flagBiOverflow    = 0x10
	flagDataInAck     = 0x40
	flagLogoutReasonM = 0x7f
	flagTMFFuncMask   = 0x7f
)

// Command task attributes.
const (
	attrUntagged    = 0
	attrSimple      = 1
	attrOrdered     = 2
	attrHeadOfQueue = 3
	attrACA         = 4
)

// Reject reason codes, rfc7143 11.17.1.
type rejectReason uint8

const (
	reasonNone                rejectReason = 0x00
	reasonDataDigestError     rejectReason = 0x02
	reasonSNACKReject         rejectReason = 0x03
	reasonProtocolError       rejectReason = 0x04
	reasonCommandNotSupported rejectReason = 0x05
	reasonImmediateCmdReject  rejectReason = 0x06
	reasonTaskInProgress      rejectReason = 0x07
	reasonInvalidDataAck      rejectReason = 0x08
	reasonInvalidPDUField     rejectReason = 0x09
	reasonOutOfResources      rejectReason = 0x0a
	reasonWaitingForLogout    rejectReason = 0x0c
)

func (r rejectReason) Error() string {
	switch r {
	case reasonProtocolError:
		return "protocol error"
	case reasonCommandNotSupported:
		return "command not supported"
	case reasonTaskInProgress:
		return "task in progress"
	case reasonInvalidPDUField:
		return "invalid pdu field"
	}
	return fmt.Sprintf("reject reason %#x", uint8(r))
}

// Task management functions and responses, rfc7143 11.5 and 11.6.
const (
	tmfAbortTask       = 1
	tmfAbortTaskSet    = 2
	tmfClearACA        = 3
	tmfClearTaskSet    = 4
	tmfLUReset         = 5
	tmfTargetWarmReset = 6
	tmfTargetColdReset = 7
	tmfTaskReassign    = 8
)

const (
	tmfRspComplete      = 0
	tmfRspNoTask        = 1
	tmfRspNoLUN         = 2
	tmfRspTaskAllegiant = 3
	tmfRspNoFailover    = 4
	tmfRspNotSupported  = 5
	tmfRspAuthFailed    = 6
	tmfRspRejected      = 255
)

const (
	scsiRspCompleted     = 0x00
	scsiRspTargetFailure = 0x01
)

const (
	logoutCloseSession    = 0
	logoutCloseConnection = 1
	logoutRemoveRecovery  = 2

	logoutRspSuccess             = 0
	logoutRspCIDNotFound         = 1
	logoutRspRecoveryUnsupported = 2
)

const asyncLogoutRequest = 1

// ahsBidiReadLength is the AHS type carrying the expected read length of a
// bidirectional command.
const ahsBidiReadLength = 2

// header is a raw Basic Header Segment. Fields common to every opcode are
// read through the accessors, the rest through the struc layouts below.
type header [BHSLen]byte

func (h *header) opcode() OpCode {
	return OpCode(h[0] & 0x3f)
}

func (h *header) setOpcode(op OpCode) {
	h[0] = (h[0] & flagImmediate) | byte(op)
}

func (h *header) immediate() bool {
	return h[0]&flagImmediate != 0
}

func (h *header) flags() byte {
	return h[1]
}

func (h *header) final() bool {
	return h[1]&flagFinal != 0
}

// ahsLength returns the additional header length in bytes.
func (h *header) ahsLength() int {
	return int(h[4]) * 4
}

func (h *header) dataLength() int {
	return int(h[5])<<16 | int(h[6])<<8 | int(h[7])
}

func (h *header) setDataLength(n int) {
	h[5] = byte(n >> 16)
	h[6] = byte(n >> 8)
	h[7] = byte(n)
}

func (h *header) lun() []byte {
	return h[8:16]
}

func (h *header) itt() uint32 {
	return util.GetUnalignedUint32(h[16:20])
}

func (h *header) ttt() uint32 {
	return util.GetUnalignedUint32(h[20:24])
}

func (h *header) cmdSN() uint32 {
	return util.GetUnalignedUint32(h[24:28])
}

func (h *header) expStatSN() uint32 {
	return util.GetUnalignedUint32(h[28:32])
}

// setSN stamps the target sequence numbers carried by every response at the
// same offsets.
func (h *header) setSN(statSN, expCmdSN, maxCmdSN uint32) {
	util.PutUnalignedUint32(h[24:28], statSN)
	util.PutUnalignedUint32(h[28:32], expCmdSN)
	util.PutUnalignedUint32(h[32:36], maxCmdSN)
}

func (h *header) statSN() uint32 {
	return util.GetUnalignedUint32(h[24:28])
}

func (h *header) String() string {
	return fmt.Sprintf("%v itt %#x ttt %#x flags %#x ahs %d data %d",
		h.opcode(), h.itt(), h.ttt(), h.flags(), h.ahsLength(), h.dataLength())
}

// translateLUN decodes the first level of a SAM LUN structure.
func translateLUN(lun []byte) uint64 {
	switch lun[0] >> 6 {
	case 0:
		return uint64(lun[1])
	case 1:
		return uint64(lun[0]&0x3f)<<8 | uint64(lun[1])
	}
	return ^uint64(0)
}

// encodeLUN is the inverse of translateLUN for the flat and peripheral
// addressing methods.
func encodeLUN(lun uint64) [8]uint8 {
	var out [8]uint8
	if lun < 256 {
		out[1] = uint8(lun)
	} else {
		out[0] = 0x40 | uint8(lun>>8)&0x3f
		out[1] = uint8(lun)
	}
	return out
}

// Wire layouts. Every layout is exactly BHSLen bytes; struc packs big endian.

type scsiCmdHdr struct {
	Opcode         uint8     `struc:"uint8"`
	Flags          uint8     `struc:"uint8"`
	Rsvd1          [2]uint8  `struc:"[2]uint8"`
	AHSLength      uint8     `struc:"uint8"`
	DataLength     [3]uint8  `struc:"[3]uint8"`
	LUN            [8]uint8  `struc:"[8]uint8"`
	ITT            uint32    `struc:"uint32"`
	ExpectedLength uint32    `struc:"uint32"`
	CmdSN          uint32    `struc:"uint32"`
	ExpStatSN      uint32    `struc:"uint32"`
	CDB            [16]uint8 `struc:"[16]uint8"`
}

type dataOutHdr struct {
	Opcode       uint8    `struc:"uint8"`
	Flags        uint8    `struc:"uint8"`
	Rsvd1        [2]uint8 `struc:"[2]uint8"`
	AHSLength    uint8    `struc:"uint8"`
	DataLength   [3]uint8 `struc:"[3]uint8"`
	LUN          [8]uint8 `struc:"[8]uint8"`
	ITT          uint32   `struc:"uint32"`
	TTT          uint32   `struc:"uint32"`
	Rsvd2        uint32   `struc:"uint32"`
	ExpStatSN    uint32   `struc:"uint32"`
	Rsvd3        uint32   `struc:"uint32"`
	DataSN       uint32   `struc:"uint32"`
	BufferOffset uint32   `struc:"uint32"`
	Rsvd4        uint32   `struc:"uint32"`
}

type tmfReqHdr struct {
	Opcode     uint8    `struc:"uint8"`
	Function   uint8    `struc:"uint8"`
	Rsvd1      [2]uint8 `struc:"[2]uint8"`
	AHSLength  uint8    `struc:"uint8"`
	DataLength [3]uint8 `struc:"[3]uint8"`
	LUN        [8]uint8 `struc:"[8]uint8"`
	ITT        uint32   `struc:"uint32"`
	RefTaskTag uint32   `struc:"uint32"`
	CmdSN      uint32   `struc:"uint32"`
	ExpStatSN  uint32   `struc:"uint32"`
	RefCmdSN   uint32   `struc:"uint32"`
	ExpDataSN  uint32   `struc:"uint32"`
	Rsvd2      [8]uint8 `struc:"[8]uint8"`
}

type nopHdr struct {
	Opcode     uint8     `struc:"uint8"`
	Flags      uint8     `struc:"uint8"`
	Rsvd1      [2]uint8  `struc:"[2]uint8"`
	AHSLength  uint8     `struc:"uint8"`
	DataLength [3]uint8  `struc:"[3]uint8"`
	LUN        [8]uint8  `struc:"[8]uint8"`
	ITT        uint32    `struc:"uint32"`
	TTT        uint32    `struc:"uint32"`
	SN         uint32    `struc:"uint32"` // CmdSN out, StatSN in
	ExpSN      uint32    `struc:"uint32"` // ExpStatSN out, ExpCmdSN in
	MaxCmdSN   uint32    `struc:"uint32"`
	Rsvd2      [12]uint8 `struc:"[12]uint8"`
}

type logoutReqHdr struct {
	Opcode     uint8     `struc:"uint8"`
	Reason     uint8     `struc:"uint8"`
	Rsvd1      [2]uint8  `struc:"[2]uint8"`
	AHSLength  uint8     `struc:"uint8"`
	DataLength [3]uint8  `struc:"[3]uint8"`
	Rsvd2      [8]uint8  `struc:"[8]uint8"`
	ITT        uint32    `struc:"uint32"`
	CID        uint16    `struc:"uint16"`
	Rsvd3      uint16    `struc:"uint16"`
	CmdSN      uint32    `struc:"uint32"`
	ExpStatSN  uint32    `struc:"uint32"`
	Rsvd4      [16]uint8 `struc:"[16]uint8"`
}

type scsiRspHdr struct {
	Opcode     uint8    `struc:"uint8"`
	Flags      uint8    `struc:"uint8"`
	Response   uint8    `struc:"uint8"`
	Status     uint8    `struc:"uint8"`
	AHSLength  uint8    `struc:"uint8"`
	DataLength [3]uint8 `struc:"[3]uint8"`
	Rsvd1      [8]uint8 `struc:"[8]uint8"`
	ITT        uint32   `struc:"uint32"`
	SNACKTag   uint32   `struc:"uint32"`
	StatSN     uint32   `struc:"uint32"`
	ExpCmdSN   uint32   `struc:"uint32"`
	MaxCmdSN   uint32   `struc:"uint32"`
	ExpDataSN  uint32   `struc:"uint32"`
	BiResidual uint32   `struc:"uint32"`
	Residual   uint32   `struc:"uint32"`
}

type dataInHdr struct {
	Opcode       uint8    `struc:"uint8"`
	Flags        uint8    `struc:"uint8"`
	Rsvd1        uint8    `struc:"uint8"`
	Status       uint8    `struc:"uint8"`
	AHSLength    uint8    `struc:"uint8"`
	DataLength   [3]uint8 `struc:"[3]uint8"`
	LUN          [8]uint8 `struc:"[8]uint8"`
	ITT          uint32   `struc:"uint32"`
	TTT          uint32   `struc:"uint32"`
	StatSN       uint32   `struc:"uint32"`
	ExpCmdSN     uint32   `struc:"uint32"`
	MaxCmdSN     uint32   `struc:"uint32"`
	DataSN       uint32   `struc:"uint32"`
	BufferOffset uint32   `struc:"uint32"`
	Residual     uint32   `struc:"uint32"`
}

type r2tHdr struct {
	Opcode        uint8    `struc:"uint8"`
	Flags         uint8    `struc:"uint8"`
	Rsvd1         [2]uint8 `struc:"[2]uint8"`
	AHSLength     uint8    `struc:"uint8"`
	DataLength    [3]uint8 `struc:"[3]uint8"`
	LUN           [8]uint8 `struc:"[8]uint8"`
	ITT           uint32   `struc:"uint32"`
	TTT           uint32   `struc:"uint32"`
	StatSN        uint32   `struc:"uint32"`
	ExpCmdSN      uint32   `struc:"uint32"`
	MaxCmdSN      uint32   `struc:"uint32"`
	R2TSN         uint32   `struc:"uint32"`
	BufferOffset  uint32   `struc:"uint32"`
	DesiredLength uint32   `struc:"uint32"`
}

type tmfRspHdr struct {
	Opcode     uint8     `struc:"uint8"`
	Flags      uint8     `struc:"uint8"`
	Response   uint8     `struc:"uint8"`
	Rsvd1      uint8     `struc:"uint8"`
	AHSLength  uint8     `struc:"uint8"`
	DataLength [3]uint8  `struc:"[3]uint8"`
	Rsvd2      [8]uint8  `struc:"[8]uint8"`
	ITT        uint32    `struc:"uint32"`
	Rsvd3      uint32    `struc:"uint32"`
	StatSN     uint32    `struc:"uint32"`
	ExpCmdSN   uint32    `struc:"uint32"`
	MaxCmdSN   uint32    `struc:"uint32"`
	Rsvd4      [12]uint8 `struc:"[12]uint8"`
}

type logoutRspHdr struct {
	Opcode      uint8    `struc:"uint8"`
	Flags       uint8    `struc:"uint8"`
	Response    uint8    `struc:"uint8"`
	Rsvd1       uint8    `struc:"uint8"`
	AHSLength   uint8    `struc:"uint8"`
	DataLength  [3]uint8 `struc:"[3]uint8"`
	Rsvd2       [8]uint8 `struc:"[8]uint8"`
	ITT         uint32   `struc:"uint32"`
	Rsvd3       uint32   `struc:"uint32"`
	StatSN      uint32   `struc:"uint32"`
	ExpCmdSN    uint32   `struc:"uint32"`
	MaxCmdSN    uint32   `struc:"uint32"`
	Rsvd4       uint32   `struc:"uint32"`
	Time2Wait   uint16   `struc:"uint16"`
	Time2Retain uint16   `struc:"uint16"`
	Rsvd5       uint32   `struc:"uint32"`
}

type rejectHdr struct {
	Opcode     uint8    `struc:"uint8"`
	Flags      uint8    `struc:"uint8"`
	Reason     uint8    `struc:"uint8"`
	Rsvd1      uint8    `struc:"uint8"`
	AHSLength  uint8    `struc:"uint8"`
	DataLength [3]uint8 `struc:"[3]uint8"`
	Rsvd2      [8]uint8 `struc:"[8]uint8"`
	Tag        uint32   `struc:"uint32"`
	Rsvd3      uint32   `struc:"uint32"`
	StatSN     uint32   `struc:"uint32"`
	ExpCmdSN   uint32   `struc:"uint32"`
	MaxCmdSN   uint32   `struc:"uint32"`
	DataSN     uint32   `struc:"uint32"`
	Rsvd4      [8]uint8 `struc:"[8]uint8"`
}

type asyncHdr struct {
	Opcode     uint8    `struc:"uint8"`
	Flags      uint8    `struc:"uint8"`
	Rsvd1      [2]uint8 `struc:"[2]uint8"`
	AHSLength  uint8    `struc:"uint8"`
	DataLength [3]uint8 `struc:"[3]uint8"`
	LUN        [8]uint8 `struc:"[8]uint8"`
	Tag        uint32   `struc:"uint32"`
	Rsvd2      uint32   `struc:"uint32"`
	StatSN     uint32   `struc:"uint32"`
	ExpCmdSN   uint32   `struc:"uint32"`
	MaxCmdSN   uint32   `struc:"uint32"`
	Event      uint8    `struc:"uint8"`
	VCode      uint8    `struc:"uint8"`
	Param1     uint16   `struc:"uint16"`
	Param2     uint16   `struc:"uint16"`
	Param3     uint16   `struc:"uint16"`
	Rsvd3      [4]uint8 `struc:"[4]uint8"`
}

// decode unpacks the raw header into one of the layouts above.
func (h *header) decode(v interface{}) error {
	return struc.Unpack(bytes.NewReader(h[:]), v)
}

// encodeHeader packs a layout into a raw header.
func encodeHeader(v interface{}) (header, error) {
	var (
		h   header
		buf bytes.Buffer
	)
	if err := struc.Pack(&buf, v); err != nil {
		return h, err
	}
	if buf.Len() != BHSLen {
		return h, fmt.Errorf("encoded header is %d bytes", buf.Len())
	}
	copy(h[:], buf.Bytes())
	return h, nil
}

// packHeader is encodeHeader for the fixed response layouts, which cannot
// fail to encode.
func packHeader(v interface{}) header {
	h, err := encodeHeader(v)
	if err != nil {
		panic(err)
	}
	return h
}

// bidiReadLength scans the additional header segments for the expected
// bidirectional read length.
func bidiReadLength(ahs []byte) (uint32, bool) {
	for len(ahs) >= 4 {
		l := int(util.GetUnalignedUint16(ahs[0:2]))
		if ahs[2] == ahsBidiReadLength && l >= 5 && len(ahs) >= 8 {
			return util.GetUnalignedUint32(ahs[4:8]), true
		}
		n := util.PadLen(l + 3)
		if n <= 0 || n > len(ahs) {
			break
		}
		ahs = ahs[n:]
	}
	return 0, false
}
