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

package iscsit

import (
	log "github.com/sirupsen/logrus"
)

// sendR2T solicits the rest of a write, at most MaxOutstandingR2T
// transfers of up to MaxBurstLength bytes at a time.
func (conn *iscsiConnection) sendR2T(cmd *iscsiCmd) {
	s := conn.session
	maxR2T := int(s.param(ISCSI_PARAM_MAX_R2T))
	maxBurst := int(s.param(ISCSI_PARAM_MAX_BURST))
	size := cmd.writeSize()

	offset := size - cmd.r2tLength
	if cmd.r2tOffset > offset {
		offset = cmd.r2tOffset
	}
	for offset < size && cmd.outstandingR2T < maxR2T {
		length := size - offset
		if length > maxBurst {
			length = maxBurst
		}
		h := r2tHdr{
			Opcode:        uint8(OpReady),
			Flags:         flagFinal,
			ITT:           cmd.itt(),
			TTT:           cmd.ttt,
			R2TSN:         cmd.r2tSN,
			BufferOffset:  uint32(offset),
			DesiredLength: uint32(length),
		}
		copy(h.LUN[:], cmd.hdr.lun())
		rsp := cmd.createRsp(false)
		rsp.hdr = packHeader(&h)
		log.Debugf("%v: r2t %d offset %d length %d", &cmd.hdr, cmd.r2tSN, offset, length)

		cmd.r2tSN++
		cmd.outstandingR2T++
		offset += length
		conn.queueRsp(rsp)
	}
	cmd.r2tOffset = offset
}

// dataOutStart matches a Data-Out to its write and directs the data into
// the write buffer. Data for an aborted write is drained silently.
func (conn *iscsiConnection) dataOutStart(cmd *iscsiCmd) error {
	conn.updateStatSN(cmd)

	var h dataOutHdr
	if err := cmd.hdr.decode(&h); err != nil {
		return reasonInvalidPDUField
	}
	length := cmd.hdr.dataLength()
	scmd := conn.session.findCmd(h.ITT, h.TTT)
	switch {
	case scmd == nil || scmd.opcode() != OpSCSICmd || scmd.buf == nil || scmd.conn != conn:
		log.Warnf("%v: no write for itt %#x ttt %#x", &cmd.hdr, h.ITT, h.TTT)
		return reasonInvalidPDUField
	case scmd.has(cmdTMFAbort):
		// Rejected as a data segment: the payload is read and thrown away
		// and no PDU answers it, since the task is already aborted.
		cmd.reject = rejectData
		conn.rx.resetSink()
		return nil
	case scmd.r2tLength < length:
		log.Warnf("%v: %d bytes, only %d expected", &cmd.hdr, length, scmd.r2tLength)
		return reasonProtocolError
	case scmd.r2tLength+int(h.BufferOffset) != scmd.writeSize():
		log.Warnf("%v: offset %d out of order", &cmd.hdr, h.BufferOffset)
		return reasonProtocolError
	case h.TTT == reservedTag && !scmd.unsolicited:
		log.Warnf("%v: unsolicited data not allowed", &cmd.hdr)
		return reasonProtocolError
	}

	scmd.r2tLength -= length
	cmd.req = scmd
	if length > 0 {
		conn.recvInto(scmd.buf, int(h.BufferOffset))
	}
	return nil
}

// dataOutEnd retires a Data-Out. The last PDU of a sequence lets the write
// go on, either to more R2Ts or to execution.
func (conn *iscsiConnection) dataOutEnd(cmd *iscsiCmd) {
	scmd := cmd.req
	final := cmd.hdr.final()
	solicited := cmd.hdr.ttt() != reservedTag
	cmd.req = nil
	cmd.release(false)

	if scmd == nil || scmd.has(cmdRemoved) || !final {
		return
	}
	if solicited {
		scmd.outstandingR2T--
	} else {
		scmd.unsolicited = false
	}
	conn.session.push(scmd)
}

// dataOutRejected drops a Data-Out that belongs to an aborted write.
func (conn *iscsiConnection) dataOutRejected(cmd *iscsiCmd) {
	log.Debugf("%v: dropped, write aborted", &cmd.hdr)
	cmd.release(false)
}
