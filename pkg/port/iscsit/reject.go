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
	"github.com/gostor/ietgt/pkg/api"
	"github.com/gostor/ietgt/pkg/scsi"
	"github.com/gostor/ietgt/pkg/util"
	log "github.com/sirupsen/logrus"
)

const engineSenseLen = 14

// rejectCmd answers a request with a Reject carrying its header. The data
// segment of the request is drained.
func (conn *iscsiConnection) rejectCmd(cmd *iscsiCmd, reason rejectReason) {
	log.Warnf("%v: rejected, %v", &cmd.hdr, reason)
	Metrics.Rejects.WithLabelValues(reason.Error()).Inc()
	conn.rx.resetSink()
	cmd.reject = rejectBeforeDispatch

	rsp := cmd.createRsp(true)
	rsp.hdr = packHeader(&rejectHdr{
		Opcode: uint8(OpReject),
		Flags:  flagFinal,
		Reason: uint8(reason),
		Tag:    reservedTag,
	})
	bhs := make([]byte, BHSLen)
	copy(bhs, cmd.hdr[:])
	rsp.setData(bhs)
}

// engineSense builds fixed format sense data for a condition found by the
// engine itself.
func engineSense(key byte, asc scsi.SCSISubError) []byte {
	sense := make([]byte, engineSenseLen)
	sense[0] = 0xf0
	sense[2] = key
	sense[7] = 6
	sense[12] = byte(asc >> 8)
	sense[13] = byte(asc)
	return sense
}

// residual fills the residual fields of a SCSI Response for a command that
// moved writeDone bytes out and readDone bytes in.
func (cmd *iscsiCmd) residual(h *scsiRspHdr, writeDone, readDone int) {
	bidi := cmd.hdr.flags()&flagCmdWrite != 0 && cmd.hdr.flags()&flagCmdRead != 0
	if w := cmd.writeSize(); w > writeDone {
		h.Flags |= flagUnderflow
		h.Residual = uint32(w - writeDone)
	}
	r := cmd.readSize()
	if r == 0 || r == readDone {
		return
	}
	switch {
	case bidi && r > readDone:
		h.Flags |= flagBiUnderflow
		h.BiResidual = uint32(r - readDone)
	case bidi:
		h.Flags |= flagBiOverflow
		h.BiResidual = uint32(readDone - r)
	case r > readDone:
		h.Flags |= flagUnderflow
		h.Residual = uint32(r - readDone)
	default:
		h.Flags |= flagOverflow
		h.Residual = uint32(readDone - r)
	}
}

// statusRsp builds the final SCSI Response of cmd. sense, if any, goes
// into the data segment behind its two byte length.
func (cmd *iscsiCmd) statusRsp(status byte, sense []byte, writeDone, readDone int) *iscsiCmd {
	h := scsiRspHdr{
		Opcode:   uint8(OpSCSIResp),
		Flags:    flagFinal,
		Response: scsiRspCompleted,
		Status:   status,
		ITT:      cmd.itt(),
	}
	cmd.residual(&h, writeDone, readDone)
	rsp := cmd.createRsp(true)
	rsp.hdr = packHeader(&h)
	if len(sense) > 0 {
		data := make([]byte, 2+len(sense))
		util.PutUnalignedUint16(data, uint16(len(sense)))
		copy(data[2:], sense)
		rsp.setData(data)
	}
	return rsp
}

// skipData answers a SCSI command with CHECK CONDITION without giving it
// to the device. The answer keeps its place in CmdSN order and any data
// that comes with the command is drained.
func (conn *iscsiConnection) skipData(cmd *iscsiCmd, key byte, asc scsi.SCSISubError) {
	log.Debugf("%v: check condition %#x/%#04x", &cmd.hdr, key, uint16(asc))
	conn.rx.resetSink()
	cmd.reject = rejectAfterDispatch
	cmd.statusRsp(api.SAM_STAT_CHECK_CONDITION, engineSense(key, asc), 0, 0)
}
