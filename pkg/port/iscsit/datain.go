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
	"fmt"
	"time"

	"github.com/gostor/ietgt/pkg/api"
	"github.com/gostor/ietgt/pkg/scsi"
	log "github.com/sirupsen/logrus"
)

// scsiDone turns a device completion into Data-In PDUs and a status. It
// runs on the target loop.
func (conn *iscsiConnection) scsiDone(cmd *iscsiCmd, r *api.SCSIRequest) {
	cmd.clear(cmdWaitIO)
	conn.busy--
	defer cmd.abortDone()
	Metrics.SCSIDurationSeconds.Observe(time.Since(cmd.started).Seconds())

	if !conn.active() || cmd.has(cmdRemoved) {
		cmd.release(true)
		return
	}
	if r.Aborted || cmd.has(cmdTMFAbort) {
		Metrics.SCSICommands.WithLabelValues("aborted").Inc()
		if cmd.has(cmdSendAbort) || r.SendAbortStatus {
			conn.sendAbortedStatus(cmd)
		} else {
			log.Debugf("%v: aborted", &cmd.hdr)
			cmd.release(true)
		}
		return
	}
	Metrics.SCSICommands.WithLabelValues(fmt.Sprintf("%#02x", r.Status)).Inc()

	readSize := cmd.readSize()
	n := r.InTransferred
	if n > readSize {
		n = readSize
	}
	if n < 0 {
		n = 0
	}
	writeSize := cmd.writeSize()
	bidi := writeSize > 0 && readSize > 0

	switch {
	case r.Status == api.SAM_STAT_CHECK_CONDITION:
		if n > 0 {
			conn.sendDataIn(cmd, n, false, 0)
		}
		conn.queueRsp(cmd.statusRsp(r.Status, r.Sense, writeSize, n))
	case n == 0 || bidi:
		if n > 0 {
			conn.sendDataIn(cmd, n, false, 0)
		}
		conn.queueRsp(cmd.statusRsp(r.Status, nil, writeSize, n))
	default:
		conn.sendDataIn(cmd, n, true, r.Status)
	}
}

// sendDataIn queues n bytes of the read buffer as Data-In PDUs no larger
// than the initiator's MaxRecvDataSegmentLength, closing a sequence every
// MaxBurstLength bytes. withStatus puts the status into the last PDU.
func (conn *iscsiConnection) sendDataIn(cmd *iscsiCmd, n int, withStatus bool, status byte) {
	maxXmit := conn.maxXmitDataSegmentLength
	maxBurst := int(conn.session.param(ISCSI_PARAM_MAX_BURST))
	if maxXmit <= 0 {
		maxXmit = n
	}
	if maxBurst <= 0 {
		maxBurst = n
	}

	var dataSN uint32
	seqDone := 0
	for done := 0; done < n; {
		chunk := n - done
		if chunk > maxXmit {
			chunk = maxXmit
		}
		if room := maxBurst - seqDone; chunk > room {
			chunk = room
		}
		last := done+chunk == n
		seqDone += chunk

		h := dataInHdr{
			Opcode:       uint8(OpSCSIIn),
			ITT:          cmd.itt(),
			TTT:          reservedTag,
			DataSN:       dataSN,
			BufferOffset: uint32(done),
		}
		copy(h.LUN[:], cmd.hdr.lun())
		if seqDone == maxBurst || last {
			h.Flags |= flagFinal
			seqDone = 0
		}
		if last && withStatus {
			h.Flags |= flagStatus
			h.Status = status
			if r := cmd.readSize(); r > n {
				h.Flags |= flagUnderflow
				h.Residual = uint32(r - n)
			}
		}

		rsp := cmd.createRsp(last && withStatus)
		rsp.hdr = packHeader(&h)
		rsp.setRange(cmd.readBuf.borrow(done, chunk))
		conn.queueRsp(rsp)

		dataSN++
		done += chunk
	}
}

// sendAbortedStatus reports a command aborted on behalf of another nexus.
func (conn *iscsiConnection) sendAbortedStatus(cmd *iscsiCmd) {
	cmd.set(cmdSendAbort)
	sense := engineSense(scsi.ABORTED_COMMAND, scsi.ASC_CMDS_CLEARED_BY_ANOTHER_INI)
	conn.queueRsp(cmd.statusRsp(api.SAM_STAT_CHECK_CONDITION, sense, 0, 0))
}
