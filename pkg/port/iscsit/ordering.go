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
	"github.com/gostor/ietgt/pkg/util"
	log "github.com/sirupsen/logrus"
)

// checkCmdSN accepts a command inside the window [ExpCmdSN, MaxCmdSN] or
// any immediate command.
func (s *ISCSISession) checkCmdSN(cmd *iscsiCmd) error {
	sn := cmd.cmdSN()
	if util.SNBetween(sn, s.expCmdSN, s.maxCmdSN) || cmd.immediate() {
		return nil
	}
	log.Warnf("session %#x: cmd_sn %d outside window [%d, %d]", s.SID, sn, s.expCmdSN, s.maxCmdSN)
	cmd.set(cmdTMFAbort)
	return reasonProtocolError
}

// updateStatSN takes the initiator's acknowledgement if it moves forward
// and does not run ahead of what was sent.
func (conn *iscsiConnection) updateStatSN(cmd *iscsiCmd) {
	exp := cmd.hdr.expStatSN()
	if util.SNAfter(exp, conn.expStatSN) && !util.SNAfter(exp, conn.statSN) {
		conn.expStatSN = exp
	}
}

// setSN stamps the response with the current sequence numbers. advance
// consumes a StatSN.
func (conn *iscsiConnection) setSN(rsp *iscsiCmd, advance bool) {
	s := conn.session
	s.maxCmdSN = s.expCmdSN + s.queueDepth
	statSN := conn.statSN
	if advance {
		conn.statSN++
	}
	rsp.hdr.setSN(statSN, s.expCmdSN, s.maxCmdSN)
}

// push hands a fully received request to execution in CmdSN order. A write
// still waiting for data either solicits it or waits for unsolicited data.
func (s *ISCSISession) push(cmd *iscsiCmd) {
	if cmd.has(cmdRemoved) {
		return
	}
	if cmd.r2tLength > 0 {
		if !cmd.unsolicited {
			cmd.conn.sendR2T(cmd)
		}
		return
	}
	if cmd.immediate() {
		cmd.conn.exec(cmd)
		return
	}

	sn := cmd.cmdSN()
	if sn != s.expCmdSN {
		if !util.SNAfter(sn, s.expCmdSN) {
			log.Warnf("session %#x: stale cmd_sn %d, expecting %d", s.SID, sn, s.expCmdSN)
		}
		cmd.set(cmdPending)
		for e := s.pending.Front(); e != nil; e = e.Next() {
			if util.SNBefore(sn, e.Value.(*iscsiCmd).cmdSN()) {
				cmd.pendingElem = s.pending.InsertBefore(cmd, e)
				return
			}
		}
		cmd.pendingElem = s.pending.PushBack(cmd)
		return
	}

	for {
		sn++
		s.expCmdSN = sn
		s.maxCmdSN = sn + s.queueDepth
		cmd.conn.exec(cmd)

		e := s.pending.Front()
		if e == nil {
			break
		}
		next := e.Value.(*iscsiCmd)
		if next.cmdSN() != sn {
			break
		}
		s.pending.Remove(e)
		next.pendingElem = nil
		next.clear(cmdPending)
		cmd = next
	}
}

// exec runs a request whose turn has come.
func (conn *iscsiConnection) exec(cmd *iscsiCmd) {
	if cmd.reject == rejectAfterDispatch {
		if rsp := cmd.lastRsp(); rsp != nil {
			conn.queueRsp(rsp)
		}
		return
	}
	switch cmd.opcode() {
	case OpNoopOut:
		conn.nopOutExec(cmd)
	case OpSCSICmd:
		conn.queueSCSI(cmd)
	case OpSCSITaskReq:
		conn.taskManagement(cmd)
	case OpLogoutReq:
		conn.logoutExec(cmd)
	default:
		log.Debugf("%v: nothing to execute", &cmd.hdr)
	}
}

// queueRsp appends a response to the connection's write list.
func (conn *iscsiConnection) queueRsp(rsp *iscsiCmd) {
	if rsp.writeElem != nil || rsp.has(cmdRemoved) {
		return
	}
	rsp.writeElem = conn.writeList.PushBack(rsp)
}
