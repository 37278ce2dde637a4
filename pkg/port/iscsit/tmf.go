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
	"sort"
	"strconv"

	"github.com/gostor/ietgt/pkg/api"
	"github.com/gostor/ietgt/pkg/util"
	log "github.com/sirupsen/logrus"
)

var tmfNames = map[uint8]string{
	tmfAbortTask:       "abort-task",
	tmfAbortTaskSet:    "abort-task-set",
	tmfClearACA:        "clear-aca",
	tmfClearTaskSet:    "clear-task-set",
	tmfLUReset:         "lu-reset",
	tmfTargetWarmReset: "target-warm-reset",
	tmfTargetColdReset: "target-cold-reset",
	tmfTaskReassign:    "task-reassign",
}

func tmfName(fn uint8) string {
	if name, ok := tmfNames[fn]; ok {
		return name
	}
	return strconv.Itoa(int(fn))
}

// taskManagement executes a task management request in CmdSN order and
// queues its response.
func (conn *iscsiConnection) taskManagement(cmd *iscsiCmd) {
	var h tmfReqHdr
	if err := cmd.hdr.decode(&h); err != nil {
		conn.rejectCmd(cmd, reasonInvalidPDUField)
		conn.queueRsp(cmd.lastRsp())
		return
	}
	fn := h.Function & flagTMFFuncMask
	lun := cmd.lun()
	closeAfter := false

	var response uint8
	switch fn {
	case tmfAbortTask:
		response = conn.abortTask(cmd, &h)
	case tmfAbortTaskSet:
		conn.abortTaskSet(cmd, lun)
		response = tmfRspComplete
	case tmfClearACA, tmfClearTaskSet, tmfTaskReassign:
		response = tmfRspNotSupported
	case tmfLUReset:
		conn.targetReset(cmd, lun, false)
		response = tmfRspComplete
	case tmfTargetWarmReset:
		conn.targetReset(cmd, lun, true)
		response = tmfRspComplete
	case tmfTargetColdReset:
		conn.targetReset(cmd, lun, true)
		response = tmfRspComplete
		closeAfter = true
	default:
		response = tmfRspRejected
	}
	log.Infof("%v: %s lun %d ref %#x: response %d", &cmd.hdr, tmfName(fn), lun, h.RefTaskTag, response)
	Metrics.TaskManagement.WithLabelValues(tmfName(fn), strconv.Itoa(int(response))).Inc()

	rsp := cmd.createRsp(true)
	rsp.hdr = packHeader(&tmfRspHdr{
		Opcode:   uint8(OpSCSITaskResp),
		Flags:    flagFinal,
		Response: response,
		ITT:      cmd.itt(),
	})
	if closeAfter {
		rsp.set(cmdClose)
	}
	if cmd.tmfWait > 0 {
		log.Debugf("%v: waiting for %d aborted tasks", &cmd.hdr, cmd.tmfWait)
		cmd.tmfRsp = rsp
		return
	}
	conn.queueRsp(rsp)
}

// abortDone runs when the device returns a command aborted by a task
// management request and sends that request's response after the last one.
func (c *iscsiCmd) abortDone() {
	tmf := c.abortedBy
	if tmf == nil {
		return
	}
	c.abortedBy = nil
	tmf.tmfWait--
	if tmf.tmfWait > 0 || tmf.tmfRsp == nil {
		return
	}
	rsp := tmf.tmfRsp
	tmf.tmfRsp = nil
	if rsp.conn.active() {
		rsp.conn.queueRsp(rsp)
	}
}

func (conn *iscsiConnection) abortTask(cmd *iscsiCmd, h *tmfReqHdr) uint8 {
	s := conn.session
	if util.SNAfter(h.RefCmdSN, h.CmdSN) {
		return tmfRspRejected
	}
	target := s.findCmd(h.RefTaskTag, reservedTag)
	if target == nil {
		// A task that was answered already counts as aborted.
		if util.SNBetween(h.RefCmdSN, h.CmdSN-s.queueDepth, h.CmdSN) {
			return tmfRspComplete
		}
		return tmfRspNoTask
	}
	switch {
	case target.opcode() != OpSCSICmd:
		return tmfRspRejected
	case target.lun() != cmd.lun():
		return tmfRspRejected
	case target.conn != conn && target.conn.active():
		return tmfRspRejected
	}
	pushed, ok := conn.abortCmd(target, cmd)
	if !ok {
		return tmfRspNoTask
	}
	if pushed {
		s.push(target)
	}
	return tmfRspComplete
}

// abortCmd marks a SCSI command aborted on behalf of the task management
// request tmf. A command the device is running must be found by the
// device. pushed reports a write that gave up waiting for data and must be
// pushed through ordering by the caller.
func (conn *iscsiConnection) abortCmd(target, tmf *iscsiCmd) (pushed, ok bool) {
	if target.has(cmdTMFAbort) {
		return false, true
	}
	if target.has(cmdWaitIO) {
		if !conn.target.device.AbortTask(target.scsi.Nexus, target.itt()) {
			return false, false
		}
		target.abortedBy = tmf
		tmf.tmfWait++
	}
	target.set(cmdTMFAbort)
	if target.conn.session != tmf.conn.session {
		target.set(cmdSendAbort)
	}
	log.Debugf("%v: aborted by %v", &target.hdr, &tmf.hdr)
	if target.r2tLength > 0 {
		target.r2tLength = 0
		target.unsolicited = false
		return true, true
	}
	return false, true
}

// abortCommands aborts the SCSI commands of s that match. In the session
// of the request only commands older than it are affected.
func (conn *iscsiConnection) abortCommands(tmf *iscsiCmd, s *ISCSISession, match func(*iscsiCmd) bool) {
	own := s == conn.session
	var victims []*iscsiCmd
	for _, c := range s.cmds {
		if c == tmf || c.opcode() != OpSCSICmd || !match(c) {
			continue
		}
		if own && !util.SNBefore(c.cmdSN(), tmf.cmdSN()) {
			continue
		}
		victims = append(victims, c)
	}
	sort.Slice(victims, func(i, j int) bool {
		return util.SNBefore(victims[i].cmdSN(), victims[j].cmdSN())
	})
	var pushes []*iscsiCmd
	for _, c := range victims {
		if pushed, _ := c.conn.abortCmd(c, tmf); pushed {
			pushes = append(pushes, c)
		}
	}
	for _, c := range pushes {
		s.push(c)
	}
}

func (conn *iscsiConnection) abortTaskSet(cmd *iscsiCmd, lun uint64) {
	s := conn.session
	conn.abortCommands(cmd, s, func(c *iscsiCmd) bool { return c.lun() == lun })
	if dev := conn.target.device; dev != nil {
		dev.AbortTaskSet(api.Nexus{SessionID: s.SID, TargetID: conn.target.TID, LUN: lun})
	}
}

// targetReset aborts the commands of every session on the LUN, or on the
// whole target, and then resets the device.
func (conn *iscsiConnection) targetReset(cmd *iscsiCmd, lun uint64, wholeTarget bool) {
	t := conn.target
	for _, s := range t.sessionList() {
		conn.abortCommands(cmd, s, func(c *iscsiCmd) bool {
			return wholeTarget || c.lun() == lun
		})
	}
	if t.device != nil {
		t.device.Reset(api.Nexus{SessionID: conn.session.SID, TargetID: t.TID, LUN: lun}, wholeTarget)
	}
}
