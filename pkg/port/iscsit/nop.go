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
	"time"

	log "github.com/sirupsen/logrus"
)

// NOP interval and timeout are configured in units of nopTimeUnit.
var nopTimeUnit = time.Second

// nopOutStart checks a NOP-Out. One answering a target ping is matched to
// the ping by TTT; one with the reserved ITT wants no answer and carries
// no data worth keeping.
func (conn *iscsiConnection) nopOutStart(cmd *iscsiCmd) error {
	s := conn.session
	if ttt := cmd.hdr.ttt(); ttt != reservedTag {
		ping := s.findCmd(reservedTag, ttt)
		if ping == nil {
			log.Warnf("%v: no ping with ttt %#x", &cmd.hdr, ttt)
			return reasonProtocolError
		}
		ping.stopTimer()
		cmd.req = ping
	}
	if cmd.itt() == reservedTag {
		if err := s.checkCmdSN(cmd); err != nil {
			return err
		}
		conn.updateStatSN(cmd)
		return nil
	}
	if err := conn.insertHash(cmd); err != nil {
		return err
	}
	conn.recvStaging(cmd)
	return nil
}

// nopOutExec answers a NOP-Out with a NOP-In echoing its data.
func (conn *iscsiConnection) nopOutExec(cmd *iscsiCmd) {
	if ping := cmd.req; ping != nil {
		cmd.req = nil
		ping.release(true)
	}
	if cmd.itt() == reservedTag {
		cmd.release(false)
		return
	}
	rsp := cmd.createRsp(true)
	h := nopHdr{
		Opcode: uint8(OpNoopIn),
		Flags:  flagFinal,
		ITT:    cmd.itt(),
		TTT:    reservedTag,
	}
	copy(h.LUN[:], cmd.hdr.lun())
	rsp.hdr = packHeader(&h)
	if len(cmd.data) > 0 {
		rsp.setData(cmd.data)
	}
	conn.queueRsp(rsp)
}

// sendNopIn queues a ping. The ping is a request of its own, registered
// under a fresh TTT, that the initiator's NOP-Out will complete.
func (conn *iscsiConnection) sendNopIn() {
	s := conn.session
	ttt := s.newTTT()
	ping := conn.newRequest()
	ping.hdr = packHeader(&nopHdr{
		Opcode: uint8(OpNoopOut),
		ITT:    reservedTag,
		TTT:    ttt,
	})
	if err := s.insertHashTTT(ping, ttt); err != nil {
		ping.release(true)
		return
	}
	rsp := ping.createRsp(false)
	rsp.hdr = packHeader(&nopHdr{
		Opcode: uint8(OpNoopIn),
		Flags:  flagFinal,
		ITT:    reservedTag,
		TTT:    ttt,
	})
	conn.log.Debugf("ping ttt %#x", ttt)
	conn.queueRsp(rsp)
}

func (conn *iscsiConnection) nopInterval() time.Duration {
	return time.Duration(conn.target.Params.NopInterval) * nopTimeUnit
}

// nopInSent arms the ping timeout once the ping is on the wire.
func (conn *iscsiConnection) nopInSent(rsp *iscsiCmd) {
	if rsp.hdr.ttt() == reservedTag {
		return
	}
	ping := rsp.req
	if ping == nil || ping.has(cmdRemoved) {
		return
	}
	p := conn.target.Params
	timeout := p.NopTimeout
	if timeout <= 0 || timeout > p.NopInterval {
		timeout = p.NopInterval
	}
	if timeout <= 0 {
		return
	}
	ping.stopTimer()
	gen := ping.timerGen
	t := conn.target
	ping.timer = time.AfterFunc(time.Duration(timeout)*nopTimeUnit, func() {
		t.postAsync(func() {
			if ping.timerGen != gen || ping.has(cmdRemoved) {
				return
			}
			conn.log.Warnf("no answer to ping ttt %#x", ping.ttt)
			conn.close(errNopTimeout)
		})
	})
}

// startNopTimer arms the idle timer if it is not running. When it fires
// on a connection that has been quiet for a whole interval, the next I/O
// pass sends a ping.
func (conn *iscsiConnection) startNopTimer() {
	interval := conn.nopInterval()
	if interval <= 0 || conn.nopTimer != nil || !conn.active() {
		return
	}
	conn.nopGen++
	gen := conn.nopGen
	t := conn.target
	conn.nopTimer = time.AfterFunc(interval, func() {
		t.postAsync(func() {
			if conn.nopGen != gen || !conn.active() {
				return
			}
			conn.nopTimer = nil
			if idle := time.Since(conn.lastActivity); idle < interval {
				conn.startNopTimer()
				return
			}
			conn.needNopIn = true
		})
	})
}

func (conn *iscsiConnection) resetNopTimer() {
	conn.lastActivity = time.Now()
}

func (conn *iscsiConnection) stopNopTimer() {
	if conn.nopTimer != nil {
		conn.nopTimer.Stop()
		conn.nopTimer = nil
	}
	conn.nopGen++
}
