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

package iscsit

import (
	"container/list"
	"net"
	"time"

	"github.com/gostor/ietgt/pkg/api"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	log "github.com/sirupsen/logrus"
)

const (
	CONN_STATE_FULL  = 8
	CONN_STATE_CLOSE = 10
	CONN_STATE_EXIT  = 11
)

const (
	rxChunkSize  = 64 * 1024
	flushTimeout = 5 * time.Second
)

var (
	errClosedByTarget = errors.New("closed by target")
	errLogout         = errors.New("logout")
	errNopTimeout     = errors.New("nop-in ping timed out")
	errReinstated     = errors.New("connection reinstated")
	errTargetDeleted  = errors.New("target deleted")
	errSessionClosed  = errors.New("session closed by administrator")
)

// iscsiConnection is one TCP connection of a session in full feature
// phase. Everything but the socket goroutines runs on the target's loop.
type iscsiConnection struct {
	id      uuid.UUID
	target  *ISCSITarget
	session *ISCSISession
	cid     uint16
	conn    net.Conn
	state   int
	reason  error
	log     *log.Entry

	// StatSN - the status sequence number on this connection
	statSN uint32
	// ExpStatSN - the last StatSN acknowledged by the initiator
	expStatSN uint32

	hdigest                  DigestType
	ddigest                  DigestType
	maxRecvDataSegmentLength int
	maxXmitDataSegmentLength int

	rx      rxMachine
	rxQueue [][]byte
	tx      txMachine
	sink    txSink
	sendq   *sendQueue

	pduList   *list.List
	writeList *list.List

	// requests handed to the device and not yet completed
	busy      int
	waitWrite bool
	needNopIn bool

	nopTimer     *time.Timer
	nopGen       uint64
	lastActivity time.Time
	connected    time.Time
}

// connParams are the per connection results of login.
type connParams struct {
	cid                      uint16
	statSN                   uint32
	hdigest                  DigestType
	ddigest                  DigestType
	maxRecvDataSegmentLength int
	maxXmitDataSegmentLength int
}

func newConnection(t *ISCSITarget, s *ISCSISession, nc net.Conn, p connParams) *iscsiConnection {
	conn := &iscsiConnection{
		id:                       uuid.NewV1(),
		target:                   t,
		session:                  s,
		cid:                      p.cid,
		conn:                     nc,
		state:                    CONN_STATE_FULL,
		statSN:                   p.statSN,
		expStatSN:                p.statSN,
		hdigest:                  p.hdigest,
		ddigest:                  p.ddigest,
		maxRecvDataSegmentLength: p.maxRecvDataSegmentLength,
		maxXmitDataSegmentLength: p.maxXmitDataSegmentLength,
		pduList:                  list.New(),
		writeList:                list.New(),
		lastActivity:             time.Now(),
		connected:                time.Now(),
	}
	fields := log.Fields{"target": t.Name, "sid": s.SID, "cid": p.cid, "conn": conn.id.String()}
	if nc != nil {
		fields["remote"] = nc.RemoteAddr().String()
	}
	conn.log = log.WithFields(fields)
	return conn
}

// start runs the socket goroutines. Reads are posted to the loop as
// chunks; the send queue reports write space and write errors the same way.
func (conn *iscsiConnection) start() {
	t := conn.target
	conn.sendq = newSendQueue(conn.conn, defaultSendBudget,
		func() {
			t.postAsync(func() { conn.waitWrite = false })
		},
		func(err error) {
			t.postAsync(func() { conn.close(errors.Wrap(err, "write")) })
		})
	conn.sink = conn.sendq
	go conn.sendq.run()
	go conn.readLoop()
}

func (conn *iscsiConnection) readLoop() {
	t := conn.target
	for {
		buf := make([]byte, rxChunkSize)
		n, err := conn.conn.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if !t.post(func() { conn.rxQueue = append(conn.rxQueue, chunk) }) {
				return
			}
		}
		if err != nil {
			t.post(func() { conn.close(errors.Wrap(err, "read")) })
			return
		}
	}
}

func (conn *iscsiConnection) active() bool {
	return conn.state == CONN_STATE_FULL
}

// recv feeds queued socket reads to the receive machine.
func (conn *iscsiConnection) recv() bool {
	progress := false
	for len(conn.rxQueue) > 0 && conn.active() {
		chunk := conn.rxQueue[0]
		n, err := conn.recvStep(chunk)
		if n > 0 {
			progress = true
		}
		if err != nil {
			conn.close(err)
			return progress
		}
		if n < len(chunk) {
			conn.rxQueue[0] = chunk[n:]
			continue
		}
		conn.rxQueue[0] = nil
		conn.rxQueue = conn.rxQueue[1:]
	}
	return progress
}

// processIO is one pass of receive and transmit work. It reports whether
// another pass is needed.
func (conn *iscsiConnection) processIO() bool {
	wakeup := false
	if conn.recv() {
		conn.resetNopTimer()
		wakeup = true
	}
	if !conn.active() {
		return false
	}
	if !conn.waitWrite {
		sent, err := conn.send()
		switch {
		case err == errWouldBlock:
			conn.waitWrite = true
		case err != nil:
			conn.close(err)
			return false
		}
		if sent {
			conn.resetNopTimer()
			wakeup = true
		}
	}
	if wakeup {
		return true
	}
	if conn.needNopIn {
		conn.needNopIn = false
		conn.sendNopIn()
		return true
	}
	conn.startNopTimer()
	return false
}

// close stops all I/O on the connection. Teardown waits until the device
// has returned every command.
func (conn *iscsiConnection) close(reason error) {
	if !conn.active() {
		return
	}
	conn.state = CONN_STATE_CLOSE
	conn.reason = reason
	conn.stopNopTimer()
	conn.rxQueue = nil
	conn.log.Infof("closing connection: %v", reason)
	if tc, ok := conn.conn.(interface{ CloseRead() error }); ok {
		tc.CloseRead()
	} else if conn.conn != nil {
		conn.conn.SetReadDeadline(time.Now())
	}
}

// teardown frees everything the connection still holds.
func (conn *iscsiConnection) teardown() {
	t := conn.target
	s := conn.session
	if conn.sendq != nil {
		go conn.sendq.shutdown(flushTimeout)
	} else if conn.conn != nil {
		conn.conn.Close()
	}
	if conn.rx.cmd != nil {
		conn.rx.resetSink()
		conn.rx.cmd = nil
	}
	for e := conn.pduList.Front(); e != nil; e = conn.pduList.Front() {
		e.Value.(*iscsiCmd).release(true)
	}
	if conn.tx.cmd != nil {
		conn.tx.cmd.release(true)
		conn.tx.cmd = nil
	}
	for e := conn.writeList.Front(); e != nil; e = conn.writeList.Front() {
		e.Value.(*iscsiCmd).release(true)
	}
	conn.state = CONN_STATE_EXIT
	Metrics.Connections.Dec()

	if !t.deleting && t.notify != nil {
		t.notify(CloseEvent{Target: t.Name, SID: s.SID, CID: conn.cid, Reason: conn.reason})
	}
	if s.conns[conn.cid] == conn {
		delete(s.conns, conn.cid)
	}
	t.dropSessionConn(s)
	conn.log.Infof("connection closed")
}

// queueSCSI hands a command to the device. Commands aborted before they
// got here never reach it.
func (conn *iscsiConnection) queueSCSI(cmd *iscsiCmd) {
	cmd.set(cmdQueued)
	if cmd.has(cmdTMFAbort) {
		if cmd.has(cmdSendAbort) {
			conn.sendAbortedStatus(cmd)
		} else {
			cmd.release(true)
		}
		return
	}
	req := cmd.scsi
	if req == nil {
		cmd.release(true)
		return
	}
	cmd.set(cmdWaitIO)
	conn.busy++
	cmd.started = time.Now()
	t := conn.target
	bufs := cmd.deviceRefs()
	t.device.Submit(req, func(r *api.SCSIRequest) {
		t.postAsync(func() {
			conn.scsiDone(cmd, r)
			for _, b := range bufs {
				b.put()
			}
		})
	})
}

func (conn *iscsiConnection) info() api.ConnectionInfo {
	ci := api.ConnectionInfo{
		ID:           conn.id.String(),
		CID:          conn.cid,
		State:        conn.State(),
		StatSN:       conn.statSN,
		HeaderDigest: conn.hdigest.String(),
		DataDigest:   conn.ddigest.String(),
		Connected:    conn.connected,
	}
	if conn.conn != nil {
		ci.Remote = conn.conn.RemoteAddr().String()
	}
	return ci
}

func (conn *iscsiConnection) State() string {
	switch conn.state {
	case CONN_STATE_FULL:
		return "full feature"
	case CONN_STATE_CLOSE:
		return "close"
	case CONN_STATE_EXIT:
		return "exit"
	}
	return ""
}
