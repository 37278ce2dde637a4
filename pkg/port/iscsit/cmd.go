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
	"container/list"
	"fmt"
	"time"

	"github.com/gostor/ietgt/pkg/api"
	"github.com/gostor/ietgt/pkg/util"
)

type cmdFlag uint32

const (
	cmdHashed cmdFlag = 1 << iota
	cmdQueued
	cmdFinal
	cmdPending
	cmdWaitIO
	cmdTMFAbort
	cmdSendAbort
	cmdClose
	cmdRemoved
)

// rejectKind marks a request that will not be executed normally.
type rejectKind int

const (
	rejectNone rejectKind = iota
	// A SCSI command answered with a prepared response, still ordered by
	// CmdSN like any other command.
	rejectAfterDispatch
	// A PDU answered with a Reject ahead of ordering.
	rejectBeforeDispatch
	// A Data-Out that matched no usable command.
	rejectData
)

// iscsiCmd is a request received from the initiator or a response built
// for one. Responses point to their request through req; a request lists
// its outstanding responses in rsps.
type iscsiCmd struct {
	conn   *iscsiConnection
	flags  cmdFlag
	reject rejectKind

	hdr header
	ahs []byte

	// The data segment is either owned bytes or a borrowed buffer range.
	data      []byte
	dataRange *bufRange

	req  *iscsiCmd
	rsps []*iscsiCmd

	// SCSI command state.
	buf            *ioBuffer
	readBuf        *ioBuffer
	scsi           *api.SCSIRequest
	ttt            uint32
	r2tSN          uint32
	r2tLength      int
	r2tOffset      int
	outstandingR2T int
	unsolicited    bool
	started        time.Time

	// A task management request answers only once the device has returned
	// every command it aborted while running. abortedBy links such a
	// command to the request, which counts them in tmfWait and holds its
	// response in tmfRsp.
	abortedBy *iscsiCmd
	tmfWait   int
	tmfRsp    *iscsiCmd

	timer    *time.Timer
	timerGen uint64

	pduElem     *list.Element
	writeElem   *list.Element
	pendingElem *list.Element
}

func (c *iscsiCmd) has(f cmdFlag) bool {
	return c.flags&f != 0
}

func (c *iscsiCmd) set(f cmdFlag) {
	c.flags |= f
}

func (c *iscsiCmd) clear(f cmdFlag) {
	c.flags &^= f
}

func (c *iscsiCmd) opcode() OpCode {
	return c.hdr.opcode()
}

func (c *iscsiCmd) itt() uint32 {
	return c.hdr.itt()
}

func (c *iscsiCmd) cmdSN() uint32 {
	return c.hdr.cmdSN()
}

func (c *iscsiCmd) immediate() bool {
	return c.hdr.immediate()
}

func (c *iscsiCmd) lun() uint64 {
	return translateLUN(c.hdr.lun())
}

func (c *iscsiCmd) String() string {
	return fmt.Sprintf("%v flags %#x", &c.hdr, uint32(c.flags))
}

// writeSize is the expected data transfer length of a write.
func (c *iscsiCmd) writeSize() int {
	if c.opcode() == OpSCSICmd && c.hdr.flags()&flagCmdWrite != 0 {
		return int(util.GetUnalignedUint32(c.hdr[20:24]))
	}
	return 0
}

// readSize is the expected read length, taken from the AHS for a
// bidirectional command.
func (c *iscsiCmd) readSize() int {
	if c.opcode() != OpSCSICmd || c.hdr.flags()&flagCmdRead == 0 {
		return 0
	}
	if c.hdr.flags()&flagCmdWrite != 0 {
		l, _ := bidiReadLength(c.ahs)
		return int(l)
	}
	return int(util.GetUnalignedUint32(c.hdr[20:24]))
}

func (c *iscsiCmd) dataLen() int {
	if c.dataRange != nil {
		return c.dataRange.length
	}
	return len(c.data)
}

// setData attaches an owned data segment and records its length in the
// header.
func (c *iscsiCmd) setData(data []byte) {
	c.data = data
	c.hdr.setDataLength(len(data))
}

func (c *iscsiCmd) setRange(r *bufRange) {
	c.dataRange = r
	c.hdr.setDataLength(r.length)
}

// newRequest allocates a request on the connection's PDU list.
func (conn *iscsiConnection) newRequest() *iscsiCmd {
	cmd := &iscsiCmd{conn: conn}
	cmd.pduElem = conn.pduList.PushBack(cmd)
	return cmd
}

// createRsp allocates a response to c. A final response releases the
// request once it has been sent.
func (c *iscsiCmd) createRsp(final bool) *iscsiCmd {
	rsp := &iscsiCmd{conn: c.conn, req: c}
	if final {
		rsp.set(cmdFinal)
	}
	c.rsps = append(c.rsps, rsp)
	return rsp
}

func (c *iscsiCmd) lastRsp() *iscsiCmd {
	if len(c.rsps) == 0 {
		return nil
	}
	return c.rsps[len(c.rsps)-1]
}

func (c *iscsiCmd) dropRsp(rsp *iscsiCmd) {
	for i, r := range c.rsps {
		if r == rsp {
			c.rsps = append(c.rsps[:i], c.rsps[i+1:]...)
			return
		}
	}
}

// deviceRefs takes one reference on each I/O buffer for the device, which
// may still fill them after the command was released.
func (c *iscsiCmd) deviceRefs() []*ioBuffer {
	var bufs []*ioBuffer
	for _, b := range []*ioBuffer{c.buf, c.readBuf} {
		if b != nil {
			bufs = append(bufs, b.get())
		}
	}
	return bufs
}

func (c *iscsiCmd) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++
}

// remove unlinks c from every list and drops its buffers. It is safe to
// call more than once.
func (c *iscsiCmd) remove() {
	if c.has(cmdRemoved) {
		return
	}
	c.set(cmdRemoved)
	conn := c.conn
	if c.pduElem != nil {
		conn.pduList.Remove(c.pduElem)
		c.pduElem = nil
	}
	if c.writeElem != nil {
		conn.writeList.Remove(c.writeElem)
		c.writeElem = nil
	}
	if c.pendingElem != nil {
		conn.session.pending.Remove(c.pendingElem)
		c.pendingElem = nil
		c.clear(cmdPending)
	}
	if c.req != nil {
		c.req.dropRsp(c)
	}
	c.stopTimer()
	if c.dataRange != nil {
		c.dataRange.release()
	}
	if c.buf != nil {
		c.buf.put()
		c.buf = nil
	}
	if c.readBuf != nil {
		c.readBuf.put()
		c.readBuf = nil
	}
}

// release retires c. force also discards responses not yet sent. Releasing
// a final response releases its request as well.
func (c *iscsiCmd) release(force bool) {
	if c.has(cmdRemoved) {
		return
	}
	if force {
		for _, rsp := range append([]*iscsiCmd(nil), c.rsps...) {
			rsp.remove()
		}
	}
	if c.has(cmdHashed) {
		c.conn.session.removeHash(c)
	}
	req := c.req
	final := c.has(cmdFinal)
	c.remove()
	if final && req != nil {
		req.release(false)
	}
}
