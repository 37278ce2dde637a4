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
	"bytes"
	"sync"
	"testing"

	"github.com/gostor/ietgt/pkg/api"
	"github.com/gostor/ietgt/pkg/util"
	"github.com/stretchr/testify/require"
)

const (
	testQueueDepth = 32
	testStatSN     = 0x100
	testTarget     = "iqn.2017-01.org.gostor:test"
	testInitiator  = "iqn.2017-01.org.gostor:initiator"
)

type heldRequest struct {
	req  *api.SCSIRequest
	done func(*api.SCSIRequest)
}

// fakeDevice completes requests synchronously unless told to hold them.
type fakeDevice struct {
	mu       sync.Mutex
	hold     bool
	held     map[uint32]heldRequest
	order    []uint32
	written  map[uint32][]byte
	status   byte
	sense    []byte
	limitIn  bool
	inLimit  int
	disabled bool
	invalid  map[byte]bool

	// lateAbort keeps an aborted request until finish returns it.
	lateAbort bool

	abortTaskSets int
	resets        []bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		held:    map[uint32]heldRequest{},
		written: map[uint32][]byte{},
		invalid: map[byte]bool{},
	}
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/4096)
	}
	return b
}

func (d *fakeDevice) Submit(req *api.SCSIRequest, done func(*api.SCSIRequest)) {
	d.mu.Lock()
	d.order = append(d.order, req.Tag)
	if d.hold {
		d.held[req.Tag] = heldRequest{req: req, done: done}
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	d.complete(req, done)
}

func (d *fakeDevice) complete(req *api.SCSIRequest, done func(*api.SCSIRequest)) {
	d.mu.Lock()
	if req.Out != nil {
		b := make([]byte, req.Out.Len())
		req.Out.ReadAt(b, 0)
		d.written[req.Tag] = b
	}
	if req.In != nil {
		n := req.In.Len()
		if d.limitIn && d.inLimit < n {
			n = d.inLimit
		}
		req.In.WriteAt(pattern(n), 0)
		req.InTransferred = n
	}
	req.Status = d.status
	req.Sense = d.sense
	d.mu.Unlock()
	done(req)
}

// finish completes a held request normally.
func (d *fakeDevice) finish(tag uint32) bool {
	d.mu.Lock()
	h, ok := d.held[tag]
	delete(d.held, tag)
	d.mu.Unlock()
	if ok {
		d.complete(h.req, h.done)
	}
	return ok
}

func (d *fakeDevice) heldCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.held)
}

func (d *fakeDevice) submitted() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]uint32(nil), d.order...)
}

func (d *fakeDevice) AbortTask(nexus api.Nexus, tag uint32) bool {
	d.mu.Lock()
	h, ok := d.held[tag]
	if ok && d.lateAbort {
		h.req.Aborted = true
		d.mu.Unlock()
		return true
	}
	delete(d.held, tag)
	d.mu.Unlock()
	if !ok {
		return false
	}
	h.req.Aborted = true
	h.done(h.req)
	return true
}

func (d *fakeDevice) AbortTaskSet(nexus api.Nexus) {
	d.mu.Lock()
	d.abortTaskSets++
	d.mu.Unlock()
}

func (d *fakeDevice) Reset(nexus api.Nexus, wholeTarget bool) {
	d.mu.Lock()
	d.resets = append(d.resets, wholeTarget)
	d.mu.Unlock()
}

func (d *fakeDevice) CheckCommand(opcode byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.invalid[opcode]
}

func (d *fakeDevice) Disabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disabled
}

// captureSink collects what the transmit machine writes. A limit makes it
// accept at most that many bytes per call.
type captureSink struct {
	buf   bytes.Buffer
	limit int
}

func (s *captureSink) writev(iov [][]byte) (int, error) {
	n := 0
	for _, b := range iov {
		if s.limit > 0 && n+len(b) > s.limit {
			b = b[:s.limit-n]
		}
		s.buf.Write(b)
		n += len(b)
		if s.limit > 0 && n == s.limit {
			break
		}
	}
	return n, nil
}

type testPDU struct {
	hdr  header
	ahs  []byte
	data []byte
}

type testConn struct {
	t    *testing.T
	conn *iscsiConnection
	sink *captureSink
}

// harness drives one target loop by hand: tests feed bytes, then pump runs
// posted events and I/O passes until the loop is idle.
type harness struct {
	t      *testing.T
	dev    *fakeDevice
	target *ISCSITarget
	params ISCSISessionParams
	sess   *ISCSISession
	c      *testConn
	closed []CloseEvent
}

func newHarness(t *testing.T, keys map[string]string) *harness {
	params := defaultSessionParams()
	require.NoError(t, params.ApplyKeys(keys))
	dev := newFakeDevice()
	h := &harness{
		t:      t,
		dev:    dev,
		params: params,
		target: newISCSITarget(testTarget, 1, dev, api.TargetParams{QueueDepth: testQueueDepth}, params),
	}
	h.target.notify = func(ev CloseEvent) { h.closed = append(h.closed, ev) }
	h.sess = h.newSession(0x400001370000)
	h.c = h.addConn(h.sess, 1)
	return h
}

func (h *harness) newSession(isid uint64) *ISCSISession {
	s, old := h.target.createSession(testInitiator, "", isid, h.params, 1)
	require.Nil(h.t, old)
	s.connCount = 0
	return s
}

func (h *harness) addConn(s *ISCSISession, cid uint16) *testConn {
	s.connCount++
	p := connParams{
		cid:                      cid,
		statSN:                   testStatSN,
		hdigest:                  digestOf(h.params[ISCSI_PARAM_HDRDGST_EN].Value),
		ddigest:                  digestOf(h.params[ISCSI_PARAM_DATADGST_EN].Value),
		maxRecvDataSegmentLength: int(h.params[ISCSI_PARAM_MAX_RECV_DLENGTH].Value),
		maxXmitDataSegmentLength: int(h.params[ISCSI_PARAM_MAX_XMIT_DLENGTH].Value),
	}
	conn := newConnection(h.target, s, nil, p)
	sink := &captureSink{}
	conn.sink = sink
	s.conns[cid] = conn
	h.target.conns = append(h.target.conns, conn)
	return &testConn{t: h.t, conn: conn, sink: sink}
}

func (h *harness) pump() {
	t := h.target
	for i := 0; i < 1000; i++ {
		for drained := false; !drained; {
			select {
			case fn := <-t.events:
				fn()
			default:
				drained = true
			}
		}
		t.processConnections()
		if len(t.events) == 0 {
			return
		}
	}
	h.t.Fatal("target loop did not settle")
}

// send queues raw bytes as one socket read.
func (h *harness) send(tc *testConn, b []byte) {
	tc.conn.rxQueue = append(tc.conn.rxQueue, b)
	h.pump()
}

// space reports write space until the connection stops waiting for it.
func (h *harness) space(tc *testConn) {
	for i := 0; tc.conn.waitWrite; i++ {
		require.Less(h.t, i, 100000)
		tc.conn.waitWrite = false
		h.pump()
	}
}

func (tc *testConn) encode(hdr header, ahs, data []byte) []byte {
	hdr[4] = byte(len(ahs) / 4)
	hdr.setDataLength(len(data))
	b := append([]byte(nil), hdr[:]...)
	b = append(b, ahs...)
	var d [digestLen]byte
	if tc.conn.hdigest == DigestCRC32C {
		putDigest(d[:], headerDigest(hdr[:], ahs))
		b = append(b, d[:]...)
	}
	if len(data) > 0 {
		b = append(b, data...)
		b = append(b, zeroPad[:padding(len(data))]...)
		if tc.conn.ddigest == DigestCRC32C {
			putDigest(d[:], dataDigest(data))
			b = append(b, d[:]...)
		}
	}
	return b
}

// receive parses everything written so far.
func (tc *testConn) receive() []testPDU {
	var pdus []testPDU
	b := tc.sink.buf.Bytes()
	for len(b) > 0 {
		require.GreaterOrEqual(tc.t, len(b), BHSLen)
		var p testPDU
		copy(p.hdr[:], b)
		b = b[BHSLen:]
		if n := p.hdr.ahsLength(); n > 0 {
			p.ahs = b[:n]
			b = b[n:]
		}
		if tc.conn.hdigest == DigestCRC32C {
			require.Equal(tc.t, headerDigest(p.hdr[:], p.ahs), getDigest(b))
			b = b[digestLen:]
		}
		if n := p.hdr.dataLength(); n > 0 {
			p.data = append([]byte(nil), b[:n]...)
			b = b[util.PadLen(n):]
			if tc.conn.ddigest == DigestCRC32C {
				require.Equal(tc.t, dataDigest(p.data), getDigest(b))
				b = b[digestLen:]
			}
		}
		pdus = append(pdus, p)
	}
	tc.sink.buf.Reset()
	return pdus
}

func (tc *testConn) receiveOne() testPDU {
	pdus := tc.receive()
	require.Len(tc.t, pdus, 1)
	return pdus[0]
}

func decodeAs(t *testing.T, p testPDU, v interface{}) {
	require.NoError(t, p.hdr.decode(v))
}

func cdb(b ...byte) [16]uint8 {
	var c [16]uint8
	copy(c[:], b)
	return c
}

func read10(blocks uint16) [16]uint8 {
	return cdb(byte(api.READ_10), 0, 0, 0, 0, 0, 0, byte(blocks>>8), byte(blocks))
}

func write10(blocks uint16) [16]uint8 {
	return cdb(byte(api.WRITE_10), 0, 0, 0, 0, 0, 0, byte(blocks>>8), byte(blocks))
}

func testUnitReady() [16]uint8 {
	return cdb(byte(api.TEST_UNIT_READY))
}

func scsiCmd(itt, cmdSN uint32, flags uint8, length uint32, c [16]uint8) header {
	return packHeader(&scsiCmdHdr{
		Opcode:         uint8(OpSCSICmd),
		Flags:          flags | attrSimple,
		ITT:            itt,
		ExpectedLength: length,
		CmdSN:          cmdSN,
		CDB:            c,
	})
}

func scsiCmdLUN(itt, cmdSN uint32, flags uint8, length uint32, c [16]uint8, lun uint64) header {
	h := scsiCmd(itt, cmdSN, flags, length, c)
	l := encodeLUN(lun)
	copy(h[8:16], l[:])
	return h
}

func dataOut(itt, ttt, offset uint32, final bool) header {
	h := dataOutHdr{
		Opcode:       uint8(OpSCSIOut),
		ITT:          itt,
		TTT:          ttt,
		BufferOffset: offset,
	}
	if final {
		h.Flags = flagFinal
	}
	return packHeader(&h)
}

func nopOut(itt, ttt, cmdSN uint32) header {
	h := packHeader(&nopHdr{
		Opcode: uint8(OpNoopOut),
		Flags:  flagFinal,
		ITT:    itt,
		TTT:    ttt,
		SN:     cmdSN,
	})
	h[0] |= flagImmediate
	return h
}

func tmfReq(fn uint8, itt, ref, cmdSN, refCmdSN uint32, lun uint64) header {
	h := packHeader(&tmfReqHdr{
		Opcode:     uint8(OpSCSITaskReq),
		Function:   flagFinal | fn,
		LUN:        encodeLUN(lun),
		ITT:        itt,
		RefTaskTag: ref,
		CmdSN:      cmdSN,
		RefCmdSN:   refCmdSN,
	})
	h[0] |= flagImmediate
	return h
}

func logoutReq(reason uint8, itt uint32, cid uint16, cmdSN uint32) header {
	h := packHeader(&logoutReqHdr{
		Opcode: uint8(OpLogoutReq),
		Reason: flagFinal | reason,
		ITT:    itt,
		CID:    cid,
		CmdSN:  cmdSN,
	})
	h[0] |= flagImmediate
	return h
}

func immediate(h header) header {
	h[0] |= flagImmediate
	return h
}

// requireReject checks that p rejects the request header req for reason.
func requireReject(t *testing.T, p testPDU, req header, reason rejectReason) {
	require.Equal(t, OpReject, p.hdr.opcode())
	var h rejectHdr
	decodeAs(t, p, &h)
	require.Equal(t, uint8(reason), h.Reason)
	require.Equal(t, reservedTag, h.Tag)
	require.Equal(t, req[:], p.data)
}

// requireStatus checks a SCSI Response and returns its layout.
func requireStatus(t *testing.T, p testPDU, itt uint32, status byte) scsiRspHdr {
	require.Equal(t, OpSCSIResp, p.hdr.opcode(), "%v", &p.hdr)
	var h scsiRspHdr
	decodeAs(t, p, &h)
	require.Equal(t, itt, h.ITT)
	require.Equal(t, status, h.Status)
	return h
}

// senseOf unwraps the sense data of a SCSI Response data segment.
func senseOf(t *testing.T, p testPDU) []byte {
	require.GreaterOrEqual(t, len(p.data), 2)
	n := int(util.GetUnalignedUint16(p.data))
	require.Equal(t, n+2, len(p.data))
	return p.data[2:]
}
