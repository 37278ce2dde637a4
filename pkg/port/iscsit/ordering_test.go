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
	"testing"

	"github.com/gostor/ietgt/pkg/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderingOneConnection(t *testing.T) {
	h := newHarness(t, nil)
	for _, sn := range []uint32{3, 2} {
		h.send(h.c, h.c.encode(scsiCmd(sn, sn, flagFinal, 0, testUnitReady()), nil, nil))
	}
	assert.Empty(t, h.dev.submitted())
	assert.Empty(t, h.c.receive())
	assert.Equal(t, 2, h.sess.pending.Len())

	h.send(h.c, h.c.encode(scsiCmd(1, 1, flagFinal, 0, testUnitReady()), nil, nil))
	assert.Equal(t, []uint32{1, 2, 3}, h.dev.submitted())
	assert.Zero(t, h.sess.pending.Len())
	assert.Equal(t, uint32(4), h.sess.expCmdSN)

	pdus := h.c.receive()
	require.Len(t, pdus, 3)
	for i, p := range pdus {
		rsp := requireStatus(t, p, uint32(i+1), api.SAM_STAT_GOOD)
		assert.Equal(t, uint32(testStatSN+i), rsp.StatSN)
		assert.Equal(t, uint32(4), rsp.ExpCmdSN)
		assert.Equal(t, uint32(4+testQueueDepth), rsp.MaxCmdSN)
	}
}

// Commands of one session are executed in CmdSN order across its
// connections, and each is answered on the connection it came in on.
func TestOrderingAcrossConnections(t *testing.T) {
	h := newHarness(t, nil)
	c2 := h.addConn(h.sess, 2)

	h.send(h.c, h.c.encode(scsiCmd(0x20, 2, flagFinal, 0, testUnitReady()), nil, nil))
	assert.Empty(t, h.dev.submitted())

	h.send(c2, c2.encode(scsiCmd(0x10, 1, flagFinal, 0, testUnitReady()), nil, nil))
	assert.Equal(t, []uint32{0x10, 0x20}, h.dev.submitted())

	rsp := requireStatus(t, c2.receiveOne(), 0x10, api.SAM_STAT_GOOD)
	assert.Equal(t, uint32(testStatSN), rsp.StatSN)
	rsp = requireStatus(t, h.c.receiveOne(), 0x20, api.SAM_STAT_GOOD)
	assert.Equal(t, uint32(testStatSN), rsp.StatSN)
	assert.Equal(t, uint32(3), rsp.ExpCmdSN)
}

func TestOrderingWindow(t *testing.T) {
	cases := map[string]struct {
		cmdSN  uint32
		reject bool
	}{
		"expected":       {cmdSN: 1},
		"last in window": {cmdSN: 1 + testQueueDepth},
		"past window":    {cmdSN: 2 + testQueueDepth, reject: true},
		"stale":          {cmdSN: 0, reject: true},
		"far ahead":      {cmdSN: 1000, reject: true},
	}
	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, nil)
			b := h.c.encode(scsiCmd(1, tt.cmdSN, flagFinal, 0, testUnitReady()), nil, nil)
			h.send(h.c, b)
			if tt.reject {
				requireReject(t, h.c.receiveOne(), toHeader(b), reasonProtocolError)
				assert.Empty(t, h.sess.cmds)
				assert.Empty(t, h.dev.submitted())
				return
			}
			if tt.cmdSN == 1 {
				requireStatus(t, h.c.receiveOne(), 1, api.SAM_STAT_GOOD)
			} else {
				assert.Empty(t, h.c.receive())
				assert.Equal(t, 1, h.sess.pending.Len())
			}
			assert.True(t, h.c.conn.active())
		})
	}
}

// The window moves with ExpCmdSN even before a response carries it.
func TestOrderingWindowSlides(t *testing.T) {
	h := newHarness(t, nil)
	h.dev.hold = true
	h.send(h.c, h.c.encode(scsiCmd(1, 1, flagFinal|flagCmdRead, 512, read10(1)), nil, nil))
	require.Equal(t, 1, h.dev.heldCount())
	assert.Equal(t, uint32(2), h.sess.expCmdSN)
	assert.Equal(t, uint32(testQueueDepth), h.sess.maxCmdSN-h.sess.expCmdSN)

	h.send(h.c, h.c.encode(scsiCmd(2, 2+testQueueDepth, flagFinal, 0, testUnitReady()), nil, nil))
	assert.Empty(t, h.c.receive())
	assert.Equal(t, 1, h.sess.pending.Len())
}

func TestOrderingImmediate(t *testing.T) {
	h := newHarness(t, nil)
	h.send(h.c, h.c.encode(scsiCmd(2, 2, flagFinal, 0, testUnitReady()), nil, nil))

	// an immediate command runs at once and consumes no CmdSN
	h.send(h.c, h.c.encode(immediate(scsiCmd(9, 1, flagFinal, 0, testUnitReady())), nil, nil))
	assert.Equal(t, []uint32{9}, h.dev.submitted())
	rsp := requireStatus(t, h.c.receiveOne(), 9, api.SAM_STAT_GOOD)
	assert.Equal(t, uint32(1), rsp.ExpCmdSN)

	h.send(h.c, h.c.encode(scsiCmd(1, 1, flagFinal, 0, testUnitReady()), nil, nil))
	assert.Equal(t, []uint32{9, 1, 2}, h.dev.submitted())
	assert.Len(t, h.c.receive(), 2)
	assert.Equal(t, uint32(3), h.sess.expCmdSN)
}

func TestOrderingDuplicateTag(t *testing.T) {
	h := newHarness(t, nil)
	h.dev.hold = true
	h.send(h.c, h.c.encode(scsiCmd(1, 1, flagFinal|flagCmdRead, 512, read10(1)), nil, nil))
	first := h.sess.cmds[1]
	require.NotNil(t, first)

	b := h.c.encode(scsiCmd(1, 2, flagFinal, 0, testUnitReady()), nil, nil)
	h.send(h.c, b)
	requireReject(t, h.c.receiveOne(), toHeader(b), reasonTaskInProgress)
	assert.Same(t, first, h.sess.cmds[1])

	require.True(t, h.dev.finish(1))
	h.pump()
	pdus := h.c.receive()
	require.Len(t, pdus, 1)
	assert.Equal(t, OpSCSIIn, pdus[0].hdr.opcode())
	assert.Equal(t, pattern(512), pdus[0].data)
	assert.Empty(t, h.sess.cmds)
}

func TestOrderingExpStatSN(t *testing.T) {
	h := newHarness(t, nil)
	conn := h.c.conn

	send := func(itt, cmdSN, expStatSN uint32) {
		hdr := scsiCmd(itt, cmdSN, flagFinal, 0, testUnitReady())
		hdr[28], hdr[29], hdr[30], hdr[31] = byte(expStatSN>>24), byte(expStatSN>>16), byte(expStatSN>>8), byte(expStatSN)
		h.send(h.c, h.c.encode(hdr, nil, nil))
		h.c.receive()
	}
	send(1, 1, testStatSN)
	assert.Equal(t, uint32(testStatSN), conn.expStatSN)
	send(2, 2, testStatSN+1)
	assert.Equal(t, uint32(testStatSN+1), conn.expStatSN)
	// acknowledging more than was sent is ignored
	send(3, 3, testStatSN+10)
	assert.Equal(t, uint32(testStatSN+1), conn.expStatSN)
	// so is going backwards
	send(4, 4, testStatSN)
	assert.Equal(t, uint32(testStatSN+1), conn.expStatSN)
}
