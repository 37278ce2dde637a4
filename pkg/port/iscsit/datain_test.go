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
	"github.com/gostor/ietgt/pkg/scsi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dataInPDU struct {
	length int
	final  bool
	status bool
}

func TestDataInSplit(t *testing.T) {
	cases := map[string]struct {
		keys map[string]string
		size int
		pdus []dataInPDU
	}{
		"one pdu": {
			size: 512,
			pdus: []dataInPDU{{512, true, true}},
		},
		"segment limit": {
			keys: map[string]string{"MaxXmitDataSegmentLength": "4096"},
			size: 10000,
			pdus: []dataInPDU{{4096, false, false}, {4096, false, false}, {1808, true, true}},
		},
		"burst limit": {
			keys: map[string]string{"MaxXmitDataSegmentLength": "4096", "MaxBurstLength": "8192"},
			size: 20480,
			pdus: []dataInPDU{
				{4096, false, false}, {4096, true, false},
				{4096, false, false}, {4096, true, false},
				{4096, true, true},
			},
		},
		"burst smaller than segment": {
			keys: map[string]string{"MaxXmitDataSegmentLength": "8192", "MaxBurstLength": "3000"},
			size: 8192,
			pdus: []dataInPDU{{3000, true, false}, {3000, true, false}, {2192, true, true}},
		},
	}
	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, tt.keys)
			h.send(h.c, h.c.encode(scsiCmd(0x61, 1, flagFinal|flagCmdRead, uint32(tt.size), read10(uint16((tt.size+511)/512))), nil, nil))

			pdus := h.c.receive()
			require.Len(t, pdus, len(tt.pdus))
			var data []byte
			offset := 0
			for i, p := range pdus {
				require.Equal(t, OpSCSIIn, p.hdr.opcode())
				var d dataInHdr
				decodeAs(t, p, &d)
				want := tt.pdus[i]
				assert.Equal(t, uint32(0x61), d.ITT)
				assert.Equal(t, reservedTag, d.TTT)
				assert.Equal(t, uint32(i), d.DataSN)
				assert.Equal(t, uint32(offset), d.BufferOffset)
				assert.Len(t, p.data, want.length)
				assert.Equal(t, want.final, d.Flags&flagFinal != 0, "pdu %d", i)
				assert.Equal(t, want.status, d.Flags&flagStatus != 0, "pdu %d", i)
				if want.status {
					assert.Equal(t, api.SAM_STAT_GOOD, d.Status)
					assert.Equal(t, uint32(testStatSN), d.StatSN)
				}
				data = append(data, p.data...)
				offset += len(p.data)
			}
			assert.Equal(t, pattern(tt.size), data)
			assert.Equal(t, uint32(testStatSN+1), h.c.conn.statSN)
		})
	}
}

func TestDataInShortRead(t *testing.T) {
	h := newHarness(t, nil)
	h.dev.limitIn = true
	h.dev.inLimit = 1000
	h.send(h.c, h.c.encode(scsiCmd(0x62, 1, flagFinal|flagCmdRead, 4096, read10(8)), nil, nil))

	p := h.c.receiveOne()
	var d dataInHdr
	decodeAs(t, p, &d)
	assert.Equal(t, uint8(flagFinal|flagStatus|flagUnderflow), d.Flags)
	assert.Equal(t, uint32(3096), d.Residual)
	assert.Equal(t, pattern(1000), p.data)
}

func TestDataInNothingRead(t *testing.T) {
	h := newHarness(t, nil)
	h.dev.limitIn = true
	h.send(h.c, h.c.encode(scsiCmd(0x63, 1, flagFinal|flagCmdRead, 4096, read10(8)), nil, nil))

	rsp := requireStatus(t, h.c.receiveOne(), 0x63, api.SAM_STAT_GOOD)
	assert.Equal(t, uint8(flagFinal|flagUnderflow), rsp.Flags)
	assert.Equal(t, uint32(4096), rsp.Residual)
	assert.Equal(t, uint8(scsiRspCompleted), rsp.Response)
}

func TestDataInCheckCondition(t *testing.T) {
	sense := []byte{0x70, 0, scsi.MEDIUM_ERROR, 0, 0, 0, 0, 10, 0, 0, 0, 0, 0x11, 0x00, 0, 0, 0, 0}
	cases := map[string]struct {
		limit int
		data  bool
	}{
		"with data":    {limit: 512, data: true},
		"without data": {limit: 0},
	}
	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.dev.status = api.SAM_STAT_CHECK_CONDITION
			h.dev.sense = sense
			h.dev.limitIn = true
			h.dev.inLimit = tt.limit
			h.send(h.c, h.c.encode(scsiCmd(0x64, 1, flagFinal|flagCmdRead, 1024, read10(2)), nil, nil))

			pdus := h.c.receive()
			if tt.data {
				require.Len(t, pdus, 2)
				var d dataInHdr
				decodeAs(t, pdus[0], &d)
				assert.Zero(t, d.Flags&flagStatus)
				assert.Equal(t, pattern(512), pdus[0].data)
				pdus = pdus[1:]
			}
			require.Len(t, pdus, 1)
			rsp := requireStatus(t, pdus[0], 0x64, api.SAM_STAT_CHECK_CONDITION)
			assert.Equal(t, sense, senseOf(t, pdus[0]))
			assert.Equal(t, uint32(1024-tt.limit), rsp.Residual)
			assert.Equal(t, uint32(testStatSN), rsp.StatSN)
		})
	}
}

func TestDataInBidirectional(t *testing.T) {
	h := newHarness(t, map[string]string{"ImmediateData": "Yes"})
	ahs := []byte{0x00, 0x05, ahsBidiReadLength, 0x00, 0x00, 0x00, 0x02, 0x00}
	out := pattern(1024)

	hdr := scsiCmd(0x65, 1, flagFinal|flagCmdRead|flagCmdWrite, 1024, write10(2))
	h.send(h.c, h.c.encode(hdr, ahs, out))

	pdus := h.c.receive()
	require.Len(t, pdus, 2)
	var d dataInHdr
	decodeAs(t, pdus[0], &d)
	assert.Equal(t, uint8(flagFinal), d.Flags)
	assert.Equal(t, pattern(512), pdus[0].data)

	rsp := requireStatus(t, pdus[1], 0x65, api.SAM_STAT_GOOD)
	assert.Zero(t, rsp.Flags&(flagUnderflow|flagOverflow|flagBiUnderflow|flagBiOverflow))
	assert.Equal(t, out, h.dev.written[0x65])
}

func TestDataInResidual(t *testing.T) {
	bidi := []byte{0x00, 0x05, ahsBidiReadLength, 0x00, 0x00, 0x00, 0x04, 0x00}
	cases := map[string]struct {
		flags           uint8
		ahs             []byte
		writeDone       int
		readDone        int
		rspFlags        uint8
		residual, bidir uint32
	}{
		"exact read":      {flags: flagCmdRead, readDone: 2048},
		"read underflow":  {flags: flagCmdRead, readDone: 48, rspFlags: flagUnderflow, residual: 2000},
		"read overflow":   {flags: flagCmdRead, readDone: 4096, rspFlags: flagOverflow, residual: 2048},
		"write underflow": {flags: flagCmdWrite, writeDone: 0, rspFlags: flagUnderflow, residual: 2048},
		"bidi underflow":  {flags: flagCmdRead | flagCmdWrite, ahs: bidi, writeDone: 2048, readDone: 24, rspFlags: flagBiUnderflow, bidir: 1000},
		"bidi overflow":   {flags: flagCmdRead | flagCmdWrite, ahs: bidi, writeDone: 2048, readDone: 1100, rspFlags: flagBiOverflow, bidir: 76},
		"bidi both":       {flags: flagCmdRead | flagCmdWrite, ahs: bidi, writeDone: 2000, readDone: 1024, rspFlags: flagUnderflow, residual: 48},
		"bidi read exact": {flags: flagCmdRead | flagCmdWrite, ahs: bidi, writeDone: 2048, readDone: 1024},
	}
	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			cmd := &iscsiCmd{hdr: scsiCmd(1, 1, flagFinal|tt.flags, 2048, cdb()), ahs: tt.ahs}
			var h scsiRspHdr
			cmd.residual(&h, tt.writeDone, tt.readDone)
			assert.Equal(t, tt.rspFlags, h.Flags)
			assert.Equal(t, tt.residual, h.Residual)
			assert.Equal(t, tt.bidir, h.BiResidual)
		})
	}
}

func TestCommandChecks(t *testing.T) {
	cases := map[string]struct {
		setup func(h *harness)
		keys  map[string]string
		hdr   header
		data  []byte
		key   byte
		asc   scsi.SCSISubError
	}{
		"unsupported opcode": {
			setup: func(h *harness) { h.dev.invalid[byte(api.READ_10)] = true },
			hdr:   scsiCmd(0x71, 1, flagFinal|flagCmdRead, 512, read10(1)),
			key:   scsi.ILLEGAL_REQUEST,
			asc:   scsi.ASC_INVALID_OP_CODE,
		},
		"device disabled": {
			setup: func(h *harness) { h.dev.disabled = true },
			hdr:   scsiCmd(0x71, 1, flagFinal|flagCmdRead, 512, read10(1)),
			key:   scsi.ILLEGAL_REQUEST,
			asc:   scsi.ASC_LUN_NOT_SUPPORTED,
		},
		"target disabled": {
			setup: func(h *harness) { h.target.disabled = true },
			hdr:   scsiCmd(0x71, 1, flagFinal, 0, testUnitReady()),
			key:   scsi.ILLEGAL_REQUEST,
			asc:   scsi.ASC_LUN_NOT_SUPPORTED,
		},
		"service action": {
			hdr: scsiCmd(0x71, 1, flagFinal|flagCmdRead, 32, cdb(byte(api.SERVICE_ACTION_IN), 0x1f)),
			key: scsi.ILLEGAL_REQUEST,
			asc: scsi.ASC_INVALID_OP_CODE,
		},
		"data with a non-data command": {
			keys: map[string]string{"ImmediateData": "Yes"},
			hdr:  scsiCmd(0x71, 1, flagFinal|flagCmdWrite, 512, testUnitReady()),
			data: pattern(512),
			key:  scsi.ABORTED_COMMAND,
			asc:  scsi.ASC_UNEXPECTED_UNSOLICITED,
		},
	}
	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, tt.keys)
			if tt.setup != nil {
				tt.setup(h)
			}
			h.send(h.c, h.c.encode(tt.hdr, nil, tt.data))

			p := h.c.receiveOne()
			requireStatus(t, p, 0x71, api.SAM_STAT_CHECK_CONDITION)
			sense := senseOf(t, p)
			require.Len(t, sense, engineSenseLen)
			assert.Equal(t, byte(0xf0), sense[0])
			assert.Equal(t, tt.key, sense[2])
			assert.Equal(t, byte(6), sense[7])
			assert.Equal(t, byte(tt.asc>>8), sense[12])
			assert.Equal(t, byte(tt.asc), sense[13])
			assert.Empty(t, h.dev.submitted())
			assert.Equal(t, uint32(2), h.sess.expCmdSN)
			assert.Empty(t, h.sess.cmds)
		})
	}
}
