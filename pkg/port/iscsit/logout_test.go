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
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogout(t *testing.T) {
	cases := map[string]struct {
		reason     uint8
		cid        uint16
		response   uint8
		closesSelf bool
		closesCID2 bool
	}{
		"close session":            {reason: logoutCloseSession, cid: 1, response: logoutRspSuccess, closesSelf: true, closesCID2: true},
		"close this connection":    {reason: logoutCloseConnection, cid: 1, response: logoutRspSuccess, closesSelf: true},
		"close another connection": {reason: logoutCloseConnection, cid: 2, response: logoutRspSuccess, closesCID2: true},
		"unknown connection":       {reason: logoutCloseConnection, cid: 9, response: logoutRspCIDNotFound},
		"connection recovery":      {reason: logoutRemoveRecovery, cid: 2, response: logoutRspRecoveryUnsupported},
	}
	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, nil)
			c2 := h.addConn(h.sess, 2)

			h.send(h.c, h.c.encode(logoutReq(tt.reason, 0x90, tt.cid, 1), nil, nil))
			p := h.c.receiveOne()
			require.Equal(t, OpLogoutResp, p.hdr.opcode())
			var rsp logoutRspHdr
			decodeAs(t, p, &rsp)
			assert.Equal(t, uint32(0x90), rsp.ITT)
			assert.Equal(t, tt.response, rsp.Response)
			assert.Equal(t, uint32(testStatSN), rsp.StatSN)

			assert.Equal(t, !tt.closesSelf, h.c.conn.active())
			assert.Equal(t, !tt.closesCID2, c2.conn.active())
			for _, ev := range h.closed {
				assert.Equal(t, errLogout, ev.Reason)
			}
		})
	}
}

func TestLogoutInvalidReason(t *testing.T) {
	h := newHarness(t, nil)
	b := h.c.encode(logoutReq(0x33, 0x90, 1, 1), nil, nil)
	h.send(h.c, b)
	requireReject(t, h.c.receiveOne(), toHeader(b), reasonInvalidPDUField)
	assert.True(t, h.c.conn.active())
}

// The session goes away with its last connection.
func TestLogoutRemovesSession(t *testing.T) {
	h := newHarness(t, nil)
	sid := h.sess.SID
	require.Contains(t, h.target.sessions, sid)

	h.send(h.c, h.c.encode(logoutReq(logoutCloseSession, 0x90, 1, 1), nil, nil))
	require.Len(t, h.closed, 1)
	assert.Equal(t, errLogout, h.closed[0].Reason)
	assert.Equal(t, sid, h.closed[0].SID)
	assert.NotContains(t, h.target.sessions, sid)
	assert.Empty(t, h.target.conns)
}

func TestAsyncLogoutRequest(t *testing.T) {
	h := newHarness(t, nil)
	h.c.conn.sendLogoutRequest()
	h.pump()

	p := h.c.receiveOne()
	require.Equal(t, OpAsync, p.hdr.opcode())
	var a asyncHdr
	decodeAs(t, p, &a)
	assert.Equal(t, uint8(asyncLogoutRequest), a.Event)
	assert.Equal(t, uint16(asyncLogoutTime), a.Param3)
	assert.Equal(t, reservedTag, a.Tag)
	assert.Equal(t, uint32(testStatSN), a.StatSN)
	assert.Equal(t, uint32(testStatSN+1), h.c.conn.statSN)
}

func TestTargetDisable(t *testing.T) {
	h := newHarness(t, nil)
	c2 := h.addConn(h.sess, 2)

	done := make(chan error, 1)
	go func() { done <- h.target.Disable(context.Background()) }()
	fn := <-h.target.events
	fn()
	require.NoError(t, <-done)
	h.pump()

	assert.True(t, h.target.disabled)
	for _, tc := range []*testConn{h.c, c2} {
		p := tc.receiveOne()
		assert.Equal(t, OpAsync, p.hdr.opcode())
	}
}
