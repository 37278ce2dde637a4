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

// Seconds an initiator gets to log out after an Async logout request.
const asyncLogoutTime = 5

// logoutExec answers a Logout request. The connection carrying it closes
// once the response is sent.
func (conn *iscsiConnection) logoutExec(cmd *iscsiCmd) {
	var h logoutReqHdr
	if err := cmd.hdr.decode(&h); err != nil {
		conn.rejectCmd(cmd, reasonInvalidPDUField)
		conn.queueRsp(cmd.lastRsp())
		return
	}
	s := conn.session
	response := uint8(logoutRspSuccess)
	closeAfter := true

	switch h.Reason & flagLogoutReasonM {
	case logoutCloseSession:
		for _, other := range s.conns {
			if other != conn {
				other.close(errLogout)
			}
		}
	case logoutCloseConnection:
		if h.CID != conn.cid {
			closeAfter = false
			if other := s.conns[h.CID]; other != nil {
				other.close(errLogout)
			} else {
				response = logoutRspCIDNotFound
			}
		}
	case logoutRemoveRecovery:
		response = logoutRspRecoveryUnsupported
		closeAfter = false
	default:
		conn.rejectCmd(cmd, reasonInvalidPDUField)
		conn.queueRsp(cmd.lastRsp())
		return
	}
	conn.log.Infof("logout reason %d cid %d: response %d", h.Reason&flagLogoutReasonM, h.CID, response)

	rsp := cmd.createRsp(true)
	rsp.hdr = packHeader(&logoutRspHdr{
		Opcode:   uint8(OpLogoutResp),
		Flags:    flagFinal,
		Response: response,
		ITT:      cmd.itt(),
	})
	if closeAfter {
		rsp.set(cmdClose)
	}
	conn.queueRsp(rsp)
}

// sendLogoutRequest asks the initiator to log this connection out.
func (conn *iscsiConnection) sendLogoutRequest() {
	rsp := &iscsiCmd{conn: conn, flags: cmdFinal}
	rsp.hdr = packHeader(&asyncHdr{
		Opcode: uint8(OpAsync),
		Flags:  flagFinal,
		Tag:    reservedTag,
		Event:  asyncLogoutRequest,
		Param3: asyncLogoutTime,
	})
	conn.log.Infof("requesting logout")
	conn.queueRsp(rsp)
}
