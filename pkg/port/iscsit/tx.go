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
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type txState int

const (
	txInit txState = iota
	txBHSData
	txInitDDigest
	txDDigest
	txEnd
)

var errWouldBlock = errors.New("send would block")

// txSink accepts as much of iov as it has room for without blocking.
type txSink interface {
	writev(iov [][]byte) (int, error)
}

// txMachine is the transmit side of a connection. A response is written
// as header, data and data digest; a short write leaves the machine where
// it stopped.
type txMachine struct {
	state   txState
	cmd     *iscsiCmd
	iov     [][]byte
	hbuf    []byte
	ddigest uint32
}

// advance drops n written bytes from the front of iov.
func (tx *txMachine) advance(n int) {
	for n > 0 && len(tx.iov) > 0 {
		if n < len(tx.iov[0]) {
			tx.iov[0] = tx.iov[0][n:]
			return
		}
		n -= len(tx.iov[0])
		tx.iov = tx.iov[1:]
	}
}

func (conn *iscsiConnection) writeIOV() error {
	tx := &conn.tx
	for len(tx.iov) > 0 && len(tx.iov[0]) == 0 {
		tx.iov = tx.iov[1:]
	}
	if len(tx.iov) == 0 {
		return nil
	}
	n, err := conn.sink.writev(tx.iov)
	tx.advance(n)
	if err != nil {
		return err
	}
	for len(tx.iov) > 0 && len(tx.iov[0]) == 0 {
		tx.iov = tx.iov[1:]
	}
	if len(tx.iov) > 0 {
		return errWouldBlock
	}
	return nil
}

// send transmits queued responses until the write list is empty or the
// sink is full. errWouldBlock means the connection must wait for write
// space; any other error is fatal for it.
func (conn *iscsiConnection) send() (bool, error) {
	tx := &conn.tx
	progress := false
	for {
		switch tx.state {
		case txInit:
			e := conn.writeList.Front()
			if e == nil {
				return progress, nil
			}
			cmd := e.Value.(*iscsiCmd)
			conn.writeList.Remove(e)
			cmd.writeElem = nil

			// Responses to locally aborted requests are dropped. A Reject
			// is still owed to the initiator.
			if req := cmd.req; req != nil && req.has(cmdTMFAbort) && !req.has(cmdSendAbort) &&
				cmd.opcode() != OpReject {
				log.Debugf("%v: dropped, request aborted", &cmd.hdr)
				cmd.release(false)
				continue
			}
			conn.txStart(cmd)
			tx.cmd = cmd
			tx.prepare(conn, cmd)
			tx.state = txBHSData
		case txBHSData:
			if err := conn.writeIOV(); err != nil {
				return progress, err
			}
			tx.state = txInitDDigest
		case txInitDDigest:
			if conn.ddigest == DigestCRC32C && tx.cmd.dataLen() > 0 {
				// the sink may hold on to it until the socket drains
				digest := make([]byte, digestLen)
				putDigest(digest, tx.ddigest)
				tx.iov = append(tx.iov[:0], digest)
				tx.state = txDDigest
			} else {
				tx.state = txEnd
			}
		case txDDigest:
			if err := conn.writeIOV(); err != nil {
				return progress, err
			}
			tx.state = txEnd
		case txEnd:
			cmd := tx.cmd
			tx.cmd = nil
			tx.iov = nil
			tx.state = txInit
			conn.txEnd(cmd)
			cmd.release(false)
			progress = true
		}
	}
}

// prepare lays the PDU out as one vector: header, AHS, header digest, data
// and padding.
func (tx *txMachine) prepare(conn *iscsiConnection, cmd *iscsiCmd) {
	hlen := BHSLen + len(cmd.ahs)
	if conn.hdigest == DigestCRC32C {
		hlen += digestLen
	}
	tx.hbuf = make([]byte, hlen)
	copy(tx.hbuf, cmd.hdr[:])
	copy(tx.hbuf[BHSLen:], cmd.ahs)
	if conn.hdigest == DigestCRC32C {
		putDigest(tx.hbuf[BHSLen+len(cmd.ahs):], headerDigest(cmd.hdr[:], cmd.ahs))
	}
	tx.iov = append(tx.iov[:0], tx.hbuf)

	var segs [][]byte
	if cmd.dataRange != nil {
		segs = cmd.dataRange.segments()
	} else if len(cmd.data) > 0 {
		segs = [][]byte{cmd.data}
	}
	tx.iov = append(tx.iov, segs...)
	if pad := padding(cmd.dataLen()); pad > 0 {
		tx.iov = append(tx.iov, zeroPad[:pad])
	}
	if conn.ddigest == DigestCRC32C && cmd.dataLen() > 0 {
		tx.ddigest = segmentsDigest(segs)
	}
}

// txStart stamps sequence numbers as the response goes out.
func (conn *iscsiConnection) txStart(cmd *iscsiCmd) {
	Metrics.PDUsSent.WithLabelValues(cmd.opcode().String()).Inc()
	switch cmd.opcode() {
	case OpNoopIn:
		// a ping consumes no StatSN
		conn.setSN(cmd, cmd.itt() != reservedTag)
	case OpSCSIIn:
		conn.setSN(cmd, cmd.hdr.flags()&flagStatus != 0)
	case OpReady:
		conn.setSN(cmd, false)
	default:
		conn.setSN(cmd, true)
	}
}

// txEnd runs after the last byte of a response is handed to the socket.
func (conn *iscsiConnection) txEnd(cmd *iscsiCmd) {
	switch cmd.opcode() {
	case OpNoopIn:
		conn.nopInSent(cmd)
	}
	if cmd.has(cmdClose) {
		if cmd.opcode() == OpLogoutResp {
			conn.close(errLogout)
		} else {
			conn.close(errClosedByTarget)
		}
	}
}
