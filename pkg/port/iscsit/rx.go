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
	"hash"

	"github.com/gostor/ietgt/pkg/util"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type rxState int

const (
	rxInitBHS rxState = iota
	rxBHS
	rxInitAHS
	rxAHS
	rxInitHDigest
	rxHDigest
	rxCheckHDigest
	rxInitData
	rxData
	rxInitDDigest
	rxDDigest
	rxCheckDDigest
	rxEnd
)

var (
	errHeaderDigest   = errors.New("header digest mismatch")
	errDataDigest     = errors.New("data digest mismatch")
	errSegmentTooLong = errors.New("data segment exceeds MaxRecvDataSegmentLength")
)

// rxMachine is the receive side of a connection. It can be fed arbitrary
// slices of the byte stream and resumes where the last one ended.
type rxMachine struct {
	state rxState
	cmd   *iscsiCmd

	fill []byte
	got  int

	// data segment progress, padding included
	total int
	done  int

	// where the data goes; with neither set it is drained
	sinkBuf *ioBuffer
	sinkOff int
	staging []byte

	crc    hash.Hash32
	digest [digestLen]byte
}

func (rx *rxMachine) setFill(b []byte) {
	rx.fill = b
	rx.got = 0
}

// fillFrom copies into the current fill target and reports whether it is
// complete.
func (rx *rxMachine) fillFrom(p []byte, n *int) bool {
	c := copy(rx.fill[rx.got:], p[*n:])
	rx.got += c
	*n += c
	return rx.got == len(rx.fill)
}

func (rx *rxMachine) resetSink() {
	if rx.sinkBuf != nil {
		rx.sinkBuf.put()
		rx.sinkBuf = nil
	}
	rx.sinkOff = 0
	rx.staging = nil
}

// recvInto directs the data segment of the PDU being received into buf at
// off.
func (conn *iscsiConnection) recvInto(buf *ioBuffer, off int) {
	conn.rx.resetSink()
	conn.rx.sinkBuf = buf.get()
	conn.rx.sinkOff = off
}

// recvStaging keeps the data segment with the request itself.
func (conn *iscsiConnection) recvStaging(cmd *iscsiCmd) {
	conn.rx.resetSink()
	cmd.data = make([]byte, cmd.hdr.dataLength())
	conn.rx.staging = cmd.data
}

// recvStep consumes bytes from p and advances the receive machine as far
// as they allow. It returns how many bytes were used; an error is fatal
// for the connection.
func (conn *iscsiConnection) recvStep(p []byte) (int, error) {
	rx := &conn.rx
	n := 0
	for {
		switch rx.state {
		case rxInitBHS:
			if n == len(p) {
				return n, nil
			}
			rx.cmd = conn.newRequest()
			rx.setFill(rx.cmd.hdr[:])
			rx.state = rxBHS
		case rxBHS:
			if !rx.fillFrom(p, &n) {
				return n, nil
			}
			rx.state = rxInitAHS
		case rxInitAHS:
			if l := rx.cmd.hdr.dataLength(); l > conn.maxRecvDataSegmentLength {
				log.Errorf("%v: data segment %d, limit %d", &rx.cmd.hdr, l, conn.maxRecvDataSegmentLength)
				return n, errSegmentTooLong
			}
			if l := rx.cmd.hdr.ahsLength(); l > 0 {
				rx.cmd.ahs = make([]byte, l)
				rx.setFill(rx.cmd.ahs)
				rx.state = rxAHS
			} else {
				rx.state = rxInitHDigest
			}
		case rxAHS:
			if !rx.fillFrom(p, &n) {
				return n, nil
			}
			rx.state = rxInitHDigest
		case rxInitHDigest:
			if conn.hdigest == DigestCRC32C {
				rx.setFill(rx.digest[:])
				rx.state = rxHDigest
			} else {
				rx.state = rxInitData
			}
		case rxHDigest:
			if !rx.fillFrom(p, &n) {
				return n, nil
			}
			rx.state = rxCheckHDigest
		case rxCheckHDigest:
			if headerDigest(rx.cmd.hdr[:], rx.cmd.ahs) != getDigest(rx.digest[:]) {
				Metrics.DigestErrors.WithLabelValues("header").Inc()
				log.Errorf("%v: header digest mismatch", &rx.cmd.hdr)
				return n, errHeaderDigest
			}
			rx.state = rxInitData
		case rxInitData:
			Metrics.PDUsReceived.WithLabelValues(rx.cmd.opcode().String()).Inc()
			conn.rxStart(rx.cmd)
			rx.total = util.PadLen(rx.cmd.hdr.dataLength())
			rx.done = 0
			if rx.total == 0 {
				rx.state = rxEnd
				break
			}
			if conn.ddigest == DigestCRC32C {
				if rx.crc == nil {
					rx.crc = newDigest()
				}
				rx.crc.Reset()
			}
			rx.state = rxData
		case rxData:
			if n == len(p) {
				return n, nil
			}
			chunk := p[n:]
			if rest := rx.total - rx.done; len(chunk) > rest {
				chunk = chunk[:rest]
			}
			if err := rx.store(chunk, rx.cmd.hdr.dataLength()); err != nil {
				return n, err
			}
			if conn.ddigest == DigestCRC32C {
				rx.crc.Write(chunk)
			}
			rx.done += len(chunk)
			n += len(chunk)
			if rx.done == rx.total {
				rx.state = rxInitDDigest
			}
		case rxInitDDigest:
			if conn.ddigest == DigestCRC32C {
				rx.setFill(rx.digest[:])
				rx.state = rxDDigest
			} else {
				rx.state = rxEnd
			}
		case rxDDigest:
			if !rx.fillFrom(p, &n) {
				return n, nil
			}
			rx.state = rxCheckDDigest
		case rxCheckDDigest:
			if rx.crc.Sum32() != getDigest(rx.digest[:]) {
				Metrics.DigestErrors.WithLabelValues("data").Inc()
				log.Errorf("%v: data digest mismatch", &rx.cmd.hdr)
				return n, errDataDigest
			}
			rx.state = rxEnd
		case rxEnd:
			cmd := rx.cmd
			rx.cmd = nil
			rx.resetSink()
			rx.state = rxInitBHS
			conn.rxEnd(cmd)
		}
	}
}

// store writes the part of chunk that falls inside the unpadded data
// segment to the current sink.
func (rx *rxMachine) store(chunk []byte, length int) error {
	pos := rx.done
	if pos >= length {
		return nil
	}
	if end := pos + len(chunk); end > length {
		chunk = chunk[:length-pos]
	}
	switch {
	case rx.sinkBuf != nil:
		if _, err := rx.sinkBuf.WriteAt(chunk, int64(rx.sinkOff+pos)); err != nil {
			return errors.Wrapf(err, "store %d bytes at %d", len(chunk), rx.sinkOff+pos)
		}
	case rx.staging != nil:
		copy(rx.staging[pos:], chunk)
	}
	return nil
}

// rxStart dispatches a request once its header is complete and decides
// where its data goes. Failures turn the request into a Reject.
func (conn *iscsiConnection) rxStart(cmd *iscsiCmd) {
	var err error
	switch cmd.opcode() {
	case OpNoopOut:
		err = conn.nopOutStart(cmd)
	case OpSCSICmd:
		if err = conn.insertHash(cmd); err != nil {
			break
		}
		if err = conn.scsiCmdStart(cmd); err != nil {
			// The command was admitted and holds its CmdSN, so the
			// Reject goes out in order.
			conn.rejectCmd(cmd, toReason(err))
			cmd.reject = rejectAfterDispatch
			return
		}
	case OpSCSITaskReq, OpLogoutReq:
		err = conn.insertHash(cmd)
	case OpSCSIOut:
		err = conn.dataOutStart(cmd)
	default:
		err = reasonCommandNotSupported
	}
	if err != nil {
		conn.rejectCmd(cmd, toReason(err))
	}
}

func toReason(err error) rejectReason {
	if reason, ok := err.(rejectReason); ok {
		return reason
	}
	return reasonProtocolError
}

// rxEnd hands a fully received request on.
func (conn *iscsiConnection) rxEnd(cmd *iscsiCmd) {
	switch cmd.reject {
	case rejectBeforeDispatch:
		if rsp := cmd.lastRsp(); rsp != nil {
			conn.queueRsp(rsp)
		}
		return
	case rejectData:
		conn.dataOutRejected(cmd)
		return
	}
	switch cmd.opcode() {
	case OpSCSICmd, OpNoopOut, OpSCSITaskReq, OpLogoutReq:
		conn.session.push(cmd)
	case OpSCSIOut:
		conn.dataOutEnd(cmd)
	}
}
