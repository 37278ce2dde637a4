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
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/gostor/ietgt/pkg/util"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type Stage int

const (
	SecurityNegotiation         Stage = 0
	LoginOperationalNegotiation Stage = 1
	FullFeaturePhase            Stage = 3
)

func (s Stage) String() string {
	switch s {
	case SecurityNegotiation:
		return "Security Negotiation"
	case LoginOperationalNegotiation:
		return "Login Operational Negotiation"
	case FullFeaturePhase:
		return "Full Feature Phase"
	}
	return "Unknown Stage"
}

const (
	loginFlagTransit  = 0x80
	loginFlagContinue = 0x40

	loginTimeout = 15 * time.Second
	// login and discovery text never needs more than this
	loginMaxData = 64 * 1024
)

// Login status class and detail, rfc7143 11.13.5.
type loginStatus uint16

const (
	loginSuccess            loginStatus = 0x0000
	loginAuthFailed         loginStatus = 0x0201
	loginNotFound           loginStatus = 0x0203
	loginUnsupportedVersion loginStatus = 0x0205
	loginTooManyConnections loginStatus = 0x0206
	loginMissingParameter   loginStatus = 0x0207
	loginSessionNotFound    loginStatus = 0x020a
	loginInvalidRequest     loginStatus = 0x020b
	loginTargetError        loginStatus = 0x0300
)

var (
	errSessionNotFound    = errors.New("session not found")
	errTooManyConnections = errors.New("too many connections")
	errLoginFailed        = errors.New("login failed")
)

type loginReqHdr struct {
	Opcode     uint8     `struc:"uint8"`
	Flags      uint8     `struc:"uint8"`
	VersionMax uint8     `struc:"uint8"`
	VersionMin uint8     `struc:"uint8"`
	AHSLength  uint8     `struc:"uint8"`
	DataLength [3]uint8  `struc:"[3]uint8"`
	ISID       [6]uint8  `struc:"[6]uint8"`
	TSIH       uint16    `struc:"uint16"`
	ITT        uint32    `struc:"uint32"`
	CID        uint16    `struc:"uint16"`
	Rsvd1      uint16    `struc:"uint16"`
	CmdSN      uint32    `struc:"uint32"`
	ExpStatSN  uint32    `struc:"uint32"`
	Rsvd2      [16]uint8 `struc:"[16]uint8"`
}

type loginRspHdr struct {
	Opcode        uint8     `struc:"uint8"`
	Flags         uint8     `struc:"uint8"`
	VersionMax    uint8     `struc:"uint8"`
	VersionActive uint8     `struc:"uint8"`
	AHSLength     uint8     `struc:"uint8"`
	DataLength    [3]uint8  `struc:"[3]uint8"`
	ISID          [6]uint8  `struc:"[6]uint8"`
	TSIH          uint16    `struc:"uint16"`
	ITT           uint32    `struc:"uint32"`
	Rsvd1         uint32    `struc:"uint32"`
	StatSN        uint32    `struc:"uint32"`
	ExpCmdSN      uint32    `struc:"uint32"`
	MaxCmdSN      uint32    `struc:"uint32"`
	StatusClass   uint8     `struc:"uint8"`
	StatusDetail  uint8     `struc:"uint8"`
	Rsvd2         [10]uint8 `struc:"[10]uint8"`
}

type textHdr struct {
	Opcode     uint8     `struc:"uint8"`
	Flags      uint8     `struc:"uint8"`
	Rsvd1      [2]uint8  `struc:"[2]uint8"`
	AHSLength  uint8     `struc:"uint8"`
	DataLength [3]uint8  `struc:"[3]uint8"`
	LUN        [8]uint8  `struc:"[8]uint8"`
	ITT        uint32    `struc:"uint32"`
	TTT        uint32    `struc:"uint32"`
	SN         uint32    `struc:"uint32"` // CmdSN out, StatSN in
	ExpSN      uint32    `struc:"uint32"` // ExpStatSN out, ExpCmdSN in
	MaxCmdSN   uint32    `struc:"uint32"`
	Rsvd2      [12]uint8 `struc:"[12]uint8"`
}

func isidValue(b [6]uint8) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// loginPDU is a PDU read during login, where digests are never in use.
type loginPDU struct {
	hdr  header
	data []byte
}

func readLoginPDU(r io.Reader) (*loginPDU, error) {
	p := &loginPDU{}
	if _, err := io.ReadFull(r, p.hdr[:]); err != nil {
		return nil, err
	}
	if ahs := p.hdr.ahsLength(); ahs > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(ahs)); err != nil {
			return nil, err
		}
	}
	n := p.hdr.dataLength()
	if n > loginMaxData {
		return nil, errors.Errorf("login data segment of %d bytes", n)
	}
	buf := make([]byte, util.PadLen(n))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	p.data = buf[:n]
	return p, nil
}

func writePDU(w io.Writer, h header, data []byte) error {
	buf := make([]byte, BHSLen+util.PadLen(len(data)))
	h.setDataLength(len(data))
	copy(buf, h[:])
	copy(buf[BHSLen:], data)
	_, err := w.Write(buf)
	return err
}

// loginConn is a socket going through login. It runs on its own goroutine
// with blocking reads and writes until the connection is handed to its
// target's loop or closed.
type loginConn struct {
	driver *ISCSITargetDriver
	nc     net.Conn
	log    *log.Entry

	target    *ISCSITarget
	discovery bool
	initiator string
	alias     string
	isid      uint64
	isidRaw   [6]uint8
	tsih      uint16
	cid       uint16
	itt       uint32
	cmdSN     uint32
	statSN    uint32
	started   bool

	csg      Stage
	params   ISCSISessionParams
	pending  []byte
	sentTPGT bool
	authDone bool
	declared bool
	maxXmit  int
	maxRecv  int

	// set once a normal session login reaches full feature phase
	session *ISCSISession
	old     *ISCSISession
}

func (d *ISCSITargetDriver) handleLogin(nc net.Conn) {
	lc := &loginConn{
		driver:  d,
		nc:      nc,
		log:     log.WithField("remote", nc.RemoteAddr().String()),
		params:  defaultSessionParams(),
		maxXmit: int(sessionKeys[ISCSI_PARAM_MAX_XMIT_DLENGTH].def),
	}
	handedOff, err := lc.run()
	if err != nil {
		lc.log.Warnf("login: %v", err)
		Metrics.Logins.WithLabelValues("failed").Inc()
	}
	if !handedOff {
		nc.Close()
	}
}

// run drives the login to full feature phase. For a discovery session it
// also serves the text requests that follow.
func (lc *loginConn) run() (bool, error) {
	for {
		lc.nc.SetDeadline(time.Now().Add(loginTimeout))
		p, err := readLoginPDU(lc.nc)
		if err != nil {
			return false, errors.Wrap(err, "read login request")
		}
		if p.hdr.opcode() != OpLoginReq {
			return false, errors.Errorf("%v during login", &p.hdr)
		}
		done, err := lc.loginStep(p)
		if err != nil || !done {
			if err != nil {
				return false, err
			}
			continue
		}
		Metrics.Logins.WithLabelValues("success").Inc()
		if lc.discovery {
			lc.nc.SetDeadline(time.Time{})
			return false, lc.discoveryLoop()
		}
		if err := lc.handOff(); err != nil {
			return false, err
		}
		return true, nil
	}
}

// loginStep answers one Login request. done reports the transition to
// full feature phase.
func (lc *loginConn) loginStep(p *loginPDU) (bool, error) {
	var h loginReqHdr
	if err := p.hdr.decode(&h); err != nil {
		return false, err
	}
	if !lc.started {
		lc.started = true
		lc.isidRaw = h.ISID
		lc.isid = isidValue(h.ISID)
		lc.tsih = h.TSIH
		lc.cid = h.CID
		lc.statSN = h.ExpStatSN
		lc.csg = Stage((h.Flags >> 2) & 3)
	} else if h.ISID != lc.isidRaw || h.TSIH != lc.tsih || h.CID != lc.cid {
		return false, lc.fail(&h, loginInvalidRequest, "login identity changed")
	}
	lc.itt = h.ITT
	lc.cmdSN = h.CmdSN

	if h.VersionMin > 0 {
		return false, lc.fail(&h, loginUnsupportedVersion, "unsupported version")
	}
	lc.pending = append(lc.pending, p.data...)
	if h.Flags&loginFlagContinue != 0 {
		// more text follows; acknowledge with an empty response
		return false, lc.respond(&h, Stage((h.Flags>>2)&3), false, nil, loginSuccess)
	}
	offered := util.ParseKVList(lc.pending)
	lc.pending = nil

	csg := Stage((h.Flags >> 2) & 3)
	nsg := Stage(h.Flags & 3)
	transit := h.Flags&loginFlagTransit != 0

	var reply []util.KeyValue
	status, err := lc.bindInitiator(offered)
	if err != nil {
		return false, lc.fail(&h, status, err.Error())
	}
	if lc.target != nil && !lc.sentTPGT {
		lc.sentTPGT = true
		reply = append(reply, util.KeyValue{Key: "TargetPortalGroupTag", Value: fmt.Sprint(lc.target.TPGT)})
	}

	switch csg {
	case SecurityNegotiation:
		r, status, err := lc.securityKeys(offered)
		if err != nil {
			return false, lc.fail(&h, status, err.Error())
		}
		reply = append(reply, r...)
		if transit && nsg == LoginOperationalNegotiation {
			lc.authDone = true
		}
	case LoginOperationalNegotiation:
		if !lc.authDone && lc.csg == SecurityNegotiation {
			return false, lc.fail(&h, loginInvalidRequest, "operational stage before security")
		}
		lc.authDone = true
		reply = append(reply, lc.negotiate(offered)...)
	default:
		return false, lc.fail(&h, loginInvalidRequest, fmt.Sprintf("login stage %v", csg))
	}
	lc.csg = csg

	full := transit && nsg == FullFeaturePhase
	if full {
		if csg == LoginOperationalNegotiation && !lc.declared {
			reply = append(reply, lc.declare()...)
		}
		if status, err := lc.bindSession(); err != nil {
			return false, lc.fail(&h, status, err.Error())
		}
	}
	stage := nsg
	if !transit {
		stage = csg
	}
	if err := lc.respond(&h, stage, transit, reply, loginSuccess); err != nil {
		if full && lc.session != nil {
			lc.target.releaseLogin(lc.session)
			lc.session = nil
		}
		return false, err
	}
	return full, nil
}

// bindInitiator takes the identity keys of the first request.
func (lc *loginConn) bindInitiator(offered []util.KeyValue) (loginStatus, error) {
	if lc.initiator != "" {
		return loginSuccess, nil
	}
	var targetName, sessionType string
	for _, kv := range offered {
		switch kv.Key {
		case "InitiatorName":
			lc.initiator = kv.Value
		case "InitiatorAlias":
			lc.alias = kv.Value
		case "TargetName":
			targetName = kv.Value
		case "SessionType":
			sessionType = kv.Value
		}
	}
	if lc.initiator == "" {
		return loginMissingParameter, errors.New("no InitiatorName")
	}
	lc.log = lc.log.WithField("initiator", lc.initiator)
	switch sessionType {
	case "Discovery":
		lc.discovery = true
		return loginSuccess, nil
	case "", "Normal":
	default:
		return loginInvalidRequest, errors.Errorf("session type %q", sessionType)
	}
	if targetName == "" {
		return loginMissingParameter, errors.New("no TargetName")
	}
	t := lc.driver.Target(targetName)
	if t == nil {
		return loginNotFound, errors.Errorf("no target %s", targetName)
	}
	lc.target = t
	lc.params = defaultSessionParams()
	lc.params[ISCSI_PARAM_MAX_QUEUE_CMD] = t.sessionKeys[ISCSI_PARAM_MAX_QUEUE_CMD]
	lc.log = lc.log.WithField("target", t.Name)
	return loginSuccess, nil
}

// securityKeys accepts AuthMethod=None only.
func (lc *loginConn) securityKeys(offered []util.KeyValue) ([]util.KeyValue, loginStatus, error) {
	var reply []util.KeyValue
	for _, kv := range offered {
		if kv.Key != "AuthMethod" {
			continue
		}
		for _, m := range strings.Split(kv.Value, ",") {
			if m == "None" {
				return append(reply, util.KeyValue{Key: "AuthMethod", Value: "None"}), loginSuccess, nil
			}
		}
		return nil, loginAuthFailed, errors.Errorf("no supported AuthMethod in %q", kv.Value)
	}
	return reply, loginSuccess, nil
}

// keyLimits are the target side values a key is negotiated against.
func (lc *loginConn) keyLimits() ISCSISessionParams {
	if lc.target != nil {
		return lc.target.sessionKeys
	}
	return lc.driver.discoveryKeys
}

// negotiate settles the operational keys offered by the initiator and
// returns the answers in the order offered.
func (lc *loginConn) negotiate(offered []util.KeyValue) []util.KeyValue {
	limits := lc.keyLimits()
	var reply []util.KeyValue
	for _, kv := range offered {
		switch kv.Key {
		case "InitiatorName", "InitiatorAlias", "TargetName", "SessionType", "AuthMethod":
			continue
		}
		idx := keyIndex(kv.Key)
		if idx < 0 || sessionKeys[idx].rule == ruleLocal {
			reply = append(reply, util.KeyValue{Key: kv.Key, Value: "NotUnderstood"})
			continue
		}
		offer, err := parseKeyValue(idx, kv.Value)
		if err != nil {
			lc.log.Warnf("key %s: %v", kv.Key, err)
			reply = append(reply, util.KeyValue{Key: kv.Key, Value: "Reject"})
			continue
		}
		mine := limits[idx].Value
		var val uint
		switch sessionKeys[idx].rule {
		case ruleDeclare:
			// The initiator declares what it can receive; the answer is
			// what the target can receive.
			lc.maxXmit = int(offer)
			lc.params[ISCSI_PARAM_MAX_XMIT_DLENGTH].Value = offer
			lc.params[idx].Value = mine
			reply = append(reply, util.KeyValue{Key: kv.Key, Value: formatKeyValue(idx, mine)})
			lc.declared = true
			continue
		case ruleMin:
			val = offer
			if mine < val {
				val = mine
			}
		case ruleMax:
			val = offer
			if mine > val {
				val = mine
			}
		case ruleOr:
			val = offer | mine
		case ruleAnd:
			val = offer & mine
		case ruleDigest:
			switch {
			case offer&mine&DIGEST_CRC32C != 0 && (mine == DIGEST_CRC32C || offer&DIGEST_NONE == 0):
				val = DIGEST_CRC32C
			case offer&mine&DIGEST_NONE != 0:
				val = DIGEST_NONE
			case offer&mine&DIGEST_CRC32C != 0:
				val = DIGEST_CRC32C
			default:
				reply = append(reply, util.KeyValue{Key: kv.Key, Value: "Reject"})
				continue
			}
		}
		lc.params[idx].Value = val
		lc.params[idx].State = 1
		reply = append(reply, util.KeyValue{Key: kv.Key, Value: formatKeyValue(idx, val)})
	}
	if lc.params[ISCSI_PARAM_FIRST_BURST].Value > lc.params[ISCSI_PARAM_MAX_BURST].Value {
		lc.params[ISCSI_PARAM_FIRST_BURST].Value = lc.params[ISCSI_PARAM_MAX_BURST].Value
	}
	return reply
}

// declare announces the target's receive limit when the initiator did not
// offer its own.
func (lc *loginConn) declare() []util.KeyValue {
	lc.declared = true
	v := lc.keyLimits()[ISCSI_PARAM_MAX_RECV_DLENGTH].Value
	lc.params[ISCSI_PARAM_MAX_RECV_DLENGTH].Value = v
	return []util.KeyValue{{Key: "MaxRecvDataSegmentLength", Value: formatKeyValue(ISCSI_PARAM_MAX_RECV_DLENGTH, v)}}
}

// bindSession finds or creates the session the login joins. A leading
// login gets its TSIH here, in time for the final response.
func (lc *loginConn) bindSession() (loginStatus, error) {
	lc.maxRecv = int(lc.params[ISCSI_PARAM_MAX_RECV_DLENGTH].Value)
	if lc.discovery {
		if lc.tsih == 0 {
			lc.tsih = lc.driver.discoveryTSIH()
		}
		return loginSuccess, nil
	}
	t := lc.target
	if lc.tsih == 0 {
		lc.session, lc.old = t.createSession(lc.initiator, lc.alias, lc.isid, lc.params, lc.cmdSN)
		lc.tsih = lc.session.TSIH
		lc.log.Infof("session %#x created, tsih %d", lc.session.SID, lc.tsih)
		return loginSuccess, nil
	}
	s, err := t.lookupSession(lc.isid, lc.tsih, lc.initiator)
	switch {
	case err == errTooManyConnections:
		return loginTooManyConnections, err
	case err != nil:
		return loginSessionNotFound, err
	}
	lc.session = s
	return loginSuccess, nil
}

func (lc *loginConn) respond(h *loginReqHdr, stage Stage, transit bool, reply []util.KeyValue, status loginStatus) error {
	rsp := loginRspHdr{
		Opcode:       uint8(OpLoginResp),
		ISID:         h.ISID,
		TSIH:         lc.tsih,
		ITT:          h.ITT,
		StatSN:       lc.statSN,
		ExpCmdSN:     h.CmdSN,
		MaxCmdSN:     h.CmdSN,
		StatusClass:  uint8(status >> 8),
		StatusDetail: uint8(status),
	}
	if status == loginSuccess {
		rsp.Flags = h.Flags&0x0c | uint8(stage)&3
		if transit {
			rsp.Flags |= loginFlagTransit
		}
	}
	lc.statSN++
	return writePDU(lc.nc, packHeader(&rsp), util.MarshalKVText(reply))
}

// fail sends a login reject with status and ends the login.
func (lc *loginConn) fail(h *loginReqHdr, status loginStatus, reason string) error {
	lc.log.Warnf("login rejected %#04x: %s", uint16(status), reason)
	if err := lc.respond(h, 0, false, nil, status); err != nil {
		return err
	}
	return errors.Wrap(errLoginFailed, reason)
}

// handOff registers the connection with its session and passes the socket
// to the target loop.
func (lc *loginConn) handOff() error {
	t := lc.target
	p := connParams{
		cid:                      lc.cid,
		statSN:                   lc.statSN,
		hdigest:                  digestOf(lc.params[ISCSI_PARAM_HDRDGST_EN].Value),
		ddigest:                  digestOf(lc.params[ISCSI_PARAM_DATADGST_EN].Value),
		maxRecvDataSegmentLength: lc.maxRecv,
		maxXmitDataSegmentLength: lc.maxXmit,
	}
	lc.nc.SetDeadline(time.Time{})
	return t.attach(lc.session, lc.nc, p, lc.old)
}

func digestOf(v uint) DigestType {
	if v == DIGEST_CRC32C {
		return DigestCRC32C
	}
	return DigestNone
}

// discoveryLoop serves a discovery session: SendTargets text requests,
// NOP-Outs and finally a Logout.
func (lc *loginConn) discoveryLoop() error {
	for {
		p, err := readLoginPDU(lc.nc)
		if err != nil {
			if errors.Cause(err) == io.EOF {
				return nil
			}
			return errors.Wrap(err, "discovery session")
		}
		expCmdSN := p.hdr.cmdSN()
		if !p.hdr.immediate() {
			expCmdSN++
		}
		switch p.hdr.opcode() {
		case OpTextReq:
			var reply []util.KeyValue
			for _, kv := range util.ParseKVList(p.data) {
				if kv.Key == "SendTargets" {
					reply = append(reply, lc.driver.sendTargets(kv.Value, lc.nc.LocalAddr())...)
				}
			}
			rsp := textHdr{
				Opcode:   uint8(OpTextResp),
				Flags:    flagFinal,
				ITT:      p.hdr.itt(),
				TTT:      reservedTag,
				SN:       lc.statSN,
				ExpSN:    expCmdSN,
				MaxCmdSN: expCmdSN,
			}
			lc.statSN++
			if err := writePDU(lc.nc, packHeader(&rsp), util.MarshalKVText(reply)); err != nil {
				return err
			}
		case OpNoopOut:
			if p.hdr.itt() == reservedTag {
				continue
			}
			rsp := nopHdr{
				Opcode:   uint8(OpNoopIn),
				Flags:    flagFinal,
				ITT:      p.hdr.itt(),
				TTT:      reservedTag,
				SN:       lc.statSN,
				ExpSN:    expCmdSN,
				MaxCmdSN: expCmdSN,
			}
			lc.statSN++
			if err := writePDU(lc.nc, packHeader(&rsp), p.data); err != nil {
				return err
			}
		case OpLogoutReq:
			rsp := logoutRspHdr{
				Opcode:   uint8(OpLogoutResp),
				Flags:    flagFinal,
				ITT:      p.hdr.itt(),
				StatSN:   lc.statSN,
				ExpCmdSN: expCmdSN,
				MaxCmdSN: expCmdSN,
			}
			lc.statSN++
			lc.log.Infof("discovery session logout")
			return writePDU(lc.nc, packHeader(&rsp), nil)
		default:
			return errors.Errorf("%v in discovery session", &p.hdr)
		}
	}
}
