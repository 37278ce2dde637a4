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
	"fmt"
	"strconv"
	"strings"

	"github.com/gostor/ietgt/pkg/api"
)

var (
	SESSION_NORMAL    int = 0
	SESSION_DISCOVERY int = 1
)

var DIGEST_CRC32C uint = 1 << 1
var DIGEST_NONE uint = 1 << 0
var DIGEST_ALL uint = DIGEST_NONE | DIGEST_CRC32C

const (
	MAX_QUEUE_CMD_MIN = 1
	MAX_QUEUE_CMD_DEF = 128
	MAX_QUEUE_CMD_MAX = 512
)

const (
	ISCSI_PARAM_MAX_RECV_DLENGTH = iota
	ISCSI_PARAM_HDRDGST_EN
	ISCSI_PARAM_DATADGST_EN
	ISCSI_PARAM_INITIAL_R2T_EN
	ISCSI_PARAM_MAX_R2T
	ISCSI_PARAM_IMM_DATA_EN
	ISCSI_PARAM_FIRST_BURST
	ISCSI_PARAM_MAX_BURST
	ISCSI_PARAM_PDU_INORDER_EN
	ISCSI_PARAM_DATASEQ_INORDER_EN
	ISCSI_PARAM_ERL
	ISCSI_PARAM_IFMARKER_EN
	ISCSI_PARAM_OFMARKER_EN
	ISCSI_PARAM_DEFAULTTIME2WAIT
	ISCSI_PARAM_DEFAULTTIME2RETAIN
	ISCSI_PARAM_MAXCONNECTIONS
	/* "local" parmas, never sent to the initiator */
	ISCSI_PARAM_FIRST_LOCAL
	ISCSI_PARAM_MAX_XMIT_DLENGTH = ISCSI_PARAM_FIRST_LOCAL
	ISCSI_PARAM_MAX_QUEUE_CMD
	/* must always be last */
	ISCSI_PARAM_MAX
)

// How a key is settled between the initiator's offer and the target's
// value, rfc7143 section 6.2.
type keyRule int

const (
	ruleMin keyRule = iota
	ruleMax
	ruleOr
	ruleAnd
	ruleDigest
	ruleDeclare
	ruleLocal
)

type ISCSISessionParam struct {
	State int
	Value uint
}

type ISCSISessionParams []ISCSISessionParam

/*
 * The defaults here are as defined by RFC 3720 and must not be changed,
 * otherwise the initiator may make the wrong assumption.  If you want
 * to change a value, set it in the target's key overrides.
 *
 * The param MaxXmitDataSegmentLength doesn't really exist.  It's a way
 * to remember the RDSL of the initiator, which defaults to 8k if he has
 * not told us otherwise.
 */
type iscsiSessionKeys struct {
	name string
	def  uint
	min  uint
	max  uint
	rule keyRule
}

var sessionKeys = []iscsiSessionKeys{
	// ISCSI_PARAM_MAX_RECV_DLENGTH
	{"MaxRecvDataSegmentLength", 8192, 512, 16777215, ruleDeclare},
	// ISCSI_PARAM_HDRDGST_EN
	{"HeaderDigest", DIGEST_NONE, DIGEST_NONE, DIGEST_ALL, ruleDigest},
	// ISCSI_PARAM_DATADGST_EN
	{"DataDigest", DIGEST_NONE, DIGEST_NONE, DIGEST_ALL, ruleDigest},
	// ISCSI_PARAM_INITIAL_R2T_EN
	{"InitialR2T", 1, 0, 1, ruleOr},
	// ISCSI_PARAM_MAX_R2T
	{"MaxOutstandingR2T", 1, 1, 65535, ruleMin},
	// ISCSI_PARAM_IMM_DATA_EN
	{"ImmediateData", 1, 0, 1, ruleAnd},
	// ISCSI_PARAM_FIRST_BURST
	{"FirstBurstLength", 65536, 512, 16777215, ruleMin},
	// ISCSI_PARAM_MAX_BURST
	{"MaxBurstLength", 262144, 512, 16777215, ruleMin},
	// ISCSI_PARAM_PDU_INORDER_EN
	{"DataPDUInOrder", 1, 0, 1, ruleOr},
	// ISCSI_PARAM_DATASEQ_INORDER_EN
	{"DataSequenceInOrder", 1, 0, 1, ruleOr},
	// ISCSI_PARAM_ERL
	{"ErrorRecoveryLevel", 0, 0, 2, ruleMin},
	// ISCSI_PARAM_IFMARKER_EN
	{"IFMarker", 0, 0, 1, ruleAnd},
	// ISCSI_PARAM_OFMARKER_EN
	{"OFMarker", 0, 0, 1, ruleAnd},
	// ISCSI_PARAM_DEFAULTTIME2WAIT
	{"DefaultTime2Wait", 2, 0, 3600, ruleMax},
	// ISCSI_PARAM_DEFAULTTIME2RETAIN
	{"DefaultTime2Retain", 20, 0, 3600, ruleMin},
	// ISCSI_PARAM_MAXCONNECTIONS
	{"MaxConnections", 1, 1, 65535, ruleMin},
	// "local" parmas, never sent to the initiator
	// ISCSI_PARAM_MAX_XMIT_DLENGTH
	{"MaxXmitDataSegmentLength", 8192, 512, 16777215, ruleLocal},
	// ISCSI_PARAM_MAX_QUEUE_CMD
	{"MaxQueueCmd", MAX_QUEUE_CMD_DEF, MAX_QUEUE_CMD_MIN, MAX_QUEUE_CMD_MAX, ruleLocal},
}

func keyIndex(name string) int {
	for i, k := range sessionKeys {
		if k.name == name {
			return i
		}
	}
	return -1
}

// keyIndexFold matches a key name ignoring case, for names that went
// through configuration files.
func keyIndexFold(name string) int {
	for i, k := range sessionKeys {
		if strings.EqualFold(k.name, name) {
			return i
		}
	}
	return -1
}

func defaultSessionParams() ISCSISessionParams {
	params := make(ISCSISessionParams, len(sessionKeys))
	for i, k := range sessionKeys {
		params[i].Value = k.def
	}
	return params
}

// parseKeyValue reads a key value in its text form: a number, Yes/No, or
// a digest list.
func parseKeyValue(idx int, v string) (uint, error) {
	k := sessionKeys[idx]
	var val uint
	switch k.rule {
	case ruleOr, ruleAnd:
		switch v {
		case "Yes":
			val = 1
		case "No":
			val = 0
		default:
			return 0, fmt.Errorf("%s: invalid boolean %q", k.name, v)
		}
	case ruleDigest:
		for _, d := range strings.Split(v, ",") {
			switch d {
			case "None":
				val |= DIGEST_NONE
			case "CRC32C":
				val |= DIGEST_CRC32C
			}
		}
		if val == 0 {
			return 0, fmt.Errorf("%s: no known digest in %q", k.name, v)
		}
		return val, nil
	default:
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("%s: %v", k.name, err)
		}
		val = uint(n)
	}
	if val < k.min || val > k.max {
		return 0, fmt.Errorf("%s: %d out of range [%d, %d]", k.name, val, k.min, k.max)
	}
	return val, nil
}

func formatKeyValue(idx int, val uint) string {
	switch sessionKeys[idx].rule {
	case ruleOr, ruleAnd:
		if val != 0 {
			return "Yes"
		}
		return "No"
	case ruleDigest:
		if val&DIGEST_CRC32C != 0 {
			return "CRC32C"
		}
		return "None"
	}
	return strconv.FormatUint(uint64(val), 10)
}

// ApplyKeys overrides target defaults from text values.
func (p ISCSISessionParams) ApplyKeys(keys map[string]string) error {
	for name, v := range keys {
		idx := keyIndex(name)
		if idx < 0 {
			idx = keyIndexFold(name)
		}
		if idx < 0 {
			return fmt.Errorf("unknown session key %s", name)
		}
		val, err := parseKeyValue(idx, v)
		if err != nil {
			return err
		}
		p[idx].Value = val
	}
	return nil
}

func (p ISCSISessionParams) Map() map[string]string {
	m := map[string]string{}
	for i, k := range sessionKeys {
		if k.rule == ruleLocal {
			continue
		}
		m[k.name] = formatKeyValue(i, p[i].Value)
	}
	return m
}

// ISCSISession is an iSCSI session. The directory fields are guarded by
// the target lock; the rest belongs to the target loop.
type ISCSISession struct {
	Target         *ISCSITarget
	Initiator      string
	InitiatorAlias string
	ISID           uint64
	TSIH           uint16
	SID            uint64
	SessionParam   ISCSISessionParams

	// login connections counted under the target lock
	connCount int

	expCmdSN   uint32
	maxCmdSN   uint32
	queueDepth uint32
	nextTTT    uint32
	cmds       map[uint32]*iscsiCmd
	pings      map[uint32]*iscsiCmd
	pending    *list.List
	conns      map[uint16]*iscsiConnection
}

// sessionID packs the ISID and TSIH into the session identifier.
func sessionID(isid uint64, tsih uint16) uint64 {
	return isid&0xffffffffffff | uint64(tsih)<<48
}

func newISCSISession(t *ISCSITarget, initiator, alias string, isid uint64, tsih uint16, params ISCSISessionParams, cmdSN uint32) *ISCSISession {
	depth := t.Params.QueueDepth
	if depth == 0 {
		depth = uint32(params[ISCSI_PARAM_MAX_QUEUE_CMD].Value)
	}
	return &ISCSISession{
		Target:         t,
		Initiator:      initiator,
		InitiatorAlias: alias,
		ISID:           isid,
		TSIH:           tsih,
		SID:            sessionID(isid, tsih),
		SessionParam:   params,
		expCmdSN:       cmdSN,
		maxCmdSN:       cmdSN + depth,
		queueDepth:     depth,
		nextTTT:        1,
		cmds:           map[uint32]*iscsiCmd{},
		pings:          map[uint32]*iscsiCmd{},
		pending:        list.New(),
		conns:          map[uint16]*iscsiConnection{},
	}
}

func (s *ISCSISession) param(idx int) uint {
	return s.SessionParam[idx].Value
}

/*
 * iSCSI I_T nexus identifer = (iSCSI Initiator Name + 'i' + ISID, iSCSI Target Name + 't' + Portal Group Tag)
 */
func GeniSCSIITNexusID(sess *ISCSISession) string {
	return fmt.Sprintf("%s,i,0x%012x,%s,t,0x%02x",
		sess.Initiator, sess.ISID, sess.Target.Name, sess.Target.TPGT)
}

// closeAll closes every connection of the session.
func (s *ISCSISession) closeAll(reason error) {
	for _, conn := range s.conns {
		conn.close(reason)
	}
}

func (s *ISCSISession) info() api.SessionInfo {
	si := api.SessionInfo{
		SID:       s.SID,
		Initiator: s.Initiator,
		ISID:      s.ISID,
		TSIH:      s.TSIH,
		ExpCmdSN:  s.expCmdSN,
		MaxCmdSN:  s.maxCmdSN,
		Params:    s.SessionParam.Map(),
	}
	for _, conn := range s.conns {
		si.Connections = append(si.Connections, conn.info())
	}
	return si
}
