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
	"github.com/gostor/ietgt/pkg/api"
	"github.com/gostor/ietgt/pkg/scsi"
	log "github.com/sirupsen/logrus"
)

// Commands that never transfer data from the initiator.
var nonDataCommands = map[api.SCSICommandType]bool{
	api.INQUIRY:              true,
	api.REPORT_LUNS:          true,
	api.TEST_UNIT_READY:      true,
	api.SYNCHRONIZE_CACHE:    true,
	api.SYNCHRONIZE_CACHE_16: true,
	api.VERIFY_10:            true,
	api.VERIFY_12:            true,
	api.VERIFY_16:            true,
	api.START_STOP:           true,
	api.READ_CAPACITY:        true,
	api.MODE_SENSE:           true,
	api.REQUEST_SENSE:        true,
	api.RESERVE:              true,
	api.RELEASE:              true,
	api.READ_6:               true,
}

func taskAttribute(flags byte) api.TaskAttribute {
	switch flags & flagCmdAttrMask {
	case attrOrdered:
		return api.TaskOrdered
	case attrHeadOfQueue:
		return api.TaskHeadOfQueue
	case attrACA:
		return api.TaskACA
	}
	return api.TaskSimple
}

// scsiCmdStart validates a SCSI command and prepares its buffers and the
// device request. Commands the device cannot take are answered with a
// check condition instead.
func (conn *iscsiConnection) scsiCmdStart(cmd *iscsiCmd) error {
	t := conn.target
	s := conn.session
	length := cmd.hdr.dataLength()
	flags := cmd.hdr.flags()
	cdb := make([]byte, 16)
	copy(cdb, cmd.hdr[32:48])
	op := api.SCSICommandType(cdb[0])

	switch {
	case t.device == nil || t.device.Disabled() || t.disabled:
		conn.skipData(cmd, scsi.ILLEGAL_REQUEST, scsi.ASC_LUN_NOT_SUPPORTED)
		return nil
	case !t.device.CheckCommand(cdb[0]):
		conn.skipData(cmd, scsi.ILLEGAL_REQUEST, scsi.ASC_INVALID_OP_CODE)
		return nil
	case op == api.SERVICE_ACTION_IN && api.SCSICommandType(cdb[1]&0x1f) != api.SAI_READ_CAPACITY_16:
		conn.skipData(cmd, scsi.ILLEGAL_REQUEST, scsi.ASC_INVALID_OP_CODE)
		return nil
	case nonDataCommands[op] && (!cmd.hdr.final() || length > 0):
		conn.skipData(cmd, scsi.ABORTED_COMMAND, scsi.ASC_UNEXPECTED_UNSOLICITED)
		return nil
	}

	if length > 0 && s.param(ISCSI_PARAM_IMM_DATA_EN) == 0 {
		log.Warnf("%v: immediate data not negotiated", &cmd.hdr)
		return reasonProtocolError
	}

	req := &api.SCSIRequest{
		Nexus: api.Nexus{
			SessionID: s.SID,
			TargetID:  t.TID,
			LUN:       cmd.lun(),
		},
		Tag:       cmd.itt(),
		CDB:       cdb,
		Attribute: taskAttribute(flags),
		Initiator: s.Initiator,
	}

	if size := cmd.writeSize(); size > 0 {
		if length > size || length > int(s.param(ISCSI_PARAM_FIRST_BURST)) {
			log.Warnf("%v: %d bytes of immediate data for a %d byte write", &cmd.hdr, length, size)
			return reasonProtocolError
		}
		cmd.buf = newIOBuffer(size)
		cmd.r2tLength = size - length
		cmd.unsolicited = !cmd.hdr.final()
		if cmd.r2tLength > 0 {
			cmd.ttt = s.newTTT()
		}
		if length > 0 {
			conn.recvInto(cmd.buf, 0)
		}
		req.Out = cmd.buf
		req.Direction = api.SCSIDataWrite
	}
	if size := cmd.readSize(); size > 0 {
		cmd.readBuf = newIOBuffer(size)
		req.In = cmd.readBuf
		if req.Direction == api.SCSIDataWrite {
			req.Direction = api.SCSIDataBidirection
		} else {
			req.Direction = api.SCSIDataRead
		}
	}
	cmd.scsi = req
	log.Debugf("%v: cdb %#02x write %d read %d immediate %d",
		&cmd.hdr, cdb[0], cmd.writeSize(), cmd.readSize(), length)
	return nil
}
