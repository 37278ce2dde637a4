/*
Copyright 2015 The GoStor Authors All rights reserved.

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

// Package scsi is a SCSI block device that executes the requests an iSCSI
// target passes to it against per-LUN backing stores.
package scsi

import (
	"github.com/gostor/ietgt/pkg/api"
	"github.com/pkg/errors"
)

var (
	DefaultBlockShift uint = 9
	// fixed format sense data carries ten additional bytes
	DefaultSenseBufferSize int = 18
)

type SCSIDeviceType byte

const (
	TYPE_DISK   SCSIDeviceType = 0x00
	TYPE_NO_LUN SCSIDeviceType = 0x7f
)

type SAMStat struct {
	Stat byte
	Err  error
}

var (
	SAMStatGood                = SAMStat{api.SAM_STAT_GOOD, nil}
	SAMStatCheckCondition      = SAMStat{api.SAM_STAT_CHECK_CONDITION, errors.New("check condition")}
	SAMStatBusy                = SAMStat{api.SAM_STAT_BUSY, errors.New("busy")}
	SAMStatReservationConflict = SAMStat{api.SAM_STAT_RESERVATION_CONFLICT, errors.New("reservation conflict")}
	SAMStatTaskSetFull         = SAMStat{api.SAM_STAT_TASK_SET_FULL, errors.New("task set full")}
)

// Command is one request in execution on the device.
type Command struct {
	Device  *Device
	LU      *LU
	Request *api.SCSIRequest
	// SCB is the CDB of the request.
	SCB []byte
	// Offset and TL are the byte range a media access command addresses.
	Offset uint64
	TL     uint32

	sense []byte
}

func (cmd *Command) opcode() api.SCSICommandType {
	return api.SCSICommandType(cmd.SCB[0])
}

func (cmd *Command) nexus() api.Nexus {
	return cmd.Request.Nexus
}

// writeIn returns data to the initiator, truncated to the allocation
// length and to the buffer the initiator offered.
func (cmd *Command) writeIn(data []byte, alloc int) error {
	n := len(data)
	if alloc >= 0 && alloc < n {
		n = alloc
	}
	in := cmd.Request.In
	if in == nil {
		cmd.Request.InTransferred = 0
		return nil
	}
	if in.Len() < n {
		n = in.Len()
	}
	if _, err := in.WriteAt(data[:n], 0); err != nil {
		return err
	}
	cmd.Request.InTransferred = n
	return nil
}

// readOut returns up to n bytes the initiator sent with the command.
func (cmd *Command) readOut(n int) ([]byte, error) {
	out := cmd.Request.Out
	if out == nil {
		return nil, nil
	}
	if out.Len() < n {
		n = out.Len()
	}
	buf := make([]byte, n)
	if _, err := out.ReadAt(buf, 0); err != nil {
		return nil, err
	}
	return buf, nil
}

type CommandFunc func(cmd *Command) SAMStat

type SCSIServiceAction struct {
	ServiceAction      byte
	CommandPerformFunc CommandFunc
}

type SCSIDeviceOperation struct {
	CommandPerformFunc CommandFunc
	ServiceActions     []SCSIServiceAction
	// Conflicts marks commands refused while another nexus holds a
	// reservation on the LU.
	Conflicts bool
	// NoLU marks commands that are answered for LUNs that are not mapped.
	NoLU bool
}

func NewSCSIDeviceOperation(fn CommandFunc, sa []SCSIServiceAction, conflicts bool) SCSIDeviceOperation {
	return SCSIDeviceOperation{
		CommandPerformFunc: fn,
		ServiceActions:     sa,
		Conflicts:          conflicts,
	}
}

func (op SCSIDeviceOperation) perform(cmd *Command) SAMStat {
	if len(op.ServiceActions) == 0 {
		return op.CommandPerformFunc(cmd)
	}
	sa := cmd.SCB[1] & 0x1f
	for _, a := range op.ServiceActions {
		if a.ServiceAction == sa {
			return a.CommandPerformFunc(cmd)
		}
	}
	BuildSenseData(cmd, ILLEGAL_REQUEST, ASC_INVALID_OP_CODE)
	return SAMStatCheckCondition
}

// senseData builds fixed format (0x70) or descriptor format (0x72) sense
// data for the current command.
func senseData(key byte, asc SCSISubError, descriptor bool) []byte {
	if descriptor {
		return []byte{0x72, key, byte(asc >> 8), byte(asc), 0, 0, 0, 0}
	}
	sense := make([]byte, DefaultSenseBufferSize)
	sense[0] = 0x70
	sense[2] = key
	sense[7] = byte(DefaultSenseBufferSize - 8)
	sense[12] = byte(asc >> 8)
	sense[13] = byte(asc)
	return sense
}

func BuildSenseData(cmd *Command, key byte, asc SCSISubError) {
	cmd.sense = senseData(key, asc, false)
}

// checkCondition reports err as a check condition. Errors that carry no
// sense are internal target failures.
func checkCondition(cmd *Command, err error) SAMStat {
	se, ok := errors.Cause(err).(SenseError)
	if !ok {
		se = errInternalFailure
	}
	BuildSenseData(cmd, se.Key, se.ASC)
	return SAMStat{api.SAM_STAT_CHECK_CONDITION, err}
}
