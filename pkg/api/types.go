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

// Package api holds the types shared by the iSCSI port, the SCSI device
// layer and the management API.
package api

import (
	"io"
	"time"
)

type SCSICommandType byte

const (
	TEST_UNIT_READY        SCSICommandType = 0x00
	REQUEST_SENSE          SCSICommandType = 0x03
	READ_6                 SCSICommandType = 0x08
	WRITE_6                SCSICommandType = 0x0a
	INQUIRY                SCSICommandType = 0x12
	MODE_SELECT            SCSICommandType = 0x15
	RESERVE                SCSICommandType = 0x16
	RELEASE                SCSICommandType = 0x17
	MODE_SENSE             SCSICommandType = 0x1a
	START_STOP             SCSICommandType = 0x1b
	SEND_DIAGNOSTIC        SCSICommandType = 0x1d
	ALLOW_MEDIUM_REMOVAL   SCSICommandType = 0x1e
	READ_CAPACITY          SCSICommandType = 0x25
	READ_10                SCSICommandType = 0x28
	WRITE_10               SCSICommandType = 0x2a
	WRITE_VERIFY           SCSICommandType = 0x2e
	VERIFY_10              SCSICommandType = 0x2f
	SYNCHRONIZE_CACHE      SCSICommandType = 0x35
	WRITE_BUFFER           SCSICommandType = 0x3b
	READ_BUFFER            SCSICommandType = 0x3c
	MODE_SELECT_10         SCSICommandType = 0x55
	MODE_SENSE_10          SCSICommandType = 0x5a
	PERSISTENT_RESERVE_IN  SCSICommandType = 0x5e
	PERSISTENT_RESERVE_OUT SCSICommandType = 0x5f
	READ_16                SCSICommandType = 0x88
	WRITE_16               SCSICommandType = 0x8a
	WRITE_VERIFY_16        SCSICommandType = 0x8e
	VERIFY_16              SCSICommandType = 0x8f
	WRITE_ATTRIBUTE        SCSICommandType = 0x8d
	SYNCHRONIZE_CACHE_16   SCSICommandType = 0x91
	SERVICE_ACTION_IN      SCSICommandType = 0x9e
	SAI_READ_CAPACITY_16   SCSICommandType = 0x10
	REPORT_LUNS            SCSICommandType = 0xa0
	READ_12                SCSICommandType = 0xa8
	WRITE_12               SCSICommandType = 0xaa
	WRITE_VERIFY_12        SCSICommandType = 0xae
	VERIFY_12              SCSICommandType = 0xaf
)

const (
	SAM_STAT_GOOD                 byte = 0x00
	SAM_STAT_CHECK_CONDITION      byte = 0x02
	SAM_STAT_BUSY                 byte = 0x08
	SAM_STAT_RESERVATION_CONFLICT byte = 0x18
	SAM_STAT_TASK_SET_FULL        byte = 0x28
	SAM_STAT_TASK_ABORTED         byte = 0x40
)

type SCSIDataDirection int

const (
	SCSIDataNone SCSIDataDirection = iota
	SCSIDataWrite
	SCSIDataRead
	SCSIDataBidirection
)

type TaskAttribute int

const (
	TaskSimple TaskAttribute = iota
	TaskOrdered
	TaskHeadOfQueue
	TaskACA
)

// Nexus identifies the I_T_L triple a request was issued on.
type Nexus struct {
	SessionID uint64
	TargetID  int
	LUN       uint64
}

// DataBuffer is the paged buffer a port hands to the device for the data
// of one command.
type DataBuffer interface {
	io.ReaderAt
	io.WriterAt
	Len() int
}

// SCSIRequest is one SCSI command as passed from a port to a device. The
// port fills in the inputs; the device sets the results before calling the
// completion function.
type SCSIRequest struct {
	Nexus     Nexus
	Tag       uint32
	CDB       []byte
	Attribute TaskAttribute
	Direction SCSIDataDirection
	Initiator string

	// Out holds the data received from the initiator, In receives the data
	// to return.
	Out DataBuffer
	In  DataBuffer

	Status        byte
	Sense         []byte
	InTransferred int

	// Aborted is set when the request was aborted by task management.
	// SendAbortStatus additionally asks the port to report the abort to
	// the initiator, which happens when another nexus caused it.
	Aborted         bool
	SendAbortStatus bool
}

// SCSIDevice is the device side of a target as the port drives it.
type SCSIDevice interface {
	// Submit queues req; done is called exactly once, from another
	// goroutine, when the request completes or is aborted.
	Submit(req *SCSIRequest, done func(*SCSIRequest))
	// AbortTask aborts the request with tag on the nexus. It reports false
	// when no such request is known to the device.
	AbortTask(nexus Nexus, tag uint32) bool
	AbortTaskSet(nexus Nexus)
	// Reset aborts every request on the LUN of nexus, or on the whole
	// target when wholeTarget is set.
	Reset(nexus Nexus, wholeTarget bool)
	CheckCommand(opcode byte) bool
	Disabled() bool
}

// LUNConfig describes one logical unit of a target.
type LUNConfig struct {
	LUN          uint64 `json:"lun"`
	Store        string `json:"store"`
	Path         string `json:"path"`
	BlockShift   uint   `json:"blockShift,omitempty"`
	Size         uint64 `json:"size,omitempty"`
	Online       bool   `json:"online"`
	ReadOnly     bool   `json:"readOnly,omitempty"`
	ProductID    string `json:"productID,omitempty"`
	VendorID     string `json:"vendorID,omitempty"`
	SerialNumber string `json:"serial,omitempty"`
}

// TargetParams are the per target engine settings.
type TargetParams struct {
	QueueDepth  uint32 `json:"queueDepth"`
	NopInterval int    `json:"nopInterval"`
	NopTimeout  int    `json:"nopTimeout"`
}

type TargetCreateRequest struct {
	Name    string            `json:"name"`
	Portals []string          `json:"portals,omitempty"`
	LUNs    []LUNConfig       `json:"luns"`
	Params  TargetParams      `json:"params"`
	Keys    map[string]string `json:"keys,omitempty"`
}

type TargetRemoveOptions struct {
	Name  string
	Force bool
}

type ConnectionInfo struct {
	ID           string    `json:"id"`
	CID          uint16    `json:"cid"`
	Remote       string    `json:"remote"`
	State        string    `json:"state"`
	StatSN       uint32    `json:"statSN"`
	HeaderDigest string    `json:"headerDigest"`
	DataDigest   string    `json:"dataDigest"`
	Connected    time.Time `json:"connected"`
}

type SessionInfo struct {
	SID         uint64            `json:"sid"`
	Initiator   string            `json:"initiator"`
	ISID        uint64            `json:"isid"`
	TSIH        uint16            `json:"tsih"`
	ExpCmdSN    uint32            `json:"expCmdSN"`
	MaxCmdSN    uint32            `json:"maxCmdSN"`
	Params      map[string]string `json:"params"`
	Connections []ConnectionInfo  `json:"connections"`
}

type TargetInfo struct {
	Name     string      `json:"name"`
	TID      int         `json:"tid"`
	Disabled bool        `json:"disabled"`
	LUNs     []LUNConfig `json:"luns"`
	Sessions int         `json:"sessions"`
}

type Version struct {
	Version    string `json:"version"`
	APIVersion string `json:"apiVersion"`
	GitCommit  string `json:"gitCommit,omitempty"`
	GoVersion  string `json:"goVersion"`
}

// DiscoveryInfo is what a SendTargets=All discovery session would report.
type DiscoveryInfo struct {
	Portals []string `json:"portals"`
	Targets []string `json:"targets"`
}
