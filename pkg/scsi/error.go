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

package scsi

import "fmt"

// Sense keys
const (
	NO_SENSE        byte = 0x00
	RECOVERED_ERROR byte = 0x01
	NOT_READY       byte = 0x02
	MEDIUM_ERROR    byte = 0x03
	HARDWARE_ERROR  byte = 0x04
	ILLEGAL_REQUEST byte = 0x05
	UNIT_ATTENTION  byte = 0x06
	DATA_PROTECT    byte = 0x07
	BLANK_CHECK     byte = 0x08
	COPY_ABORTED    byte = 0x0a
	ABORTED_COMMAND byte = 0x0b
	VOLUME_OVERFLOW byte = 0x0d
	MISCOMPARE      byte = 0x0e
)

var senseKeyNames = map[byte]string{
	NO_SENSE:        "no sense",
	RECOVERED_ERROR: "recovered error",
	NOT_READY:       "not ready",
	MEDIUM_ERROR:    "medium error",
	HARDWARE_ERROR:  "hardware error",
	ILLEGAL_REQUEST: "illegal request",
	UNIT_ATTENTION:  "unit attention",
	DATA_PROTECT:    "data protect",
	BLANK_CHECK:     "blank check",
	COPY_ABORTED:    "copy aborted",
	ABORTED_COMMAND: "aborted command",
	VOLUME_OVERFLOW: "volume overflow",
	MISCOMPARE:      "miscompare",
}

// SCSISubError is the additional sense code (high byte) and qualifier (low
// byte) of a sense condition.
type SCSISubError uint16

const (
	// Key 0: No Sense Errors
	NO_ADDITIONAL_SENSE SCSISubError = 0x0000

	// Key 1: Recovered Errors
	ASC_WRITE_ERROR            SCSISubError = 0x0c00
	ASC_UNEXPECTED_UNSOLICITED SCSISubError = 0x0c0c
	ASC_READ_ERROR             SCSISubError = 0x1100

	// Key 2: Not ready
	ASC_CAUSE_NOT_REPORTABLE  SCSISubError = 0x0400
	ASC_INITIALIZING_REQUIRED SCSISubError = 0x0402
	ASC_MEDIUM_NOT_PRESENT    SCSISubError = 0x3a00

	// Key 4: Hardware Failure
	ASC_INTERNAL_TGT_FAILURE SCSISubError = 0x4400

	// Key 5: Illegal Request
	ASC_PARAMETER_LIST_LENGTH_ERR SCSISubError = 0x1a00
	ASC_INVALID_OP_CODE           SCSISubError = 0x2000
	ASC_LBA_OUT_OF_RANGE          SCSISubError = 0x2100
	ASC_INVALID_FIELD_IN_CDB      SCSISubError = 0x2400
	ASC_LUN_NOT_SUPPORTED         SCSISubError = 0x2500
	ASC_INVALID_FIELD_IN_PARMS    SCSISubError = 0x2600
	ASC_SAVING_PARMS_UNSUP        SCSISubError = 0x3900

	// Key 6: Unit Attention
	ASC_POWERON_RESET               SCSISubError = 0x2900
	ASC_RESERVATIONS_RELEASED       SCSISubError = 0x2a04
	ASC_CMDS_CLEARED_BY_ANOTHER_INI SCSISubError = 0x2f00

	// Data Protect
	ASC_WRITE_PROTECT SCSISubError = 0x2700

	// Miscompare
	ASC_MISCOMPARE_DURING_VERIFY_OPERATION SCSISubError = 0x1d00
)

// SenseError is a check condition raised while executing a command.
type SenseError struct {
	Key byte
	ASC SCSISubError
}

func (e SenseError) Error() string {
	name, ok := senseKeyNames[e.Key]
	if !ok {
		name = fmt.Sprintf("sense key %#x", e.Key)
	}
	return fmt.Sprintf("%s (asc %#04x)", name, uint16(e.ASC))
}

var (
	errLBAOutOfRange   = SenseError{ILLEGAL_REQUEST, ASC_LBA_OUT_OF_RANGE}
	errInvalidField    = SenseError{ILLEGAL_REQUEST, ASC_INVALID_FIELD_IN_CDB}
	errNotReady        = SenseError{NOT_READY, ASC_INITIALIZING_REQUIRED}
	errWriteProtect    = SenseError{DATA_PROTECT, ASC_WRITE_PROTECT}
	errReadFailure     = SenseError{MEDIUM_ERROR, ASC_READ_ERROR}
	errWriteFailure    = SenseError{MEDIUM_ERROR, ASC_WRITE_ERROR}
	errInternalFailure = SenseError{HARDWARE_ERROR, ASC_INTERNAL_TGT_FAILURE}
)
