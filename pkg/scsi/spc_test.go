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

// SCSI primary command processing
package scsi

import (
	"testing"

	"github.com/gostor/ietgt/pkg/api"
	"github.com/gostor/ietgt/pkg/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inquiry(evpd bool, page byte, alloc uint16) []byte {
	cdb := []byte{byte(api.INQUIRY), 0, page, byte(alloc >> 8), byte(alloc), 0}
	if evpd {
		cdb[1] = 0x01
	}
	return cdb
}

func TestSPCInquiry(t *testing.T) {
	d := newTestDevice(t, DeviceOptions{})
	serial := d.LU(0).Serial

	cases := map[string]struct {
		lun   uint64
		cdb   []byte
		check func(t *testing.T, data []byte)
	}{
		"standard": {
			cdb: inquiry(false, 0, 96),
			check: func(t *testing.T, data []byte) {
				require.Len(t, data, 36)
				assert.Equal(t, byte(TYPE_DISK), data[0])
				assert.Equal(t, byte(0x05), data[2])
				assert.Equal(t, byte(31), data[4])
				assert.Equal(t, "GOSTOR  ", string(data[8:16]))
				assert.Equal(t, "IETGT DISK      ", string(data[16:32]))
				assert.Equal(t, "0001", string(data[32:36]))
			},
		},
		"standard truncated": {
			cdb: inquiry(false, 0, 8),
			check: func(t *testing.T, data []byte) {
				assert.Len(t, data, 8)
			},
		},
		"not connected": {
			lun: 9,
			cdb: inquiry(false, 0, 36),
			check: func(t *testing.T, data []byte) {
				assert.Equal(t, byte(TYPE_NO_LUN), data[0])
				assert.Equal(t, "GOSTOR  ", string(data[8:16]))
			},
		},
		"supported pages": {
			cdb: inquiry(true, vpdSupportedPages, 255),
			check: func(t *testing.T, data []byte) {
				assert.Equal(t, []byte{0, 0, 0, 3, 0x00, 0x80, 0x83}, data)
			},
		},
		"unit serial number": {
			cdb: inquiry(true, vpdSerialNumber, 255),
			check: func(t *testing.T, data []byte) {
				assert.Equal(t, byte(vpdSerialNumber), data[1])
				assert.Equal(t, byte(len(serial)), data[3])
				assert.Equal(t, serial, string(data[4:]))
			},
		},
		"device identification": {
			cdb: inquiry(true, vpdDeviceID, 255),
			check: func(t *testing.T, data []byte) {
				nameLen := util.PadLen(len(testTarget) + 1)
				require.Len(t, data, 4+20+28+4+nameLen)
				assert.Equal(t, uint16(len(data)-4), util.GetUnalignedUint16(data[2:4]))

				naa := data[4:24]
				assert.Equal(t, []byte{INQ_CODE_BIN, DESG_NAA, 0, 16}, naa[:4])
				assert.Equal(t, byte(0x60), naa[4]&0xf0)

				t10 := data[24:52]
				assert.Equal(t, []byte{INQ_CODE_ASCII, DESG_T10, 0, 24}, t10[:4])
				assert.Equal(t, "GOSTOR  "+serial, string(t10[4:]))

				name := data[52:]
				assert.Equal(t, byte(PIV_ISCSI<<4)|INQ_CODE_UTF8, name[0])
				assert.Equal(t, 0x80|ASS_TGT_DEV|DESG_SCSI, name[1])
				assert.Equal(t, byte(nameLen), name[3])
				assert.Equal(t, testTarget, string(name[4:4+len(testTarget)]))
				assert.Equal(t, byte(0), name[4+len(testTarget)])
			},
		},
	}
	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			r, in := run(t, d, tt.lun, tt.cdb, nil, 255)
			requireGood(t, r)
			tt.check(t, in)
		})
	}
}

func TestSPCInquiryInvalid(t *testing.T) {
	d := newTestDevice(t, DeviceOptions{})
	for name, tt := range map[string]struct {
		lun uint64
		cdb []byte
	}{
		"page without evpd":  {cdb: inquiry(false, vpdSerialNumber, 255)},
		"unknown page":       {cdb: inquiry(true, 0xb0, 255)},
		"vpd of unknown lun": {lun: 3, cdb: inquiry(true, vpdSupportedPages, 255)},
	} {
		t.Run(name, func(t *testing.T) {
			r, _ := run(t, d, tt.lun, tt.cdb, nil, 255)
			requireSense(t, r, ILLEGAL_REQUEST, ASC_INVALID_FIELD_IN_CDB)
		})
	}
}

func TestSPCReportLuns(t *testing.T) {
	d := newTestDevice(t, DeviceOptions{}, memLUN(300), memLUN(0), memLUN(1))
	reportLuns := func(alloc uint32) []byte {
		return []byte{byte(api.REPORT_LUNS), 0, 0, 0, 0, 0,
			byte(alloc >> 24), byte(alloc >> 16), byte(alloc >> 8), byte(alloc), 0, 0}
	}

	cases := map[string]struct {
		lun   uint64
		alloc uint32
		want  []byte
	}{
		"all luns": {
			alloc: 256,
			want: []byte{
				0, 0, 0, 24, 0, 0, 0, 0,
				0, 0, 0, 0, 0, 0, 0, 0,
				0, 1, 0, 0, 0, 0, 0, 0,
				0x41, 0x2c, 0, 0, 0, 0, 0, 0,
			},
		},
		"truncated": {
			alloc: 16,
			want:  []byte{0, 0, 0, 24, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		},
		"from an unknown lun": {
			lun:   7,
			alloc: 16,
			want:  []byte{0, 0, 0, 24, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		},
	}
	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			r, in := run(t, d, tt.lun, reportLuns(tt.alloc), nil, 256)
			requireGood(t, r)
			assert.Equal(t, tt.want, in)
		})
	}

	r, _ := run(t, d, 0, reportLuns(8), nil, 256)
	requireSense(t, r, ILLEGAL_REQUEST, ASC_INVALID_FIELD_IN_CDB)
}

func TestSPCRequestSense(t *testing.T) {
	cases := map[string]struct {
		lun     uint64
		desc    bool
		stopped bool
		key     byte
		asc     SCSISubError
	}{
		"ready":            {key: NO_SENSE, asc: NO_ADDITIONAL_SENSE},
		"ready descriptor": {desc: true, key: NO_SENSE, asc: NO_ADDITIONAL_SENSE},
		"stopped":          {stopped: true, key: NOT_READY, asc: ASC_INITIALIZING_REQUIRED},
		"unknown lun":      {lun: 4, key: ILLEGAL_REQUEST, asc: ASC_LUN_NOT_SUPPORTED},
		"unknown lun descriptor": {
			lun: 4, desc: true, key: ILLEGAL_REQUEST, asc: ASC_LUN_NOT_SUPPORTED,
		},
	}
	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			d := newTestDevice(t, DeviceOptions{})
			if tt.stopped {
				d.LU(0).setOnline(false)
			}
			cdb := []byte{byte(api.REQUEST_SENSE), 0, 0, 0, 252, 0}
			if tt.desc {
				cdb[1] = 0x01
			}
			r, in := run(t, d, tt.lun, cdb, nil, 252)
			requireGood(t, r)
			if tt.desc {
				require.Len(t, in, 8)
				assert.Equal(t, byte(0x72), in[0])
				assert.Equal(t, tt.key, in[1])
				assert.Equal(t, []byte{byte(tt.asc >> 8), byte(tt.asc)}, in[2:4])
				return
			}
			require.Len(t, in, DefaultSenseBufferSize)
			assert.Equal(t, byte(0x70), in[0])
			assert.Equal(t, tt.key, in[2])
			assert.Equal(t, []byte{byte(tt.asc >> 8), byte(tt.asc)}, in[12:14])
		})
	}
}

func TestSPCStartStop(t *testing.T) {
	d := newTestDevice(t, DeviceOptions{})
	tur := []byte{byte(api.TEST_UNIT_READY), 0, 0, 0, 0, 0}
	startStop := func(b4 byte) []byte {
		return []byte{byte(api.START_STOP), 0, 0, 0, b4, 0}
	}

	r, _ := run(t, d, 0, tur, nil, 0)
	requireGood(t, r)

	r, _ = run(t, d, 0, startStop(0), nil, 0)
	requireGood(t, r)
	assert.False(t, d.LU(0).Online())
	assert.False(t, d.LU(0).Config().Online)
	r, _ = run(t, d, 0, tur, nil, 0)
	requireSense(t, r, NOT_READY, ASC_INITIALIZING_REQUIRED)

	// a power condition leaves the unit stopped
	r, _ = run(t, d, 0, startStop(0x11), nil, 0)
	requireGood(t, r)
	assert.False(t, d.LU(0).Online())

	r, _ = run(t, d, 0, startStop(0x01), nil, 0)
	requireGood(t, r)
	r, _ = run(t, d, 0, tur, nil, 0)
	requireGood(t, r)
}

func TestSPCSendDiagnostics(t *testing.T) {
	d := newTestDevice(t, DeviceOptions{})
	r, _ := run(t, d, 0, []byte{byte(api.SEND_DIAGNOSTIC), 0x04, 0, 0, 0, 0}, nil, 0)
	requireGood(t, r)
	r, _ = run(t, d, 0, []byte{byte(api.SEND_DIAGNOSTIC), 0, 0, 0, 0, 0}, nil, 0)
	requireSense(t, r, ILLEGAL_REQUEST, ASC_INVALID_FIELD_IN_CDB)
}
