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

package scsi

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gostor/ietgt/pkg/api"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTarget = "iqn.2017-01.org.gostor:scsi"
	testBlocks = 64
	testSID    = 0x400001370000
)

// memStore keeps the LU in memory. A test can hold reads on gate.
type memStore struct {
	BaseBackingStore
	mu      sync.Mutex
	data    []byte
	syncs   int
	gate    chan struct{}
	entered chan struct{}
}

func init() {
	RegisterBackingStore("mem", func() (BackingStore, error) {
		return &memStore{BaseBackingStore: BaseBackingStore{Name: "mem"}}, nil
	})
}

func (bs *memStore) Open(path string, size uint64) error {
	if path == "missing" {
		return errors.New("no such store")
	}
	bs.DataSize = size
	bs.data = make([]byte, size)
	return nil
}

func (bs *memStore) Close() error { return nil }

func (bs *memStore) hold() {
	bs.mu.Lock()
	bs.gate = make(chan struct{})
	bs.entered = make(chan struct{}, 16)
	bs.mu.Unlock()
}

func (bs *memStore) Read(offset, tl int64) ([]byte, error) {
	bs.mu.Lock()
	gate, entered := bs.gate, bs.entered
	bs.mu.Unlock()
	if gate != nil {
		entered <- struct{}{}
		<-gate
	}
	bs.mu.Lock()
	defer bs.mu.Unlock()
	buf := make([]byte, tl)
	copy(buf, bs.data[offset:])
	return buf, nil
}

func (bs *memStore) Write(wbuf []byte, offset int64) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	copy(bs.data[offset:], wbuf)
	return nil
}

func (bs *memStore) DataSync(offset, tl int64) error {
	bs.mu.Lock()
	bs.syncs++
	bs.mu.Unlock()
	return nil
}

func (bs *memStore) DataAdvise(offset, length int64, advise int) error { return nil }

func (bs *memStore) syncCount() int {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.syncs
}

type testBuffer struct {
	b []byte
}

func newTestBuffer(n int) *testBuffer {
	return &testBuffer{b: make([]byte, n)}
}

func (b *testBuffer) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, b.b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *testBuffer) WriteAt(p []byte, off int64) (int, error) {
	if int(off)+len(p) > len(b.b) {
		return 0, io.ErrShortWrite
	}
	return copy(b.b[off:], p), nil
}

func (b *testBuffer) Len() int { return len(b.b) }

func memLUN(lun uint64) api.LUNConfig {
	return api.LUNConfig{LUN: lun, Store: "mem", Path: "lun", Size: testBlocks << 9}
}

func newTestDevice(t *testing.T, opts DeviceOptions, luns ...api.LUNConfig) *Device {
	if len(luns) == 0 {
		luns = []api.LUNConfig{memLUN(0)}
	}
	d, err := NewDevice(testTarget, luns, opts)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func storeOf(d *Device, lun uint64) *memStore {
	return d.LU(lun).store.(*memStore)
}

func newRequest(sid, lun uint64, tag uint32, cdb []byte) *api.SCSIRequest {
	return &api.SCSIRequest{
		Nexus:     api.Nexus{SessionID: sid, TargetID: 1, LUN: lun},
		Tag:       tag,
		CDB:       cdb,
		Initiator: "iqn.2017-01.org.gostor:initiator",
	}
}

func submit(d *Device, req *api.SCSIRequest) <-chan *api.SCSIRequest {
	ch := make(chan *api.SCSIRequest, 1)
	d.Submit(req, func(r *api.SCSIRequest) { ch <- r })
	return ch
}

func wait(t *testing.T, ch <-chan *api.SCSIRequest) *api.SCSIRequest {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("request not completed")
	}
	return nil
}

func pending(ch <-chan *api.SCSIRequest) bool {
	select {
	case <-ch:
		return false
	case <-time.After(50 * time.Millisecond):
		return true
	}
}

// run executes cdb on lun for session testSID with out as data from the
// initiator and room for inLen bytes of data to it.
func run(t *testing.T, d *Device, lun uint64, cdb []byte, out []byte, inLen int) (*api.SCSIRequest, []byte) {
	t.Helper()
	req := newRequest(testSID, lun, 1, cdb)
	if out != nil {
		req.Out = &testBuffer{b: out}
		req.Direction = api.SCSIDataWrite
	}
	var in *testBuffer
	if inLen > 0 {
		in = newTestBuffer(inLen)
		req.In = in
		req.Direction = api.SCSIDataRead
	}
	r := wait(t, submit(d, req))
	if in == nil {
		return r, nil
	}
	return r, in.b[:r.InTransferred]
}

func requireGood(t *testing.T, r *api.SCSIRequest) {
	t.Helper()
	require.Equal(t, api.SAM_STAT_GOOD, r.Status, "sense %x", r.Sense)
}

func requireSense(t *testing.T, r *api.SCSIRequest, key byte, asc SCSISubError) {
	t.Helper()
	require.Equal(t, api.SAM_STAT_CHECK_CONDITION, r.Status)
	require.Len(t, r.Sense, DefaultSenseBufferSize)
	assert.Equal(t, byte(0x70), r.Sense[0])
	assert.Equal(t, key, r.Sense[2])
	assert.Equal(t, []byte{byte(asc >> 8), byte(asc)}, r.Sense[12:14])
}

func cdb6(op api.SCSICommandType, lba uint32, blocks byte) []byte {
	return []byte{byte(op), byte(lba>>16) & 0x1f, byte(lba >> 8), byte(lba), blocks, 0}
}

func cdb10(op api.SCSICommandType, flags byte, lba uint32, blocks uint16) []byte {
	c := make([]byte, 10)
	c[0], c[1] = byte(op), flags
	c[2], c[3], c[4], c[5] = byte(lba>>24), byte(lba>>16), byte(lba>>8), byte(lba)
	c[7], c[8] = byte(blocks>>8), byte(blocks)
	return c
}

func cdb12(op api.SCSICommandType, flags byte, lba uint32, blocks uint32) []byte {
	c := make([]byte, 12)
	c[0], c[1] = byte(op), flags
	c[2], c[3], c[4], c[5] = byte(lba>>24), byte(lba>>16), byte(lba>>8), byte(lba)
	c[6], c[7], c[8], c[9] = byte(blocks>>24), byte(blocks>>16), byte(blocks>>8), byte(blocks)
	return c
}

func cdb16(op api.SCSICommandType, flags byte, lba uint64, blocks uint32) []byte {
	c := make([]byte, 16)
	c[0], c[1] = byte(op), flags
	for i := 0; i < 8; i++ {
		c[2+i] = byte(lba >> (56 - 8*uint(i)))
	}
	c[10], c[11], c[12], c[13] = byte(blocks>>24), byte(blocks>>16), byte(blocks>>8), byte(blocks)
	return c
}

func TestNewDevice(t *testing.T) {
	cases := map[string]struct {
		luns []api.LUNConfig
		err  bool
	}{
		"two luns":       {luns: []api.LUNConfig{memLUN(3), memLUN(0)}},
		"no luns":        {},
		"duplicate lun":  {luns: []api.LUNConfig{memLUN(0), memLUN(0)}, err: true},
		"unknown store":  {luns: []api.LUNConfig{{LUN: 0, Store: "tape", Path: "x"}}, err: true},
		"store failure":  {luns: []api.LUNConfig{{LUN: 0, Store: "mem", Path: "missing", Size: 4096}}, err: true},
		"below a block":  {luns: []api.LUNConfig{{LUN: 0, Store: "mem", Path: "lun", Size: 100}}, err: true},
		"4k below block": {luns: []api.LUNConfig{{LUN: 0, Store: "mem", Path: "lun", Size: 2048, BlockShift: 12}}, err: true},
	}
	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			d, err := NewDevice(testTarget, tt.luns, DeviceOptions{})
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer d.Close()
			cfgs := d.LUNs()
			require.Len(t, cfgs, len(tt.luns))
			for i := 1; i < len(cfgs); i++ {
				assert.True(t, cfgs[i-1].LUN < cfgs[i].LUN)
			}
		})
	}
}

func TestLUDefaults(t *testing.T) {
	d := newTestDevice(t, DeviceOptions{})
	lu := d.LU(0)
	require.NotNil(t, lu)
	assert.Equal(t, DefaultBlockShift, lu.BlockShift)
	assert.Equal(t, uint64(testBlocks), lu.Blocks())
	assert.Equal(t, DefaultVendorID, lu.VendorID)
	assert.Equal(t, DefaultProductID, lu.ProductID)
	assert.Len(t, lu.Serial, 16)

	// identifiers are stable for a target and LUN
	again, err := NewLU(testTarget, memLUN(0))
	require.NoError(t, err)
	assert.Equal(t, lu.UUID, again.UUID)
	assert.Equal(t, lu.Serial, again.Serial)
	other, err := NewLU(testTarget, memLUN(1))
	require.NoError(t, err)
	assert.NotEqual(t, lu.UUID, other.UUID)

	cfg := lu.Config()
	assert.Equal(t, "mem", cfg.Store)
	assert.True(t, cfg.Online)
	assert.Equal(t, uint64(testBlocks<<9), cfg.Size)
}

func TestCheckCommand(t *testing.T) {
	d := newTestDevice(t, DeviceOptions{})
	for _, op := range []api.SCSICommandType{
		api.TEST_UNIT_READY, api.INQUIRY, api.REPORT_LUNS, api.READ_10, api.WRITE_16,
		api.SERVICE_ACTION_IN, api.RESERVE, api.RELEASE, api.MODE_SENSE_10, api.VERIFY_12,
	} {
		assert.True(t, d.CheckCommand(byte(op)), "%#x", byte(op))
	}
	for _, op := range []api.SCSICommandType{api.PERSISTENT_RESERVE_IN, api.WRITE_BUFFER, api.MODE_SELECT, 0xff} {
		assert.False(t, d.CheckCommand(byte(op)), "%#x", byte(op))
	}
}

func TestUnknownLUN(t *testing.T) {
	d := newTestDevice(t, DeviceOptions{})
	cases := map[string]struct {
		cdb  []byte
		good bool
	}{
		"test unit ready": {cdb: []byte{byte(api.TEST_UNIT_READY), 0, 0, 0, 0, 0}},
		"read":            {cdb: cdb10(api.READ_10, 0, 0, 1)},
		"inquiry":         {cdb: []byte{byte(api.INQUIRY), 0, 0, 0, 36, 0}, good: true},
		"report luns":     {cdb: []byte{byte(api.REPORT_LUNS), 0, 0, 0, 0, 0, 0, 0, 0, 16, 0, 0}, good: true},
		"request sense":   {cdb: []byte{byte(api.REQUEST_SENSE), 0, 0, 0, 18, 0}, good: true},
	}
	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			r, _ := run(t, d, 7, tt.cdb, nil, 512)
			if tt.good {
				requireGood(t, r)
			} else {
				requireSense(t, r, ILLEGAL_REQUEST, ASC_LUN_NOT_SUPPORTED)
			}
		})
	}
}

func TestUnsupportedCommand(t *testing.T) {
	d := newTestDevice(t, DeviceOptions{})
	r, _ := run(t, d, 0, []byte{byte(api.PERSISTENT_RESERVE_IN), 0, 0, 0, 0, 0, 0, 0, 0, 0}, nil, 0)
	requireSense(t, r, ILLEGAL_REQUEST, ASC_INVALID_OP_CODE)

	// service action in without a known action
	sai := cdb16(api.SERVICE_ACTION_IN, 0x11, 0, 32)
	r, _ = run(t, d, 0, sai, nil, 32)
	requireSense(t, r, ILLEGAL_REQUEST, ASC_INVALID_OP_CODE)
}

func TestAbortQueued(t *testing.T) {
	d := newTestDevice(t, DeviceOptions{Workers: 1})
	ms := storeOf(d, 0)
	ms.hold()

	first := newRequest(testSID, 0, 1, cdb10(api.READ_10, 0, 0, 1))
	first.In = newTestBuffer(512)
	c1 := submit(d, first)
	<-ms.entered
	c2 := submit(d, newRequest(testSID, 0, 2, []byte{byte(api.TEST_UNIT_READY), 0, 0, 0, 0, 0}))
	assert.True(t, pending(c2))

	assert.False(t, d.AbortTask(api.Nexus{SessionID: testSID, LUN: 0}, 9))
	assert.False(t, d.AbortTask(api.Nexus{SessionID: testSID + 1, LUN: 0}, 2))
	assert.True(t, d.AbortTask(api.Nexus{SessionID: testSID, LUN: 0}, 2))
	r := wait(t, c2)
	assert.True(t, r.Aborted)
	assert.False(t, r.SendAbortStatus)

	close(ms.gate)
	r = wait(t, c1)
	requireGood(t, r)
	assert.False(t, r.Aborted)
}

func TestAbortRunning(t *testing.T) {
	d := newTestDevice(t, DeviceOptions{Workers: 1})
	ms := storeOf(d, 0)
	ms.hold()

	req := newRequest(testSID, 0, 1, cdb10(api.READ_10, 0, 0, 1))
	req.In = newTestBuffer(512)
	c := submit(d, req)
	<-ms.entered

	assert.True(t, d.AbortTask(api.Nexus{SessionID: testSID, LUN: 0}, 1))
	// already marked
	assert.False(t, d.AbortTask(api.Nexus{SessionID: testSID, LUN: 0}, 1))
	assert.True(t, pending(c))

	close(ms.gate)
	r := wait(t, c)
	assert.True(t, r.Aborted)
}

func TestAbortTaskSetAndReset(t *testing.T) {
	const other = testSID + 1
	cases := map[string]struct {
		abort func(d *Device)
		// expected abort state of: own LUN 0, own LUN 1, other session LUN 0
		aborted   [3]bool
		sendAbort [3]bool
		released  bool
	}{
		"abort task set": {
			abort:   func(d *Device) { d.AbortTaskSet(api.Nexus{SessionID: testSID, LUN: 0}) },
			aborted: [3]bool{true, false, false},
		},
		"lu reset": {
			abort:     func(d *Device) { d.Reset(api.Nexus{SessionID: testSID, LUN: 0}, false) },
			aborted:   [3]bool{true, false, true},
			sendAbort: [3]bool{false, false, true},
			released:  true,
		},
		"target reset": {
			abort:     func(d *Device) { d.Reset(api.Nexus{SessionID: testSID, LUN: 0}, true) },
			aborted:   [3]bool{true, true, true},
			sendAbort: [3]bool{false, false, true},
			released:  true,
		},
	}
	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			d := newTestDevice(t, DeviceOptions{Workers: 1}, memLUN(0), memLUN(1))
			require.True(t, d.LU(0).reserveFor(other))

			// hold the only worker on LUN 1 so the rest stays queued
			blocker := storeOf(d, 1)
			blocker.hold()
			hold := newRequest(other, 1, 0x100, cdb10(api.READ_10, 0, 0, 1))
			hold.In = newTestBuffer(512)
			ch := submit(d, hold)
			<-blocker.entered

			tur := []byte{byte(api.TEST_UNIT_READY), 0, 0, 0, 0, 0}
			chans := []<-chan *api.SCSIRequest{
				submit(d, newRequest(testSID, 0, 1, tur)),
				submit(d, newRequest(testSID, 1, 2, tur)),
				submit(d, newRequest(other, 0, 3, tur)),
			}
			tt.abort(d)
			close(blocker.gate)
			wait(t, ch)

			for i, c := range chans {
				r := wait(t, c)
				assert.Equal(t, tt.aborted[i], r.Aborted, "request %d", i)
				assert.Equal(t, tt.sendAbort[i], r.SendAbortStatus, "request %d", i)
			}
			assert.Equal(t, !tt.released, d.LU(0).conflicts(testSID))
		})
	}
}

func TestOrderedTask(t *testing.T) {
	d := newTestDevice(t, DeviceOptions{Workers: 2})
	ms := storeOf(d, 0)
	ms.hold()

	read := newRequest(testSID, 0, 1, cdb10(api.READ_10, 0, 0, 1))
	read.In = newTestBuffer(512)
	c1 := submit(d, read)
	<-ms.entered

	ordered := newRequest(testSID, 0, 2, []byte{byte(api.TEST_UNIT_READY), 0, 0, 0, 0, 0})
	ordered.Attribute = api.TaskOrdered
	c2 := submit(d, ordered)
	// held back by the ordered task
	c3 := submit(d, newRequest(testSID, 0, 3, []byte{byte(api.TEST_UNIT_READY), 0, 0, 0, 0, 0}))
	assert.True(t, pending(c2))
	assert.True(t, pending(c3))

	close(ms.gate)
	requireGood(t, wait(t, c1))
	requireGood(t, wait(t, c2))
	requireGood(t, wait(t, c3))
}

func TestHeadOfQueue(t *testing.T) {
	d := newTestDevice(t, DeviceOptions{Workers: 1})
	ms := storeOf(d, 0)
	ms.hold()

	read := newRequest(testSID, 0, 1, cdb10(api.READ_10, 0, 0, 1))
	read.In = newTestBuffer(512)
	c1 := submit(d, read)
	<-ms.entered

	tur := []byte{byte(api.TEST_UNIT_READY), 0, 0, 0, 0, 0}
	submit(d, newRequest(testSID, 0, 2, tur))
	hoq := newRequest(testSID, 0, 3, tur)
	hoq.Attribute = api.TaskHeadOfQueue
	submit(d, hoq)

	d.mu.Lock()
	require.Len(t, d.queue, 2)
	assert.Equal(t, uint32(3), d.queue[0].req.Tag)
	d.mu.Unlock()

	close(ms.gate)
	wait(t, c1)
}

func TestTaskSetFull(t *testing.T) {
	d := newTestDevice(t, DeviceOptions{Workers: 1, QueueDepth: 1})
	ms := storeOf(d, 0)
	ms.hold()

	read := newRequest(testSID, 0, 1, cdb10(api.READ_10, 0, 0, 1))
	read.In = newTestBuffer(512)
	c1 := submit(d, read)
	<-ms.entered

	r := wait(t, submit(d, newRequest(testSID, 0, 2, []byte{byte(api.TEST_UNIT_READY), 0, 0, 0, 0, 0})))
	assert.Equal(t, api.SAM_STAT_TASK_SET_FULL, r.Status)

	close(ms.gate)
	requireGood(t, wait(t, c1))
}

func TestDeviceClose(t *testing.T) {
	d, err := NewDevice(testTarget, []api.LUNConfig{memLUN(0)}, DeviceOptions{Workers: 1})
	require.NoError(t, err)
	ms := storeOf(d, 0)
	ms.hold()

	read := newRequest(testSID, 0, 1, cdb10(api.READ_10, 0, 0, 1))
	read.In = newTestBuffer(512)
	c1 := submit(d, read)
	<-ms.entered
	c2 := submit(d, newRequest(testSID, 0, 2, []byte{byte(api.TEST_UNIT_READY), 0, 0, 0, 0, 0}))

	closed := make(chan error, 1)
	go func() { closed <- d.Close() }()
	r := wait(t, c2)
	assert.True(t, r.Aborted)

	close(ms.gate)
	requireGood(t, wait(t, c1))
	require.NoError(t, <-closed)
	assert.NoError(t, d.Close())

	r = wait(t, submit(d, newRequest(testSID, 0, 3, []byte{byte(api.TEST_UNIT_READY), 0, 0, 0, 0, 0})))
	assert.Equal(t, api.SAM_STAT_BUSY, r.Status)
}

func TestDisabled(t *testing.T) {
	d := newTestDevice(t, DeviceOptions{})
	assert.False(t, d.Disabled())
	d.SetDisabled(true)
	assert.True(t, d.Disabled())
	d.SetDisabled(false)
	assert.False(t, d.Disabled())
}

func TestBackingStoreRegistry(t *testing.T) {
	assert.Contains(t, BackingStores(), "mem")
	_, err := NewBackingStore("tape")
	assert.Error(t, err)
	bs, err := NewBackingStore("mem")
	require.NoError(t, err)
	require.NoError(t, bs.Open("lun", 4096))
	assert.Equal(t, uint64(4096), bs.Size())
}

func TestSenseError(t *testing.T) {
	assert.Equal(t, "illegal request (asc 0x2100)", errLBAOutOfRange.Error())
	assert.Equal(t, "sense key 0xf (asc 0x0000)", SenseError{Key: 0x0f}.Error())

	cmd := &Command{}
	stat := checkCondition(cmd, errors.Wrap(errWriteProtect, "lun 0"))
	assert.Equal(t, api.SAM_STAT_CHECK_CONDITION, stat.Stat)
	assert.Equal(t, DATA_PROTECT, cmd.sense[2])

	// errors without sense are target failures
	checkCondition(cmd, io.ErrUnexpectedEOF)
	assert.Equal(t, HARDWARE_ERROR, cmd.sense[2])
	assert.Equal(t, []byte{0x44, 0x00}, cmd.sense[12:14])
}
