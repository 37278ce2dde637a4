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
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gostor/ietgt/pkg/api"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultWorkers    = 4
	DefaultQueueDepth = 128
)

type DeviceOptions struct {
	// Workers is the number of requests executed at the same time.
	Workers int
	// QueueDepth bounds the requests the device holds; more are answered
	// with TASK SET FULL.
	QueueDepth int
}

type taskKey struct {
	sid uint64
	tag uint32
}

type task struct {
	req       *api.SCSIRequest
	done      func(*api.SCSIRequest)
	aborted   bool
	sendAbort bool
}

func (t *task) key() taskKey {
	return taskKey{t.req.Nexus.SessionID, t.req.Tag}
}

func (t *task) lun() uint64 {
	return t.req.Nexus.LUN
}

// Device is the SCSI target device behind one iSCSI target: its LUs and
// the workers that execute requests against them.
type Device struct {
	Name string

	opts     DeviceOptions
	disabled int32

	mu      sync.Mutex
	cond    *sync.Cond
	lus     map[uint64]*LU
	queue   []*task
	running map[taskKey]*task
	// per LUN count of running tasks, and whether one of them is ordered
	active  map[uint64]int
	ordered map[uint64]bool
	closed  bool
	wg      sync.WaitGroup
}

var _ api.SCSIDevice = &Device{}

// NewDevice opens the LUs of a target and starts its workers.
func NewDevice(name string, luns []api.LUNConfig, opts DeviceOptions) (*Device, error) {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	d := &Device{
		Name:    name,
		opts:    opts,
		lus:     make(map[uint64]*LU),
		running: make(map[taskKey]*task),
		active:  make(map[uint64]int),
		ordered: make(map[uint64]bool),
	}
	d.cond = sync.NewCond(&d.mu)

	for _, cfg := range luns {
		if _, ok := d.lus[cfg.LUN]; ok {
			d.closeLUs()
			return nil, errors.Errorf("lun %d configured twice", cfg.LUN)
		}
		lu, err := NewLU(name, cfg)
		if err != nil {
			d.closeLUs()
			return nil, err
		}
		d.lus[cfg.LUN] = lu
	}

	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d, nil
}

func (d *Device) closeLUs() {
	for _, lu := range d.lus {
		if err := lu.Close(); err != nil {
			log.Warnf("%s: close lun %d: %v", d.Name, lu.LUN, err)
		}
	}
}

// LU returns the LU with number lun, or nil.
func (d *Device) LU(lun uint64) *LU {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lus[lun]
}

func (d *Device) luns() []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	luns := make([]uint64, 0, len(d.lus))
	for lun := range d.lus {
		luns = append(luns, lun)
	}
	sort.Slice(luns, func(i, j int) bool { return luns[i] < luns[j] })
	return luns
}

// LUNs returns the configuration of every LU, ordered by LUN.
func (d *Device) LUNs() []api.LUNConfig {
	var cfgs []api.LUNConfig
	for _, lun := range d.luns() {
		if lu := d.LU(lun); lu != nil {
			cfgs = append(cfgs, lu.Config())
		}
	}
	return cfgs
}

func (d *Device) Submit(req *api.SCSIRequest, done func(*api.SCSIRequest)) {
	t := &task{req: req, done: done}
	d.mu.Lock()
	switch {
	case d.closed:
		d.mu.Unlock()
		req.Status = api.SAM_STAT_BUSY
		go done(req)
		return
	case len(d.queue)+len(d.running) >= d.opts.QueueDepth:
		d.mu.Unlock()
		log.Warnf("%s: task set full, tag %#x", d.Name, req.Tag)
		req.Status = api.SAM_STAT_TASK_SET_FULL
		go done(req)
		return
	}
	if req.Attribute == api.TaskHeadOfQueue {
		d.queue = append([]*task{t}, d.queue...)
	} else {
		d.queue = append(d.queue, t)
	}
	d.mu.Unlock()
	d.cond.Signal()
}

// next takes the first task that may run. An ordered task waits for the
// tasks running on its LUN and holds back everything queued after it.
// Caller holds d.mu.
func (d *Device) next() *task {
	blocked := map[uint64]bool{}
	for i, t := range d.queue {
		lun := t.lun()
		if blocked[lun] {
			continue
		}
		if d.ordered[lun] || (t.req.Attribute == api.TaskOrdered && d.active[lun] > 0) {
			blocked[lun] = true
			continue
		}
		d.queue = append(d.queue[:i], d.queue[i+1:]...)
		d.running[t.key()] = t
		d.active[lun]++
		if t.req.Attribute == api.TaskOrdered {
			d.ordered[lun] = true
		}
		return t
	}
	return nil
}

func (d *Device) worker() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		var t *task
		for {
			if t = d.next(); t != nil || d.closed {
				break
			}
			d.cond.Wait()
		}
		d.mu.Unlock()
		if t == nil {
			return
		}

		d.execute(t.req)

		d.mu.Lock()
		delete(d.running, t.key())
		lun := t.lun()
		if d.active[lun]--; d.active[lun] == 0 {
			delete(d.active, lun)
		}
		if t.req.Attribute == api.TaskOrdered {
			delete(d.ordered, lun)
		}
		aborted, sendAbort := t.aborted, t.sendAbort
		d.mu.Unlock()
		d.cond.Broadcast()

		if aborted {
			t.req.Aborted = true
			t.req.SendAbortStatus = sendAbort
		}
		t.done(t.req)
	}
}

// execute runs one request and fills in its status and sense.
func (d *Device) execute(req *api.SCSIRequest) {
	cmd := &Command{
		Device:  d,
		LU:      d.LU(req.Nexus.LUN),
		Request: req,
		SCB:     req.CDB,
	}
	stat := d.perform(cmd)
	req.Status = stat.Stat
	if stat.Stat == api.SAM_STAT_CHECK_CONDITION {
		req.Sense = cmd.sense
		req.InTransferred = 0
	}
	if stat.Err != nil {
		log.Debugf("%s: lun %d tag %#x opcode %#x: %v", d.Name, req.Nexus.LUN, req.Tag, req.CDB[0], stat.Err)
	}
}

func (d *Device) perform(cmd *Command) SAMStat {
	if len(cmd.SCB) == 0 {
		BuildSenseData(cmd, ILLEGAL_REQUEST, ASC_INVALID_OP_CODE)
		return SAMStatCheckCondition
	}
	op := sbcProtocol.SCSIDeviceOps[cmd.SCB[0]]
	switch {
	case cmd.LU == nil && !op.NoLU:
		BuildSenseData(cmd, ILLEGAL_REQUEST, ASC_LUN_NOT_SUPPORTED)
		return SAMStatCheckCondition
	case !sbcProtocol.Supported(cmd.SCB[0]):
		BuildSenseData(cmd, ILLEGAL_REQUEST, ASC_INVALID_OP_CODE)
		return SAMStatCheckCondition
	case op.Conflicts && cmd.LU.conflicts(cmd.nexus().SessionID):
		return SAMStatReservationConflict
	}
	return op.perform(cmd)
}

// abort removes the matching queued tasks and marks the matching running
// ones. Removed tasks complete at once.
func (d *Device) abort(match func(*task) bool, sendAbort func(*task) bool) int {
	var removed []*task
	d.mu.Lock()
	kept := d.queue[:0]
	for _, t := range d.queue {
		if match(t) {
			t.aborted, t.sendAbort = true, sendAbort(t)
			removed = append(removed, t)
		} else {
			kept = append(kept, t)
		}
	}
	for i := len(kept); i < len(d.queue); i++ {
		d.queue[i] = nil
	}
	d.queue = kept
	n := len(removed)
	for _, t := range d.running {
		if match(t) && !t.aborted {
			t.aborted, t.sendAbort = true, sendAbort(t)
			n++
		}
	}
	d.mu.Unlock()

	for _, t := range removed {
		t.req.Aborted = true
		t.req.SendAbortStatus = t.sendAbort
		go t.done(t.req)
	}
	return n
}

func never(*task) bool { return false }

func (d *Device) AbortTask(nexus api.Nexus, tag uint32) bool {
	n := d.abort(func(t *task) bool {
		return t.req.Nexus.SessionID == nexus.SessionID && t.req.Tag == tag && t.lun() == nexus.LUN
	}, never)
	return n > 0
}

func (d *Device) AbortTaskSet(nexus api.Nexus) {
	n := d.abort(func(t *task) bool {
		return t.req.Nexus.SessionID == nexus.SessionID && t.lun() == nexus.LUN
	}, never)
	log.Debugf("%s: abort task set of session %#x lun %d: %d tasks", d.Name, nexus.SessionID, nexus.LUN, n)
}

// Reset aborts the tasks of every nexus. Tasks of other sessions than the
// requester report the abort. Reservations on the reset LUs are released.
func (d *Device) Reset(nexus api.Nexus, wholeTarget bool) {
	n := d.abort(func(t *task) bool {
		return wholeTarget || t.lun() == nexus.LUN
	}, func(t *task) bool {
		return t.req.Nexus.SessionID != nexus.SessionID
	})

	d.mu.Lock()
	for lun, lu := range d.lus {
		if wholeTarget || lun == nexus.LUN {
			lu.clearReservation()
		}
	}
	d.mu.Unlock()
	log.Infof("%s: reset of lun %d (whole target %v) by session %#x aborted %d tasks",
		d.Name, nexus.LUN, wholeTarget, nexus.SessionID, n)
}

func (d *Device) CheckCommand(opcode byte) bool {
	return sbcProtocol.Supported(opcode)
}

func (d *Device) Disabled() bool {
	return atomic.LoadInt32(&d.disabled) != 0
}

func (d *Device) SetDisabled(disabled bool) {
	var v int32
	if disabled {
		v = 1
	}
	atomic.StoreInt32(&d.disabled, v)
}

// Close stops the workers once the running requests are done, aborts the
// queued ones and closes the LUs.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	d.abort(func(t *task) bool {
		_, running := d.running[t.key()]
		return !running
	}, never)
	d.cond.Broadcast()
	d.wg.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for _, lu := range d.lus {
		if err := lu.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "close lun %d", lu.LUN)
		}
	}
	return firstErr
}
