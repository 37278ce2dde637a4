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
	"context"
	"net"
	"sync"

	"github.com/gostor/ietgt/pkg/api"
	"github.com/gostor/ietgt/pkg/port"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const eventQueueLen = 256

type CloseEvent = port.CloseEvent

// ISCSITarget is one iSCSI target node. All protocol work of its sessions
// runs on a single loop goroutine fed through post.
type ISCSITarget struct {
	Name    string
	TID     int
	TPGT    uint16
	Alias   string
	Params  api.TargetParams
	LUNs    []api.LUNConfig
	Portals []string

	device      api.SCSIDevice
	sessionKeys ISCSISessionParams
	notify      func(CloseEvent)

	// session directory
	mu       sync.Mutex
	sessions map[uint64]*ISCSISession
	nextTSIH uint16

	events chan func()
	done   chan struct{}

	// loop state
	conns    []*iscsiConnection
	deleting bool
	disabled bool
}

func newISCSITarget(name string, tid int, dev api.SCSIDevice, params api.TargetParams, keys ISCSISessionParams) *ISCSITarget {
	return &ISCSITarget{
		Name:        name,
		TID:         tid,
		TPGT:        1,
		Params:      params,
		device:      dev,
		sessionKeys: keys,
		sessions:    map[uint64]*ISCSISession{},
		nextTSIH:    1,
		events:      make(chan func(), eventQueueLen),
		done:        make(chan struct{}),
	}
}

// post queues fn for the loop. It reports false once the loop is gone.
func (t *ISCSITarget) post(fn func()) bool {
	select {
	case t.events <- fn:
		return true
	case <-t.done:
		return false
	}
}

// postAsync never blocks the caller; it is used from timers and device
// completions, which may run while the loop itself waits.
func (t *ISCSITarget) postAsync(fn func()) {
	select {
	case t.events <- fn:
	case <-t.done:
	default:
		go t.post(fn)
	}
}

// call runs fn on the loop and waits for it.
func (t *ISCSITarget) call(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if !t.post(func() {
		fn()
		close(ran)
	}) {
		return errTargetDeleted
	}
	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return errTargetDeleted
	}
}

func (t *ISCSITarget) run() {
	defer close(t.done)
	for {
		fn := <-t.events
		fn()
		for drained := false; !drained; {
			select {
			case fn = <-t.events:
				fn()
			default:
				drained = true
			}
		}
		t.processConnections()
		if t.deleting && len(t.conns) == 0 {
			log.Infof("target %s: loop stopped", t.Name)
			return
		}
	}
}

// processConnections runs I/O passes until no connection has work left,
// then tears down closed connections the device is done with.
func (t *ISCSITarget) processConnections() {
	for again := true; again; {
		again = false
		for _, conn := range t.conns {
			if conn.active() && conn.processIO() {
				again = true
			}
		}
	}
	live := t.conns[:0]
	for _, conn := range t.conns {
		if !conn.active() && conn.busy == 0 {
			conn.teardown()
			continue
		}
		live = append(live, conn)
	}
	for i := len(live); i < len(t.conns); i++ {
		t.conns[i] = nil
	}
	t.conns = live
}

// allocTSIH picks an unused TSIH. Called with t.mu held.
func (t *ISCSITarget) allocTSIH() uint16 {
	for {
		tsih := t.nextTSIH
		t.nextTSIH++
		if tsih == 0 || tsih == 0xffff {
			continue
		}
		inUse := false
		for _, s := range t.sessions {
			if s.TSIH == tsih {
				inUse = true
				break
			}
		}
		if !inUse {
			return tsih
		}
	}
}

// lookupSession returns the session for a non-leading login and counts
// the new connection against MaxConnections.
func (t *ISCSITarget) lookupSession(isid uint64, tsih uint16, initiator string) (*ISCSISession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sessions[sessionID(isid, tsih)]
	if s == nil || s.Initiator != initiator {
		return nil, errSessionNotFound
	}
	if uint(s.connCount) >= s.param(ISCSI_PARAM_MAXCONNECTIONS) {
		return nil, errTooManyConnections
	}
	s.connCount++
	return s, nil
}

// createSession registers a new session. An older session of the same
// initiator and ISID is returned for reinstatement.
func (t *ISCSITarget) createSession(initiator, alias string, isid uint64, params ISCSISessionParams, cmdSN uint32) (*ISCSISession, *ISCSISession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var old *ISCSISession
	for _, s := range t.sessions {
		if s.ISID == isid && s.Initiator == initiator {
			old = s
			break
		}
	}
	s := newISCSISession(t, initiator, alias, isid, t.allocTSIH(), params, cmdSN)
	s.connCount = 1
	t.sessions[s.SID] = s
	Metrics.Sessions.Inc()
	return s, old
}

// releaseLogin undoes a login that never reached full feature phase.
func (t *ISCSITarget) releaseLogin(s *ISCSISession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s.connCount--
	if s.connCount == 0 && t.sessions[s.SID] == s {
		delete(t.sessions, s.SID)
		Metrics.Sessions.Dec()
	}
}

// dropSessionConn forgets a torn down connection and the session with its
// last one.
func (t *ISCSITarget) dropSessionConn(s *ISCSISession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s.connCount--
	if s.connCount > 0 || t.sessions[s.SID] != s {
		return
	}
	delete(t.sessions, s.SID)
	Metrics.Sessions.Dec()
	log.Infof("target %s: session %#x removed", t.Name, s.SID)
}

func (t *ISCSITarget) sessionList() []*ISCSISession {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := make([]*ISCSISession, 0, len(t.sessions))
	for _, s := range t.sessions {
		list = append(list, s)
	}
	return list
}

// attach hands a logged in socket to the loop. old is a session being
// reinstated by this login.
func (t *ISCSITarget) attach(s *ISCSISession, nc net.Conn, p connParams, old *ISCSISession) error {
	ok := t.post(func() {
		if t.deleting {
			t.releaseLogin(s)
			nc.Close()
			return
		}
		if prev := s.conns[p.cid]; prev != nil {
			prev.close(errReinstated)
		}
		if old != nil {
			old.closeAll(errReinstated)
		}
		conn := newConnection(t, s, nc, p)
		s.conns[p.cid] = conn
		t.conns = append(t.conns, conn)
		Metrics.Connections.Inc()
		conn.start()
		conn.log.Infof("connection in full feature phase")
		if t.disabled {
			conn.sendLogoutRequest()
		}
	})
	if !ok {
		t.releaseLogin(s)
		return errTargetDeleted
	}
	return nil
}

// Disable stops the target from accepting new SCSI commands and asks
// every initiator to log out.
func (t *ISCSITarget) Disable(ctx context.Context) error {
	return t.call(ctx, func() {
		t.disabled = true
		for _, conn := range t.conns {
			if conn.active() {
				conn.sendLogoutRequest()
			}
		}
	})
}

// CloseSession closes every connection of a session.
func (t *ISCSITarget) CloseSession(ctx context.Context, sid uint64) error {
	t.mu.Lock()
	s := t.sessions[sid]
	t.mu.Unlock()
	if s == nil {
		return errSessionNotFound
	}
	return t.call(ctx, func() { s.closeAll(errSessionClosed) })
}

func (t *ISCSITarget) Sessions(ctx context.Context) ([]api.SessionInfo, error) {
	var infos []api.SessionInfo
	err := t.call(ctx, func() {
		for _, s := range t.sessionList() {
			infos = append(infos, s.info())
		}
	})
	return infos, err
}

func (t *ISCSITarget) Info() api.TargetInfo {
	t.mu.Lock()
	n := len(t.sessions)
	t.mu.Unlock()
	return api.TargetInfo{
		Name:     t.Name,
		TID:      t.TID,
		Disabled: t.device == nil || t.device.Disabled(),
		LUNs:     t.LUNs,
		Sessions: n,
	}
}

// shutdown closes every connection and waits for the loop to finish with
// them. Closed connections are not reported to the notifier.
func (t *ISCSITarget) shutdown(ctx context.Context) error {
	ok := t.post(func() {
		t.deleting = true
		for _, conn := range t.conns {
			conn.close(errTargetDeleted)
		}
	})
	if !ok {
		return nil
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "target %s shutdown", t.Name)
	}
}
