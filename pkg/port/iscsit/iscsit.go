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

// iSCSI Target Driver
package iscsit

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/gostor/ietgt/pkg/api"
	"github.com/gostor/ietgt/pkg/port"
	"github.com/gostor/ietgt/pkg/util"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"
)

const iSCSIDriverName = "iscsi"

var (
	errTargetExists   = errors.New("target already exists")
	errNoSuchTarget   = errors.New("no such target")
	errTargetBusy     = errors.New("target has sessions")
	errDriverClosed   = errors.New("driver closed")
	errPortalInUse    = errors.New("portal already added")
	errTargetNoDevice = errors.New("target has no device")
)

func init() {
	port.RegisterTargetDriver(iSCSIDriverName, func(opts port.DriverOptions) (port.TargetDriver, error) {
		return NewISCSITargetDriver(opts)
	})
}

// ISCSITargetDriver accepts connections on its portals, runs their login
// and hands them to the addressed target.
type ISCSITargetDriver struct {
	mu        sync.RWMutex
	targets   map[string]*ISCSITarget
	listeners map[string]net.Listener
	nextTID   int
	closed    bool
	notify    func(port.CloseEvent)
	wg        sync.WaitGroup

	maxConns      int
	discoveryKeys ISCSISessionParams
	discTSIH      uint32
}

func NewISCSITargetDriver(opts port.DriverOptions) (*ISCSITargetDriver, error) {
	keys := defaultSessionParams()
	if err := keys.ApplyKeys(opts.DiscoveryKeys); err != nil {
		return nil, errors.Wrap(err, "discovery keys")
	}
	return &ISCSITargetDriver{
		targets:       map[string]*ISCSITarget{},
		listeners:     map[string]net.Listener{},
		nextTID:       1,
		maxConns:      opts.MaxConnections,
		discoveryKeys: keys,
	}, nil
}

// AddPortal listens on addr, retrying while the address is still held by
// a previous instance.
func (d *ISCSITargetDriver) AddPortal(addr string) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return errDriverClosed
	}
	if _, ok := d.listeners[addr]; ok {
		d.mu.Unlock()
		return errors.Wrap(errPortalInUse, addr)
	}
	d.mu.Unlock()

	var l net.Listener
	err := retry.Do(func() error {
		var err error
		l, err = net.Listen("tcp", addr)
		return err
	},
		retry.DelayType(retry.BackOffDelay),
		retry.Attempts(5),
		retry.Delay(100*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warnf("portal %s: listen attempt %d: %v", addr, n+1, err)
		}))
	if err != nil {
		return errors.Wrapf(err, "portal %s", addr)
	}
	if d.maxConns > 0 {
		l = netutil.LimitListener(l, d.maxConns)
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		l.Close()
		return errDriverClosed
	}
	d.listeners[addr] = l
	d.mu.Unlock()

	log.Infof("iSCSI portal listening on %s", l.Addr())
	d.wg.Add(1)
	go d.serve(l)
	return nil
}

func (d *ISCSITargetDriver) serve(l net.Listener) {
	defer d.wg.Done()
	for {
		nc, err := l.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				log.Warnf("accept on %s: %v", l.Addr(), err)
				time.Sleep(10 * time.Millisecond)
				continue
			}
			log.Debugf("portal %s stopped: %v", l.Addr(), err)
			return
		}
		log.Debugf("connection from %s on %s", nc.RemoteAddr(), nc.LocalAddr())
		go d.handleLogin(nc)
	}
}

func (d *ISCSITargetDriver) Portals() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var list []string
	for _, l := range d.listeners {
		list = append(list, l.Addr().String())
	}
	sort.Strings(list)
	return list
}

func (d *ISCSITargetDriver) CreateTarget(req api.TargetCreateRequest, dev api.SCSIDevice) error {
	if dev == nil {
		return errors.Wrap(errTargetNoDevice, req.Name)
	}
	keys := defaultSessionParams()
	if err := keys.ApplyKeys(req.Keys); err != nil {
		return errors.Wrapf(err, "target %s", req.Name)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errDriverClosed
	}
	if _, ok := d.targets[req.Name]; ok {
		return errors.Wrap(errTargetExists, req.Name)
	}
	t := newISCSITarget(req.Name, d.nextTID, dev, req.Params, keys)
	t.LUNs = req.LUNs
	t.Portals = req.Portals
	t.notify = d.closed2notify
	d.nextTID++
	d.targets[req.Name] = t
	go t.run()
	log.Infof("target %s created, tid %d", t.Name, t.TID)
	return nil
}

// closed2notify forwards close events to the notifier set at the time
// they happen.
func (d *ISCSITargetDriver) closed2notify(ev port.CloseEvent) {
	d.mu.RLock()
	fn := d.notify
	d.mu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

func (d *ISCSITargetDriver) SetCloseNotifier(fn func(port.CloseEvent)) {
	d.mu.Lock()
	d.notify = fn
	d.mu.Unlock()
}

// Target looks a target up by name.
func (d *ISCSITargetDriver) Target(name string) *ISCSITarget {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.targets[name]
}

func (d *ISCSITargetDriver) lookup(name string) (*ISCSITarget, error) {
	if t := d.Target(name); t != nil {
		return t, nil
	}
	return nil, errors.Wrap(errNoSuchTarget, name)
}

func (d *ISCSITargetDriver) RemoveTarget(ctx context.Context, name string, force bool) error {
	d.mu.Lock()
	t := d.targets[name]
	if t == nil {
		d.mu.Unlock()
		return errors.Wrap(errNoSuchTarget, name)
	}
	if !force && len(t.sessionList()) > 0 {
		d.mu.Unlock()
		return errors.Wrap(errTargetBusy, name)
	}
	delete(d.targets, name)
	d.mu.Unlock()

	log.Infof("removing target %s", name)
	return t.shutdown(ctx)
}

func (d *ISCSITargetDriver) DisableTarget(ctx context.Context, name string) error {
	t, err := d.lookup(name)
	if err != nil {
		return err
	}
	return t.Disable(ctx)
}

func (d *ISCSITargetDriver) Targets() []api.TargetInfo {
	d.mu.RLock()
	list := make([]*ISCSITarget, 0, len(d.targets))
	for _, t := range d.targets {
		list = append(list, t)
	}
	d.mu.RUnlock()

	infos := make([]api.TargetInfo, 0, len(list))
	for _, t := range list {
		infos = append(infos, t.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].TID < infos[j].TID })
	return infos
}

func (d *ISCSITargetDriver) Sessions(ctx context.Context, name string) ([]api.SessionInfo, error) {
	t, err := d.lookup(name)
	if err != nil {
		return nil, err
	}
	return t.Sessions(ctx)
}

func (d *ISCSITargetDriver) CloseSession(ctx context.Context, name string, sid uint64) error {
	t, err := d.lookup(name)
	if err != nil {
		return err
	}
	return t.CloseSession(ctx, sid)
}

// Close stops the portals and shuts every target down.
func (d *ISCSITargetDriver) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	listeners := d.listeners
	d.listeners = map[string]net.Listener{}
	targets := d.targets
	d.targets = map[string]*ISCSITarget{}
	d.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	d.wg.Wait()
	var firstErr error
	for _, t := range targets {
		if err := t.shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *ISCSITargetDriver) discoveryTSIH() uint16 {
	for {
		tsih := uint16(atomic.AddUint32(&d.discTSIH, 1))
		if tsih != 0 && tsih != 0xffff {
			return tsih
		}
	}
}

// sendTargets answers a SendTargets key. "All" lists every target, a name
// lists that target only. A wildcard portal is reported as the address
// the initiator connected to.
func (d *ISCSITargetDriver) sendTargets(value string, local net.Addr) []util.KeyValue {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var names []string
	for name := range d.targets {
		if value == "All" || value == name {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var portals []string
	for _, l := range d.listeners {
		portals = append(portals, l.Addr().String())
	}
	sort.Strings(portals)

	var result []util.KeyValue
	for _, name := range names {
		t := d.targets[name]
		result = append(result, util.KeyValue{Key: "TargetName", Value: name})
		addrs := t.Portals
		if len(addrs) == 0 {
			addrs = portals
		}
		for _, addr := range addrs {
			result = append(result, util.KeyValue{
				Key:   "TargetAddress",
				Value: fmt.Sprintf("%s,%d", portalAddress(addr, local), t.TPGT),
			})
		}
	}
	return result
}

func portalAddress(addr string, local net.Addr) string {
	host, p, err := net.SplitHostPort(addr)
	if err != nil || local == nil {
		return addr
	}
	if ip := net.ParseIP(host); host != "" && (ip == nil || !ip.IsUnspecified()) {
		return addr
	}
	lhost, _, err := net.SplitHostPort(local.String())
	if err != nil {
		return addr
	}
	return net.JoinHostPort(lhost, p)
}
