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

// Package daemon ties the target driver to the SCSI devices behind its
// targets and keeps the configuration file in step with them.
package daemon

import (
	"context"
	"sync"

	"github.com/gostor/ietgt/pkg/api"
	"github.com/gostor/ietgt/pkg/config"
	"github.com/gostor/ietgt/pkg/port"
	"github.com/gostor/ietgt/pkg/scsi"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	errNoSuchTarget = errors.New("no such target")
	errTargetExists = errors.New("conflict: target already exists")
)

type Daemon struct {
	cfg    *config.Config
	driver port.TargetDriver
	// persist saves target changes to the configuration file.
	persist bool

	mu      sync.Mutex
	devices map[string]*scsi.Device
}

// New starts the driver named in cfg, its portals and the configured
// targets. persist makes created and removed targets part of the
// configuration file.
func New(cfg *config.Config, persist bool) (*Daemon, error) {
	driver, err := port.NewTargetDriver(cfg.Driver.Name, port.DriverOptions{
		MaxConnections: cfg.Driver.MaxConnections,
		DiscoveryKeys:  cfg.Driver.DiscoveryKeys,
	})
	if err != nil {
		return nil, err
	}
	d := &Daemon{
		cfg:     cfg,
		driver:  driver,
		persist: persist,
		devices: map[string]*scsi.Device{},
	}
	driver.SetCloseNotifier(func(ev port.CloseEvent) {
		log.WithFields(log.Fields{
			"target": ev.Target,
			"sid":    ev.SID,
			"cid":    ev.CID,
		}).Infof("connection closed: %v", ev.Reason)
	})

	for _, portal := range cfg.Portals {
		if err := driver.AddPortal(portal); err != nil {
			d.Close(context.Background())
			return nil, err
		}
	}
	for _, t := range cfg.Targets {
		if err := d.createTarget(t); err != nil {
			d.Close(context.Background())
			return nil, errors.Wrapf(err, "target %s", t.Name)
		}
	}
	return d, nil
}

func (d *Daemon) createTarget(t config.Target) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.devices[t.Name]; ok {
		return errors.Wrap(errTargetExists, t.Name)
	}

	dev, err := scsi.NewDevice(t.Name, t.LUNs, scsi.DeviceOptions{
		Workers:    t.Workers,
		QueueDepth: int(t.Params.QueueDepth),
	})
	if err != nil {
		return errors.Wrap(err, "bad parameter")
	}
	req := t.CreateRequest()
	req.LUNs = dev.LUNs()
	if len(req.Portals) == 0 {
		req.Portals = d.driver.Portals()
	}
	if err := d.driver.CreateTarget(req, dev); err != nil {
		dev.Close()
		return err
	}
	d.devices[t.Name] = dev
	return nil
}

// CreateTarget exports a new target with a device built from req.LUNs.
func (d *Daemon) CreateTarget(ctx context.Context, req api.TargetCreateRequest) error {
	t := config.Target{
		Name:    req.Name,
		Portals: req.Portals,
		LUNs:    req.LUNs,
		Params:  req.Params,
		Keys:    req.Keys,
	}
	if err := config.ValidateTarget(t); err != nil {
		return err
	}
	if err := d.createTarget(t); err != nil {
		return err
	}
	if d.persist {
		if err := d.cfg.AddTarget(t); err == nil {
			d.save()
		}
	}
	return nil
}

func (d *Daemon) save() {
	if err := d.cfg.Save(""); err != nil {
		log.Warnf("saving configuration: %v", err)
	}
}

func (d *Daemon) device(name string) (*scsi.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, ok := d.devices[name]
	if !ok {
		return nil, errors.Wrap(errNoSuchTarget, name)
	}
	return dev, nil
}

// RemoveTarget closes the connections of the target and then its device.
func (d *Daemon) RemoveTarget(ctx context.Context, name string, force bool) error {
	dev, err := d.device(name)
	if err != nil {
		return err
	}
	if err := d.driver.RemoveTarget(ctx, name, force); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.devices, name)
	d.mu.Unlock()
	if err := dev.Close(); err != nil {
		log.Warnf("target %s: closing device: %v", name, err)
	}
	if d.persist && d.cfg.RemoveTarget(name) {
		d.save()
	}
	return nil
}

// DisableTarget detaches the device: new commands are refused and the
// initiators are asked to log out.
func (d *Daemon) DisableTarget(ctx context.Context, name string) error {
	dev, err := d.device(name)
	if err != nil {
		return err
	}
	dev.SetDisabled(true)
	return d.driver.DisableTarget(ctx, name)
}

func (d *Daemon) Targets() []api.TargetInfo {
	return d.driver.Targets()
}

func (d *Daemon) Portals() []string {
	return d.driver.Portals()
}

// LUNs reports the logical units of a target as they were opened.
func (d *Daemon) LUNs(name string) ([]api.LUNConfig, error) {
	dev, err := d.device(name)
	if err != nil {
		return nil, err
	}
	return dev.LUNs(), nil
}

func (d *Daemon) Sessions(ctx context.Context, name string) ([]api.SessionInfo, error) {
	return d.driver.Sessions(ctx, name)
}

func (d *Daemon) CloseSession(ctx context.Context, name string, sid uint64) error {
	return d.driver.CloseSession(ctx, name, sid)
}

// Close stops the driver and closes every device.
func (d *Daemon) Close(ctx context.Context) error {
	err := d.driver.Close(ctx)
	d.mu.Lock()
	devices := d.devices
	d.devices = map[string]*scsi.Device{}
	d.mu.Unlock()
	for name, dev := range devices {
		if cerr := dev.Close(); cerr != nil {
			log.Warnf("target %s: closing device: %v", name, cerr)
		}
	}
	return err
}
