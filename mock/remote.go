// Package mock runs an in-process iSCSI target over a memory volume, the
// way a storage controller embeds the target in front of its replicas.
package mock

import (
	"context"
	"fmt"
	"math/bits"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/gostor/ietgt/pkg/api"
	"github.com/gostor/ietgt/pkg/port"
	_ "github.com/gostor/ietgt/pkg/port/iscsit" /* init lib */
	"github.com/gostor/ietgt/pkg/scsi"
	"github.com/gostor/ietgt/pkg/scsi/backingstore/remote"
)

const (
	targetPrefix = "iqn.2016-09.com.gostor.mock:"
	defaultPort  = "3260"
	stopTimeout  = 10 * time.Second
)

// volume is a memory backed remote store.
type volume struct {
	mu    sync.RWMutex
	data  []byte
	syncs int
}

var _ remote.RemoteBackingStore = (*volume)(nil)

func (v *volume) ReadAt(p []byte, off int64) (int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if off < 0 || off > int64(len(v.data)) {
		return 0, errors.Errorf("read at %d beyond %d bytes", off, len(v.data))
	}
	return copy(p, v.data[off:]), nil
}

func (v *volume) WriteAt(p []byte, off int64) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if off < 0 || off > int64(len(v.data)) {
		return 0, errors.Errorf("write at %d beyond %d bytes", off, len(v.data))
	}
	return copy(v.data[off:], p), nil
}

func (v *volume) Sync() (int, error) {
	v.mu.Lock()
	v.syncs++
	v.mu.Unlock()
	return 0, nil
}

type remoteBs struct {
	Volume     string
	Size       int64
	SectorSize int

	isUp bool
	rw   *volume

	tgtName      string
	lhbsName     string
	device       *scsi.Device
	targetDriver port.TargetDriver
}

// localPortal picks the first non loopback IPv4 address of the host.
func localPortal() string {
	host, _ := os.Hostname()
	addrs, _ := net.LookupIP(host)
	for _, addr := range addrs {
		if ipv4 := addr.To4(); ipv4 != nil && !ipv4.IsLoopback() {
			return net.JoinHostPort(ipv4.String(), defaultPort)
		}
	}
	return net.JoinHostPort("127.0.0.1", defaultPort)
}

// Startup starts iscsi target server
func (r *remoteBs) Startup(name string, portal string, size, sectorSize int64) error {
	if r.isUp {
		return errors.Errorf("target %s is already up", r.tgtName)
	}
	if sectorSize < 512 || sectorSize&(sectorSize-1) != 0 {
		return errors.Errorf("sector size %d is not a power of two of at least 512", sectorSize)
	}
	if size < sectorSize {
		return errors.Errorf("volume of %d bytes holds no sector", size)
	}
	if portal == "" {
		portal = localPortal()
	}

	r.Volume = name
	r.Size = size
	r.SectorSize = int(sectorSize)
	r.tgtName = targetPrefix + name
	r.lhbsName = "RemBs:" + name
	r.rw = &volume{data: make([]byte, size)}

	logrus.Info("Start SCSI target")
	if err := r.startScsiTarget(portal); err != nil {
		r.cleanup()
		return err
	}
	r.isUp = true
	return nil
}

func (r *remoteBs) startScsiTarget(portal string) error {
	var err error
	remote.Register(r.lhbsName, r.rw, uint64(r.Size))

	r.device, err = scsi.NewDevice(r.tgtName, []api.LUNConfig{{
		LUN:        0,
		Store:      remote.RemoteBackingStorage,
		Path:       r.lhbsName,
		BlockShift: uint(bits.TrailingZeros64(uint64(r.SectorSize))),
		Size:       uint64(r.Size),
		Online:     true,
	}}, scsi.DeviceOptions{})
	if err != nil {
		return err
	}
	r.targetDriver, err = port.NewTargetDriver("iscsi", port.DriverOptions{})
	if err != nil {
		logrus.Errorf("iscsi target driver error")
		return err
	}
	if err = r.targetDriver.AddPortal(portal); err != nil {
		return err
	}
	err = r.targetDriver.CreateTarget(api.TargetCreateRequest{
		Name:    r.tgtName,
		Portals: r.targetDriver.Portals(),
		LUNs:    r.device.LUNs(),
	}, r.device)
	if err != nil {
		return err
	}
	logrus.Infof("SCSI device created, target %s on %v", r.tgtName, r.targetDriver.Portals())
	return nil
}

// Shutdown stop scsi target
func (r *remoteBs) Shutdown() error {
	if !r.isUp {
		return errors.Errorf("target %s is not up", r.tgtName)
	}
	logrus.Infof("Stopping target %v ...", r.tgtName)
	if err := r.cleanup(); err != nil {
		return fmt.Errorf("Failed to stop scsi target, err: %v", err)
	}
	r.Volume = ""
	r.isUp = false
	logrus.Infof("Target %v stopped", r.tgtName)
	return nil
}

// cleanup releases whatever Startup got to set up.
func (r *remoteBs) cleanup() error {
	var firstErr error
	if r.targetDriver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		firstErr = r.targetDriver.Close(ctx)
		cancel()
		r.targetDriver = nil
	}
	if r.device != nil {
		if err := r.device.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.device = nil
	}
	remote.Unregister(r.lhbsName)
	return firstErr
}

// State provides info whether scsi target is up or down
func (r *remoteBs) State() string {
	if r.isUp {
		return "Up"
	}
	return "Down"
}

// Info reports the target as the driver sees it.
func (r *remoteBs) Info() (api.TargetInfo, error) {
	if !r.isUp {
		return api.TargetInfo{}, errors.New("Volume is not up")
	}
	for _, info := range r.targetDriver.Targets() {
		if info.Name == r.tgtName {
			return info, nil
		}
	}
	return api.TargetInfo{}, errors.Errorf("target %s not found", r.tgtName)
}

// Portals lists the addresses the target listens on.
func (r *remoteBs) Portals() []string {
	if !r.isUp {
		return nil
	}
	return r.targetDriver.Portals()
}
