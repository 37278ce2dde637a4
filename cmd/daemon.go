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

package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	systemd "github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gostor/ietgt/pkg/apiserver"
	"github.com/gostor/ietgt/pkg/config"
	"github.com/gostor/ietgt/pkg/daemon"
	"github.com/gostor/ietgt/pkg/logging"
	"github.com/gostor/ietgt/pkg/port"
	_ "github.com/gostor/ietgt/pkg/port/iscsit"
	_ "github.com/gostor/ietgt/pkg/scsi/backingstore"
	_ "github.com/gostor/ietgt/pkg/scsi/backingstore/remote"
)

const shutdownTimeout = 10 * time.Second

type daemonOptions struct {
	configDir string
	logLevel  string
	driver    string
	portals   []string
	hosts     []string
	noPersist bool
}

func newDaemonCommand() *cobra.Command {
	var opts daemonOptions
	var cmd = &cobra.Command{
		Use:   "daemon",
		Short: "Run the iSCSI target daemon",
		Long: `Run the iSCSI target daemon.

The daemon reads config.json (or config.yaml) from --config, exports the
targets listed there and serves the management API on its hosts.`,
		Args: NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("host") {
				host, _ := cmd.Flags().GetString("host")
				opts.hosts = append(opts.hosts, host)
			}
			return runDaemon(opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.configDir, "config", config.ConfigDir(), "Directory of the configuration file")
	flags.StringVar(&opts.logLevel, "log", "", "Log level, overrides the configuration")
	flags.StringVar(&opts.driver, "driver", "", "SCSI low level driver, one of "+strings.Join(port.TargetDrivers(), ", "))
	flags.StringSliceVar(&opts.portals, "portal", nil, "iSCSI portals, override the configuration")
	flags.BoolVar(&opts.noPersist, "no-persist", false, "Do not save created and removed targets to the configuration")
	return cmd
}

// loadConfig applies the command line on top of the configuration file.
func loadConfig(opts daemonOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configDir)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.driver != "" {
		cfg.Driver.Name = opts.driver
	}
	if len(opts.portals) > 0 {
		cfg.Portals = opts.portals
	}
	if len(opts.hosts) > 0 {
		cfg.Hosts = opts.hosts
	}
	return cfg, cfg.Validate()
}

func runDaemon(opts daemonOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if err := logging.Setup(cfg.Logging); err != nil {
		return err
	}
	defer logging.Close()

	d, err := daemon.New(cfg, !opts.noPersist)
	if err != nil {
		log.Error(err)
		return err
	}

	addrs, err := apiserver.ParseAddrs(cfg.Hosts)
	if err != nil {
		d.Close(context.Background())
		return err
	}
	s, err := apiserver.New(&apiserver.Config{
		Addrs:   addrs,
		Logging: cfg.Logging.Level == "debug" || cfg.Logging.Level == "trace",
	})
	if err != nil {
		log.Error(err)
		d.Close(context.Background())
		return err
	}
	s.InitRouters(d)
	// The serve API routine never exits unless an error occurs
	// We need to start it as a goroutine and wait on it so
	// daemon doesn't exit
	serveAPIWait := make(chan error)
	go s.Wait(serveAPIWait)

	if err := cfg.Watch(func(c *config.Config, err error) {
		if err != nil {
			log.Warnf("reloading configuration: %v", err)
			return
		}
		if err := logging.SetLevel(c.Logging.Level); err != nil {
			log.Warnf("reloading configuration: %v", err)
			return
		}
		s.SetLogging(c.Logging.Level == "debug" || c.Logging.Level == "trace")
	}); err != nil {
		log.Debugf("configuration is not watched: %v", err)
	}

	if ok, err := systemd.SdNotify(false, systemd.SdNotifyReady); err != nil {
		log.Warnf("notifying systemd: %v", err)
	} else if ok {
		log.Debug("systemd notified")
	}
	log.Infof("ietgt daemon started, portals %v", d.Portals())

	stopAll := make(chan os.Signal, 1)
	signal.Notify(stopAll, syscall.SIGINT, syscall.SIGTERM)

	select {
	case errAPI := <-serveAPIWait:
		if errAPI != nil {
			log.Warnf("Shutting down due to ServeAPI error: %v", errAPI)
		}
	case sig := <-stopAll:
		log.Infof("received %v, shutting down", sig)
	}
	systemd.SdNotify(false, systemd.SdNotifyStopping)
	s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return d.Close(ctx)
}
