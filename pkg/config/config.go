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

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	units "github.com/docker/go-units"
	"github.com/fsnotify/fsnotify"
	"github.com/gostor/ietgt/pkg/api"
	"github.com/gostor/ietgt/pkg/logging"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const (
	// ConfigFileName is the name of config file
	ConfigFileName = "config.json"
	configName     = "config"

	DefaultPortal  = "0.0.0.0:3260"
	DefaultAPIHost = "tcp://127.0.0.1:23457"
	DefaultDriver  = "iscsi"
)

var (
	configDir = os.Getenv("GOSTOR_CONFIG")
)

type Driver struct {
	Name string `json:"name"`
	// MaxConnections bounds the sockets accepted per portal.
	MaxConnections int               `json:"maxConnections,omitempty"`
	DiscoveryKeys  map[string]string `json:"discoveryKeys,omitempty"`
}

type Target struct {
	Name    string           `json:"name"`
	Portals []string         `json:"portals,omitempty"`
	LUNs    []api.LUNConfig  `json:"luns"`
	Params  api.TargetParams `json:"params"`
	// Keys override the session keys the target offers.
	Keys map[string]string `json:"keys,omitempty"`
	// Workers executing SCSI commands for the target's device.
	Workers int `json:"workers,omitempty"`
}

func (t Target) CreateRequest() api.TargetCreateRequest {
	return api.TargetCreateRequest{
		Name:    t.Name,
		Portals: t.Portals,
		LUNs:    t.LUNs,
		Params:  t.Params,
		Keys:    t.Keys,
	}
}

type Config struct {
	// Portals the driver listens on.
	Portals []string `json:"portals"`
	// Hosts the management API listens on, as proto://addr.
	Hosts   []string       `json:"hosts"`
	Driver  Driver         `json:"driver"`
	Logging logging.Config `json:"logging"`
	Targets []Target       `json:"targets"`

	mu   sync.Mutex
	path string
	v    *viper.Viper
}

func init() {
	if configDir == "" {
		home, err := homedir.Dir()
		if err != nil {
			home = "."
		}
		configDir = filepath.Join(home, ".ietgt")
	}
}

// ConfigDir returns the directory the configuration file is stored in
func ConfigDir() string {
	return configDir
}

// Default is the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if len(c.Portals) == 0 {
		c.Portals = []string{DefaultPortal}
	}
	if len(c.Hosts) == 0 {
		c.Hosts = []string{DefaultAPIHost}
	}
	if c.Driver.Name == "" {
		c.Driver.Name = DefaultDriver
	}
	if c.Targets == nil {
		c.Targets = []Target{}
	}
}

// sizeDecodeHook lets sizes be written as "10GiB" or "512m".
func sizeDecodeHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String || to.Kind() != reflect.Uint64 {
			return data, nil
		}
		n, err := units.RAMInBytes(data.(string))
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, errors.Errorf("negative size %q", data)
		}
		return uint64(n), nil
	}
}

func decoderConfig(dc *mapstructure.DecoderConfig) {
	dc.TagName = "json"
	dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
		sizeDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg, decoderConfig); err != nil {
		return nil, errors.Wrapf(err, "decode %s", v.ConfigFileUsed())
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, v.ConfigFileUsed())
	}
	cfg.path = v.ConfigFileUsed()
	cfg.v = v
	return cfg, nil
}

// Load reads the configuration file in the given directory. The file may be
// JSON or YAML; without one the defaults are returned.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = ConfigDir()
	}
	v := viper.New()
	v.SetConfigName(configName)
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrapf(err, "read config in %s", configDir)
		}
		log.Infof("no configuration in %s, using defaults", configDir)
		cfg := Default()
		cfg.path = filepath.Join(configDir, ConfigFileName)
		return cfg, nil
	}
	return decode(v)
}

// Path is the file the configuration was read from, or would be saved to.
func (c *Config) Path() string {
	return c.path
}

func validTargetName(name string) bool {
	for _, prefix := range []string{"iqn.", "eui.", "naa."} {
		if strings.HasPrefix(name, prefix) && len(name) > len(prefix) {
			return true
		}
	}
	return false
}

// ValidateTarget checks a single target definition.
func ValidateTarget(t Target) error {
	if !validTargetName(t.Name) {
		return errors.Errorf("bad parameter: target name %q is not an iqn, eui or naa name", t.Name)
	}
	if len(t.LUNs) == 0 {
		return errors.Errorf("bad parameter: target %s has no luns", t.Name)
	}
	seen := map[uint64]bool{}
	for _, lun := range t.LUNs {
		if seen[lun.LUN] {
			return errors.Errorf("bad parameter: target %s maps lun %d twice", t.Name, lun.LUN)
		}
		seen[lun.LUN] = true
		if lun.LUN >= 1<<14 {
			return errors.Errorf("bad parameter: target %s lun %d cannot be addressed", t.Name, lun.LUN)
		}
	}
	if t.Workers < 0 {
		return errors.Errorf("bad parameter: target %s has %d workers", t.Name, t.Workers)
	}
	return nil
}

func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	names := map[string]bool{}
	for _, t := range c.Targets {
		if err := ValidateTarget(t); err != nil {
			return err
		}
		if names[t.Name] {
			return errors.Errorf("bad parameter: target %s defined twice", t.Name)
		}
		names[t.Name] = true
	}
	for _, h := range c.Hosts {
		if !strings.Contains(h, "://") {
			return errors.Errorf("bad parameter: host %q, expected PROTO://ADDR", h)
		}
	}
	return nil
}

// Target returns the definition of the named target.
func (c *Config) Target(name string) (Target, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.Targets {
		if t.Name == name {
			return t, true
		}
	}
	return Target{}, false
}

func (c *Config) AddTarget(t Target) error {
	if err := ValidateTarget(t); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, old := range c.Targets {
		if old.Name == t.Name {
			return errors.Errorf("conflict: target %s already exists", t.Name)
		}
	}
	c.Targets = append(c.Targets, t)
	return nil
}

// RemoveTarget drops the named target and reports whether it was there.
func (c *Config) RemoveTarget(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, t := range c.Targets {
		if t.Name == name {
			c.Targets = append(c.Targets[:i], c.Targets[i+1:]...)
			return true
		}
	}
	return false
}

// Save encodes and writes out the configuration. An empty filename saves
// to the file it was loaded from.
func (c *Config) Save(filename string) error {
	if filename == "" {
		filename = c.path
	}
	if filename == "" {
		return errors.New("Can't save config with empty filename")
	}

	c.mu.Lock()
	data, err := json.MarshalIndent(c, "", "\t")
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0700); err != nil {
		return err
	}
	// write and rename so a watcher never reads half a file
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return errors.Wrap(os.Rename(tmp, filename), "save config")
}

// Watch calls fn with the new configuration, or the error decoding it,
// each time the file changes.
func (c *Config) Watch(fn func(*Config, error)) error {
	if c.v == nil {
		return errors.Errorf("no config file to watch in %s", filepath.Dir(c.path))
	}
	v := c.v
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Infof("config %s changed (%s)", e.Name, e.Op)
		fn(decode(v))
	})
	v.WatchConfig()
	return nil
}
