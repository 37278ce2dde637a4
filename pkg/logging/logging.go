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

// Package logging routes logrus output to the console and, optionally, to
// a rotating log file.
package logging

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"github.com/rifflock/lfshook"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	// Filename enables the log file. Empty logs to the console only.
	Filename string `json:"filename,omitempty"`
	// MaxSize of the log file in megabytes before it is rotated.
	MaxSize int `json:"maxSize,omitempty"`
	// MaxAge in days of rotated files; 0 keeps them.
	MaxAge     int  `json:"maxAge,omitempty"`
	MaxBackups int  `json:"maxBackups,omitempty"`
	Compress   bool `json:"compress,omitempty"`
	// ReportCaller adds file:line and function to each entry.
	ReportCaller bool `json:"reportCaller,omitempty"`
	// Level is one of trace, debug, info, warn, error, fatal, panic.
	Level string `json:"level,omitempty"`
	// Timestamps on console lines.
	Timestamps bool `json:"timestamps,omitempty"`
}

var (
	mu   sync.Mutex
	file *lumberjack.Logger
)

func (c Config) level() (log.Level, error) {
	if c.Level == "" {
		return log.InfoLevel, nil
	}
	lvl, err := log.ParseLevel(c.Level)
	if err != nil {
		return lvl, errors.Wrap(err, "bad parameter: logging level")
	}
	return lvl, nil
}

// Validate checks the settings without applying them.
func (c Config) Validate() error {
	if _, err := c.level(); err != nil {
		return err
	}
	if c.MaxSize < 0 || c.MaxAge < 0 || c.MaxBackups < 0 {
		return errors.New("bad parameter: negative log file limits")
	}
	return nil
}

func callerPrettyfier(f *runtime.Frame) (string, string) {
	_, filename := path.Split(f.File)
	return path.Base(f.Function), fmt.Sprintf("%s:%d", filename, f.Line)
}

func textFormatter(timestamps bool) *log.TextFormatter {
	return &log.TextFormatter{
		DisableColors:    true,
		DisableTimestamp: !timestamps,
		FullTimestamp:    timestamps,
		CallerPrettyfier: callerPrettyfier,
	}
}

// writerMap maps every level up to max to w.
func writerMap(w io.Writer, max log.Level) lfshook.WriterMap {
	m := lfshook.WriterMap{}
	for level := max; level > log.PanicLevel; level-- {
		m[level] = w
	}
	m[log.PanicLevel] = w
	return m
}

// Setup replaces the hooks of the standard logger with a console hook and,
// when a file is configured, a hook writing to a lumberjack logger.
func Setup(cfg Config) error {
	lvl, err := cfg.level()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()

	hooks := log.LevelHooks{}
	hooks.Add(lfshook.NewHook(writerMap(os.Stdout, log.TraceLevel), textFormatter(cfg.Timestamps)))
	if file != nil {
		file.Close()
		file = nil
	}
	if cfg.Filename != "" {
		file = &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSize,
			MaxAge:     cfg.MaxAge,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		}
		hooks.Add(lfshook.NewHook(writerMap(file, log.TraceLevel), textFormatter(true)))
	}

	log.SetOutput(io.Discard)
	log.StandardLogger().ReplaceHooks(hooks)
	log.SetReportCaller(cfg.ReportCaller)
	log.SetLevel(lvl)
	return nil
}

// SetLevel changes the level without touching the outputs.
func SetLevel(level string) error {
	lvl, err := Config{Level: level}.level()
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	return nil
}

// Close flushes and closes the log file, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}
