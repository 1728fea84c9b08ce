// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides basic infrastructure to set configuration settings
// for hlerun. Each setting that can be changed from the command line must
// have a field in Config with a matching `flag` tag.
package config

import (
	"fmt"
	"reflect"

	"gvisor.dev/hle/pkg/log"
)

// DefaultPhysicalMemory is the PhysicalMemory limit used when neither a flag
// nor a limits profile sets one.
const DefaultPhysicalMemory = 0x1_0000_0000

// Config holds configuration that is not part of a program manifest.
type Config struct {
	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// DebugLog is the path to log debug information to, if not empty. If it
	// ends with '/', a file named after the command is created in it.
	DebugLog string `flag:"debug-log"`

	// DebugLogFormat is the log format for debug.
	DebugLogFormat string `flag:"debug-log-format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// PhysicalMemory is the system PhysicalMemory limit in bytes.
	PhysicalMemory uint64 `flag:"physical-memory"`

	// LimitsProfile is the path to a TOML file overriding the system
	// resource limits.
	LimitsProfile string `flag:"limits"`
}

func (c *Config) validate() error {
	for _, f := range []string{c.LogFormat, c.DebugLogFormat} {
		if f != "text" && f != "json" {
			return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", f)
		}
	}
	if c.PhysicalMemory == 0 {
		return fmt.Errorf("--physical-memory must be non-zero")
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		log.Infof("  %s: %v", st.Field(i).Name, obj.Field(i).Interface())
	}
}
