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

package config

import (
	"fmt"
	"maps"
	"math"
	"slices"

	"github.com/BurntSushi/toml"
	"gvisor.dev/hle/pkg/kernel/limits"
)

// LimitsProfile overrides system resource limits. Keys are limit names as
// accepted by limits.ParseLimitType:
//
//	[limits]
//	PhysicalMemory = 0x2000_0000
//	Threads = 256
type LimitsProfile struct {
	Limits map[string]int64 `toml:"limits"`
}

// LoadLimitsProfile reads a LimitsProfile from path.
func LoadLimitsProfile(path string) (*LimitsProfile, error) {
	var p LimitsProfile
	md, err := toml.DecodeFile(path, &p)
	if err != nil {
		return nil, fmt.Errorf("reading limits profile %q: %w", path, err)
	}
	if u := md.Undecoded(); len(u) != 0 {
		return nil, fmt.Errorf("limits profile %q: unknown keys %v", path, u)
	}
	return &p, nil
}

// Apply sets each limit named in p on rl.
func (p *LimitsProfile) Apply(rl *limits.ResourceLimit) error {
	for _, name := range slices.Sorted(maps.Keys(p.Limits)) {
		lt, err := limits.ParseLimitType(name)
		if err != nil {
			return err
		}
		if err := rl.SetLimit(lt, p.Limits[name]); err != nil {
			return fmt.Errorf("setting %v to %d: %w", lt, p.Limits[name], err)
		}
	}
	return nil
}

// NewResourceLimit returns the system resource limit described by c: the
// defaults with c.PhysicalMemory, then c.LimitsProfile if one is set.
func (c *Config) NewResourceLimit() (*limits.ResourceLimit, error) {
	if c.PhysicalMemory > math.MaxInt64 {
		return nil, fmt.Errorf("physical memory %#x out of range", c.PhysicalMemory)
	}
	rl := limits.NewDefault(int64(c.PhysicalMemory))
	if c.LimitsProfile == "" {
		return rl, nil
	}
	p, err := LoadLimitsProfile(c.LimitsProfile)
	if err != nil {
		return nil, err
	}
	if err := p.Apply(rl); err != nil {
		return nil, err
	}
	return rl, nil
}
