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
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"
	"gvisor.dev/hle/pkg/abi/svc"
	"gvisor.dev/hle/pkg/hostarch"
	"gvisor.dev/hle/pkg/kernel"
)

// AddressSpace is a svc.ProgramAddressSpaceType spelled by name in
// manifests.
type AddressSpace svc.ProgramAddressSpaceType

var addressSpaceNames = map[string]svc.ProgramAddressSpaceType{
	"32-bit":       svc.Is32Bit,
	"36-bit":       svc.Is36Bit,
	"32-bit-nomap": svc.Is32BitNoMap,
	"39-bit":       svc.Is39Bit,
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *AddressSpace) UnmarshalText(b []byte) error {
	t, ok := addressSpaceNames[string(b)]
	if !ok {
		return fmt.Errorf("invalid address space %q, must be one of 32-bit, 36-bit, 32-bit-nomap or 39-bit", b)
	}
	*a = AddressSpace(t)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (a AddressSpace) MarshalText() ([]byte, error) {
	for name, t := range addressSpaceNames {
		if t == svc.ProgramAddressSpaceType(a) {
			return []byte(name), nil
		}
	}
	return nil, fmt.Errorf("invalid address space %d", a)
}

// MainThread describes the main thread of a program.
type MainThread struct {
	Priority  uint32 `toml:"priority" yaml:"priority"`
	Core      uint32 `toml:"core" yaml:"core"`
	StackSize uint64 `toml:"stack_size" yaml:"stack_size"`
}

// Module describes the executable image loaded at the start of the code
// region. Segments are laid out in order: code, rodata, then data followed
// by bss. All sizes must be page aligned.
type Module struct {
	// Image is the path of a raw image holding the code, rodata and data
	// segments back to back. Relative paths are resolved against the
	// manifest's directory. If empty, a zero-filled image is used.
	Image string `toml:"image" yaml:"image"`

	CodeSize   uint64 `toml:"code_size" yaml:"code_size"`
	RODataSize uint64 `toml:"rodata_size" yaml:"rodata_size"`
	DataSize   uint64 `toml:"data_size" yaml:"data_size"`
	BSSSize    uint64 `toml:"bss_size" yaml:"bss_size"`
}

// Manifest describes a program to boot.
type Manifest struct {
	Name         string       `toml:"name" yaml:"name"`
	ProgramID    uint64       `toml:"program_id" yaml:"program_id"`
	AddressSpace AddressSpace `toml:"address_space" yaml:"address_space"`
	Is64Bit      bool         `toml:"is_64bit" yaml:"is_64bit"`
	MainThread   MainThread   `toml:"main_thread" yaml:"main_thread"`

	// Capabilities are raw kernel capability descriptors.
	Capabilities []uint32 `toml:"capabilities" yaml:"capabilities"`

	Module Module `toml:"module" yaml:"module"`
}

// DefaultManifest holds the values used for keys a manifest omits. It
// allows every priority on every core.
var DefaultManifest = &Manifest{
	Name:         "application",
	ProgramID:    0x0100000000001000,
	AddressSpace: AddressSpace(svc.Is39Bit),
	Is64Bit:      true,
	MainThread: MainThread{
		Priority:  svc.PriorityDefault,
		StackSize: 0x10_0000,
	},
	Capabilities: []uint32{0x030003F7},
	Module: Module{
		CodeSize:   0x4000,
		RODataSize: 0x1000,
		DataSize:   0x1000,
		BSSSize:    0x2000,
	},
}

// Manifest encodings.
const (
	FormatTOML = "toml"
	FormatYAML = "yaml"
)

// DecodeManifest reads a manifest in the given format from r over a copy of
// DefaultManifest. Unknown keys are rejected.
func DecodeManifest(r io.Reader, format string) (*Manifest, error) {
	m := deepcopy.Copy(DefaultManifest).(*Manifest)
	switch format {
	case FormatTOML:
		md, err := toml.NewDecoder(r).Decode(m)
		if err != nil {
			return nil, err
		}
		if u := md.Undecoded(); len(u) != 0 {
			return nil, fmt.Errorf("unknown keys %v", u)
		}
	case FormatYAML:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(m); err != nil && err != io.EOF {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown manifest format %q", format)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// formatForPath returns the manifest format implied by path's extension.
// Anything other than .yaml or .yml is read as TOML.
func formatForPath(path string) string {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatTOML
	}
}

// LoadManifest reads the manifest at path, in YAML if it ends in .yaml or
// .yml and in TOML otherwise.
func LoadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := DecodeManifest(f, formatForPath(path))
	if err != nil {
		return nil, fmt.Errorf("manifest %q: %w", path, err)
	}
	if m.Module.Image != "" && !filepath.IsAbs(m.Module.Image) {
		m.Module.Image = filepath.Join(filepath.Dir(path), m.Module.Image)
	}
	return m, nil
}

func (m *Manifest) validate() error {
	if m.Name == "" {
		return fmt.Errorf("name must not be empty")
	}
	mod := &m.Module
	for _, s := range []struct {
		name string
		size uint64
	}{
		{"code_size", mod.CodeSize},
		{"rodata_size", mod.RODataSize},
		{"data_size", mod.DataSize},
		{"bss_size", mod.BSSSize},
	} {
		if !hostarch.IsAligned(s.size, hostarch.PageSize) {
			return fmt.Errorf("module %s %#x is not page aligned", s.name, s.size)
		}
	}
	if mod.CodeSize == 0 {
		return fmt.Errorf("module code_size must not be zero")
	}
	return nil
}

// Metadata returns the program metadata described by m.
func (m *Manifest) Metadata() *kernel.ProgramMetadata {
	return &kernel.ProgramMetadata{
		Name:                m.Name,
		ProgramID:           m.ProgramID,
		AddressSpaceType:    svc.ProgramAddressSpaceType(m.AddressSpace),
		Is64Bit:             m.Is64Bit,
		MainThreadPriority:  m.MainThread.Priority,
		MainThreadCore:      m.MainThread.Core,
		MainThreadStackSize: m.MainThread.StackSize,
		Capabilities:        m.Capabilities,
	}
}

// CodeSet returns the module image described by m, reading it from disk if
// m.Module.Image is set.
func (m *Manifest) CodeSet() (*kernel.CodeSet, error) {
	mod := &m.Module
	fileSize := mod.CodeSize + mod.RODataSize + mod.DataSize
	mem := make([]byte, fileSize)
	if mod.Image != "" {
		img, err := os.ReadFile(mod.Image)
		if err != nil {
			return nil, err
		}
		if uint64(len(img)) > fileSize {
			return nil, fmt.Errorf("image %q is %#x bytes, segments only hold %#x", mod.Image, len(img), fileSize)
		}
		copy(mem, img)
	}
	return &kernel.CodeSet{
		Memory: mem,
		Code:   kernel.Segment{Addr: 0, Offset: 0, Size: mod.CodeSize},
		ROData: kernel.Segment{Addr: mod.CodeSize, Offset: mod.CodeSize, Size: mod.RODataSize},
		Data: kernel.Segment{
			Addr:   mod.CodeSize + mod.RODataSize,
			Offset: mod.CodeSize + mod.RODataSize,
			Size:   mod.DataSize + mod.BSSSize,
		},
	}, nil
}
