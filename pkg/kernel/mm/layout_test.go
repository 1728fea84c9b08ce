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

package mm

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"gvisor.dev/hle/pkg/abi/svc"
	"gvisor.dev/hle/pkg/errors/kernelerr"
	"gvisor.dev/hle/pkg/hostarch"
)

func ar(start, end hostarch.Addr) hostarch.AddrRange {
	return hostarch.AddrRange{Start: start, End: end}
}

func TestLayoutFor(t *testing.T) {
	for _, tc := range []struct {
		typ  svc.ProgramAddressSpaceType
		want Layout
	}{
		{
			typ: svc.Is32Bit,
			want: Layout{
				Type:         svc.Is32Bit,
				Width:        32,
				AddressSpace: ar(0, 0x100000000),
				Code:         ar(0x200000, 0x40000000),
				ASLR:         ar(0x200000, 0x100000000),
				Map:          ar(0x40000000, 0x80000000),
				Heap:         ar(0x80000000, 0xC0000000),
				Stack:        ar(0x200000, 0x40000000),
				TLSIO:        ar(0x200000, 0x40000000),
			},
		},
		{
			typ: svc.Is32BitNoMap,
			want: Layout{
				Type:         svc.Is32BitNoMap,
				Width:        32,
				AddressSpace: ar(0, 0x100000000),
				Code:         ar(0x200000, 0x40000000),
				ASLR:         ar(0x200000, 0x100000000),
				Map:          ar(0x40000000, 0x40000000),
				Heap:         ar(0x40000000, 0xC0000000),
				Stack:        ar(0x200000, 0x40000000),
				TLSIO:        ar(0x200000, 0x40000000),
			},
		},
		{
			typ: svc.Is36Bit,
			want: Layout{
				Type:         svc.Is36Bit,
				Width:        36,
				AddressSpace: ar(0, 0x1000000000),
				Code:         ar(0x8000000, 0x80000000),
				ASLR:         ar(0x8000000, 0x1000000000),
				Map:          ar(0x80000000, 0x200000000),
				Heap:         ar(0x200000000, 0x380000000),
				Stack:        ar(0x8000000, 0x80000000),
				TLSIO:        ar(0x8000000, 0x80000000),
			},
		},
		{
			typ: svc.Is39Bit,
			want: Layout{
				Type:         svc.Is39Bit,
				Width:        39,
				AddressSpace: ar(0, 0x8000000000),
				Code:         ar(0x8000000, 0x88000000),
				ASLR:         ar(0x8000000, 0x8000000000),
				Map:          ar(0x88000000, 0x1088000000),
				Heap:         ar(0x1088000000, 0x1208000000),
				Stack:        ar(0x1208000000, 0x1288000000),
				TLSIO:        ar(0x1288000000, 0x2288000000),
			},
		},
	} {
		t.Run(tc.typ.String(), func(t *testing.T) {
			got, err := LayoutFor(tc.typ)
			if err != nil {
				t.Fatalf("LayoutFor got err %v, wanted nil", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("LayoutFor(%v) mismatch (-want +got):\n%s", tc.typ, diff)
			}
		})
	}
}

func TestLayoutForInvalid(t *testing.T) {
	if _, err := LayoutFor(svc.ProgramAddressSpaceType(7)); err != kernelerr.ErrInvalidEnumValue {
		t.Errorf("LayoutFor(7) got err %v, wanted %v", err, kernelerr.ErrInvalidEnumValue)
	}
}

func TestRegionChecks(t *testing.T) {
	l, err := LayoutFor(svc.Is39Bit)
	if err != nil {
		t.Fatalf("LayoutFor got err %v, wanted nil", err)
	}
	for _, tc := range []struct {
		name string
		fn   func(hostarch.Addr, uint64) bool
		addr hostarch.Addr
		size uint64
		want bool
	}{
		{"code start", l.IsWithinCodeRegion, 0x8000000, 0x1000, true},
		{"code tail", l.IsWithinCodeRegion, 0x87FFF000, 0x1000, true},
		{"code past end", l.IsWithinCodeRegion, 0x87FFF000, 0x2000, false},
		{"empty", l.IsWithinCodeRegion, 0x8000000, 0, false},
		{"wrapping", l.IsWithinAddressSpace, 0x1000, ^uint64(0), false},
		{"heap", l.IsWithinHeapRegion, 0x1088000000, 0x180000000, true},
		{"map", l.IsWithinMapRegion, 0x88000000, 0x1000, true},
		{"stack", l.IsWithinStackRegion, 0x1208000000, 0x1000, true},
		{"tls", l.IsWithinTLSIORegion, 0x1288000000, 0x1000, true},
		{"aslr code", l.IsWithinASLRRegion, 0x8000000, 0x1000, true},
		{"aslr heap", l.IsWithinASLRRegion, 0x1088000000, 0x1000, false},
		{"aslr map", l.IsWithinASLRRegion, 0x88000000, 0x1000, false},
		{"aslr below", l.IsWithinASLRRegion, 0x1000, 0x1000, false},
	} {
		if got := tc.fn(tc.addr, tc.size); got != tc.want {
			t.Errorf("%s: check(%#x, %#x) = %t, want %t", tc.name, tc.addr, tc.size, got, tc.want)
		}
	}
}
