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
	"unsafe"
)

// backingAdjoins returns true if the host memory of right starts directly
// after the end of left.
func backingAdjoins(left, right []byte) bool {
	if len(left) == 0 || len(right) == 0 {
		return false
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(left)))+uintptr(len(left)) == uintptr(unsafe.Pointer(unsafe.SliceData(right)))
}

// joinBacking returns the host memory spanning left followed by right.
//
// Preconditions: backingAdjoins(left, right).
func joinBacking(left, right []byte) []byte {
	return unsafe.Slice(unsafe.SliceData(left), len(left)+len(right))
}

// wordAligned returns true if b starts on a host 32-bit word boundary.
func wordAligned(b []byte) bool {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))%4 == 0
}

// wordAt returns the 32-bit word at the start of b. Guest words are
// little-endian, as are the supported hosts.
//
// Preconditions: len(b) >= 4. wordAligned(b).
func wordAt(b []byte) *uint32 {
	return (*uint32)(unsafe.Pointer(unsafe.SliceData(b)))
}
