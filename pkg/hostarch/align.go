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

package hostarch

import (
	"golang.org/x/exp/constraints"
)

// Align rounds x up to a multiple of align, which must be a power of two.
func Align[I constraints.Integer](x, align I) I {
	return (x + align - 1) &^ (align - 1)
}

// AlignDown rounds x down to a multiple of align, which must be a power of
// two.
func AlignDown[I constraints.Integer](x, align I) I {
	return x &^ (align - 1)
}

// IsAligned returns true if x is a multiple of align, which must be a power of
// two.
func IsAligned[I constraints.Integer](x, align I) bool {
	return x&(align-1) == 0
}
