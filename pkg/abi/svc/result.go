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

// Package svc contains the guest kernel's supervisor call ABI: result codes,
// memory states and the enumerations passed across the supervisor call
// boundary.
package svc

import "fmt"

// ResultCode is a guest kernel result: a module number in the low 9 bits and
// a description in the following 13 bits. Zero is success.
type ResultCode uint32

// ModuleKernel is the module number of results raised by the kernel.
const ModuleKernel = 1

// ResultSuccess is the zero result.
const ResultSuccess ResultCode = 0

// MakeResult builds a ResultCode from its module and description.
func MakeResult(module, description uint32) ResultCode {
	return ResultCode((module & 0x1FF) | (description&0x1FFF)<<9)
}

// Module returns the module of r.
func (r ResultCode) Module() uint32 {
	return uint32(r) & 0x1FF
}

// Description returns the description of r.
func (r ResultCode) Description() uint32 {
	return (uint32(r) >> 9) & 0x1FFF
}

// IsSuccess returns true if r is ResultSuccess.
func (r ResultCode) IsSuccess() bool {
	return r == ResultSuccess
}

// String implements fmt.Stringer.String.
func (r ResultCode) String() string {
	return fmt.Sprintf("%04d-%04d", 2000+r.Module(), r.Description())
}

// Kernel result descriptions.
const (
	DescInvalidCapabilityDescriptor = 14
	DescTerminationRequested        = 59
	DescInvalidSize                 = 101
	DescInvalidAddress              = 102
	DescOutOfResource               = 103
	DescOutOfMemory                 = 104
	DescOutOfHandles                = 105
	DescInvalidCurrentMemory        = 106
	DescInvalidNewMemoryPermission  = 108
	DescInvalidMemoryRange          = 110
	DescInvalidPriority             = 112
	DescInvalidCoreID               = 113
	DescInvalidHandle               = 114
	DescInvalidPointer              = 115
	DescInvalidCombination          = 116
	DescTimedOut                    = 117
	DescCancelled                   = 118
	DescOutOfRange                  = 119
	DescInvalidEnumValue            = 120
	DescNotFound                    = 121
	DescBusy                        = 122
	DescSessionClosed               = 123
	DescInvalidState                = 125
	DescReservedValue               = 126
	DescLimitReached                = 132
)
