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

// Package kernelerr contains guest kernel result codes exported as error
// interface pointers. This allows for fast comparison and return operations
// comparable to plain result code constants.
package kernelerr

import (
	goerrors "errors"
	"fmt"

	"gvisor.dev/hle/pkg/abi/svc"
	"gvisor.dev/hle/pkg/errors"
)

func kernelResult(desc uint32) svc.ResultCode {
	return svc.MakeResult(svc.ModuleKernel, desc)
}

// The following errors are returned to the guest. Each one maps one to one to
// a kernel result code, so errors can be compared with == or Equals.
var (
	noError *errors.Error = nil

	ErrInvalidCapabilityDescriptor = errors.New(kernelResult(svc.DescInvalidCapabilityDescriptor), "invalid capability descriptor")
	ErrTerminationRequested        = errors.New(kernelResult(svc.DescTerminationRequested), "termination requested")
	ErrInvalidSize                 = errors.New(kernelResult(svc.DescInvalidSize), "invalid size")
	ErrInvalidAddress              = errors.New(kernelResult(svc.DescInvalidAddress), "invalid address")
	ErrOutOfResource               = errors.New(kernelResult(svc.DescOutOfResource), "out of resource")
	ErrOutOfMemory                 = errors.New(kernelResult(svc.DescOutOfMemory), "out of memory")
	ErrOutOfHandles                = errors.New(kernelResult(svc.DescOutOfHandles), "out of handles")
	ErrInvalidAddressState         = errors.New(kernelResult(svc.DescInvalidCurrentMemory), "invalid address state")
	ErrInvalidNewMemoryPermission  = errors.New(kernelResult(svc.DescInvalidNewMemoryPermission), "invalid new memory permission")
	ErrInvalidMemoryRange          = errors.New(kernelResult(svc.DescInvalidMemoryRange), "invalid memory range")
	ErrInvalidPriority             = errors.New(kernelResult(svc.DescInvalidPriority), "invalid thread priority")
	ErrInvalidProcessorID          = errors.New(kernelResult(svc.DescInvalidCoreID), "invalid processor id")
	ErrInvalidHandle               = errors.New(kernelResult(svc.DescInvalidHandle), "invalid handle")
	ErrInvalidPointer              = errors.New(kernelResult(svc.DescInvalidPointer), "invalid pointer")
	ErrInvalidCombination          = errors.New(kernelResult(svc.DescInvalidCombination), "invalid combination")
	ErrTimedOut                    = errors.New(kernelResult(svc.DescTimedOut), "timed out")
	ErrCancelled                   = errors.New(kernelResult(svc.DescCancelled), "cancelled")
	ErrOutOfRange                  = errors.New(kernelResult(svc.DescOutOfRange), "out of range")
	ErrInvalidEnumValue            = errors.New(kernelResult(svc.DescInvalidEnumValue), "invalid enum value")
	ErrNotFound                    = errors.New(kernelResult(svc.DescNotFound), "not found")
	ErrBusy                        = errors.New(kernelResult(svc.DescBusy), "busy")
	ErrSessionClosed               = errors.New(kernelResult(svc.DescSessionClosed), "session closed")
	ErrInvalidState                = errors.New(kernelResult(svc.DescInvalidState), "invalid state")
	ErrReservedValue               = errors.New(kernelResult(svc.DescReservedValue), "reserved value")
	ErrResourceLimitExceeded       = errors.New(kernelResult(svc.DescLimitReached), "resource limit exceeded")
)

var errorTable = func() map[svc.ResultCode]*errors.Error {
	m := make(map[svc.ResultCode]*errors.Error)
	for _, e := range []*errors.Error{
		ErrInvalidCapabilityDescriptor,
		ErrTerminationRequested,
		ErrInvalidSize,
		ErrInvalidAddress,
		ErrOutOfResource,
		ErrOutOfMemory,
		ErrOutOfHandles,
		ErrInvalidAddressState,
		ErrInvalidNewMemoryPermission,
		ErrInvalidMemoryRange,
		ErrInvalidPriority,
		ErrInvalidProcessorID,
		ErrInvalidHandle,
		ErrInvalidPointer,
		ErrInvalidCombination,
		ErrTimedOut,
		ErrCancelled,
		ErrOutOfRange,
		ErrInvalidEnumValue,
		ErrNotFound,
		ErrBusy,
		ErrSessionClosed,
		ErrInvalidState,
		ErrReservedValue,
		ErrResourceLimitExceeded,
	} {
		if _, ok := m[e.Code()]; ok {
			panic(fmt.Sprintf("duplicate result code %v", e.Code()))
		}
		m[e.Code()] = e
	}
	return m
}()

// FromCode returns the predeclared error for a result code, or nil for
// success.
func FromCode(code svc.ResultCode) error {
	if code.IsSuccess() {
		return nil
	}
	e, ok := errorTable[code]
	if !ok {
		panic(fmt.Sprintf("unknown kernel result code %v", code))
	}
	return e
}

// ToCode converts an error returned by the kernel into the result code handed
// back to the guest. Errors that did not originate from this package are
// host bugs and are not representable.
func ToCode(err error) svc.ResultCode {
	if err == nil {
		return svc.ResultSuccess
	}
	var e *errors.Error
	if !goerrors.As(err, &e) || e == noError {
		panic(fmt.Sprintf("error %v has no kernel result code", err))
	}
	return e.Code()
}

// Equals compares a kernelerr to a given error. Wrapped errors compare equal
// to the kernelerr they wrap.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == noError
	}
	return goerrors.Is(err, e)
}
