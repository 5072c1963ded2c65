// Copyright 2024 The SVA Authors.
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

// Package linuxerr exports the errno taxonomy used by the bind/unbind
// surface, as *errors.Error pointers so equality checks are cheap pointer
// comparisons rather than string matches. Only the subset of Linux errno
// space that this subsystem's contract (see the source driver's use of
// -EINVAL, -ENOMEM, -ENOSPC, -ENOTSUPP, -EBUSY, -EALREADY, -EAGAIN) actually
// needs is represented; this is not a general POSIX errno package.
package linuxerr

import "github.com/dmar-sva/sva/pkg/errors"

const (
	errnoEINVAL Errno = iota + 1
	errnoENOMEM
	errnoENOSPC
	errnoENOTSUP
	errnoEBUSY
	errnoEALREADY
	errnoEAGAIN
	errnoENODEV
	errnoEIO
)

// Errno is a re-export so callers importing linuxerr rarely need to import
// errors directly.
type Errno = errors.Errno

var (
	// EINVAL: bad argument, malformed descriptor, non-canonical address,
	// address below a region's lower bound.
	EINVAL = errors.New(errnoEINVAL, "invalid argument")
	// ENOMEM: allocation failure (device-binding, binding, PASID
	// table entry).
	ENOMEM = errors.New(errnoENOMEM, "out of memory")
	// ENOSPC: PASID space exhausted.
	ENOSPC = errors.New(errnoENOSPC, "no space left on device")
	// ENOTSUP: device or hardware lacks the requested capability
	// (PASID width, supervisor request support, ...).
	ENOTSUP = errors.New(errnoENOTSUP, "operation not supported")
	// EBUSY: device or resource busy. No operation in this tree
	// currently returns it.
	EBUSY = errors.New(errnoEBUSY, "device or resource busy")
	// EALREADY: a device-binding already exists for this (device,
	// address space) pair in host mode, or for this (device, pasid) pair
	// in guest mode.
	EALREADY = errors.New(errnoEALREADY, "operation already in progress")
	// EAGAIN: the guest PASID's binding is still being torn down; caller
	// may retry.
	EAGAIN = errors.New(errnoEAGAIN, "try again")
	// ENODEV: no binding exists for the given handle or (device, pasid).
	ENODEV = errors.New(errnoENODEV, "no such device")
	// EIO: hardware programming or invalidation failed.
	EIO = errors.New(errnoEIO, "I/O error")
)

// Is reports whether err is the given linuxerr singleton. It exists mainly
// for readability at call sites that already have a concrete *errors.Error
// in hand from a collaborator boundary.
func Is(err error, target *errors.Error) bool {
	e, ok := err.(*errors.Error)
	return ok && e == target
}
