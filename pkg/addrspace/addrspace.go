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

// Package addrspace models the host address-space core boundary (spec §6):
// observer attach/detach, take-a-reference-if-live, reader-lock region
// lookup with growable-region extension, and the fault handler entry
// point. The real implementation is an external collaborator (a process's
// mm); this package only defines the contract and, for tests, a small
// software fake.
package addrspace

import (
	"context"

	"github.com/dmar-sva/sva/pkg/hostaddr"
	"github.com/dmar-sva/sva/pkg/pasid"
)

// FaultFlags mirrors the flags spec §4.5 step 5 passes to the address
// space's fault handler.
type FaultFlags struct {
	User   bool
	Remote bool
	Write  bool
}

// Region describes the mapping covering a faulting address, as returned by
// Ref.Lookup.
type Region struct {
	Range       hostaddr.AddrRange
	Permissions hostaddr.AccessType
	// GrowsDown marks a growable stack-like region; Lookup is expected to
	// have already extended it downward to cover the faulting address
	// when this is set (spec §4.5 step 3: "extending a growable stack
	// region downward if applicable").
	GrowsDown bool
}

// Ref is a live reference to an address space, held for the duration of one
// fault resolution (spec §4.5 steps 2-6).
type Ref interface {
	// Lookup finds the region covering addr, taking the address space's
	// reader lock for the duration of the call. ok is false if no region
	// covers addr, or addr is below a growable region's current lower
	// bound.
	Lookup(addr hostaddr.Addr) (Region, bool)

	// HandleFault triggers the address space's fault handler for one
	// page at addr with the given access flags. A terminal error means
	// the fault cannot be resolved.
	HandleFault(ctx context.Context, addr hostaddr.Addr, at hostaddr.AccessType, flags FaultFlags) error

	// Release drops the reference taken by Space.TakeReferenceIfLive.
	Release()
}

// Observer receives address-space lifecycle callbacks. Spec §4.6: neither
// callback may fail; any internal lookup miss must be handled silently.
type Observer interface {
	// RangeInvalidated is called when the address space has dropped
	// mappings in [start, end).
	RangeInvalidated(start, end hostaddr.Addr)
	// AddressSpaceReleased is called when the address space is exiting.
	AddressSpaceReleased()
}

// Space is a host address space that can be bound to a PASID.
type Space interface {
	// TakeReferenceIfLive takes a Ref usable for one fault resolution,
	// unless the address space is already being torn down.
	TakeReferenceIfLive() (Ref, bool)

	// AttachObserver installs o so it receives RangeInvalidated and
	// AddressSpaceReleased callbacks. Spec I5: attached at first
	// host-mode bind for this address space.
	AttachObserver(o Observer)
	// DetachObserver removes a previously attached observer. Idempotent.
	DetachObserver(o Observer)

	// PASID returns the PASID previously published into this address
	// space by SetPASID, if any. Spec §4.2 step 3: "publish p into a so
	// future mappings use it."
	PASID() (pasid.PASID, bool)
	// SetPASID publishes p as this address space's host PASID.
	SetPASID(p pasid.PASID)
}
