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

// Package hw models the IOMMU register-level hardware abstraction that
// spec §1 explicitly places out of scope for this subsystem: invalidation
// queue submission, MMIO PQH/PQT/PQA/PRS register access, PASID table
// entry programming, and threaded-IRQ registration. This package defines
// only the narrow contract the SVA core calls through (spec §6); the real
// implementation lives in the surrounding IOMMU driver.
package hw

import (
	"context"

	"github.com/dmar-sva/sva/pkg/busid"
	"github.com/dmar-sva/sva/pkg/wire"
)

// UnitID identifies one IOMMU hardware unit.
type UnitID uint32

// SourceID is a packed PCI bus/device/function identifying a requester,
// spec's "source-ID (bus/devfn packed)".
type SourceID = busid.SourceID

// DeviceHandle identifies a device bound through this subsystem. Concrete
// implementations are expected to be comparable (typically a pointer), so
// DeviceHandle values can be used as map keys.
type DeviceHandle interface {
	// SourceID returns the requester ID the device issues DMA/PRQ traffic
	// under. May change only while the device holds no live binding.
	SourceID() SourceID
	// String returns a short human-readable identity for logging.
	String() string
}

// PagingMode selects the first-level/nested paging shape programmed into a
// PASID table entry.
type PagingMode int

const (
	PagingFirstLevelUser PagingMode = iota
	PagingFirstLevelSupervisor
	PagingNested
)

// PASIDTableEntry is the software-side description of what to program into
// a device's PASID table entry; the wire encoding is the hw implementation's
// concern, not this subsystem's (spec §1: "PASID table entry encoding...
// out of scope").
type PASIDTableEntry struct {
	Mode PagingMode

	// FirstLevelRoot is the top-level page table physical root for
	// PagingFirstLevelUser/Supervisor, taken from the host address space.
	FirstLevelRoot uint64
	FivePagingLevel bool // 5-level paging vs 4-level
	OneGiBPages     bool // 1 GiB page capability flag

	// Nested mode fields (PagingNested): guest supplies its own
	// first-level root; the vendor descriptor conveys address width and
	// attribute bits over the domain's second-level tables.
	GuestFirstLevelRoot uint64
	AddressWidth        uint32
	VendorAttrs         uint64
}

// InvalidationKind selects the shape of one invalidation descriptor in a
// batch submitted to hw.Ops.SubmitInvalidation.
type InvalidationKind int

const (
	// InvalFencedWait is a fenced wait-with-status descriptor: phase 2 of
	// drain (spec §4.4) starts every batch with one of these so the poll
	// on "pending response outstanding" is meaningful.
	InvalFencedWait InvalidationKind = iota
	// InvalPIOTLB is a PASID-scoped IOTLB invalidation.
	InvalPIOTLB
	// InvalDeviceTLB is a device-TLB invalidation for one device.
	InvalDeviceTLB
)

// InvalidationDescriptor is one entry in a batch submitted to
// SubmitInvalidation.
type InvalidationDescriptor struct {
	Kind InvalidationKind

	PASID uint32 // valid for InvalPIOTLB

	// Address range for InvalPIOTLB, aligned per spec §4.6's "largest
	// power-of-two aligned range that covers it".
	Addr       uint64
	NumPages   uint64 // power of two
	InvalidateHint bool // ih: pages were freed, not just permission-changed

	// Device-TLB fields (InvalDeviceTLB).
	SourceID SourceID
	PFSID    uint16
	Depth    uint8 // device-TLB depth / qdep
}

// StatusBits mirrors the subset of the DMAR status register this subsystem
// reads: PRQ overflow and pending-response-outstanding.
type StatusBits struct {
	Overflow                    bool
	PendingResponseOutstanding bool
}

// Ops is the hardware boundary the SVA core calls through. Every method may
// block (register I/O, queue submission) except where noted.
type Ops interface {
	// ClearPendingInterrupt clears the PRQ pending-interrupt latch. Spec
	// §4.3 step 1: done before sampling head/tail so a fault posted after
	// this point re-triggers the interrupt.
	ClearPendingInterrupt(unit UnitID)

	// ReadPQRegs returns the current tail and head shadow registers plus
	// status bits.
	ReadPQRegs(unit UnitID) (head, tail uint32, status StatusBits)

	// WritePQHead publishes a new head index (spec §4.3 step 4).
	WritePQHead(unit UnitID, head uint32)

	// ClearOverflow clears the PRQ overflow latch (spec §4.3 step 5).
	ClearOverflow(unit UnitID)

	// ProgramPASIDEntry programs the PASID table entry for (unit, dev,
	// pasid) per entry. Spec I4: the entry must be programmed while any
	// device-binding is live.
	ProgramPASIDEntry(ctx context.Context, unit UnitID, dev DeviceHandle, pasid uint32, entry PASIDTableEntry) error

	// ClearPASIDEntry clears the PASID table entry for (unit, dev,
	// pasid). keepPTE requests the entry be cleared but any shared PTE
	// state left intact (used for the HPASID_DEFAULT unbind path).
	ClearPASIDEntry(ctx context.Context, unit UnitID, dev DeviceHandle, pasid uint32, keepPTE bool) error

	// SubmitInvalidation submits a batch of invalidation descriptors.
	// drainWait requests the batch include a status-wait so the caller
	// can subsequently poll PendingResponseOutstanding meaningfully.
	SubmitInvalidation(ctx context.Context, unit UnitID, batch []InvalidationDescriptor, drainWait bool) error

	// PendingResponseOutstanding reports the hardware's "pending response
	// outstanding" status bit for unit (spec §4.4 phase 2 poll target).
	PendingResponseOutstanding(unit UnitID) bool

	// PostPageGroupResponse posts a page-group response descriptor for a
	// completed (or rejected) request group (spec §4.3 step e / §6).
	PostPageGroupResponse(ctx context.Context, unit UnitID, resp wire.PageGroupResponse) error
}
