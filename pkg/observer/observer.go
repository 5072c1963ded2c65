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

// Package observer implements the Address-space Observer (spec §4.6,
// component C4): the callbacks a host address space drives when it drops
// mappings or exits, translated into IOTLB and device-TLB invalidations
// for every device sharing the observed binding.
package observer

import (
	"context"

	"github.com/dmar-sva/sva/pkg/hostaddr"
	"github.com/dmar-sva/sva/pkg/hw"
	"github.com/dmar-sva/sva/pkg/log"
	"github.com/dmar-sva/sva/pkg/registry"
)

// Observer implements addrspace.Observer for one Binding. It is attached at
// first host-mode bind and detached when the binding is destroyed or the
// address space exits, whichever comes first (spec §3 lifecycles).
//
// Both callbacks traverse the binding's device set lock-free (spec §5):
// they run in address-space-internal contexts that may already hold the
// address space's own locks and must never block on the registry mutex.
type Observer struct {
	hw hw.Ops
	b  *registry.Binding
}

// New constructs an Observer for b. hw must be the same Ops instance used
// to program b's device bindings.
func New(hw hw.Ops, b *registry.Binding) *Observer {
	return &Observer{hw: hw, b: b}
}

// RangeInvalidated implements addrspace.Observer. Spec §4.6: flush the
// IOTLB for [start, end) on every device in b, decomposed into the largest
// power-of-two aligned sub-ranges that cover it, plus a device-TLB flush
// per device that has one enabled.
func (o *Observer) RangeInvalidated(start, end hostaddr.Addr) {
	ranges := alignedSubranges(uint64(start), uint64(end))
	if len(ranges) == 0 {
		return
	}
	for _, d := range o.b.Devices() {
		batch := make([]hw.InvalidationDescriptor, 0, len(ranges)+1)
		for _, r := range ranges {
			batch = append(batch, hw.InvalidationDescriptor{
				Kind:           hw.InvalPIOTLB,
				PASID:          uint32(o.b.PASID),
				Addr:           r.lo,
				NumPages:       (r.hi - r.lo) / hostaddr.PageSize,
				InvalidateHint: true,
			})
		}
		if d.DeviceTLBEnabled {
			batch = append(batch, hw.InvalidationDescriptor{
				Kind:     hw.InvalDeviceTLB,
				SourceID: d.SourceID,
				Depth:    d.Depth,
			})
		}
		if err := o.hw.SubmitInvalidation(context.Background(), d.Unit, batch, false); err != nil {
			log.Warningf("observer: invalidation failed for pasid %d device %s: %v", o.b.PASID, d.Device, err)
		}
	}
}

// AddressSpaceReleased implements addrspace.Observer. Spec §4.6: clear the
// hardware PASID entry for every device in b so hardware can no longer
// walk its page tables; b itself is freed later by the unbind path, not
// here.
func (o *Observer) AddressSpaceReleased() {
	for _, d := range o.b.Devices() {
		if err := o.hw.ClearPASIDEntry(context.Background(), d.Unit, d.Device, uint32(o.b.PASID), false); err != nil {
			log.Warningf("observer: failed to clear pasid entry for pasid %d device %s: %v", o.b.PASID, d.Device, err)
		}
	}
}

type addrRange struct{ lo, hi uint64 }

// alignedSubranges decomposes [start, end) into the largest power-of-two
// aligned blocks that cover it exactly, greedily choosing the widest
// alignment permitted at each step by both the current offset and the
// remaining distance to end.
func alignedSubranges(start, end uint64) []addrRange {
	var out []addrRange
	for start < end {
		align := uint64(1) << 63
		if start != 0 {
			// Largest power of two dividing start.
			align = start & (-start)
		}
		for align > end-start {
			align >>= 1
		}
		out = append(out, addrRange{lo: start, hi: start + align})
		start += align
	}
	return out
}
