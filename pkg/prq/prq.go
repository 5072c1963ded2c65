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

package prq

import (
	"context"

	"github.com/dmar-sva/sva/pkg/addrspace"
	"github.com/dmar-sva/sva/pkg/busid"
	"github.com/dmar-sva/sva/pkg/fault"
	"github.com/dmar-sva/sva/pkg/hostaddr"
	"github.com/dmar-sva/sva/pkg/hw"
	"github.com/dmar-sva/sva/pkg/log"
	"github.com/dmar-sva/sva/pkg/pasid"
	"github.com/dmar-sva/sva/pkg/registry"
	sync "github.com/dmar-sva/sva/pkg/sync"
	"github.com/dmar-sva/sva/pkg/wire"
)

// Reader is the PRQ Ring Reader (spec §4.3, component C1): the sole
// consumer of one IOMMU unit's page-request queue. There is exactly one
// Reader per hw.UnitID, invoked from the unit's threaded IRQ handler.
type Reader struct {
	unit hw.UnitID
	hw   hw.Ops
	ring Memory

	// hostReg and guestReg are consulted in that order for a descriptor's
	// PASID: a PASID belongs to exactly one of the two sets (pasid.Set).
	hostReg  *registry.Registry
	guestReg *registry.Registry

	// sink receives guest-mode (nested) faults; spec §4.3 step c hands
	// those off without resolving them here.
	sink fault.Sink

	// batch serialises concurrent ProcessBatch calls: only one IRQ
	// context should be draining the ring at a time.
	batch sync.Mutex

	// done is signalled at the end of every ProcessBatch call, and is
	// the rendezvous Drain waits on both while software-draining the
	// ring and while polling the hardware-drain status bit (spec §4.4).
	done sync.Completion

	// groups tracks the worst response code seen so far for an
	// in-progress host-mode page-request group, keyed by the group's
	// (source, pasid, index) so that only the last-in-group descriptor
	// triggers a PostPageGroupResponse call.
	groupMu sync.Mutex
	groups  map[groupKey]wire.ResponseCode
}

// groupKey identifies one in-flight page-request group.
type groupKey struct {
	Source busid.SourceID
	PASID  uint32
	Index  uint16
}

// NewReader constructs a Reader for one hardware unit. hostReg and
// guestReg may be the same Registry if the caller chooses to collapse the
// two PASID namespaces (spec §9); sink may be nil if this deployment binds
// no guest-mode PASIDs.
func NewReader(unit hw.UnitID, ops hw.Ops, ring Memory, hostReg, guestReg *registry.Registry, sink fault.Sink) *Reader {
	return &Reader{
		unit:     unit,
		hw:       ops,
		ring:     ring,
		hostReg:  hostReg,
		guestReg: guestReg,
		sink:     sink,
		groups:   make(map[groupKey]wire.ResponseCode),
	}
}

// ProcessBatch implements spec §4.3's six-step algorithm for one interrupt
// occurrence: it drains every descriptor currently posted between the
// hardware's head and tail shadow registers, resolving or dispatching each,
// then publishes a new head and clears any overflow latch.
func (r *Reader) ProcessBatch(ctx context.Context) error {
	r.batch.Lock()
	defer r.batch.Unlock()
	defer r.done.Signal()

	// Step 1: clear the pending-interrupt latch before sampling head/tail
	// so a fault posted after this point re-triggers the interrupt rather
	// than being silently coalesced into this batch.
	r.hw.ClearPendingInterrupt(r.unit)

	// Step 2: sample the ring bounds.
	head, tail, status := r.hw.ReadPQRegs(r.unit)
	cap := r.ring.Capacity()

	// Step 3: iterate every posted descriptor.
	for idx := head; idx != tail; idx = (idx + 1) % cap {
		desc := r.ring.ReadAt(idx)
		r.dispatch(ctx, desc)
	}

	// Step 4: publish the new head, releasing the consumed slots back to
	// hardware.
	r.hw.WritePQHead(r.unit, tail)

	// Step 5: PRQ overflow (ring filled to capacity between interrupts)
	// is cleared last, after the backlog it caused has been drained.
	if status.Overflow {
		log.Warningf("prq: unit %d overflow, head=%d tail=%d", r.unit, head, tail)
		r.hw.ClearOverflow(r.unit)
	}

	// Step 6: done is signalled via the deferred call above, waking
	// any Drain callers blocked on this unit making progress.
	return nil
}

// dispatch resolves or forwards one descriptor and, for host-mode groups,
// posts the aggregated page-group response once the last descriptor in the
// group has been seen.
func (r *Reader) dispatch(ctx context.Context, desc wire.PageRequestDescriptor) {
	// Bad-request gate, spec §4.3 step 3a: a privileged-mode descriptor
	// requesting read or write access is malformed (supervisor SVM never
	// takes page requests), and a combined execute+read request is
	// unsupported. Both are rejected as INVALID before any binding lookup.
	if desc.PrivilegedMode && (desc.ReadRequest || desc.WriteRequest) {
		r.respond(ctx, desc, wire.RespInvalid)
		return
	}
	if desc.ExecRequest && desc.ReadRequest {
		r.respond(ctx, desc, wire.RespInvalid)
		return
	}

	p := pasid.PASID(desc.PASID)
	if !desc.PASIDPresent {
		p = pasid.RID2PASID
	}

	b, mode, err := r.findBinding(p)
	if err != nil || b == nil {
		r.respond(ctx, desc, wire.RespInvalid)
		return
	}

	access := hostaddr.AccessType{Read: desc.ReadRequest, Write: desc.WriteRequest, Execute: desc.ExecRequest}

	switch mode {
	case registry.GuestNested:
		// Spec §4.3 step c: hand off to the external fault sink and do
		// not respond here; the sink owns posting the eventual response
		// once the guest has resolved (or rejected) the fault.
		if r.sink == nil {
			r.respond(ctx, desc, wire.RespInvalid)
			return
		}
		ev := fault.Event{
			PASID:       desc.PASID,
			Addr:        desc.Addr,
			Access:      access,
			GroupIndex:  desc.GroupIndex,
			LastInGroup: desc.LastInGroup,
			PrivateData: desc.PrivateData,
			HasPrivate:  desc.PrivDataPresent,
		}
		if d, ok := findDeviceBySource(b, desc.SourceID); ok {
			ev.Device = d.Device
		}
		if err := r.sink.ReportDeviceFault(ctx, ev); err != nil {
			log.Warningf("prq: guest fault dispatch failed for pasid %d: %v", p, err)
		}

	default:
		space, _ := b.AddressSpace.(addrspace.Space)
		req := fault.Request{
			Addr:       desc.Addr,
			Access:     access,
			Supervisor: mode == registry.HostSupervisor,
		}
		code := fault.Resolve(ctx, space, req)
		r.respond(ctx, desc, code)
	}
}

// respond aggregates code into the descriptor's page-request group and, on
// the last-in-group descriptor, posts the group's response.
func (r *Reader) respond(ctx context.Context, desc wire.PageRequestDescriptor, code wire.ResponseCode) {
	key := groupKey{Source: desc.SourceID, PASID: desc.PASID, Index: desc.GroupIndex}

	r.groupMu.Lock()
	if worse, ok := r.groups[key]; !ok || codeSeverity(code) > codeSeverity(worse) {
		r.groups[key] = code
	}
	final := r.groups[key]
	if desc.LastInGroup {
		delete(r.groups, key)
	}
	r.groupMu.Unlock()

	if !desc.LastInGroup {
		return
	}

	resp := wire.PageGroupResponse{
		PASID:           desc.PASID,
		PASIDPresent:    desc.PASIDPresent,
		DeviceID:        desc.SourceID,
		PrivDataPresent: desc.PrivDataPresent,
		Code:            final,
		GroupIndex:      desc.GroupIndex,
		LastInGroup:     true,
		PrivateData:     desc.PrivateData,
	}
	if err := r.hw.PostPageGroupResponse(ctx, r.unit, resp); err != nil {
		log.Warningf("prq: failed to post page-group response for pasid %d group %d: %v", desc.PASID, desc.GroupIndex, err)
	}
}

// codeSeverity orders response codes so a group's final response reflects
// the worst outcome among its descriptors.
func codeSeverity(c wire.ResponseCode) int {
	switch c {
	case wire.RespSuccess:
		return 0
	case wire.RespInvalid:
		return 1
	default:
		return 2
	}
}

// findBinding looks p up in whichever of hostReg/guestReg owns it.
func (r *Reader) findBinding(p pasid.PASID) (*registry.Binding, registry.Mode, error) {
	if r.hostReg != nil {
		if b, err := r.hostReg.Find(p); err != nil {
			return nil, 0, err
		} else if b != nil {
			return b, b.Mode, nil
		}
	}
	if r.guestReg != nil {
		if b, err := r.guestReg.Find(p); err != nil {
			return nil, 0, err
		} else if b != nil {
			return b, b.Mode, nil
		}
	}
	return nil, 0, nil
}

func findDeviceBySource(b *registry.Binding, src busid.SourceID) (*registry.DeviceBinding, bool) {
	for _, d := range b.Devices() {
		if d.SourceID == src {
			return d, true
		}
	}
	return nil, false
}

// hasPendingDescriptor reports whether any descriptor currently posted
// between head and tail names pasid, per spec §4.4 phase 1's software
// drain.
func (r *Reader) hasPendingDescriptor(p pasid.PASID) bool {
	head, tail, _ := r.hw.ReadPQRegs(r.unit)
	cap := r.ring.Capacity()
	for idx := head; idx != tail; idx = (idx + 1) % cap {
		d := r.ring.ReadAt(idx)
		if d.PASIDPresent && pasid.PASID(d.PASID) == p {
			return true
		}
	}
	return false
}

// Drain implements the PRQ Drainer (spec §4.4, component C3): the two-phase
// protocol run during unbind before a PASID's last device-binding is torn
// down, ensuring no in-flight page request can reference the binding after
// Drain returns.
//
// Phase 1 (software drain) waits for every already-posted descriptor
// naming p to be consumed by ProcessBatch. Phase 2 (hardware drain)
// submits a fenced invalidation batch and polls the unit's
// pending-response-outstanding status bit until hardware confirms no
// request for p can still be produced.
func (r *Reader) Drain(ctx context.Context, d *registry.DeviceBinding, p pasid.PASID) error {
	for {
		// Reset before checking the predicate, not after, so a Signal
		// delivered between the check and the Wait call below is never
		// missed (the waiter, not the signaller, owns Reset; see
		// Completion's doc comment).
		r.done.Reset()
		if !r.hasPendingDescriptor(p) {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		r.done.Wait()
	}
	// Phase 1 complete: no descriptor naming p remains between the
	// ring's current head and tail. Phase 2 below confirms hardware has
	// stopped producing new ones for p.

	batch := make([]hw.InvalidationDescriptor, 0, 3)
	batch = append(batch, hw.InvalidationDescriptor{Kind: hw.InvalFencedWait})
	batch = append(batch, hw.InvalidationDescriptor{
		Kind:           hw.InvalPIOTLB,
		PASID:          uint32(p),
		NumPages:       1 << 51, // whole address space; spec §4.6 aligned-range logic applies to targeted invalidation, not drain
		InvalidateHint: true,
	})
	if d != nil && d.DeviceTLBEnabled {
		batch = append(batch, hw.InvalidationDescriptor{
			Kind:     hw.InvalDeviceTLB,
			SourceID: d.SourceID,
			Depth:    d.Depth,
		})
	}

	if err := r.hw.SubmitInvalidation(ctx, r.unit, batch, true); err != nil {
		return err
	}
	for {
		r.done.Reset()
		if !r.hw.PendingResponseOutstanding(r.unit) {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		r.done.Wait()
	}
	return nil
}
