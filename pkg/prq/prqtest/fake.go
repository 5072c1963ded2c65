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

// Package prqtest provides a software fake of the PRQ ring and the hw.Ops
// register surface, sized for driving the PRQ Reader and Drainer against
// spec §8's scenarios without real hardware.
package prqtest

import (
	"context"
	"sync"

	"github.com/dmar-sva/sva/pkg/hw"
	"github.com/dmar-sva/sva/pkg/wire"
)

// Ring is an in-memory descriptor ring implementing prq.Memory.
type Ring struct {
	slots []wire.PageRequestDescriptor
}

// NewRing creates a ring with the given power-of-two capacity.
func NewRing(capacity uint32) *Ring {
	return &Ring{slots: make([]wire.PageRequestDescriptor, capacity)}
}

func (r *Ring) Capacity() uint32 { return uint32(len(r.slots)) }

func (r *Ring) ReadAt(index uint32) wire.PageRequestDescriptor {
	return r.slots[index%uint32(len(r.slots))]
}

// Post writes d at the ring's current tail slot and advances tail; callers
// use this directly rather than through hw.Ops, mirroring how the device
// itself would post descriptors.
func (r *Ring) Post(tail uint32, d wire.PageRequestDescriptor) {
	r.slots[tail%uint32(len(r.slots))] = d
}

// Ops is a software fake of hw.Ops sufficient to drive prq.Reader and
// prq.Drain: it tracks head/tail/overflow/pending-response state per unit
// and records every invalidation batch and page-group response for test
// assertions, rather than touching real MMIO registers.
type Ops struct {
	mu sync.Mutex

	head, tail map[hw.UnitID]uint32
	overflow   map[hw.UnitID]bool
	pending    map[hw.UnitID]bool

	Invalidations []InvalidationCall
	Responses     []wire.PageGroupResponse
	PASIDEntries  map[pasidKey]hw.PASIDTableEntry
}

type InvalidationCall struct {
	Unit  hw.UnitID
	Batch []hw.InvalidationDescriptor
}

type pasidKey struct {
	Unit  hw.UnitID
	PASID uint32
}

// NewOps constructs an empty fake with all units starting at head=tail=0.
func NewOps() *Ops {
	return &Ops{
		head:         make(map[hw.UnitID]uint32),
		tail:         make(map[hw.UnitID]uint32),
		overflow:     make(map[hw.UnitID]bool),
		pending:      make(map[hw.UnitID]bool),
		PASIDEntries: make(map[pasidKey]hw.PASIDTableEntry),
	}
}

// SetTail simulates the device posting descriptors up to tail, as would
// happen after Ring.Post calls.
func (o *Ops) SetTail(unit hw.UnitID, tail uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tail[unit] = tail
}

// SetOverflow marks unit's PRQ as having overflowed.
func (o *Ops) SetOverflow(unit hw.UnitID, v bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.overflow[unit] = v
}

// SetPendingResponseOutstanding simulates the hardware's drain-completion
// status bit, normally cleared once all in-flight responses are consumed.
func (o *Ops) SetPendingResponseOutstanding(unit hw.UnitID, v bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending[unit] = v
}

func (o *Ops) ClearPendingInterrupt(unit hw.UnitID) {}

func (o *Ops) ReadPQRegs(unit hw.UnitID) (head, tail uint32, status hw.StatusBits) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.head[unit], o.tail[unit], hw.StatusBits{Overflow: o.overflow[unit], PendingResponseOutstanding: o.pending[unit]}
}

func (o *Ops) WritePQHead(unit hw.UnitID, head uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.head[unit] = head
}

func (o *Ops) ClearOverflow(unit hw.UnitID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.overflow[unit] = false
}

func (o *Ops) ProgramPASIDEntry(ctx context.Context, unit hw.UnitID, dev hw.DeviceHandle, pasid uint32, entry hw.PASIDTableEntry) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.PASIDEntries[pasidKey{unit, pasid}] = entry
	return nil
}

func (o *Ops) ClearPASIDEntry(ctx context.Context, unit hw.UnitID, dev hw.DeviceHandle, pasid uint32, keepPTE bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.PASIDEntries, pasidKey{unit, pasid})
	return nil
}

func (o *Ops) SubmitInvalidation(ctx context.Context, unit hw.UnitID, batch []hw.InvalidationDescriptor, drainWait bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	cp := make([]hw.InvalidationDescriptor, len(batch))
	copy(cp, batch)
	o.Invalidations = append(o.Invalidations, InvalidationCall{Unit: unit, Batch: cp})
	if drainWait {
		o.pending[unit] = false
	}
	return nil
}

func (o *Ops) PendingResponseOutstanding(unit hw.UnitID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending[unit]
}

func (o *Ops) PostPageGroupResponse(ctx context.Context, unit hw.UnitID, resp wire.PageGroupResponse) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Responses = append(o.Responses, resp)
	return nil
}

var _ hw.Ops = (*Ops)(nil)
