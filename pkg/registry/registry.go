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

// Package registry implements the Binding Registry (spec §4.1, component
// C5): the (PASID → binding) and (binding → device-list) relations, with
// wait-free device-set traversal for readers (the PRQ reader and the
// address-space observer) and mutation serialised under one mutex.
//
// Deferred reclaim (spec §5, §9) is implemented with a copy-on-write
// device-list snapshot behind an atomic pointer rather than hazard
// pointers or an epoch counter: mutators build a new slice and swap the
// pointer under the registry mutex, and readers load the pointer once and
// iterate their own snapshot. The Go garbage collector keeps that snapshot
// (and any *DeviceBinding it references) alive for exactly as long as a
// reader holds it, which is the memory-safety property the spec asks for.
package registry

import (
	"sync/atomic"

	stdsync "sync"

	"github.com/dmar-sva/sva/pkg/atomicbitops"
	"github.com/dmar-sva/sva/pkg/errors/linuxerr"
	"github.com/dmar-sva/sva/pkg/hw"
	"github.com/dmar-sva/sva/pkg/pasid"
)

// Mode is a binding's addressing mode, spec §3.
type Mode int

const (
	HostUser Mode = iota
	HostSupervisor
	GuestNested
)

// State is a binding's lifecycle state, spec §4.2: "LIVE → DRAINING (during
// teardown of last D) → FREED". Transitions are irreversible.
type State int32

const (
	StateLive State = iota
	StateDraining
	StateFreed
)

// Binding is spec's B: the association between a PASID and an address
// space (or, for guest/supervisor bindings, no address space at all).
type Binding struct {
	PASID        pasid.PASID
	Mode         Mode
	AddressSpace any // addrspace.Space, or nil for GUEST_NESTED/HOST_SUPERVISOR
	GuestPASID   pasid.PASID
	HasGuestPASID bool
	Flags        uint32

	// GuestVendorDescriptor holds the nested-mode vendor descriptor for
	// the lifetime of a GuestNested binding (SPEC_FULL §3 supplement),
	// since drain/teardown must not need to re-read caller-owned memory.
	GuestVendorDescriptor any

	ObserverAttached bool

	state atomicbitops.Int32 // State

	devices atomic.Pointer[[]*DeviceBinding]
}

// State returns the binding's current lifecycle state.
func (b *Binding) State() State { return State(b.state.Load()) }

func (b *Binding) setState(s State) { b.state.Store(int32(s)) }

// Devices returns a wait-free snapshot of the binding's device set. Callers
// must not mutate the returned slice; it is shared with concurrent readers.
func (b *Binding) Devices() []*DeviceBinding {
	p := b.devices.Load()
	if p == nil {
		return nil
	}
	return *p
}

// DeviceBinding is spec's D: a single (device, binding) edge.
type DeviceBinding struct {
	Device   hw.DeviceHandle
	SourceID hw.SourceID
	Unit     hw.UnitID
	DomainID uint16
	Depth    uint8 // device-TLB depth / qdep
	DeviceTLBEnabled bool
}

// Registry is one PASID-set-scoped instance of the (PASID → binding) and
// (binding → device-list) relations (spec §4.1, C5). A Manager holds one
// Registry per pasid.Set.
type Registry struct {
	set pasid.Set
	max pasid.PASID

	mu       stdsync.Mutex
	bindings map[pasid.PASID]*Binding
}

// New creates an empty Registry scoped to set, validating PASIDs against
// [0, max).
func New(set pasid.Set, max pasid.PASID) *Registry {
	return &Registry{set: set, max: max, bindings: make(map[pasid.PASID]*Binding)}
}

// Set returns the PASID namespace this registry is scoped to.
func (r *Registry) Set() pasid.Set { return r.set }

// Find looks up the binding for p. Spec: "O(1) lookup... Fails with
// INVALID if pasid is out of range."
func (r *Registry) Find(p pasid.PASID) (*Binding, error) {
	if p >= r.max {
		return nil, linuxerr.EINVAL
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[p]
	if !ok {
		return nil, nil
	}
	return b, nil
}

// FindDevice does a wait-free traversal of b's device set, spec:
// "a reader may observe the device set without holding the registry
// mutex, provided deletion is deferred past any outstanding reader."
func FindDevice(b *Binding, dev hw.DeviceHandle) (*DeviceBinding, bool) {
	for _, d := range b.Devices() {
		if d.Device == dev {
			return d, true
		}
	}
	return nil, false
}

// Insert adds a new binding under the registry mutex. Returns EALREADY if
// a binding already exists for b.PASID.
func (r *Registry) Insert(b *Binding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bindings[b.PASID]; exists {
		return linuxerr.EALREADY
	}
	r.bindings[b.PASID] = b
	return nil
}

// InsertDevice adds d to b's device set under the registry mutex, refusing
// a duplicate (device, pasid) pair (spec I2).
func (r *Registry) InsertDevice(b *Binding, d *DeviceBinding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := b.Devices()
	for _, existing := range old {
		if existing.Device == d.Device {
			return linuxerr.EALREADY
		}
	}
	next := make([]*DeviceBinding, len(old), len(old)+1)
	copy(next, old)
	next = append(next, d)
	b.devices.Store(&next)
	return nil
}

// RemoveDevice removes the device-binding for dev from b under the
// registry mutex and reports whether b's device set is now empty (spec
// I1: "B is destroyed iff its device set is empty").
func (r *Registry) RemoveDevice(b *Binding, dev hw.DeviceHandle) (removed *DeviceBinding, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.RemoveDeviceLocked(b, dev)
}

// RemoveDeviceLocked is RemoveDevice without re-acquiring the mutex; callers
// must hold it via Lock/Unlock.
func (r *Registry) RemoveDeviceLocked(b *Binding, dev hw.DeviceHandle) (removed *DeviceBinding, empty bool) {
	old := b.Devices()
	next := make([]*DeviceBinding, 0, len(old))
	for _, d := range old {
		if d.Device == dev {
			removed = d
			continue
		}
		next = append(next, d)
	}
	b.devices.Store(&next)
	return removed, len(next) == 0
}

// Remove deletes b from the registry under the registry mutex. b must
// already have an empty device set; the caller (the bind/unbind
// coordinator) is responsible for sequencing that per spec §4.2 step 4.
func (r *Registry) Remove(b *Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b.setState(StateFreed)
	delete(r.bindings, b.PASID)
}

// MarkDraining transitions b from LIVE to DRAINING. Called by unbind while
// still holding the registry mutex, right after the last device-binding is
// removed and before the PASID entry is cleared and drain runs (spec §4.2's
// state machine).
func (r *Registry) MarkDraining(b *Binding) {
	b.setState(StateDraining)
}

// Lock/Unlock expose the registry mutex directly for the bind/unbind
// coordinator's multi-step critical sections (spec §4.2), which need to
// perform a Find-then-Insert or Find-then-InsertDevice atomically rather
// than as two independently-locked calls.
func (r *Registry) Lock()   { r.mu.Lock() }
func (r *Registry) Unlock() { r.mu.Unlock() }

// FindLocked is Find without re-acquiring the mutex; callers must hold it
// via Lock/Unlock.
func (r *Registry) FindLocked(p pasid.PASID) (*Binding, error) {
	if p >= r.max {
		return nil, linuxerr.EINVAL
	}
	b, ok := r.bindings[p]
	if !ok {
		return nil, nil
	}
	return b, nil
}

// InsertLocked is Insert without re-acquiring the mutex.
func (r *Registry) InsertLocked(b *Binding) error {
	if _, exists := r.bindings[b.PASID]; exists {
		return linuxerr.EALREADY
	}
	r.bindings[b.PASID] = b
	return nil
}

// InsertDeviceLocked is InsertDevice without re-acquiring the mutex.
func (r *Registry) InsertDeviceLocked(b *Binding, d *DeviceBinding) error {
	old := b.Devices()
	for _, existing := range old {
		if existing.Device == d.Device {
			return linuxerr.EALREADY
		}
	}
	next := make([]*DeviceBinding, len(old), len(old)+1)
	copy(next, old)
	next = append(next, d)
	b.devices.Store(&next)
	return nil
}

// FindByAddressSpace scans for a live binding whose AddressSpace equals as;
// used by host-mode bind to find an existing binding to add a device to.
// O(n) in the number of live host bindings, which spec §9 accepts as an
// implementation choice ("a reverse map from address-space → B can speed
// bind, but is an implementation choice"). A binding in StateDraining or
// StateFreed is invisible here even though it may still be present in
// r.bindings until Remove deletes it: a concurrent bind must never attach a
// new device to a binding whose last device is mid-teardown, so it falls
// through to allocating a fresh binding instead.
func (r *Registry) FindByAddressSpaceLocked(as any) *Binding {
	for _, b := range r.bindings {
		if b.AddressSpace == as && b.State() == StateLive {
			return b
		}
	}
	return nil
}
