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

// Package addrspacetest provides a minimal in-memory addrspace.Space fake
// for exercising the fault resolver and observer without a real process mm,
// matching spec §8's S1-S6 scenarios.
package addrspacetest

import (
	"context"
	"sync"

	"github.com/dmar-sva/sva/pkg/addrspace"
	"github.com/dmar-sva/sva/pkg/hostaddr"
	"github.com/dmar-sva/sva/pkg/pasid"
)

// FakeSpace is a fixed-region address space: regions are declared up front
// via MapRegion, faults never actually allocate pages, and HandleFault
// performs no coverage or permission check of its own (the fault resolver
// does that before calling it): it records the call and returns FaultErr.
type FakeSpace struct {
	mu        sync.Mutex
	regions   []addrspace.Region
	dying     bool
	dead      bool
	observers []addrspace.Observer
	pasid     pasid.PASID
	hasPASID  bool

	// FaultCalls records every HandleFault invocation for assertions.
	FaultCalls []FaultCall
	// FaultErr, if non-nil, is returned by every HandleFault call.
	FaultErr error
}

// FaultCall records one HandleFault invocation.
type FaultCall struct {
	Addr  hostaddr.Addr
	At    hostaddr.AccessType
	Flags addrspace.FaultFlags
}

// NewFakeSpace returns an empty FakeSpace.
func NewFakeSpace() *FakeSpace { return &FakeSpace{} }

// MapRegion declares a fixed region with the given permissions.
func (f *FakeSpace) MapRegion(r hostaddr.AddrRange, perm hostaddr.AccessType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regions = append(f.regions, addrspace.Region{Range: r, Permissions: perm})
}

// MapGrowDownRegion declares a growable-downward region such as a stack;
// Lookup extends r's Start down to cover any address >= limit.
func (f *FakeSpace) MapGrowDownRegion(r hostaddr.AddrRange, limit hostaddr.Addr, perm hostaddr.AccessType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regions = append(f.regions, addrspace.Region{
		Range:       hostaddr.AddrRange{Start: limit, End: r.End},
		Permissions: perm,
		GrowsDown:   true,
	})
}

// SetDying marks the address space as being torn down: TakeReferenceIfLive
// starts failing, as spec §4.5 step 2 requires.
func (f *FakeSpace) SetDying(dying bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dying = dying
}

// TakeReferenceIfLive implements addrspace.Space.
func (f *FakeSpace) TakeReferenceIfLive() (addrspace.Ref, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dying || f.dead {
		return nil, false
	}
	return &fakeRef{space: f}, true
}

// AttachObserver implements addrspace.Space.
func (f *FakeSpace) AttachObserver(o addrspace.Observer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, o)
}

// DetachObserver implements addrspace.Space.
func (f *FakeSpace) DetachObserver(o addrspace.Observer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, ob := range f.observers {
		if ob == o {
			f.observers = append(f.observers[:i], f.observers[i+1:]...)
			return
		}
	}
}

// PASID implements addrspace.Space.
func (f *FakeSpace) PASID() (pasid.PASID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pasid, f.hasPASID
}

// SetPASID implements addrspace.Space.
func (f *FakeSpace) SetPASID(p pasid.PASID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pasid = p
	f.hasPASID = true
}

// Invalidate drives every attached observer's RangeInvalidated callback,
// simulating the address space dropping mappings in [start, end).
func (f *FakeSpace) Invalidate(start, end hostaddr.Addr) {
	f.mu.Lock()
	obs := append([]addrspace.Observer(nil), f.observers...)
	f.mu.Unlock()
	for _, o := range obs {
		o.RangeInvalidated(start, end)
	}
}

// Release drives every attached observer's AddressSpaceReleased callback
// and marks the space dead, simulating process exit.
func (f *FakeSpace) Release() {
	f.mu.Lock()
	f.dead = true
	obs := append([]addrspace.Observer(nil), f.observers...)
	f.mu.Unlock()
	for _, o := range obs {
		o.AddressSpaceReleased()
	}
}

type fakeRef struct {
	space *FakeSpace
}

func (r *fakeRef) Lookup(addr hostaddr.Addr) (addrspace.Region, bool) {
	r.space.mu.Lock()
	defer r.space.mu.Unlock()
	for _, reg := range r.space.regions {
		if reg.GrowsDown {
			if addr >= reg.Range.Start && addr < reg.Range.End {
				return reg, true
			}
			continue
		}
		if reg.Range.Contains(addr) {
			return reg, true
		}
	}
	return addrspace.Region{}, false
}

func (r *fakeRef) HandleFault(ctx context.Context, addr hostaddr.Addr, at hostaddr.AccessType, flags addrspace.FaultFlags) error {
	r.space.mu.Lock()
	r.space.FaultCalls = append(r.space.FaultCalls, FaultCall{Addr: addr, At: at, Flags: flags})
	err := r.space.FaultErr
	r.space.mu.Unlock()
	return err
}

func (r *fakeRef) Release() {}
