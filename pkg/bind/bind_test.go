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

package bind

import (
	"context"
	"testing"

	"github.com/dmar-sva/sva/pkg/addrspace/addrspacetest"
	"github.com/dmar-sva/sva/pkg/errors/linuxerr"
	"github.com/dmar-sva/sva/pkg/hw"
	"github.com/dmar-sva/sva/pkg/pasid"
	"github.com/dmar-sva/sva/pkg/prq"
	"github.com/dmar-sva/sva/pkg/prq/prqtest"
	"github.com/dmar-sva/sva/pkg/registry"
)

type fakeDevice struct{ id uint16 }

func (d *fakeDevice) SourceID() hw.SourceID { return hw.SourceID(d.id) }
func (d *fakeDevice) String() string        { return "fakeDevice" }

const unit0 hw.UnitID = 0

func newTestCoordinator(t *testing.T) (*Coordinator, *prqtest.Ops, *registry.Registry, *registry.Registry) {
	t.Helper()
	ops := prqtest.NewOps()
	hostReg := registry.New(pasid.SetHost, 1<<12)
	guestReg := registry.New(pasid.SetGuest, 1<<12)
	hostAlloc := pasid.NewAllocator(pasid.SetHost, 1, 1<<12)
	guestAlloc := pasid.NewAllocator(pasid.SetGuest, 0, 1<<12)
	ring := prqtest.NewRing(8)
	readers := map[hw.UnitID]*prq.Reader{
		unit0: prq.NewReader(unit0, ops, ring, hostReg, guestReg, nil),
	}
	return New(ops, hostReg, guestReg, hostAlloc, guestAlloc, readers), ops, hostReg, guestReg
}

// S1: a fresh host-mode bind allocates a PASID, programs the hardware entry
// and publishes the PASID into the address space.
func TestBindHostUserAllocatesAndPublishesPASID(t *testing.T) {
	c, ops, _, _ := newTestCoordinator(t)
	space := addrspacetest.NewFakeSpace()
	dev := &fakeDevice{id: 1}

	h, err := c.Bind(context.Background(), dev, unit0, space, 0)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if h.PASID == 0 {
		t.Error("Bind assigned RID2PASID to a user-mode binding")
	}
	got, ok := space.PASID()
	if !ok || got != h.PASID {
		t.Errorf("space.PASID() = (%v, %v), want (%v, true)", got, ok, h.PASID)
	}
	if len(ops.PASIDEntries) != 1 {
		t.Errorf("PASIDEntries = %d, want 1", len(ops.PASIDEntries))
	}
}

// P2: binding the same device twice to the same address space is rejected.
func TestBindDuplicateDeviceRejected(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	space := addrspacetest.NewFakeSpace()
	dev := &fakeDevice{id: 1}

	if _, err := c.Bind(context.Background(), dev, unit0, space, 0); err != nil {
		t.Fatalf("first Bind: %v", err)
	}
	if _, err := c.Bind(context.Background(), dev, unit0, space, 0); err != linuxerr.EALREADY {
		t.Fatalf("second Bind = %v, want EALREADY", err)
	}
}

// Two devices sharing one address space share a single binding and PASID.
func TestBindSharesBindingForSameAddressSpace(t *testing.T) {
	c, _, hostReg, _ := newTestCoordinator(t)
	space := addrspacetest.NewFakeSpace()
	dev1 := &fakeDevice{id: 1}
	dev2 := &fakeDevice{id: 2}

	h1, err := c.Bind(context.Background(), dev1, unit0, space, 0)
	if err != nil {
		t.Fatalf("Bind dev1: %v", err)
	}
	h2, err := c.Bind(context.Background(), dev2, unit0, space, 0)
	if err != nil {
		t.Fatalf("Bind dev2: %v", err)
	}
	if h1.PASID != h2.PASID {
		t.Errorf("PASIDs diverged: %d vs %d", h1.PASID, h2.PASID)
	}
	b, err := hostReg.Find(h1.PASID)
	if err != nil || b == nil {
		t.Fatalf("Find(%d) = (%v, %v)", h1.PASID, b, err)
	}
	if len(b.Devices()) != 2 {
		t.Errorf("Devices() = %d, want 2", len(b.Devices()))
	}
}

// A supervisor-mode bind that also supplies an address space is rejected
// with EINVAL, since supervisor bindings carry none.
func TestBindSupervisorRejectsAddressSpace(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	space := addrspacetest.NewFakeSpace()
	dev := &fakeDevice{id: 1}
	if _, err := c.Bind(context.Background(), dev, unit0, space, SupervisorMode); err != linuxerr.EINVAL {
		t.Fatalf("Bind(supervisor, space) = %v, want EINVAL", err)
	}
}

func TestBindSupervisorEachGetsOwnBinding(t *testing.T) {
	c, _, hostReg, _ := newTestCoordinator(t)
	dev1 := &fakeDevice{id: 1}
	dev2 := &fakeDevice{id: 2}
	h1, err := c.Bind(context.Background(), dev1, unit0, nil, SupervisorMode)
	if err != nil {
		t.Fatalf("Bind dev1: %v", err)
	}
	h2, err := c.Bind(context.Background(), dev2, unit0, nil, SupervisorMode)
	if err != nil {
		t.Fatalf("Bind dev2: %v", err)
	}
	if h1.PASID == h2.PASID {
		t.Error("two supervisor bindings shared a PASID")
	}
	b1, _ := hostReg.Find(h1.PASID)
	if len(b1.Devices()) != 1 {
		t.Errorf("supervisor binding 1 has %d devices, want 1", len(b1.Devices()))
	}
}

// Unbind releases the PASID, clears the hardware entry and removes the
// binding once its device set becomes empty (spec §4.2, P5).
func TestUnbindDrainsAndReleasesPASID(t *testing.T) {
	c, ops, hostReg, _ := newTestCoordinator(t)
	space := addrspacetest.NewFakeSpace()
	dev := &fakeDevice{id: 1}

	h, err := c.Bind(context.Background(), dev, unit0, space, 0)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := c.Unbind(context.Background(), h); err != nil {
		t.Fatalf("Unbind: %v", err)
	}
	if b, _ := hostReg.Find(h.PASID); b != nil {
		t.Error("binding still present after Unbind")
	}
	if len(ops.PASIDEntries) != 0 {
		t.Errorf("PASIDEntries = %d, want 0 after Unbind", len(ops.PASIDEntries))
	}
	if len(ops.Invalidations) == 0 {
		t.Error("Unbind did not submit a drain invalidation batch")
	}

	// The PASID must be available for reuse.
	dev2 := &fakeDevice{id: 2}
	space2 := addrspacetest.NewFakeSpace()
	h2, err := c.Bind(context.Background(), dev2, unit0, space2, 0)
	if err != nil {
		t.Fatalf("Bind after Unbind: %v", err)
	}
	if h2.PASID != h.PASID {
		t.Errorf("expected the freed PASID %d to be reused, got %d", h.PASID, h2.PASID)
	}
}

func TestUnbindIsIdempotentOnAbsentBinding(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	dev := &fakeDevice{id: 1}
	if err := c.Unbind(context.Background(), &Handle{Device: dev, PASID: 5, Unit: unit0}); err != nil {
		t.Errorf("Unbind on an absent binding = %v, want nil", err)
	}
}

// Guest-mode bind with a narrow PASID width is rejected unless the domain
// explicitly overrides.
func TestBindGuestNarrowPASIDRejectedUnlessOverridden(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	dev := &fakeDevice{id: 1}
	desc := GuestDescriptor{GuestPASID: 5, GuestPASIDValid: true, FullPASIDWidth: false}

	if err := c.BindGuest(context.Background(), dev, unit0, Domain{}, desc, 0); err != linuxerr.ENOTSUP {
		t.Fatalf("BindGuest without override = %v, want ENOTSUP", err)
	}
	if err := c.BindGuest(context.Background(), dev, unit0, Domain{AllowNarrowPASID: true}, desc, 0); err != nil {
		t.Fatalf("BindGuest with override: %v", err)
	}
}

func TestBindGuestHPASIDDefaultMissingIsEINVAL(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	dev := &fakeDevice{id: 1}
	desc := GuestDescriptor{FullPASIDWidth: true}
	if err := c.BindGuest(context.Background(), dev, unit0, Domain{}, desc, HPASIDDefault); err != linuxerr.EINVAL {
		t.Fatalf("BindGuest(HPASIDDefault, no default) = %v, want EINVAL", err)
	}
}

func TestBindGuestNoPASIDSourceIsEINVAL(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	dev := &fakeDevice{id: 1}
	desc := GuestDescriptor{FullPASIDWidth: true}
	if err := c.BindGuest(context.Background(), dev, unit0, Domain{}, desc, 0); err != linuxerr.EINVAL {
		t.Fatalf("BindGuest with neither HPASIDDefault nor GuestPASIDValid = %v, want EINVAL", err)
	}
}

func TestBindGuestAndUnbindGuestRoundTrip(t *testing.T) {
	c, ops, _, guestReg := newTestCoordinator(t)
	dev := &fakeDevice{id: 1}
	desc := GuestDescriptor{GuestPASID: 5, GuestPASIDValid: true, FullPASIDWidth: true}

	if err := c.BindGuest(context.Background(), dev, unit0, Domain{}, desc, 0); err != nil {
		t.Fatalf("BindGuest: %v", err)
	}
	b, err := guestReg.Find(5)
	if err != nil || b == nil {
		t.Fatalf("guestReg.Find(5) = (%v, %v)", b, err)
	}
	if len(ops.PASIDEntries) != 1 {
		t.Errorf("PASIDEntries = %d, want 1", len(ops.PASIDEntries))
	}

	if err := c.UnbindGuest(context.Background(), dev, 5, 0); err != nil {
		t.Fatalf("UnbindGuest: %v", err)
	}
	if b, _ := guestReg.Find(5); b != nil {
		t.Error("guest binding still present after UnbindGuest")
	}
	if len(ops.PASIDEntries) != 0 {
		t.Errorf("PASIDEntries = %d, want 0 after UnbindGuest", len(ops.PASIDEntries))
	}
}

// A host bind racing a binding's teardown (DRAINING, not yet Removed) must
// allocate a fresh binding rather than attach a new device to the one
// mid-teardown.
func TestBindAllocatesFreshBindingWhenExistingIsDraining(t *testing.T) {
	c, _, hostReg, _ := newTestCoordinator(t)
	space := addrspacetest.NewFakeSpace()
	dev := &fakeDevice{id: 1}

	h1, err := c.Bind(context.Background(), dev, unit0, space, 0)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}

	// Simulate the window Unbind opens between marking the last device's
	// binding DRAINING and its final Remove.
	hostReg.Lock()
	b, err := hostReg.FindLocked(h1.PASID)
	if err != nil || b == nil {
		hostReg.Unlock()
		t.Fatalf("FindLocked(%d) = (%v, %v)", h1.PASID, b, err)
	}
	hostReg.RemoveDeviceLocked(b, dev)
	hostReg.MarkDraining(b)
	hostReg.Unlock()

	dev2 := &fakeDevice{id: 2}
	h2, err := c.Bind(context.Background(), dev2, unit0, space, 0)
	if err != nil {
		t.Fatalf("Bind while existing binding drains: %v", err)
	}
	if h2.PASID == h1.PASID {
		t.Error("Bind attached a new device to a DRAINING binding instead of allocating a fresh one")
	}
}

// A guest bind racing a binding's teardown must not resurrect it either;
// since the guest PASID is the map key itself (not deduplicated by address
// space), there is no fresh key to fall back to, so it must be rejected.
func TestBindGuestRejectsDrainingBinding(t *testing.T) {
	c, _, _, guestReg := newTestCoordinator(t)
	dev := &fakeDevice{id: 1}
	desc := GuestDescriptor{GuestPASID: 5, GuestPASIDValid: true, FullPASIDWidth: true}
	if err := c.BindGuest(context.Background(), dev, unit0, Domain{}, desc, 0); err != nil {
		t.Fatalf("BindGuest: %v", err)
	}

	guestReg.Lock()
	b, err := guestReg.FindLocked(5)
	if err != nil || b == nil {
		guestReg.Unlock()
		t.Fatalf("FindLocked(5) = (%v, %v)", b, err)
	}
	guestReg.RemoveDeviceLocked(b, dev)
	guestReg.MarkDraining(b)
	guestReg.Unlock()

	dev2 := &fakeDevice{id: 2}
	if err := c.BindGuest(context.Background(), dev2, unit0, Domain{}, desc, 0); err != linuxerr.EAGAIN {
		t.Fatalf("BindGuest during teardown = %v, want EAGAIN", err)
	}
}

func TestBindGuestDuplicateDeviceRejected(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	dev := &fakeDevice{id: 1}
	desc := GuestDescriptor{GuestPASID: 5, GuestPASIDValid: true, FullPASIDWidth: true}
	if err := c.BindGuest(context.Background(), dev, unit0, Domain{}, desc, 0); err != nil {
		t.Fatalf("first BindGuest: %v", err)
	}
	if err := c.BindGuest(context.Background(), dev, unit0, Domain{}, desc, 0); err != linuxerr.EALREADY {
		t.Fatalf("second BindGuest = %v, want EALREADY", err)
	}
}
