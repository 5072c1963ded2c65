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

// Package bind implements the Bind/Unbind Coordinator (spec §4.2,
// component C6): the host-mode and guest-mode enter/leave protocols that
// create and destroy Bindings and Device-Bindings in the registry,
// program hardware PASID entries, and drive drain on the way out.
package bind

import (
	"context"

	"github.com/dmar-sva/sva/pkg/addrspace"
	"github.com/dmar-sva/sva/pkg/errors/linuxerr"
	"github.com/dmar-sva/sva/pkg/hw"
	"github.com/dmar-sva/sva/pkg/observer"
	"github.com/dmar-sva/sva/pkg/pasid"
	"github.com/dmar-sva/sva/pkg/prq"
	"github.com/dmar-sva/sva/pkg/registry"
	sync "github.com/dmar-sva/sva/pkg/sync"
)

// Flags mirrors spec §6's bind-time configuration options.
type Flags uint32

const (
	SupervisorMode Flags = 1 << iota
	GuestMode
	GuestPASIDValid
	HPASIDDefault
)

// Handle is the opaque token returned by a successful bind, spec §6:
// "bind(device, address_space, flags) → handle | error".
type Handle struct {
	Device hw.DeviceHandle
	PASID  pasid.PASID
	Unit   hw.UnitID
}

// GuestDescriptor is the guest-supplied nested-paging descriptor, spec
// §4.2's guest-mode bind step 4 ("the guest supplies its top-level page
// table and a vendor-specific descriptor giving address-width and
// attribute bits").
type GuestDescriptor struct {
	GuestPASID       pasid.PASID
	GuestPASIDValid  bool
	GuestFirstLevelRoot uint64
	AddressWidth     uint32
	VendorAttrs      uint64
	FivePagingLevel  bool
	FullPASIDWidth   bool
}

// Domain is the guest-mode caller's per-domain context: whether it
// pre-assigned a default host PASID (HPASID_DEFAULT), and whether fault
// data must be pre-installed before the registry mutex is taken (spec
// §4.2 guest-mode step 2).
type Domain struct {
	DefaultHostPASID    pasid.PASID
	HasDefaultHostPASID bool
	FaultDataRequired   bool
	// AllowNarrowPASID overrides the default rejection of devices that
	// lack full 20-bit PASID width (spec §4.2 guest-mode step 1: "unless
	// the domain explicitly overrides").
	AllowNarrowPASID bool
}

// Coordinator implements C6. One Coordinator serves every IOMMU unit
// listed at construction; readers must already exist for each of them
// (spec: drain is invoked from the unbind path, after the PASID entry has
// been cleared but before B is freed).
type Coordinator struct {
	hw hw.Ops

	hostReg  *registry.Registry
	guestReg *registry.Registry

	hostAlloc  *pasid.Allocator
	guestAlloc *pasid.Allocator

	readers map[hw.UnitID]*prq.Reader

	// installFaultData pre-installs per-PASID fault routing before the
	// registry mutex is acquired, spec §4.2 guest-mode step 2: "to avoid
	// racing the PRQ reader." Optional; nil if this deployment has no
	// separate fault-routing table to pre-arm.
	installFaultData func(ctx context.Context, p pasid.PASID, dev hw.DeviceHandle) (cleanup func(), err error)

	// unitMu approximates spec §5's per-IOMMU spinlock guarding
	// PASID-table programming: one mutex per unit, created lazily under
	// tableMu.
	tableMu sync.Mutex
	unitMu  map[hw.UnitID]*sync.Mutex
}

// New constructs a Coordinator. readers must contain one prq.Reader per
// hw.UnitID this Coordinator will be asked to bind devices on.
func New(ops hw.Ops, hostReg, guestReg *registry.Registry, hostAlloc, guestAlloc *pasid.Allocator, readers map[hw.UnitID]*prq.Reader) *Coordinator {
	return &Coordinator{
		hw:         ops,
		hostReg:    hostReg,
		guestReg:   guestReg,
		hostAlloc:  hostAlloc,
		guestAlloc: guestAlloc,
		readers:    readers,
		unitMu:     make(map[hw.UnitID]*sync.Mutex),
	}
}

func (c *Coordinator) lockUnit(unit hw.UnitID) func() {
	c.tableMu.Lock()
	mu, ok := c.unitMu[unit]
	if !ok {
		mu = &sync.Mutex{}
		c.unitMu[unit] = mu
	}
	c.tableMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// Bind implements host-mode bind, spec §4.2.
func (c *Coordinator) Bind(ctx context.Context, dev hw.DeviceHandle, unit hw.UnitID, space addrspace.Space, flags Flags) (*Handle, error) {
	supervisor := flags&SupervisorMode != 0
	if supervisor && space != nil {
		return nil, linuxerr.EINVAL
	}
	if _, ok := c.readers[unit]; !ok {
		return nil, linuxerr.EINVAL
	}

	c.hostReg.Lock()
	defer c.hostReg.Unlock()

	// Supervisor-mode bindings have no address_space, so they cannot be
	// deduplicated by it; each supervisor bind gets its own binding.
	var b *registry.Binding
	if !supervisor && space != nil {
		b = c.hostReg.FindByAddressSpaceLocked(space)
	}

	if b != nil {
		if _, exists := registry.FindDevice(b, dev); exists {
			return nil, linuxerr.EALREADY
		}
		d := &registry.DeviceBinding{Device: dev, SourceID: dev.SourceID(), Unit: unit}
		if err := c.programEntry(ctx, unit, dev, b, space); err != nil {
			return nil, err
		}
		if err := c.hostReg.InsertDeviceLocked(b, d); err != nil {
			c.clearEntry(ctx, unit, dev, b)
			return nil, err
		}
		return &Handle{Device: dev, PASID: b.PASID, Unit: unit}, nil
	}

	p, err := c.hostAlloc.Alloc(ctx, 1, pasid.Max, nil)
	if err != nil {
		return nil, err
	}

	mode := registry.HostUser
	if supervisor {
		mode = registry.HostSupervisor
	}
	nb := &registry.Binding{PASID: p, Mode: mode, AddressSpace: space, Flags: uint32(flags)}

	if space != nil {
		space.AttachObserver(observer.New(c.hw, nb))
		nb.ObserverAttached = true
	}

	if err := c.programEntry(ctx, unit, dev, nb, space); err != nil {
		c.unwindBind(nb, space, p)
		return nil, err
	}

	if err := c.hostReg.InsertLocked(nb); err != nil {
		c.clearEntry(ctx, unit, dev, nb)
		c.unwindBind(nb, space, p)
		return nil, err
	}
	d := &registry.DeviceBinding{Device: dev, SourceID: dev.SourceID(), Unit: unit}
	if err := c.hostReg.InsertDeviceLocked(nb, d); err != nil {
		c.clearEntry(ctx, unit, dev, nb)
		c.hostReg.Remove(nb)
		c.unwindBind(nb, space, p)
		return nil, err
	}

	c.hostAlloc.AttachData(p, nb)
	if space != nil {
		space.SetPASID(p)
	}
	return &Handle{Device: dev, PASID: p, Unit: unit}, nil
}

// unwindBind reverses the partial side effects of a failed Bind, spec
// §4.2 step 4: "on any failure after partial publication, unwind in
// reverse order."
func (c *Coordinator) unwindBind(b *registry.Binding, space addrspace.Space, p pasid.PASID) {
	if b.ObserverAttached && space != nil {
		space.DetachObserver(observer.New(c.hw, b))
	}
	c.hostAlloc.Put(p)
}

func (c *Coordinator) programEntry(ctx context.Context, unit hw.UnitID, dev hw.DeviceHandle, b *registry.Binding, space addrspace.Space) error {
	unlock := c.lockUnit(unit)
	defer unlock()

	var entry hw.PASIDTableEntry
	if b.Mode == registry.HostSupervisor {
		entry.Mode = hw.PagingFirstLevelSupervisor
	} else {
		entry.Mode = hw.PagingFirstLevelUser
	}
	return c.hw.ProgramPASIDEntry(ctx, unit, dev, uint32(b.PASID), entry)
}

func (c *Coordinator) clearEntry(ctx context.Context, unit hw.UnitID, dev hw.DeviceHandle, b *registry.Binding) {
	unlock := c.lockUnit(unit)
	defer unlock()
	_ = c.hw.ClearPASIDEntry(ctx, unit, dev, uint32(b.PASID), false)
}

// SetFaultDataInstaller registers the pre-registry-lock fault-routing hook
// used by guest-mode bind, spec §4.2 step 2.
func (c *Coordinator) SetFaultDataInstaller(fn func(ctx context.Context, p pasid.PASID, dev hw.DeviceHandle) (cleanup func(), err error)) {
	c.installFaultData = fn
}

// GetPASID returns the PASID a handle was bound to, spec §6:
// "get_pasid(handle) → pasid".
func (c *Coordinator) GetPASID(h *Handle) pasid.PASID { return h.PASID }

// Unbind implements host-mode unbind, spec §4.2.
func (c *Coordinator) Unbind(ctx context.Context, h *Handle) error {
	c.hostReg.Lock()
	b, err := c.hostReg.FindLocked(h.PASID)
	if err != nil || b == nil {
		c.hostReg.Unlock()
		return nil // absent: succeed silently, idempotent
	}
	if _, exists := registry.FindDevice(b, h.Device); !exists {
		c.hostReg.Unlock()
		return nil
	}

	d, empty := c.hostReg.RemoveDeviceLocked(b, h.Device)
	if empty {
		// Mark b DRAINING before the registry mutex is dropped: a Bind
		// racing FindByAddressSpaceLocked in the window between here and
		// the final Remove below must not resurrect a binding that is
		// mid-teardown (spec §4.2's LIVE -> DRAINING -> FREED machine).
		c.hostReg.MarkDraining(b)
	}
	c.hostReg.Unlock()

	c.clearEntry(ctx, h.Unit, h.Device, b)

	if r, ok := c.readers[h.Unit]; ok {
		if err := r.Drain(ctx, d, h.PASID); err != nil {
			return err
		}
	}

	if !empty {
		return nil
	}

	space, _ := b.AddressSpace.(addrspace.Space)
	if b.ObserverAttached && space != nil {
		space.DetachObserver(observer.New(c.hw, b))
	}
	c.hostAlloc.Put(h.PASID)
	c.hostReg.Remove(b)
	return nil
}

// BindGuest implements guest-mode bind, spec §4.2.
func (c *Coordinator) BindGuest(ctx context.Context, dev hw.DeviceHandle, unit hw.UnitID, dom Domain, desc GuestDescriptor, flags Flags) error {
	if !desc.FullPASIDWidth && !dom.AllowNarrowPASID {
		return linuxerr.ENOTSUP
	}

	var p pasid.PASID
	switch {
	case flags&HPASIDDefault != 0:
		// Open question (spec §9): the source's behaviour when
		// HPASID_DEFAULT is set but the domain has no pre-assigned host
		// PASID is undocumented. This implementation reports EINVAL
		// rather than guessing at an allocator-specific error code.
		if !dom.HasDefaultHostPASID {
			return linuxerr.EINVAL
		}
		p = dom.DefaultHostPASID
	case desc.GuestPASIDValid:
		p = desc.GuestPASID
	default:
		return linuxerr.EINVAL
	}

	var faultDataCleanup func()
	if dom.FaultDataRequired && c.installFaultData != nil {
		cleanup, err := c.installFaultData(ctx, p, dev)
		if err != nil {
			return err
		}
		faultDataCleanup = cleanup
	}
	teardownFaultData := func() {
		if faultDataCleanup != nil {
			faultDataCleanup()
		}
	}

	c.guestReg.Lock()
	defer c.guestReg.Unlock()

	b, err := c.guestReg.FindLocked(p)
	if err != nil {
		teardownFaultData()
		return err
	}
	reserved := false
	if b != nil {
		if b.State() != registry.StateLive {
			// b still occupies this PASID's map slot but its last
			// device is mid-teardown (Unbind/notifier cleanup dropped
			// the registry mutex between MarkDraining and the final
			// Remove). It cannot be reused and the key is not free
			// yet either, so ask the caller to retry rather than
			// resurrecting it or colliding with EALREADY on Insert.
			teardownFaultData()
			return linuxerr.EAGAIN
		}
		if _, exists := registry.FindDevice(b, dev); exists {
			teardownFaultData()
			return linuxerr.EALREADY
		}
	} else {
		// p is a guest-supplied PASID, not one this allocator handed out
		// via Alloc; Reserve registers it as already valid (spec §9's
		// externally-owned PASIDs) and takes the single reference that
		// Put releases once the binding's device set empties out again.
		c.guestAlloc.Reserve(p, nil)
		reserved = true
		b = &registry.Binding{
			PASID:               p,
			Mode:                registry.GuestNested,
			GuestPASID:          desc.GuestPASID,
			HasGuestPASID:       desc.GuestPASIDValid,
			GuestVendorDescriptor: desc,
		}
		if err := c.guestReg.InsertLocked(b); err != nil {
			teardownFaultData()
			c.guestAlloc.Put(p)
			return err
		}
		c.guestAlloc.AttachData(p, b)
	}

	unlock := c.lockUnit(unit)
	entry := hw.PASIDTableEntry{
		Mode:                hw.PagingNested,
		GuestFirstLevelRoot: desc.GuestFirstLevelRoot,
		AddressWidth:        desc.AddressWidth,
		VendorAttrs:         desc.VendorAttrs,
		FivePagingLevel:     desc.FivePagingLevel,
	}
	err = c.hw.ProgramPASIDEntry(ctx, unit, dev, uint32(p), entry)
	unlock()
	if err != nil {
		if reserved {
			c.guestReg.Remove(b)
			c.guestAlloc.Put(p)
		}
		teardownFaultData()
		return err
	}

	d := &registry.DeviceBinding{Device: dev, SourceID: dev.SourceID(), Unit: unit}
	if err := c.guestReg.InsertDeviceLocked(b, d); err != nil {
		c.clearEntry(ctx, unit, dev, b)
		if reserved {
			c.guestReg.Remove(b)
			c.guestAlloc.Put(p)
		}
		teardownFaultData()
		return err
	}
	return nil
}

// UnbindGuest implements the unified unbind flow for a guest-mode binding,
// spec §4.2's unbind steps applied to the guest PASID set.
func (c *Coordinator) UnbindGuest(ctx context.Context, dev hw.DeviceHandle, p pasid.PASID, flags Flags) error {
	c.guestReg.Lock()
	b, err := c.guestReg.FindLocked(p)
	if err != nil || b == nil {
		c.guestReg.Unlock()
		return nil
	}
	if _, exists := registry.FindDevice(b, dev); !exists {
		c.guestReg.Unlock()
		return nil
	}
	d, empty := c.guestReg.RemoveDeviceLocked(b, dev)
	if empty {
		c.guestReg.MarkDraining(b)
	}
	c.guestReg.Unlock()

	c.clearEntry(ctx, d.Unit, dev, b)

	if r, ok := c.readers[d.Unit]; ok {
		if err := r.Drain(ctx, d, p); err != nil {
			return err
		}
	}

	if !empty {
		return nil
	}
	c.guestAlloc.Put(p)
	c.guestReg.Remove(b)
	return nil
}
