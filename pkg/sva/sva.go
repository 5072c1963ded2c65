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

// Package sva is the top-level facade over the whole Shared Virtual
// Addressing subsystem: it wires the binding registries, PASID
// allocators, PRQ readers and the bind/unbind coordinator and lifecycle
// notifier together into the small set of operations spec §6 exposes.
package sva

import (
	"context"
	"time"

	"github.com/dmar-sva/sva/pkg/addrspace"
	"github.com/dmar-sva/sva/pkg/bind"
	"github.com/dmar-sva/sva/pkg/fault"
	"github.com/dmar-sva/sva/pkg/hw"
	"github.com/dmar-sva/sva/pkg/log"
	"github.com/dmar-sva/sva/pkg/notifier"
	"github.com/dmar-sva/sva/pkg/pasid"
	"github.com/dmar-sva/sva/pkg/prq"
	"github.com/dmar-sva/sva/pkg/registry"
	"github.com/dmar-sva/sva/pkg/wire"
)

// defaultWarningRateLimit throttles the interrupt-path warning logger (PRQ
// overflow, malformed descriptors, invalidation/clear failures) to at most
// one message per interval by default, so a misbehaving or malicious device
// posting faults faster than they can be logged cannot turn unthrottled
// logging itself into a denial-of-service vector.
const defaultWarningRateLimit = 100 * time.Millisecond

type config struct {
	hostPASIDMax      pasid.PASID
	guestPASIDMax     pasid.PASID
	faultSink         fault.Sink
	notifierWorkers   int
	warningRateLimit  time.Duration
}

func defaultConfig() config {
	return config{
		hostPASIDMax:     pasid.Max,
		guestPASIDMax:    pasid.Max,
		notifierWorkers:  4,
		warningRateLimit: defaultWarningRateLimit,
	}
}

// Option configures a Manager at construction time.
type Option func(*config)

// WithFaultSink installs the external fault dispatcher guest-mode faults
// are handed to (spec §6: report_device_fault).
func WithFaultSink(sink fault.Sink) Option {
	return func(c *config) { c.faultSink = sink }
}

// WithHostPASIDMax bounds the host PASID namespace to [1, max), mostly
// useful for tests that want a small exhaustible space.
func WithHostPASIDMax(max pasid.PASID) Option {
	return func(c *config) { c.hostPASIDMax = max }
}

// WithGuestPASIDMax bounds the guest PASID namespace to [0, max).
func WithGuestPASIDMax(max pasid.PASID) Option {
	return func(c *config) { c.guestPASIDMax = max }
}

// WithNotifierWorkers bounds the PASID lifecycle notifier's concurrent
// cleanup workers (spec §5: "worker pool to escape atomic contexts").
func WithNotifierWorkers(n int) Option {
	return func(c *config) { c.notifierWorkers = n }
}

// WithWarningRateLimit overrides how often the interrupt-path warning
// logger may fire; see defaultWarningRateLimit. Zero disables throttling.
func WithWarningRateLimit(every time.Duration) Option {
	return func(c *config) { c.warningRateLimit = every }
}

// Manager is the subsystem's public entry point: one Manager per IOMMU
// instance (which may itself expose several hw.UnitID hardware units).
type Manager struct {
	hw hw.Ops

	hostReg  *registry.Registry
	guestReg *registry.Registry

	hostAlloc  *pasid.Allocator
	guestAlloc *pasid.Allocator

	readers map[hw.UnitID]*prq.Reader

	coord    *bind.Coordinator
	notifier *notifier.Notifier
}

// New constructs a Manager. ring supplies the PRQ ring memory for every
// unit this Manager will service; every unit named in units must have an
// entry in ring.
func New(ops hw.Ops, units []hw.UnitID, ring map[hw.UnitID]prq.Memory, opts ...Option) *Manager {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	// Wrap whatever logger the embedding driver has already installed (via
	// log.SetTarget, e.g. its own dmesg sink) with the interrupt-path rate
	// limit, rather than hand-rolling a token bucket per warning call site.
	log.SetTarget(log.BasicRateLimited(cfg.warningRateLimit))

	hostReg := registry.New(pasid.SetHost, cfg.hostPASIDMax)
	guestReg := registry.New(pasid.SetGuest, cfg.guestPASIDMax)
	hostAlloc := pasid.NewAllocator(pasid.SetHost, 1, cfg.hostPASIDMax)
	guestAlloc := pasid.NewAllocator(pasid.SetGuest, 0, cfg.guestPASIDMax)

	readers := make(map[hw.UnitID]*prq.Reader, len(units))
	for _, u := range units {
		readers[u] = prq.NewReader(u, ops, ring[u], hostReg, guestReg, cfg.faultSink)
	}

	coord := bind.New(ops, hostReg, guestReg, hostAlloc, guestAlloc, readers)
	notif := notifier.New(guestReg, guestAlloc, ops, readers, cfg.notifierWorkers)

	return &Manager{
		hw:         ops,
		hostReg:    hostReg,
		guestReg:   guestReg,
		hostAlloc:  hostAlloc,
		guestAlloc: guestAlloc,
		readers:    readers,
		coord:      coord,
		notifier:   notif,
	}
}

// Bind implements spec §6's host-mode bind(device, address_space, flags).
func (m *Manager) Bind(ctx context.Context, dev hw.DeviceHandle, unit hw.UnitID, space addrspace.Space, flags bind.Flags) (*bind.Handle, error) {
	return m.coord.Bind(ctx, dev, unit, space, flags)
}

// Unbind implements spec §6's host-mode unbind(handle).
func (m *Manager) Unbind(ctx context.Context, h *bind.Handle) error {
	return m.coord.Unbind(ctx, h)
}

// GetPASID implements spec §6's get_pasid(handle) → pasid.
func (m *Manager) GetPASID(h *bind.Handle) pasid.PASID {
	return m.coord.GetPASID(h)
}

// BindGuest implements spec §6's bind_guest(domain, device, descriptor,
// fault_data) → error.
func (m *Manager) BindGuest(ctx context.Context, dev hw.DeviceHandle, unit hw.UnitID, dom bind.Domain, desc bind.GuestDescriptor, flags bind.Flags) error {
	return m.coord.BindGuest(ctx, dev, unit, dom, desc, flags)
}

// UnbindGuest implements spec §6's unbind_guest(domain, device, pasid,
// flags) → error.
func (m *Manager) UnbindGuest(ctx context.Context, dev hw.DeviceHandle, p pasid.PASID, flags bind.Flags) error {
	return m.coord.UnbindGuest(ctx, dev, p, flags)
}

// PageResponse implements spec §6's page_response(domain, device, event,
// msg) → error: composing and submitting a page-group response for a
// guest-mode fault the external fault sink's user-space handler has
// resolved.
func (m *Manager) PageResponse(ctx context.Context, unit hw.UnitID, ev fault.Event, code wire.ResponseCode) error {
	resp := wire.PageGroupResponse{
		PASID:           ev.PASID,
		PASIDPresent:    true,
		PrivDataPresent: ev.HasPrivate,
		Code:            code,
		GroupIndex:      ev.GroupIndex,
		LastInGroup:     ev.LastInGroup,
		PrivateData:     ev.PrivateData,
	}
	if ev.Device != nil {
		resp.DeviceID = ev.Device.SourceID()
	}
	return m.hw.PostPageGroupResponse(ctx, unit, resp)
}

// ProcessBatch drives one IOMMU unit's PRQ reader for one interrupt
// occurrence; it is the entry point a threaded-IRQ handler calls into
// (spec §4.3).
func (m *Manager) ProcessBatch(ctx context.Context, unit hw.UnitID) error {
	r, ok := m.readers[unit]
	if !ok {
		return nil
	}
	return r.ProcessBatch(ctx)
}

// Close waits for any in-flight PASID lifecycle cleanup workers to
// finish, for orderly shutdown.
func (m *Manager) Close() error {
	return m.notifier.Wait()
}
