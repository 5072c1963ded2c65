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

// Package notifier implements the PASID Lifecycle Notifier (spec §4.7,
// component C7): the bridge between an external actor freeing a
// guest-mode PASID out from under a live binding and this subsystem's own
// unbind teardown.
package notifier

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/dmar-sva/sva/pkg/hw"
	"github.com/dmar-sva/sva/pkg/pasid"
	"github.com/dmar-sva/sva/pkg/prq"
	"github.com/dmar-sva/sva/pkg/registry"
)

// Notifier reacts to pasid.Allocator free events for the guest PASID set
// by tearing down whatever binding still references the freed PASID.
// Cleanup runs on a bounded worker pool so the allocator's free-event
// callback (which may run in the external allocator's own atomic context)
// does not run the teardown itself (spec §5: "the lifecycle notifier defers
// work to a worker pool to escape atomic contexts"). The callback blocks
// only while maxWorkers cleanups are already running.
type Notifier struct {
	guestReg   *registry.Registry
	guestAlloc *pasid.Allocator
	hw         hw.Ops
	readers    map[hw.UnitID]*prq.Reader

	g *errgroup.Group

	// faultDataDeleted is called, outside the registry mutex, once a
	// PASID's per-device fault-routing state is safe to delete. Spec
	// §4.7 step 4: "deferred until after the registry mutex is
	// released" to avoid racing PRQ reporting.
	faultDataDeleted func(p pasid.PASID)
}

// New constructs a Notifier and registers it with guestAlloc's free-event
// stream. maxWorkers bounds the number of concurrent cleanup workers.
func New(guestReg *registry.Registry, guestAlloc *pasid.Allocator, ops hw.Ops, readers map[hw.UnitID]*prq.Reader, maxWorkers int) *Notifier {
	g := &errgroup.Group{}
	g.SetLimit(maxWorkers)
	n := &Notifier{
		guestReg:   guestReg,
		guestAlloc: guestAlloc,
		hw:         ops,
		readers:    readers,
		g:          g,
	}
	guestAlloc.NotifyFree(n.onFree)
	return n
}

// SetFaultDataDeleter registers the deferred fault-data teardown hook
// used by cleanup, spec §4.7 step 4.
func (n *Notifier) SetFaultDataDeleter(fn func(p pasid.PASID)) {
	n.faultDataDeleted = fn
}

// Wait blocks until every queued cleanup worker has finished, for orderly
// shutdown; it is not part of the steady-state notification path.
func (n *Notifier) Wait() error { return n.g.Wait() }

// onFree is the pasid.FreeNotifyFunc registered with the guest allocator.
func (n *Notifier) onFree(set pasid.Set, p pasid.PASID) {
	if set != pasid.SetGuest {
		return
	}
	data, ok := n.guestAlloc.Find(p)
	if !ok {
		// Spec §4.7 step 1: "confirm the notifier payload matches the
		// bound PASID; mismatch ⇒ ignore." No attached binding means
		// this PASID was never bound (or already cleaned up).
		return
	}
	b, ok := data.(*registry.Binding)
	if !ok || b == nil {
		return
	}
	n.g.Go(func() error {
		n.cleanup(context.Background(), b, p)
		return nil
	})
}

// cleanup implements spec §4.7 step 3: for each D, remove it from the
// set, clear its hardware PASID entry, and drain the PRQ for it; then
// drop the external PASID reference and free B.
//
// Each device is removed and drained under its own short registry-mutex
// critical section rather than one held for the whole loop: spec §5's
// general concurrency rule ("the registry mutex must not be held across
// any IOMMU hardware wait") takes precedence over this component's
// simplified "takes the registry mutex" prose, since drain necessarily
// waits on hardware.
func (n *Notifier) cleanup(ctx context.Context, b *registry.Binding, p pasid.PASID) {
	for {
		n.guestReg.Lock()
		devices := b.Devices()
		if len(devices) == 0 {
			n.guestReg.Unlock()
			break
		}
		d := devices[0]
		_, empty := n.guestReg.RemoveDeviceLocked(b, d.Device)
		if empty {
			// Same DRAINING guard as the coordinator's Unbind/UnbindGuest:
			// a BindGuest racing this teardown must see this PASID as not
			// yet reusable, not as a live binding it can attach a device to.
			n.guestReg.MarkDraining(b)
		}
		n.guestReg.Unlock()

		_ = n.hw.ClearPASIDEntry(ctx, d.Unit, d.Device, uint32(p), false)
		if r, ok := n.readers[d.Unit]; ok {
			_ = r.Drain(ctx, d, p)
		}
	}

	if n.faultDataDeleted != nil {
		n.faultDataDeleted(p)
	}

	n.guestAlloc.Put(p)
	n.guestReg.Remove(b)
}
