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

// Package pasid models the external PASID allocator boundary (spec §6):
// allocation of the 20-bit Process Address Space ID space, reference
// counting of live PASIDs, per-PASID opaque cookie storage used to look up
// a binding from a bare PASID, and free-event notification used by the
// PASID lifecycle notifier (C7).
//
// Host-mode and guest-mode PASIDs are allocated from distinct Sets, per
// spec §9 ("The PASID allocator supports named sets... an implementation
// may collapse to a single allocator if it can distinguish ownership by
// the cookie"); this implementation keeps them as two independent
// Allocator instances instead, since Go's type system already prevents a
// host lookup from wandering into the guest space.
package pasid

import (
	"context"
	"sync"

	"github.com/google/btree"

	"github.com/dmar-sva/sva/pkg/errors/linuxerr"
)

// PASID is a 20-bit Process Address Space Identifier.
type PASID uint32

// Max is the exclusive upper bound of the 20-bit PASID space.
const Max PASID = 1 << 20

// RID2PASID is the reserved PASID used for the reverse bus/devfn → PASID
// mapping (spec §4.2 step 3: "reserve 0 for reverse-RID mapping").
const RID2PASID PASID = 0

// Set names a PASID namespace (host or guest). Two PASIDs in different Sets
// never collide even if numerically equal.
type Set int

const (
	SetHost Set = iota
	SetGuest
)

// FreeNotifyFunc is invoked when an external actor frees a PASID through
// Allocator.Free, whether or not the PASID has attached data (spec §4.7:
// "Listens for PASID being freed events").
type FreeNotifyFunc func(set Set, p PASID)

type entry struct {
	refs int
	data any
}

// interval is a maximal run of free PASIDs [lo, hi], stored in a btree
// ordered by lo so Alloc can find the first free interval intersecting
// [min, max) with a single AscendGreaterOrEqual walk instead of a linear
// bitmap scan.
type interval struct {
	lo, hi PASID // inclusive
}

func (a interval) Less(b btree.Item) bool { return a.lo < b.(interval).lo }

// Allocator is a single PASID namespace: an ID space plus per-PASID data
// attachment and free notification. It implements the narrow contract spec
// §6 describes for the external PASID allocator boundary.
type Allocator struct {
	set Set

	mu      sync.Mutex
	free    *btree.BTree // of interval, ordered by lo
	entries map[PASID]*entry

	notifyMu sync.Mutex
	notify   []FreeNotifyFunc
}

// NewAllocator creates an Allocator for the given set with usable PASID
// range [min, max). RID2PASID (0) should not appear in that range; callers
// reserving it should pass min >= 1.
func NewAllocator(set Set, min, max PASID) *Allocator {
	a := &Allocator{
		set:     set,
		free:    btree.New(8),
		entries: make(map[PASID]*entry),
	}
	if max > min {
		a.free.ReplaceOrInsert(interval{lo: min, hi: max - 1})
	}
	return a
}

// Alloc reserves a free PASID in [min, max) and returns it with a refcount
// of 1 and cookie attached. Spec: "alloc(set, min, max, cookie) → pasid |
// NONE"; here NONE is reported as ENOSPC (space exhausted) rather than a
// sentinel zero value, since 0 is itself a meaningful PASID (RID2PASID).
func (a *Allocator) Alloc(ctx context.Context, min, max PASID, cookie any) (PASID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var found *interval
	var foundItem btree.Item
	a.free.AscendGreaterOrEqual(interval{lo: 0}, func(it btree.Item) bool {
		iv := it.(interval)
		if iv.hi < min {
			return true // keep scanning
		}
		if iv.lo >= max {
			return false // no interval can satisfy [min,max) from here on
		}
		lo := iv.lo
		if lo < min {
			lo = min
		}
		hi := iv.hi
		if hi >= max {
			hi = max - 1
		}
		if lo > hi {
			return true
		}
		v := interval{lo: lo, hi: hi}
		found = &v
		foundItem = it
		return false
	})
	if found == nil {
		return 0, linuxerr.ENOSPC
	}

	p := found.lo
	orig := foundItem.(interval)
	a.free.Delete(foundItem)
	if orig.lo < p {
		a.free.ReplaceOrInsert(interval{lo: orig.lo, hi: p - 1})
	}
	if p < orig.hi {
		a.free.ReplaceOrInsert(interval{lo: p + 1, hi: orig.hi})
	}
	a.entries[p] = &entry{refs: 1, data: cookie}
	return p, nil
}

// Get takes a reference on an already-allocated PASID. Reports false if the
// PASID is unknown (already freed or never allocated).
func (a *Allocator) Get(p PASID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[p]
	if !ok {
		return false
	}
	e.refs++
	return true
}

// Put drops a reference on p. When the refcount reaches zero the PASID is
// returned to the free pool for reuse by a future Alloc.
func (a *Allocator) Put(p PASID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[p]
	if !ok {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	delete(a.entries, p)
	a.mergeFreeLocked(p)
}

// Reserve registers a PASID owned by an external actor — a guest
// hypervisor or VFIO-style container supplying its own IOASID — that this
// allocator never handed out via Alloc, taking a reference on it. If p is
// already known, it behaves like Get: it increments the existing refcount
// instead of overwriting the entry. Mirrors the source's treatment of
// externally-owned PASIDs as already valid in the caller's IOASID set
// (_examples/original_source/drivers/iommu/intel/svm.c's
// intel_svm_bind_gpasid, which takes ioasid_get on a guest-supplied PASID
// rather than allocating one itself).
func (a *Allocator) Reserve(p PASID, cookie any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.entries[p]; ok {
		e.refs++
		return
	}
	a.removeFromFreeLocked(p)
	a.entries[p] = &entry{refs: 1, data: cookie}
}

// removeFromFreeLocked excises p from the free-interval tree if present,
// splitting the interval that contains it. An externally-reserved PASID may
// fall inside this allocator's usable range without ever having gone
// through Alloc.
func (a *Allocator) removeFromFreeLocked(p PASID) {
	var found *interval
	var item btree.Item
	a.free.DescendLessOrEqual(interval{lo: p}, func(it btree.Item) bool {
		iv := it.(interval)
		if iv.lo <= p && p <= iv.hi {
			v := iv
			found = &v
			item = it
		}
		return false
	})
	if found == nil {
		return
	}
	a.free.Delete(item)
	if found.lo < p {
		a.free.ReplaceOrInsert(interval{lo: found.lo, hi: p - 1})
	}
	if p < found.hi {
		a.free.ReplaceOrInsert(interval{lo: p + 1, hi: found.hi})
	}
}

// Free is called by the external owner of a PASID (e.g. a VFIO-style
// container, for guest-mode PASIDs this subsystem never allocated itself)
// to signal that it wants p released. It does not reclaim p itself — it
// only fires the registered free notifications (spec §4.7's "PASID being
// freed" event) so that any subsystem still holding a reference, such as a
// live guest-mode binding, can run its own teardown and drop that
// reference via Put, which is what actually returns p to the free pool
// once every referrer has let go.
func (a *Allocator) Free(p PASID) {
	a.notifyMu.Lock()
	fns := append([]FreeNotifyFunc(nil), a.notify...)
	a.notifyMu.Unlock()
	for _, fn := range fns {
		fn(a.set, p)
	}
}

func (a *Allocator) mergeFreeLocked(p PASID) {
	lo, hi := p, p
	// Merge with a preceding interval ending at p-1.
	if p > 0 {
		a.free.DescendLessOrEqual(interval{lo: p - 1}, func(it btree.Item) bool {
			iv := it.(interval)
			if iv.hi == p-1 {
				lo = iv.lo
				a.free.Delete(it)
			}
			return false
		})
	}
	// Merge with a following interval starting at p+1.
	a.free.AscendGreaterOrEqual(interval{lo: p + 1}, func(it btree.Item) bool {
		iv := it.(interval)
		if iv.lo == p+1 {
			hi = iv.hi
			a.free.Delete(it)
		}
		return false
	})
	a.free.ReplaceOrInsert(interval{lo: lo, hi: hi})
}

// AttachData associates opaque data (typically a *registry.Binding) with an
// already-allocated PASID, so Find can later recover it from a bare PASID
// reported on the PRQ ring.
func (a *Allocator) AttachData(p PASID, data any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.entries[p]; ok {
		e.data = data
	}
}

// DetachData clears the attached data without releasing the PASID itself.
func (a *Allocator) DetachData(p PASID) {
	a.AttachData(p, nil)
}

// Find returns the data attached to p, if any.
func (a *Allocator) Find(p PASID) (any, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[p]
	if !ok || e.data == nil {
		return nil, false
	}
	return e.data, true
}

// NotifyFree registers fn to be called whenever an external owner calls
// Free on a PASID. Put does not fire it, even when the refcount drops to
// zero. Spec §4.7 models this as "a registration for free-event
// notifications"; C7 uses it to trigger asynchronous binding cleanup for
// PASIDs freed out from under a live binding by an external actor.
func (a *Allocator) NotifyFree(fn FreeNotifyFunc) {
	a.notifyMu.Lock()
	defer a.notifyMu.Unlock()
	a.notify = append(a.notify, fn)
}

// Set returns the namespace this allocator manages.
func (a *Allocator) Set() Set { return a.set }
