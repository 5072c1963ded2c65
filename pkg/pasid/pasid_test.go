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

package pasid

import (
	"context"
	"testing"

	"github.com/dmar-sva/sva/pkg/errors/linuxerr"
)

func TestAllocDoesNotReuseLiveIDs(t *testing.T) {
	a := NewAllocator(SetHost, 1, 16)
	seen := make(map[PASID]bool)
	for i := 0; i < 15; i++ {
		p, err := a.Alloc(context.Background(), 1, 16, nil)
		if err != nil {
			t.Fatalf("Alloc #%d: %v", i, err)
		}
		if seen[p] {
			t.Fatalf("Alloc returned duplicate PASID %d", p)
		}
		seen[p] = true
	}
	if _, err := a.Alloc(context.Background(), 1, 16, nil); err != linuxerr.ENOSPC {
		t.Fatalf("Alloc past exhaustion = %v, want ENOSPC", err)
	}
}

func TestPutReturnsPASIDToFreePool(t *testing.T) {
	a := NewAllocator(SetHost, 1, 4)
	p1, err := a.Alloc(context.Background(), 1, 4, "cookie1")
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	a.Put(p1)
	p2, err := a.Alloc(context.Background(), 1, 4, "cookie2")
	if err != nil {
		t.Fatalf("second Alloc: %v", err)
	}
	if p2 != p1 {
		t.Errorf("expected reused PASID %d, got %d", p1, p2)
	}
	if got, ok := a.Find(p2); !ok || got != "cookie2" {
		t.Errorf("Find = (%v, %v), want (\"cookie2\", true)", got, ok)
	}
}

func TestAttachFindDetachData(t *testing.T) {
	a := NewAllocator(SetGuest, 0, 4)
	p, err := a.Alloc(context.Background(), 0, 4, nil)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	a.AttachData(p, "binding")
	got, ok := a.Find(p)
	if !ok || got != "binding" {
		t.Fatalf("Find = (%v, %v), want (\"binding\", true)", got, ok)
	}
	a.DetachData(p)
	if _, ok := a.Find(p); ok {
		t.Error("Find succeeded after DetachData")
	}
}

func TestReserveRegistersExternallyOwnedPASID(t *testing.T) {
	a := NewAllocator(SetGuest, 0, 16)
	a.Reserve(5, "guest-binding")

	got, ok := a.Find(5)
	if !ok || got != "guest-binding" {
		t.Fatalf("Find(5) = (%v, %v), want (\"guest-binding\", true)", got, ok)
	}

	// The reserved PASID must be excised from the free pool, so a
	// concurrent Alloc can never hand it out to someone else.
	seen := make(map[PASID]bool)
	for i := 0; i < 15; i++ {
		p, err := a.Alloc(context.Background(), 0, 16, nil)
		if err != nil {
			t.Fatalf("Alloc #%d: %v", i, err)
		}
		if p == 5 {
			t.Fatalf("Alloc handed out reserved PASID 5")
		}
		seen[p] = true
	}
}

func TestReserveOnAlreadyKnownPASIDIncrementsRefs(t *testing.T) {
	a := NewAllocator(SetGuest, 0, 16)
	a.Reserve(5, "first")
	a.Reserve(5, "second")

	// One Put must not reclaim it: Reserve was called twice.
	a.Put(5)
	if _, ok := a.Find(5); !ok {
		t.Error("PASID reclaimed after only one Put of two Reserve calls")
	}
	a.Put(5)
	if _, ok := a.Find(5); ok {
		t.Error("PASID still attached after matching Put calls")
	}
}

func TestFreeFiresNotifyWithoutReclaiming(t *testing.T) {
	a := NewAllocator(SetGuest, 0, 4)
	p, err := a.Alloc(context.Background(), 0, 4, nil)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	var notified []PASID
	a.NotifyFree(func(set Set, freed PASID) {
		if set != SetGuest {
			t.Errorf("notify set = %v, want SetGuest", set)
		}
		notified = append(notified, freed)
	})

	a.Free(p)
	if len(notified) != 1 || notified[0] != p {
		t.Fatalf("notified = %v, want [%d]", notified, p)
	}

	// Free alone must not reclaim p: a fresh allocation restricted to
	// [p, p+1) must not silently reuse it.
	if _, err := a.Alloc(context.Background(), p, p+1, nil); err != linuxerr.ENOSPC {
		t.Fatalf("Alloc of freed-but-referenced PASID = %v, want ENOSPC", err)
	}
	a.Put(p)
	p2, err := a.Alloc(context.Background(), 0, 4, nil)
	if err != nil {
		t.Fatalf("Alloc after Put: %v", err)
	}
	if p2 != p {
		t.Errorf("expected reused PASID %d after Put, got %d", p, p2)
	}
}
