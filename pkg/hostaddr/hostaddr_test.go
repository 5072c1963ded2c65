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

package hostaddr

import "testing"

func TestIsCanonicalLowAddresses(t *testing.T) {
	for _, a := range []Addr{0, 1, PageSize, 1 << (CanonicalBits - 2)} {
		if !IsCanonical(a) {
			t.Errorf("IsCanonical(%#x) = false, want true", a)
		}
	}
}

func TestIsCanonicalSignExtendedHighAddress(t *testing.T) {
	// All bits at and above CanonicalBits-1 set: a properly sign-extended
	// negative address, canonical.
	a := Addr(^uint64(0))
	if !IsCanonical(a) {
		t.Errorf("IsCanonical(%#x) = false, want true", a)
	}
}

func TestIsCanonicalRejectsUnextendedHighBit(t *testing.T) {
	// Sign bit set but the rest of the high bits left zero: not a valid
	// sign extension.
	a := Addr(1) << (CanonicalBits - 1)
	if IsCanonical(a) {
		t.Errorf("IsCanonical(%#x) = true, want false", a)
	}
}

func TestAddrRangeContains(t *testing.T) {
	r := AddrRange{Start: 0x1000, End: 0x2000}
	cases := []struct {
		addr Addr
		want bool
	}{
		{0x0fff, false},
		{0x1000, true},
		{0x1fff, true},
		{0x2000, false},
	}
	for _, c := range cases {
		if got := r.Contains(c.addr); got != c.want {
			t.Errorf("Contains(%#x) = %v, want %v", c.addr, got, c.want)
		}
	}
}

func TestAddrRangeIsSupersetOf(t *testing.T) {
	outer := AddrRange{Start: 0x1000, End: 0x4000}
	inner := AddrRange{Start: 0x2000, End: 0x3000}
	if !outer.IsSupersetOf(inner) {
		t.Error("outer.IsSupersetOf(inner) = false, want true")
	}
	if outer.IsSupersetOf(AddrRange{Start: 0x0500, End: 0x2000}) {
		t.Error("IsSupersetOf true for a range extending before Start")
	}
	if outer.IsSupersetOf(AddrRange{Start: 0x3000, End: 0x5000}) {
		t.Error("IsSupersetOf true for a range extending past End")
	}
}

func TestAccessTypePermits(t *testing.T) {
	rw := AccessType{Read: true, Write: true}
	if !rw.Permits(AccessType{Read: true}) {
		t.Error("rw.Permits(Read) = false, want true")
	}
	ro := AccessType{Read: true}
	if ro.Permits(AccessType{Write: true}) {
		t.Error("ro.Permits(Write) = true, want false")
	}
	if !ro.Permits(AccessType{}) {
		t.Error("any AccessType must permit the empty access request")
	}
}

func TestRoundDownRoundUp(t *testing.T) {
	a := Addr(0x1234)
	if got := a.RoundDown(PageSize); got != 0x1000 {
		t.Errorf("RoundDown = %#x, want 0x1000", got)
	}
	if got := a.RoundUp(PageSize); got != 0x2000 {
		t.Errorf("RoundUp = %#x, want 0x2000", got)
	}
	aligned := Addr(0x2000)
	if got := aligned.RoundUp(PageSize); got != 0x2000 {
		t.Errorf("RoundUp of an aligned address = %#x, want 0x2000", got)
	}
}

func TestIsPageAligned(t *testing.T) {
	if !Addr(0x1000).IsPageAligned() {
		t.Error("0x1000 should be page aligned")
	}
	if Addr(0x1001).IsPageAligned() {
		t.Error("0x1001 should not be page aligned")
	}
}
