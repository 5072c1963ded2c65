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

package fault

import (
	"context"
	"testing"

	"github.com/dmar-sva/sva/pkg/addrspace/addrspacetest"
	"github.com/dmar-sva/sva/pkg/hostaddr"
	"github.com/dmar-sva/sva/pkg/wire"
)

// S1: simple readable fault against a mapped region resolves successfully.
func TestResolveSuccess(t *testing.T) {
	space := addrspacetest.NewFakeSpace()
	space.MapRegion(hostaddr.AddrRange{Start: 0x1000, End: 0x2000}, hostaddr.AccessType{Read: true, Write: true})

	code := Resolve(context.Background(), space, Request{
		Addr:   0x1000,
		Access: hostaddr.AccessType{Read: true},
	})
	if code != wire.RespSuccess {
		t.Errorf("code = %v, want RespSuccess", code)
	}
	if len(space.FaultCalls) != 1 {
		t.Errorf("FaultCalls = %d, want 1", len(space.FaultCalls))
	}
}

// S2: a non-canonical address is rejected before any address-space work.
func TestResolveNonCanonicalIsInvalid(t *testing.T) {
	space := addrspacetest.NewFakeSpace()
	space.MapRegion(hostaddr.AddrRange{Start: 0, End: 1 << 60}, hostaddr.AccessType{Read: true})

	nonCanonical := hostaddr.Addr(1) << (hostaddr.CanonicalBits - 1) // sign bit set, high bits not sign-extended
	code := Resolve(context.Background(), space, Request{Addr: nonCanonical, Access: hostaddr.AccessType{Read: true}})
	if code != wire.RespInvalid {
		t.Errorf("code = %v, want RespInvalid", code)
	}
	if len(space.FaultCalls) != 0 {
		t.Error("HandleFault invoked for a non-canonical address")
	}
}

// S3: a write against a read-only region is rejected.
func TestResolveWriteAgainstReadOnlyIsInvalid(t *testing.T) {
	space := addrspacetest.NewFakeSpace()
	space.MapRegion(hostaddr.AddrRange{Start: 0x1000, End: 0x2000}, hostaddr.AccessType{Read: true})

	code := Resolve(context.Background(), space, Request{
		Addr:   0x1000,
		Access: hostaddr.AccessType{Write: true},
	})
	if code != wire.RespInvalid {
		t.Errorf("code = %v, want RespInvalid", code)
	}
	if len(space.FaultCalls) != 0 {
		t.Error("HandleFault invoked despite permission mismatch")
	}
}

func TestResolveUnmappedAddressIsInvalid(t *testing.T) {
	space := addrspacetest.NewFakeSpace()
	space.MapRegion(hostaddr.AddrRange{Start: 0x1000, End: 0x2000}, hostaddr.AccessType{Read: true})

	code := Resolve(context.Background(), space, Request{Addr: 0x5000, Access: hostaddr.AccessType{Read: true}})
	if code != wire.RespInvalid {
		t.Errorf("code = %v, want RespInvalid", code)
	}
}

func TestResolveDyingAddressSpaceIsInvalid(t *testing.T) {
	space := addrspacetest.NewFakeSpace()
	space.MapRegion(hostaddr.AddrRange{Start: 0x1000, End: 0x2000}, hostaddr.AccessType{Read: true})
	space.SetDying(true)

	code := Resolve(context.Background(), space, Request{Addr: 0x1000, Access: hostaddr.AccessType{Read: true}})
	if code != wire.RespInvalid {
		t.Errorf("code = %v, want RespInvalid", code)
	}
}

func TestResolveSupervisorBindingIsInvalid(t *testing.T) {
	code := Resolve(context.Background(), nil, Request{Addr: 0x1000, Access: hostaddr.AccessType{Read: true}, Supervisor: true})
	if code != wire.RespInvalid {
		t.Errorf("code = %v, want RespInvalid", code)
	}
}

func TestResolveGrowDownRegion(t *testing.T) {
	space := addrspacetest.NewFakeSpace()
	space.MapGrowDownRegion(hostaddr.AddrRange{Start: 0x7000, End: 0x8000}, 0x4000, hostaddr.AccessType{Read: true, Write: true})

	code := Resolve(context.Background(), space, Request{Addr: 0x4500, Access: hostaddr.AccessType{Write: true}})
	if code != wire.RespSuccess {
		t.Errorf("code = %v, want RespSuccess for address within grown-down region", code)
	}

	code = Resolve(context.Background(), space, Request{Addr: 0x3000, Access: hostaddr.AccessType{Write: true}})
	if code != wire.RespInvalid {
		t.Errorf("code = %v, want RespInvalid below the grow-down limit", code)
	}
}
