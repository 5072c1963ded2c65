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

// Package fault implements the Fault Resolver (spec §4.5, component C2)
// and defines the generic fault dispatcher boundary (spec §6) used for the
// guest-mode path.
package fault

import (
	"context"

	"github.com/dmar-sva/sva/pkg/addrspace"
	"github.com/dmar-sva/sva/pkg/hostaddr"
	"github.com/dmar-sva/sva/pkg/hw"
	"github.com/dmar-sva/sva/pkg/log"
	"github.com/dmar-sva/sva/pkg/wire"
)

// Event is a device-originated page fault handed to the generic fault
// dispatcher for guest-mode bindings (spec §6:
// "report_device_fault(device, event)").
type Event struct {
	Device      hw.DeviceHandle
	PASID       uint32
	Addr        hostaddr.Addr
	Access      hostaddr.AccessType
	GroupIndex  uint16
	LastInGroup bool
	PrivateData [wire.PrivateDataSize]byte
	HasPrivate  bool
}

// Sink is the generic IOMMU core's fault-event dispatch boundary that
// guest-mode (nested) faults are handed off to; spec §4.3 step c: "hand off
// to the external fault sink... do not respond here."
type Sink interface {
	ReportDeviceFault(ctx context.Context, ev Event) error
}

// Request is one page request to resolve against a host-mode binding's
// address space.
type Request struct {
	Addr   hostaddr.Addr
	Access hostaddr.AccessType
	// Supervisor marks a binding with mode HOST_SUPERVISOR: such bindings
	// have no address space, and any fault against them is malformed.
	Supervisor bool
}

// Resolve implements spec §4.5 exactly: canonicalize, take a reference,
// look up the covering region under the reader lock, check permissions,
// and trigger the fault handler. It returns wire.RespSuccess or
// wire.RespInvalid; it never returns a caller-visible error, per spec §7's
// propagation policy ("Address-space transient... not a caller-visible
// error").
func Resolve(ctx context.Context, space addrspace.Space, req Request) wire.ResponseCode {
	if req.Supervisor {
		log.Warningf("fault: page request against supervisor-mode binding, addr=%v", req.Addr)
		return wire.RespInvalid
	}
	if !hostaddr.IsCanonical(req.Addr) {
		return wire.RespInvalid
	}
	if space == nil {
		return wire.RespInvalid
	}

	ref, ok := space.TakeReferenceIfLive()
	if !ok {
		return wire.RespInvalid
	}
	defer ref.Release()

	region, ok := ref.Lookup(req.Addr)
	if !ok {
		return wire.RespInvalid
	}
	if req.Addr < region.Range.Start {
		return wire.RespInvalid
	}
	if !region.Permissions.Permits(req.Access) {
		return wire.RespInvalid
	}

	flags := addrspace.FaultFlags{User: true, Remote: true, Write: req.Access.Write}
	if err := ref.HandleFault(ctx, req.Addr, req.Access, flags); err != nil {
		return wire.RespInvalid
	}
	return wire.RespSuccess
}
