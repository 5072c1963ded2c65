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

// Package wire implements the on-the-wire layout of Page Request Queue
// descriptors and page-group response descriptors described in spec §6.
// It depends only on the leaf packages busid and hostaddr so the
// bit-packing can be tested in isolation from any ring or hardware fake.
package wire

import (
	"encoding/binary"

	"github.com/dmar-sva/sva/pkg/busid"
	"github.com/dmar-sva/sva/pkg/hostaddr"
)

// DescriptorSize is the fixed size of one PRQ ring descriptor.
const DescriptorSize = 32

// PrivateDataSize is the size of the optional private-data payload carried
// by a descriptor and echoed in its response.
const PrivateDataSize = 16

// ResponseCode is the outcome reported back to the device for a page
// request, spec §6: "response code (SUCCESS | INVALID | FAILURE)".
type ResponseCode uint8

const (
	RespSuccess ResponseCode = 0
	RespInvalid ResponseCode = 1
	RespFailure ResponseCode = 0xf
)

// PageRequestDescriptor is the decoded form of one 32-byte PRQ ring entry.
type PageRequestDescriptor struct {
	Type            uint8
	PASIDPresent    bool
	PrivDataPresent bool
	SourceID        busid.SourceID
	PASID           uint32 // valid iff PASIDPresent
	ExecRequest     bool
	PrivilegedMode  bool

	ReadRequest   bool
	WriteRequest  bool
	LastInGroup   bool
	GroupIndex    uint16
	Addr          hostaddr.Addr // already shifted left by 12 (real address)

	PrivateData [PrivateDataSize]byte
}

// DecodePageRequest parses one DescriptorSize-byte little-endian ring
// entry per spec §6's bit layout.
func DecodePageRequest(b []byte) PageRequestDescriptor {
	_ = b[DescriptorSize-1] // bounds check hint
	q0 := binary.LittleEndian.Uint64(b[0:8])
	q1 := binary.LittleEndian.Uint64(b[8:16])

	var d PageRequestDescriptor
	d.Type = uint8(q0 & 0xff)
	d.PASIDPresent = q0&(1<<8) != 0
	d.PrivDataPresent = q0&(1<<9) != 0
	d.SourceID = busid.SourceID((q0 >> 16) & 0xffff)
	d.PASID = uint32((q0 >> 32) & 0xfffff)
	d.ExecRequest = q0&(1<<52) != 0
	d.PrivilegedMode = q0&(1<<53) != 0

	d.ReadRequest = q1&(1<<0) != 0
	d.WriteRequest = q1&(1<<1) != 0
	d.LastInGroup = q1&(1<<2) != 0
	d.GroupIndex = uint16((q1 >> 3) & 0x1ff)
	pageAddr := (q1 >> 12) & 0xfffffffffffff
	d.Addr = hostaddr.Addr(pageAddr << 12)

	if d.PrivDataPresent {
		copy(d.PrivateData[:], b[16:32])
	}
	return d
}

// EncodePageRequest is the inverse of DecodePageRequest, used by tests and
// by software fakes of the PRQ ring.
func EncodePageRequest(d PageRequestDescriptor) [DescriptorSize]byte {
	var b [DescriptorSize]byte
	var q0, q1 uint64

	q0 |= uint64(d.Type)
	if d.PASIDPresent {
		q0 |= 1 << 8
	}
	if d.PrivDataPresent {
		q0 |= 1 << 9
	}
	q0 |= uint64(d.SourceID) << 16
	q0 |= (uint64(d.PASID) & 0xfffff) << 32
	if d.ExecRequest {
		q0 |= 1 << 52
	}
	if d.PrivilegedMode {
		q0 |= 1 << 53
	}

	if d.ReadRequest {
		q1 |= 1 << 0
	}
	if d.WriteRequest {
		q1 |= 1 << 1
	}
	if d.LastInGroup {
		q1 |= 1 << 2
	}
	q1 |= (uint64(d.GroupIndex) & 0x1ff) << 3
	q1 |= (uint64(d.Addr) >> 12) << 12

	binary.LittleEndian.PutUint64(b[0:8], q0)
	binary.LittleEndian.PutUint64(b[8:16], q1)
	if d.PrivDataPresent {
		copy(b[16:32], d.PrivateData[:])
	}
	return b
}

// PageGroupResponse is the response descriptor posted to the invalidation
// queue for a completed (or rejected) page-request group, spec §6.
type PageGroupResponse struct {
	PASID           uint32
	PASIDPresent    bool
	DeviceID        busid.SourceID
	PrivDataPresent bool
	Code            ResponseCode
	GroupIndex      uint16
	LastInGroup     bool
	PrivateData     [PrivateDataSize]byte
}

// EncodePageGroupResponse packs a PageGroupResponse into the same 32-byte
// shape a real descriptor uses, reusing DescriptorSize/PrivateDataSize
// since the page-group response is itself queue-descriptor shaped.
func EncodePageGroupResponse(r PageGroupResponse) [DescriptorSize]byte {
	var b [DescriptorSize]byte
	var q0, q1 uint64

	if r.PASIDPresent {
		q0 |= 1 << 8
	}
	if r.PrivDataPresent {
		q0 |= 1 << 9
	}
	q0 |= uint64(r.DeviceID) << 16
	q0 |= (uint64(r.PASID) & 0xfffff) << 32

	q1 |= uint64(r.Code) << 0
	q1 |= (uint64(r.GroupIndex) & 0x1ff) << 8
	if r.LastInGroup {
		q1 |= 1 << 17
	}

	binary.LittleEndian.PutUint64(b[0:8], q0)
	binary.LittleEndian.PutUint64(b[8:16], q1)
	if r.PrivDataPresent {
		copy(b[16:32], r.PrivateData[:])
	}
	return b
}
