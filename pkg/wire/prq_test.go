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

package wire

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dmar-sva/sva/pkg/busid"
	"github.com/dmar-sva/sva/pkg/hostaddr"
)

func TestPageRequestRoundTrip(t *testing.T) {
	want := PageRequestDescriptor{
		Type:            1,
		PASIDPresent:    true,
		PrivDataPresent: true,
		SourceID:        busid.SourceID(0x0108),
		PASID:           0xABCDE,
		ExecRequest:     false,
		PrivilegedMode:  true,
		ReadRequest:     true,
		WriteRequest:    false,
		LastInGroup:     true,
		GroupIndex:      0x1F3,
		Addr:            hostaddr.Addr(0x123456789000),
	}
	copy(want.PrivateData[:], []byte("0123456789ABCDEF"))

	enc := EncodePageRequest(want)
	got := DecodePageRequest(enc[:])

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestPageRequestGroupIndexMask(t *testing.T) {
	d := PageRequestDescriptor{GroupIndex: 0x1FF}
	enc := EncodePageRequest(d)
	got := DecodePageRequest(enc[:])
	if got.GroupIndex != 0x1FF {
		t.Errorf("GroupIndex = %#x, want %#x", got.GroupIndex, 0x1FF)
	}
}

func TestPageGroupResponseEncodesPrivateData(t *testing.T) {
	resp := PageGroupResponse{
		PASID:           5,
		PASIDPresent:    true,
		DeviceID:        busid.SourceID(0x0108),
		PrivDataPresent: true,
		Code:            RespInvalid,
		GroupIndex:      3,
		LastInGroup:     true,
	}
	copy(resp.PrivateData[:], []byte("FEDCBA9876543210"))
	enc := EncodePageGroupResponse(resp)
	if enc[16:32][0] != 'F' {
		t.Errorf("private data not encoded at expected offset")
	}
}
