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

// Package busid defines the packed PCI bus/device/function identifier used
// both by the wire descriptor layout (spec §6) and the hardware boundary
// (spec §6), kept as its own leaf package so neither of those needs to
// import the other just to share this one type.
package busid

// SourceID is a packed PCI bus/device/function identifying a DMA requester,
// spec's "source-ID (bus/devfn packed)".
type SourceID uint16

// Bus, Device and Function decompose a SourceID per the standard PCI
// bus/devfn packing (bus in bits [8:16), device in bits [3:8), function in
// bits [0:3)).
func (s SourceID) Bus() uint8      { return uint8(s >> 8) }
func (s SourceID) Device() uint8   { return uint8(s>>3) & 0x1f }
func (s SourceID) Function() uint8 { return uint8(s) & 0x7 }
