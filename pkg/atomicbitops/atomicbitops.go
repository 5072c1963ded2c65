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

// Package atomicbitops provides small atomic wrappers for the fields that
// are genuinely racy in this subsystem: the PRQ head/tail shadow indices
// polled by the ring reader and drain, hardware status-register shadows,
// and per-device usage counters. Everything else is protected by the
// registry mutex or the per-IOMMU spinlock and needs no atomics.
package atomicbitops

import "sync/atomic"

// Uint32 is an atomically-accessed uint32. Its zero value is 0.
type Uint32 struct {
	value atomic.Uint32
}

func (u *Uint32) Load() uint32                 { return u.value.Load() }
func (u *Uint32) Store(v uint32)               { u.value.Store(v) }
func (u *Uint32) Add(delta uint32) uint32      { return u.value.Add(delta) }
func (u *Uint32) Swap(v uint32) uint32         { return u.value.Swap(v) }
func (u *Uint32) CompareAndSwap(old, new uint32) bool {
	return u.value.CompareAndSwap(old, new)
}

// FromUint32 returns a Uint32 initialized to val.
func FromUint32(val uint32) Uint32 {
	var u Uint32
	u.value.Store(val)
	return u
}

// Int32 is an atomically-accessed int32, used for signed usage counters
// that must never be observed negative.
type Int32 struct {
	value atomic.Int32
}

func (i *Int32) Load() int32            { return i.value.Load() }
func (i *Int32) Store(v int32)          { i.value.Store(v) }
func (i *Int32) Add(delta int32) int32  { return i.value.Add(delta) }

// Bool is an atomic Boolean, backed by a Uint32 the same way upstream
// gVisor's atomicbitops.Bool is, so a zero Bool reads false.
type Bool struct {
	v atomic.Bool
}

func (b *Bool) Load() bool     { return b.v.Load() }
func (b *Bool) Store(val bool) { b.v.Store(val) }
func (b *Bool) Swap(val bool) bool {
	return b.v.Swap(val)
}

// FromBool returns a Bool initialized to val.
func FromBool(val bool) Bool {
	var b Bool
	b.v.Store(val)
	return b
}
