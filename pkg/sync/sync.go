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

// Package sync re-exports the concurrency primitives used across the SVA
// subsystem. It exists as a single seam so that lock-ordering conventions
// (registry mutex outer, per-IOMMU spinlock inner, address space lock
// innermost) can be documented and, if needed, instrumented in one place
// without touching every caller.
package sync

import "sync"

// Aliases of standard library types. Bind/unbind and the per-unit
// PASID-table lock use Mutex; device-set traversal is lock-free (see
// registry.Binding.Devices) rather than using RWMutex. RWMutex is
// re-exported but no package in this tree uses it.
type (
	Mutex     = sync.Mutex
	RWMutex   = sync.RWMutex
	Once      = sync.Once
	WaitGroup = sync.WaitGroup
	Locker    = sync.Locker
)
