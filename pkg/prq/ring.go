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

// Package prq implements the PRQ Ring Reader (spec §4.3, component C1) and
// the PRQ Drainer (spec §4.4, component C3): the sole consumer of a
// hardware-posted, fixed, physically-contiguous ring of 32-byte fault
// descriptors.
package prq

import (
	"github.com/dmar-sva/sva/pkg/wire"
)

// Memory is the physically-contiguous descriptor ring itself. Unlike the
// PQH/PQT/PQA/PRS registers (see hw.Ops), the ring's backing memory is
// ordinary DMA-coherent host memory the driver allocated, so it is read
// directly rather than through an MMIO-style accessor.
type Memory interface {
	// Capacity returns the number of 32-byte descriptor slots. Spec:
	// "power-of-two size".
	Capacity() uint32
	// ReadAt decodes the descriptor at ring index (index modulo
	// Capacity()).
	ReadAt(index uint32) wire.PageRequestDescriptor
}
