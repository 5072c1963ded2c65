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

package sync

import "sync"

// Completion is a single-shot rendezvous between one signaller and any
// number of waiters, analogous to a Linux struct completion. It is used as
// the handoff between the PRQ ring reader (signaller, once per drained
// batch) and drain (waiter, blocked on a specific PASID's descriptors
// disappearing from the ring).
//
// Unlike sync.WaitGroup, Completion is level-triggered until Reset: any
// Wait call after a Signal returns immediately. The waiter is expected to
// call Reset itself, immediately before checking the predicate it is
// waiting on and calling Wait, so that a Signal delivered between the
// predicate check and the Wait call is never missed. The signaller only
// ever calls Signal.
type Completion struct {
	mu   sync.Mutex
	cond *sync.Cond
	done bool
}

func (c *Completion) lazyInit() {
	if c.cond == nil {
		c.cond = sync.NewCond(&c.mu)
	}
}

// Reset rearms the completion so a subsequent Wait blocks until the next
// Signal. Only the waiter should call Reset, immediately before it
// re-checks its predicate and calls Wait; calling it concurrently with Wait
// from another goroutine is a race by construction of the drain protocol
// (single waiter per PASID).
func (c *Completion) Reset() {
	c.mu.Lock()
	c.lazyInit()
	c.done = false
	c.mu.Unlock()
}

// Signal marks the completion done and wakes every blocked waiter. Safe to
// call from the PRQ reader thread even if nobody is currently waiting.
func (c *Completion) Signal() {
	c.mu.Lock()
	c.lazyInit()
	c.done = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Wait blocks until Signal has been called since the last Reset.
func (c *Completion) Wait() {
	c.mu.Lock()
	c.lazyInit()
	for !c.done {
		c.cond.Wait()
	}
	c.mu.Unlock()
}
