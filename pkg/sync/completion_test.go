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

import "testing"

// A Wait after a Signal returns immediately without a matching Reset.
func TestCompletionWaitReturnsImmediatelyAfterSignal(t *testing.T) {
	var c Completion
	c.Signal()
	c.Wait() // must not block
}

// The waiter, not the signaller, drives Reset: a waiter that resets before
// checking its own predicate and calling Wait sees every Signal, even
// across many iterations, because the completion is level-triggered
// between Reset and the next Signal, so a Signal delivered before the
// waiter reaches its own Wait call is never lost.
func TestCompletionSupportsRepeatedWaiterDrivenCycles(t *testing.T) {
	var c Completion
	next := make(chan struct{})
	done := make(chan struct{})
	const iterations = 5

	go func() {
		for i := 0; i < iterations; i++ {
			c.Reset()
			<-next
			c.Wait()
		}
		close(done)
	}()

	for i := 0; i < iterations; i++ {
		next <- struct{}{}
		c.Signal()
	}
	<-done
}
