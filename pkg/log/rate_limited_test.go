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

package log

import (
	"testing"
	"time"
)

type countingLogger struct {
	warnings int
}

func (c *countingLogger) Debugf(format string, v ...any)   {}
func (c *countingLogger) Infof(format string, v ...any)    {}
func (c *countingLogger) Warningf(format string, v ...any) { c.warnings++ }
func (c *countingLogger) IsLogging(level Level) bool       { return true }

// A burst of warnings faster than the configured interval must be collapsed
// to one: this is what protects the PRQ interrupt path from a device that
// posts faults fast enough to make unthrottled logging a DoS vector.
func TestRateLimitedDropsBurstFasterThanInterval(t *testing.T) {
	inner := &countingLogger{}
	rl := RateLimited(inner, time.Hour)
	for i := 0; i < 5; i++ {
		rl.Warningf("flood %d", i)
	}
	if inner.warnings != 1 {
		t.Errorf("warnings = %d, want 1", inner.warnings)
	}
}

// A zero interval disables throttling entirely.
func TestRateLimitedZeroIntervalDisablesThrottling(t *testing.T) {
	inner := &countingLogger{}
	rl := RateLimited(inner, 0)
	for i := 0; i < 5; i++ {
		rl.Warningf("burst %d", i)
	}
	if inner.warnings != 5 {
		t.Errorf("warnings = %d, want 5", inner.warnings)
	}
}

func TestRateLimitedIsLoggingPassesThrough(t *testing.T) {
	inner := &countingLogger{}
	rl := RateLimited(inner, time.Second)
	if !rl.IsLogging(Warning) {
		t.Error("IsLogging(Warning) = false, want true")
	}
}
