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
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger wraps a Logger and drops messages faster than the given
// rate. The PRQ ring reader runs on the device interrupt path and a
// misbehaving or malicious device can post faults fast enough to make
// unthrottled warning logging itself a denial-of-service vector; overflow
// and malformed-descriptor warnings go through this wrapper.
type rateLimitedLogger struct {
	logger Logger
	limit  *rate.Limiter
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if rl.limit.Allow() {
		rl.logger.Debugf(format, v...)
	}
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if rl.limit.Allow() {
		rl.logger.Infof(format, v...)
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	if rl.limit.Allow() {
		rl.logger.Warningf(format, v...)
	}
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// RateLimited returns a Logger that forwards to logger no more than once
// per the given interval.
func RateLimited(logger Logger, every time.Duration) Logger {
	return &rateLimitedLogger{logger: logger, limit: rate.NewLimiter(rate.Every(every), 1)}
}

// BasicRateLimited is RateLimited applied to the process-wide default logger.
func BasicRateLimited(every time.Duration) Logger {
	return RateLimited(Log(), every)
}
