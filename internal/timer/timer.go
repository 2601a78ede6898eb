// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package timer implements the cancellable one-shot timers used to drive the
// connect-retry, hold and keepalive timeouts of a BGP session.
package timer

import (
	"sync"
	"time"
)

// Default timer values applied to a peer whose configuration leaves them
// unset.
const (
	DefaultConnRetryTime = 30 * time.Second
	DefaultHoldTime      = 45 * time.Second
	DefaultKeepaliveTime = 15 * time.Second
)

// Timer is a cancellable one-shot. A Timer with a zero delay never fires.
// Cancel is idempotent and safe to call from any goroutine, including after
// the timer has already fired.
type Timer struct {
	mu     sync.Mutex
	t      *time.Timer
	fired  bool
	cancel bool
}

// Start schedules fire to run once after delay elapses, unless the returned
// Timer is cancelled first. A delay of 0 returns nil, meaning "timer
// disabled"; Cancel on that nil Timer is a no-op.
func Start(delay time.Duration, fire func()) *Timer {
	if delay <= 0 {
		return nil
	}
	tm := &Timer{}
	tm.t = time.AfterFunc(delay, func() {
		tm.mu.Lock()
		if tm.cancel {
			tm.mu.Unlock()
			return
		}
		tm.fired = true
		tm.mu.Unlock()
		fire()
	})
	return tm
}

// Cancel prevents fire from running if it has not already started running.
// It is a no-op if the timer already fired or was already cancelled.
func (tm *Timer) Cancel() {
	if tm == nil {
		return
	}
	tm.mu.Lock()
	tm.cancel = true
	fired := tm.fired
	tm.mu.Unlock()
	if !fired {
		tm.t.Stop()
	}
}
