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

package timer

import (
	"testing"
	"time"
)

func TestZeroDelayDisabled(t *testing.T) {
	if tm := Start(0, func() { t.Fatal("fire must not be called") }); tm != nil {
		t.Fatalf("Start(0, ...) = %v, want nil", tm)
	}
}

func TestFires(t *testing.T) {
	c := make(chan struct{})
	Start(10*time.Millisecond, func() { close(c) })
	select {
	case <-c:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestCancelPreventsFire(t *testing.T) {
	fired := make(chan struct{})
	tm := Start(50*time.Millisecond, func() { close(fired) })
	tm.Cancel()
	select {
	case <-fired:
		t.Fatal("timer fired after being cancelled")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestCancelAfterFireIsNoOp(t *testing.T) {
	fired := make(chan struct{})
	tm := Start(5*time.Millisecond, func() { close(fired) })
	<-fired
	tm.Cancel() // must not panic or block
	tm.Cancel() // idempotent
}

func TestNilCancelIsNoOp(t *testing.T) {
	var tm *Timer
	tm.Cancel() // must not panic
}
