// Copyright 2024 Google LLC
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

package rib

import (
	"net/netip"
	"testing"
)

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	if err != nil {
		t.Fatalf("ParsePrefix(%q): %v", s, err)
	}
	return p
}

func TestAdjRibInMergesIntoLocRib(t *testing.T) {
	loc := NewLocRib(nil)
	peer := netip.MustParseAddr("192.0.2.1")
	in := NewAdjRibIn(peer, loc)

	prefix := mustPrefix(t, "203.0.113.0/24")
	in.HandleUpdate(Update{Announced: []struct {
		Prefix     netip.Prefix
		Attributes Attributes
	}{{Prefix: prefix, Attributes: Attributes{ASPath: []uint32{65002}}}}})

	got, ok := loc.table.BestPath(prefix)
	if !ok {
		t.Fatal("expected a route after announcement")
	}
	if got.Peer != peer {
		t.Errorf("Peer = %v, want %v", got.Peer, peer)
	}

	in.HandleUpdate(Update{Withdrawn: []netip.Prefix{prefix}})
	if _, ok := loc.table.BestPath(prefix); ok {
		t.Error("expected route to be gone after withdrawal")
	}
}

func TestAdjRibInCloseRemovesAllPaths(t *testing.T) {
	loc := NewLocRib(nil)
	peer := netip.MustParseAddr("192.0.2.1")
	in := NewAdjRibIn(peer, loc)
	prefix := mustPrefix(t, "203.0.113.0/24")
	in.HandleUpdate(Update{Announced: []struct {
		Prefix     netip.Prefix
		Attributes Attributes
	}{{Prefix: prefix}}})

	in.Close()
	if _, ok := loc.table.BestPath(prefix); ok {
		t.Error("expected route to be removed after Close")
	}
}

func TestAdjRibOutSuppressesLoop(t *testing.T) {
	loc := NewLocRib(nil)
	prefix := mustPrefix(t, "203.0.113.0/24")
	loc.HandleSignal(UpdateSignal{Prefix: prefix, Attrs: Attributes{ASPath: []uint32{65002}}})

	out := NewAdjRibOut(netip.MustParseAddr("192.0.2.2"), loc)
	anns := out.Sync(65002) // peer is on the AS path: loop, must be suppressed
	for _, a := range anns {
		if !a.Withdraw && a.Prefix == prefix {
			t.Errorf("expected %v to be suppressed as a loop, got announced", prefix)
		}
	}
}

func TestAdjRibOutAnnouncesNewRoute(t *testing.T) {
	loc := NewLocRib(nil)
	prefix := mustPrefix(t, "203.0.113.0/24")
	loc.HandleSignal(UpdateSignal{Prefix: prefix, Attrs: Attributes{ASPath: []uint32{65002}}})

	out := NewAdjRibOut(netip.MustParseAddr("192.0.2.2"), loc)
	anns := out.Sync(65099)
	if len(anns) != 1 || anns[0].Withdraw || anns[0].Prefix != prefix {
		t.Fatalf("Sync = %+v, want one announcement of %v", anns, prefix)
	}

	// A second sync with no changes should produce nothing.
	if anns := out.Sync(65099); len(anns) != 0 {
		t.Errorf("second Sync = %+v, want none", anns)
	}
}

func TestLocRibSubscribeUnsubscribe(t *testing.T) {
	loc := NewLocRib(nil)
	out := NewAdjRibOut(netip.MustParseAddr("192.0.2.2"), loc)

	loc.HandleSignal(SubscribeSignal{Out: out})
	if got := loc.Subscribers(); got != 1 {
		t.Fatalf("Subscribers() = %d, want 1 after Subscribe", got)
	}

	loc.HandleSignal(UnsubscribeSignal{Out: out})
	if got := loc.Subscribers(); got != 0 {
		t.Fatalf("Subscribers() = %d, want 0 after Unsubscribe", got)
	}
}

func TestCompareOrdersByLocalPrefThenASPathThenMED(t *testing.T) {
	high := Attributes{LocalPref: 200, HasLocalPref: true}
	low := Attributes{LocalPref: 100, HasLocalPref: true}
	if Compare(high, low) >= 0 {
		t.Error("higher local pref should sort first")
	}

	short := Attributes{ASPath: []uint32{1}}
	long := Attributes{ASPath: []uint32{1, 2, 3}}
	if Compare(short, long) >= 0 {
		t.Error("shorter AS path should sort first")
	}

	lowMED := Attributes{MED: 10, HasMED: true}
	highMED := Attributes{MED: 20, HasMED: true}
	if Compare(lowMED, highMED) >= 0 {
		t.Error("lower MED should sort first")
	}
}
