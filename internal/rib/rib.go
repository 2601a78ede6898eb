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
	"errors"
	"net/netip"
	"sync"
)

// ErrDiscard, returned by a Filter, causes the announcement or withdrawal to
// be silently dropped rather than logged as an error.
var ErrDiscard = errors.New("rib: discard")

// Filter decides whether and how a path should be imported into, or exported
// out of, a RIB. Returning ErrDiscard suppresses the path without logging;
// any other error is logged by the caller.
type Filter func(prefix netip.Prefix, a Attributes) (Attributes, error)

// Update is a decoded UPDATE message, translated into this package's route
// representation by the caller (see internal/wire for the wire format).
type Update struct {
	Withdrawn []netip.Prefix
	Announced []struct {
		Prefix     netip.Prefix
		Attributes Attributes
	}
}

// AdjRibIn is the per-peer table of routes received from one neighbor. Every
// path it holds is tagged with that neighbor's address and merged into the
// shared LocRib.
type AdjRibIn struct {
	Peer   netip.Addr
	Filter Filter
	loc    *LocRib
}

// NewAdjRibIn creates an Adj-RIB-In for peer, feeding accepted paths into loc.
func NewAdjRibIn(peer netip.Addr, loc *LocRib) *AdjRibIn {
	return &AdjRibIn{Peer: peer, loc: loc}
}

// HandleUpdate applies the withdrawals and announcements in u.
func (r *AdjRibIn) HandleUpdate(u Update) {
	for _, prefix := range u.Withdrawn {
		r.loc.table.RemovePath(prefix, r.Peer)
	}
	for _, ann := range u.Announced {
		a := ann.Attributes
		a.Peer = r.Peer
		if r.Filter != nil {
			fa, err := r.Filter(ann.Prefix, a)
			if err != nil {
				continue
			}
			a = fa
		}
		r.loc.table.AddPath(ann.Prefix, a)
	}
}

// Close removes every path this peer contributed to the LocRib. It must be
// called when the session that owns this Adj-RIB-In goes down.
func (r *AdjRibIn) Close() {
	r.loc.table.RemovePathsFrom(r.Peer)
}

// AdjRibOut is the per-peer view of routes to be announced to one neighbor.
// It tracks which prefixes have already been sent so that Sync only reports
// the delta.
type AdjRibOut struct {
	Peer   netip.Addr
	Filter Filter

	loc     *LocRib
	mu      sync.Mutex
	sent    map[netip.Prefix]int64
	version int64
}

// NewAdjRibOut creates an Adj-RIB-Out for peer, sourced from loc.
func NewAdjRibOut(peer netip.Addr, loc *LocRib) *AdjRibOut {
	return &AdjRibOut{Peer: peer, loc: loc, sent: map[netip.Prefix]int64{}}
}

// Announcement is a single change to report to a peer: either a new best
// path (Withdraw == false) or the removal of a previously sent one.
type Announcement struct {
	Prefix     netip.Prefix
	Attributes Attributes
	Withdraw   bool
}

// Sync returns the announcements and withdrawals needed to bring the peer's
// view in line with the current LocRib contents, applying the export Filter
// and suppressing routes that loop back through the peer's own AS.
func (r *AdjRibOut) Sync(peerASN uint32) []Announcement {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed, current, complete := r.loc.table.ChangedSince(r.version)
	r.version = current
	var out []Announcement
	if !complete {
		// The edits buffer overran; do a full resync of every network.
		seen := map[netip.Prefix]bool{}
		for prefix, a := range r.loc.table.AllRoutes() {
			seen[prefix] = true
			out = append(out, r.reconcile(prefix, a, peerASN)...)
		}
		for prefix := range r.sent {
			if !seen[prefix] {
				out = append(out, Announcement{Prefix: prefix, Withdraw: true})
				delete(r.sent, prefix)
			}
		}
		return out
	}
	for _, prefix := range changed {
		a, ok := r.loc.table.BestPath(prefix)
		if !ok {
			if _, wasSent := r.sent[prefix]; wasSent {
				out = append(out, Announcement{Prefix: prefix, Withdraw: true})
				delete(r.sent, prefix)
			}
			continue
		}
		out = append(out, r.reconcile(prefix, a, peerASN)...)
	}
	return out
}

// reconcile decides, for a single network's current best path, whether the
// peer needs an announcement or a withdrawal (loop or filter rejection). A
// rejected path that was never sent yields nothing; an accepted path is
// announced even if the same path was sent before. Caller holds r.mu.
func (r *AdjRibOut) reconcile(prefix netip.Prefix, a Attributes, peerASN uint32) []Announcement {
	if a.Contains(peerASN) {
		if _, wasSent := r.sent[prefix]; wasSent {
			delete(r.sent, prefix)
			return []Announcement{{Prefix: prefix, Withdraw: true}}
		}
		return nil
	}
	if r.Filter != nil {
		fa, err := r.Filter(prefix, a)
		if err != nil {
			if _, wasSent := r.sent[prefix]; wasSent {
				delete(r.sent, prefix)
				return []Announcement{{Prefix: prefix, Withdraw: true}}
			}
			return nil
		}
		a = fa
	}
	r.sent[prefix] = 1
	return []Announcement{{Prefix: prefix, Attributes: a}}
}

// LocRib is the speaker's local table of selected routes, shared by every
// peer's Adj-RIB-In and Adj-RIB-Out.
type LocRib struct {
	table *Table

	mu          sync.Mutex
	subscribers map[*AdjRibOut]struct{}
}

// NewLocRib creates an empty LocRib using cmp to rank paths for best-path
// selection, or the package level Compare if cmp is nil.
func NewLocRib(cmp func(a, b Attributes) int) *LocRib {
	return &LocRib{table: &Table{Compare: cmp}, subscribers: map[*AdjRibOut]struct{}{}}
}

// Signal is a message delivered to LocRib.HandleSignal.
type Signal interface{ isSignal() }

// UpdateSignal announces or withdraws a locally originated route.
type UpdateSignal struct {
	Prefix   netip.Prefix
	Attrs    Attributes
	Withdraw bool
}

func (UpdateSignal) isSignal() {}

// SubscribeSignal registers out as an active consumer of this LocRib. Sent
// when a peer session establishes and its Adj-RIB-Out is created.
type SubscribeSignal struct{ Out *AdjRibOut }

func (SubscribeSignal) isSignal() {}

// UnsubscribeSignal removes out from this LocRib's set of active consumers.
// Sent when a peer session tears down and its Adj-RIB-Out is discarded.
type UnsubscribeSignal struct{ Out *AdjRibOut }

func (UnsubscribeSignal) isSignal() {}

// HandleSignal applies sig to the LocRib. Locally originated routes are
// tagged with the zero netip.Addr as their peer.
func (l *LocRib) HandleSignal(sig Signal) {
	switch s := sig.(type) {
	case UpdateSignal:
		if s.Withdraw {
			l.table.RemovePath(s.Prefix, netip.Addr{})
			return
		}
		a := s.Attrs
		a.Peer = netip.Addr{}
		l.table.AddPath(s.Prefix, a)
	case SubscribeSignal:
		l.mu.Lock()
		l.subscribers[s.Out] = struct{}{}
		l.mu.Unlock()
	case UnsubscribeSignal:
		l.mu.Lock()
		delete(l.subscribers, s.Out)
		l.mu.Unlock()
	}
}

// Subscribers reports how many Adj-RIB-Out instances are currently
// registered to receive this LocRib's routes.
func (l *LocRib) Subscribers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subscribers)
}

// AllRoutes returns an iterator over the current best path to every network.
func (l *LocRib) AllRoutes() func(yield func(netip.Prefix, Attributes) bool) {
	return l.table.AllRoutes()
}
