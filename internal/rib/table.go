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
	"iter"
	"net/netip"
	"sync"
	"sync/atomic"
)

const (
	// initialPathsCapacity is the initial capacity of the slice that holds a
	// copy of a network's paths while iterating over routes.
	initialPathsCapacity = 8
	// editsBufferSize is the number of recent edits to a Table that are kept
	// to support incremental syncing to an AdjRibOut. If more edits than this
	// occur between two sync cycles, the watcher falls back to a full resync.
	editsBufferSize = 1024
)

// edits holds a circular buffer of recent Table edits.
type edits struct {
	entries [editsBufferSize]struct {
		nlri    netip.Prefix
		version int64
	}
	next int
}

func (e *edits) mark(nlri netip.Prefix, version, prior int64) {
	if version == prior {
		return
	}
	e.entries[e.next].nlri = nlri
	e.entries[e.next].version = version
	e.next = (e.next + 1) % editsBufferSize
}

// changedSince appends to out the NLRIs that changed since last, returning
// ok=false if the buffer no longer holds enough history and the caller must
// fall back to a full resync.
func (e *edits) changedSince(out []netip.Prefix, last int64) ([]netip.Prefix, bool) {
	next := e.next
	if e.entries[next].version != 0 && e.entries[next].version > last {
		return out, false
	}
	for i := 0; i < editsBufferSize; i++ {
		if e.entries[next].version > last {
			out = append(out, e.entries[next].nlri)
		}
		next = (next + 1) % editsBufferSize
	}
	return out, true
}

// network holds every path currently known to a network, keyed by peer.
type network struct {
	mu      sync.Mutex
	paths   []Attributes
	version int64
}

func (n *network) addPath(t *Table, a Attributes) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, old := range n.paths {
		if old.Peer == a.Peer {
			if old.Equal(a) {
				return
			}
			n.paths[i] = a
			n.version = t.version.Add(1)
			return
		}
	}
	n.paths = append(n.paths, a)
	n.version = t.version.Add(1)
}

func (n *network) removePath(t *Table, peer netip.Addr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, old := range n.paths {
		if old.Peer == peer {
			n.paths = append(n.paths[:i], n.paths[i+1:]...)
			n.version = t.version.Add(1)
			return
		}
	}
}

func (n *network) hasPath() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.paths) != 0
}

// bestPath returns the most preferred path, or false if none exists.
func (n *network) bestPath(cmp func(a, b Attributes) int) (Attributes, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.paths) == 0 {
		return Attributes{}, false
	}
	best := n.paths[0]
	for _, p := range n.paths[1:] {
		if cmp(p, best) < 0 {
			best = p
		}
	}
	return best, true
}

// Table is a set of networks, each holding zero or more paths.
type Table struct {
	// Compare decides which of two paths is preferred, following the
	// convention that a negative result means a is preferred over b. If nil,
	// the package level Compare is used.
	Compare func(a, b Attributes) int

	mu       sync.Mutex
	version  atomic.Int64
	networks map[netip.Prefix]*network
	edits    edits
}

func (t *Table) compare() func(a, b Attributes) int {
	if t.Compare != nil {
		return t.Compare
	}
	return Compare
}

func (t *Table) network(nlri netip.Prefix) *network {
	if n := t.networks[nlri]; n != nil {
		return n
	}
	if t.networks == nil {
		t.networks = map[netip.Prefix]*network{}
	}
	n := &network{}
	t.networks[nlri] = n
	return n
}

// HasNetwork reports whether nlri currently has at least one path.
func (t *Table) HasNetwork(nlri netip.Prefix) bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	n, ok := t.networks[nlri]
	t.mu.Unlock()
	return ok && n.hasPath()
}

// AddPath adds or replaces the path to nlri from a.Peer.
func (t *Table) AddPath(nlri netip.Prefix, a Attributes) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.network(nlri)
	prior := n.version
	n.addPath(t, a)
	t.edits.mark(nlri, n.version, prior)
}

// RemovePath removes the path to nlri received from peer, if any.
func (t *Table) RemovePath(nlri netip.Prefix, peer netip.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.network(nlri)
	prior := n.version
	n.removePath(t, peer)
	t.edits.mark(nlri, n.version, prior)
}

// RemovePathsFrom removes every path received from peer, across all networks.
// It is used when a session goes down and its Adj-RIB-In is released.
func (t *Table) RemovePathsFrom(peer netip.Addr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for nlri, n := range t.networks {
		prior := n.version
		n.removePath(t, peer)
		t.edits.mark(nlri, n.version, prior)
	}
}

// Routes returns an iterator over every path currently held for nlri.
func (t *Table) Routes(nlri netip.Prefix) iter.Seq[Attributes] {
	return func(yield func(Attributes) bool) {
		t.mu.Lock()
		n, ok := t.networks[nlri]
		t.mu.Unlock()
		if !ok {
			return
		}
		n.mu.Lock()
		paths := make([]Attributes, 0, initialPathsCapacity)
		paths = append(paths, n.paths...)
		n.mu.Unlock()
		for _, a := range paths {
			if !yield(a) {
				return
			}
		}
	}
}

// AllRoutes returns an iterator over the best path to every network in the
// table. Networks with no remaining paths are skipped.
func (t *Table) AllRoutes() iter.Seq2[netip.Prefix, Attributes] {
	return func(yield func(netip.Prefix, Attributes) bool) {
		cmp := t.compare()
		t.mu.Lock()
		networks := make(map[netip.Prefix]*network, len(t.networks))
		for p, n := range t.networks {
			networks[p] = n
		}
		t.mu.Unlock()
		for p, n := range networks {
			a, ok := n.bestPath(cmp)
			if !ok {
				continue
			}
			if !yield(p, a) {
				return
			}
		}
	}
}

// ChangedSince returns the set of NLRIs that changed since the given table
// version was last observed, and the table's current version. If complete is
// false, the edits buffer overran and the caller must instead iterate
// AllRoutes to resync.
func (t *Table) ChangedSince(last int64) (changed []netip.Prefix, current int64, complete bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed, complete = t.edits.changedSince(nil, last)
	return changed, t.version.Load(), complete
}

// BestPath returns the current best path for nlri, per the table's Compare
// function.
func (t *Table) BestPath(nlri netip.Prefix) (Attributes, bool) {
	t.mu.Lock()
	n, ok := t.networks[nlri]
	cmp := t.compare()
	t.mu.Unlock()
	if !ok {
		return Attributes{}, false
	}
	return n.bestPath(cmp)
}
