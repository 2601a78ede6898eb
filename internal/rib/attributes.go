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
	"fmt"
	"net/netip"
	"slices"
	"strings"
)

// Attributes describes a single path to a destination network: which peer it
// was learned from (or the zero Addr for a locally originated path), where to
// forward packets, and the path attributes used for best-path selection.
type Attributes struct {
	// Peer is the BGP neighbor from which this path was received. It is the
	// zero netip.Addr for locally originated paths.
	Peer netip.Addr
	// Nexthop is where packets matching the path should be forwarded.
	Nexthop netip.Addr
	// ASPath lists the ASNs the route traversed, nearest hop first.
	ASPath []uint32
	// LocalPref is the BGP LOCAL_PREF attribute. Higher values are preferred.
	LocalPref    uint32
	HasLocalPref bool
	// MED is the BGP MULTI_EXIT_DISC attribute. Lower values are preferred.
	MED    uint32
	HasMED bool
	// Communities are the standard BGP communities attached to the path.
	Communities []Community
}

// Equal reports whether a and b describe the same path, ignoring nothing.
func (a Attributes) Equal(b Attributes) bool {
	return a.Peer == b.Peer &&
		a.Nexthop == b.Nexthop &&
		slices.Equal(a.ASPath, b.ASPath) &&
		a.LocalPref == b.LocalPref &&
		a.HasLocalPref == b.HasLocalPref &&
		a.MED == b.MED &&
		a.HasMED == b.HasMED &&
		slices.Equal(a.Communities, b.Communities)
}

// Contains reports whether asn appears anywhere in the AS path, used to
// detect and suppress routing loops before re-announcing a path.
func (a Attributes) Contains(asn uint32) bool {
	return slices.Contains(a.ASPath, asn)
}

// Origin returns the AS that originated the route, i.e. the last hop in the
// AS path, or 0 if the path is empty (a locally originated route).
func (a Attributes) Origin() uint32 {
	if len(a.ASPath) == 0 {
		return 0
	}
	return a.ASPath[len(a.ASPath)-1]
}

// Prepend returns a copy of a with asn added as the new nearest hop.
func (a Attributes) Prepend(asn uint32) Attributes {
	b := a
	b.ASPath = append([]uint32{asn}, a.ASPath...)
	return b
}

func (a Attributes) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "peer=%v nexthop=%v as_path=%v", a.Peer, a.Nexthop, a.ASPath)
	if a.HasLocalPref {
		fmt.Fprintf(&sb, " local_pref=%v", a.LocalPref)
	}
	if a.HasMED {
		fmt.Fprintf(&sb, " med=%v", a.MED)
	}
	if len(a.Communities) != 0 {
		fmt.Fprintf(&sb, " communities=%v", a.Communities)
	}
	return sb.String()
}

// Compare orders paths from most to least preferred: higher LOCAL_PREF
// first, then shorter AS path, then lower MED. Paths lacking LOCAL_PREF are
// treated as having LOCAL_PREF 100, and paths lacking MED as having MED 0.
func Compare(a, b Attributes) int {
	ap, bp := localPrefOrDefault(a), localPrefOrDefault(b)
	switch {
	case ap > bp:
		return -1
	case ap < bp:
		return 1
	}
	if la, lb := len(a.ASPath), len(b.ASPath); la != lb {
		if la < lb {
			return -1
		}
		return 1
	}
	am, bm := medOrDefault(a), medOrDefault(b)
	switch {
	case am < bm:
		return -1
	case am > bm:
		return 1
	}
	return 0
}

func localPrefOrDefault(a Attributes) uint32 {
	if a.HasLocalPref {
		return a.LocalPref
	}
	return 100
}

func medOrDefault(a Attributes) uint32 {
	if a.HasMED {
		return a.MED
	}
	return 0
}
