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
	"strconv"

	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
)

// RouteFamily identifies an AFI/SAFI pair. Only IPv4Unicast is exercised by
// this speaker; the type keeps the AFI/SAFI encoding used across the
// ecosystem so a future family can be added without renaming anything.
type RouteFamily uint32

// NewRouteFamily combines an AFI and SAFI into a RouteFamily.
func NewRouteFamily(afi uint16, safi uint8) RouteFamily {
	return RouteFamily(afi)<<16 | RouteFamily(safi)
}

// Split extracts the AFI and SAFI from a RouteFamily.
func (rf RouteFamily) Split() (afi uint16, safi uint8) {
	return uint16(rf >> 16), uint8(rf)
}

// IPv4Unicast is the only route family this speaker negotiates and carries.
var IPv4Unicast = NewRouteFamily(bgp.AFI_IP, bgp.SAFI_UNICAST)

func (rf RouteFamily) String() string {
	if rf == IPv4Unicast {
		return "ipv4-unicast"
	}
	afi, safi := rf.Split()
	return "unknown(afi=" + strconv.Itoa(int(afi)) + ",safi=" + strconv.Itoa(int(safi)) + ")"
}
