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

package wire

import (
	"net/netip"

	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
)

// UpdateAnnouncement is one NLRI carried by an UPDATE message, translated out
// of gobgp's attribute representation into plain fields.
type UpdateAnnouncement struct {
	Prefix       netip.Prefix
	Nexthop      netip.Addr
	ASPath       []uint32
	LocalPref    uint32
	HasLocalPref bool
	MED          uint32
	HasMED       bool
	Communities  []uint32
}

// UpdateBody is a decoded UPDATE message.
type UpdateBody struct {
	Withdrawn []netip.Prefix
	Announced []UpdateAnnouncement
}

// IsKeepalive reports whether m is a KEEPALIVE.
func IsKeepalive(m *Message) bool {
	_, ok := m.Body.(*bgp.BGPKeepAlive)
	return ok
}

// NotificationFields extracts the error code/subcode from a NOTIFICATION.
func NotificationFields(m *Message) (code, subcode uint8, ok bool) {
	n, ok := m.Body.(*bgp.BGPNotification)
	if !ok {
		return 0, 0, false
	}
	return n.ErrorCode, n.ErrorSubcode, true
}

// DecodeUpdate extracts withdrawals and announcements from an UPDATE.
func DecodeUpdate(m *Message) (UpdateBody, bool) {
	u, ok := m.Body.(*bgp.BGPUpdate)
	if !ok {
		return UpdateBody{}, false
	}
	var out UpdateBody
	for _, w := range u.WithdrawnRoutes {
		if p, err := netip.ParsePrefix(w.String()); err == nil {
			out.Withdrawn = append(out.Withdrawn, p)
		}
	}
	var (
		nexthop      netip.Addr
		asPath       []uint32
		localPref    uint32
		hasLocalPref bool
		med          uint32
		hasMED       bool
		communities  []uint32
		mpReach      []bgp.AddrPrefixInterface
		mpUnreach    []bgp.AddrPrefixInterface
	)
	for _, pa := range u.PathAttributes {
		switch a := pa.(type) {
		case *bgp.PathAttributeNextHop:
			nexthop, _ = netip.AddrFromSlice(a.Value)
		case *bgp.PathAttributeMpReachNLRI:
			nexthop, _ = netip.AddrFromSlice(a.Nexthop)
			mpReach = a.Value
		case *bgp.PathAttributeMpUnreachNLRI:
			mpUnreach = a.Value
		case *bgp.PathAttributeAsPath:
			for _, seg := range a.Value {
				asPath = append(asPath, seg.GetAS()...)
			}
		case *bgp.PathAttributeLocalPref:
			localPref = a.Value
			hasLocalPref = true
		case *bgp.PathAttributeMultiExitDisc:
			med = a.Value
			hasMED = true
		case *bgp.PathAttributeCommunities:
			communities = a.Value
		}
	}
	for _, nlri := range u.NLRI {
		if p, err := netip.ParsePrefix(nlri.String()); err == nil {
			out.Announced = append(out.Announced, UpdateAnnouncement{
				Prefix: p, Nexthop: nexthop, ASPath: asPath,
				LocalPref: localPref, HasLocalPref: hasLocalPref,
				MED: med, HasMED: hasMED, Communities: communities,
			})
		}
	}
	for _, ap := range mpReach {
		if p, err := netip.ParsePrefix(ap.String()); err == nil {
			out.Announced = append(out.Announced, UpdateAnnouncement{
				Prefix: p, Nexthop: nexthop, ASPath: asPath,
				LocalPref: localPref, HasLocalPref: hasLocalPref,
				MED: med, HasMED: hasMED, Communities: communities,
			})
		}
	}
	for _, ap := range mpUnreach {
		if p, err := netip.ParsePrefix(ap.String()); err == nil {
			out.Withdrawn = append(out.Withdrawn, p)
		}
	}
	return out, true
}

func newAddrPrefix(n netip.Prefix) (bgp.AddrPrefixInterface, error) {
	a := n.Addr()
	if a.Is4() {
		return bgp.NewIPAddrPrefix(uint8(n.Bits()), a.String()), nil
	}
	return bgp.NewIPv6AddrPrefix(uint8(n.Bits()), a.String()), nil
}

// EncodeUpdate builds an UPDATE announcing ann using MP_REACH_NLRI, following
// the same attribute ordering RFC 7606 section 5.1 recommends.
func EncodeUpdate(localASN uint32, ann UpdateAnnouncement) (*Message, error) {
	ap, err := newAddrPrefix(ann.Prefix)
	if err != nil {
		return nil, err
	}
	asv := make([]uint32, 0, len(ann.ASPath)+1)
	asv = append(asv, localASN)
	asv = append(asv, ann.ASPath...)
	asp := bgp.NewAs4PathParam(bgp.BGP_ASPATH_ATTR_TYPE_SEQ, asv)
	attrs := []bgp.PathAttributeInterface{
		bgp.NewPathAttributeMpReachNLRI(ann.Nexthop.String(), []bgp.AddrPrefixInterface{ap}),
		bgp.NewPathAttributeOrigin(bgp.BGP_ORIGIN_ATTR_TYPE_INCOMPLETE),
		bgp.NewPathAttributeAsPath([]bgp.AsPathParamInterface{asp}),
	}
	if ann.HasLocalPref {
		attrs = append(attrs, bgp.NewPathAttributeLocalPref(ann.LocalPref))
	}
	if ann.HasMED {
		attrs = append(attrs, bgp.NewPathAttributeMultiExitDisc(ann.MED))
	}
	if len(ann.Communities) != 0 {
		attrs = append(attrs, bgp.NewPathAttributeCommunities(ann.Communities))
	}
	return bgp.NewBGPUpdateMessage(nil, attrs, nil), nil
}

// EncodeWithdraw builds an UPDATE withdrawing prefix using MP_UNREACH_NLRI.
func EncodeWithdraw(prefix netip.Prefix) (*Message, error) {
	ap, err := newAddrPrefix(prefix)
	if err != nil {
		return nil, err
	}
	return bgp.NewBGPUpdateMessage(nil, []bgp.PathAttributeInterface{
		bgp.NewPathAttributeMpUnreachNLRI([]bgp.AddrPrefixInterface{ap}),
	}, nil), nil
}
