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

package peer

import (
	"net"
	"net/netip"

	"github.com/nprintz/bgpd/internal/fsm"
)

// routerID reduces a configured IPv4 address to the 32-bit value used for
// RFC 4271 section 6.8 collision comparisons.
func routerID(a netip.Addr) uint32 {
	a4 := a.As4()
	return uint32(a4[0])<<24 | uint32(a4[1])<<16 | uint32(a4[2])<<8 | uint32(a4[3])
}

// handleInbound decides, per the collision table in RFC 4271 section 6.8,
// whether an incoming connection should be accepted, rejected, or used to
// resolve a collision with the flow currently held by this Coordinator.
func (c *Coordinator) handleInbound(nc net.Conn) {
	switch c.fsmVal.State {
	case fsm.Idle, fsm.Established:
		nc.Close()
	case fsm.Connect, fsm.Active:
		c.installFlow(nc)
		c.deliver(fsm.Event{Kind: fsm.TCPConnectionConfirmed})
	case fsm.OpenSent, fsm.OpenConfirm:
		if routerID(c.cfg.LocalID) > routerID(c.cfg.RemoteID) {
			c.log.Info("rejecting colliding inbound connection: local router ID wins")
			nc.Close()
			return
		}
		c.log.Info("dumping locally initiated connection: remote router ID wins collision")
		c.deliver(fsm.Event{Kind: fsm.OpenCollisionDump})
		c.installFlow(nc)
		// OpenCollisionDump always lands in Idle. The surviving connection is
		// already open, so re-enter Connect directly rather than through
		// ManualStart, which would zero conn_retry_counter.
		c.setState(fsm.Connect)
		c.deliver(fsm.Event{Kind: fsm.TCPConnectionConfirmed})
	default:
		nc.Close()
	}
}

func (c *Coordinator) handleOutboundResult(e ceEvent) {
	c.connecting = false
	if e.gen != c.connGen {
		// A stale dial completed after we already moved on; discard it.
		if e.nc != nil {
			e.nc.Close()
		}
		return
	}
	if e.err != nil {
		c.deliver(fsm.Event{Kind: fsm.TCPConnectionFail})
		return
	}
	switch c.fsmVal.State {
	case fsm.OpenSent, fsm.OpenConfirm:
		if routerID(c.cfg.LocalID) < routerID(c.cfg.RemoteID) {
			c.log.Info("rejecting colliding outbound connection: remote router ID wins")
			e.nc.Close()
			return
		}
		c.log.Info("dumping inbound connection: local router ID wins collision")
		c.deliver(fsm.Event{Kind: fsm.OpenCollisionDump})
		c.installFlow(e.nc)
		c.setState(fsm.Connect)
		c.deliver(fsm.Event{Kind: fsm.TCPCRAcked})
	case fsm.Connect, fsm.Active:
		c.installFlow(e.nc)
		c.deliver(fsm.Event{Kind: fsm.TCPCRAcked})
	default:
		e.nc.Close()
	}
}
