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

package peer

import (
	"net"
	"time"

	"github.com/nprintz/bgpd/internal/fsm"
	"github.com/nprintz/bgpd/internal/rib"
	"github.com/nprintz/bgpd/internal/timer"
	"github.com/nprintz/bgpd/internal/wire"
)

const (
	openTimeout         = 10 * time.Second
	messageTimeout      = 30 * time.Second
	notificationTimeout = 3 * time.Second
)

// execute carries out actions in order, exactly as fsm.Handle emitted them.
func (c *Coordinator) execute(actions []fsm.Action) {
	for _, a := range actions {
		switch a.Kind {
		case fsm.InitiateTCPConnection:
			c.initiateTCPConnection()
		case fsm.DropTCPConnection:
			c.dropTCPConnection()
		case fsm.SendOpenMsg:
			c.sendOpen()
		case fsm.SendKeepaliveMsg:
			c.sendMessage(wire.NewKeepalive(), messageTimeout)
			c.exportRoutes()
		case fsm.SendNotifMsg:
			c.log.Info((&notificationError{notif: a.Notif, out: true}).Error())
			c.sendMessage(wire.NewNotification(a.Notif.Code, a.Notif.Subcode, nil), notificationTimeout)
		case fsm.StartConnRetryTimer:
			c.startConnRetryTimer()
		case fsm.StopConnRetryTimer:
			c.connRetryTimer.Cancel()
			c.connRetryTimer = nil
		case fsm.ResetConnRetryTimer:
			c.connRetryTimer.Cancel()
			c.startConnRetryTimer()
		case fsm.StartHoldTimer:
			c.holdTimer.Cancel()
			c.holdTimer = c.startTimer(time.Duration(a.Seconds)*time.Second, fsm.HoldTimerExpired)
		case fsm.StopHoldTimer:
			c.holdTimer.Cancel()
			c.holdTimer = nil
		case fsm.ResetHoldTimer:
			c.holdTimer.Cancel()
			c.holdTimer = c.startTimer(time.Duration(a.Seconds)*time.Second, fsm.HoldTimerExpired)
		case fsm.StartKeepaliveTimer:
			c.keepaliveTimer.Cancel()
			c.keepaliveTimer = c.startTimer(time.Duration(c.fsmVal.KeepaliveTime)*time.Second, fsm.KeepaliveTimerExpired)
		case fsm.StopKeepaliveTimer:
			c.keepaliveTimer.Cancel()
			c.keepaliveTimer = nil
		case fsm.ResetKeepaliveTimer:
			c.keepaliveTimer.Cancel()
			c.keepaliveTimer = c.startTimer(time.Duration(c.fsmVal.KeepaliveTime)*time.Second, fsm.KeepaliveTimerExpired)
		case fsm.ProcessUpdateMsg:
			c.processUpdateMsg(a.Msg)
		case fsm.InitiateRib:
			c.initiateRib()
		case fsm.ReleaseRib:
			c.releaseRib()
		}
	}
}

func (c *Coordinator) startTimer(d time.Duration, kind fsm.EventKind) *timer.Timer {
	return timer.Start(d, func() {
		c.send(ceEvent{kind: evFSM, fsmEvent: fsm.Event{Kind: kind}})
	})
}

// startConnRetryTimer schedules the next connection attempt using an
// exponential backoff (matching the damping applied to flapping peers
// elsewhere in the BGP ecosystem) rather than the fixed connect-retry
// interval alone; the configured ConnRetryTime is used as the backoff floor.
func (c *Coordinator) startConnRetryTimer() {
	c.backoff.Min = time.Duration(c.fsmVal.ConnRetryTime) * time.Second
	if c.backoff.Max < c.backoff.Min {
		c.backoff.Max = 30 * c.backoff.Min
	}
	c.connRetryTimer = c.startTimer(c.backoff.Duration(), fsm.ConnRetryTimerExpired)
}

// initiateTCPConnection dials the peer in the background. If the peer is
// configured Passive, or a connection attempt or an established flow already
// exists, this is a no-op: the FSM never emits InitiateTCPConnection twice
// without an intervening DropTCPConnection, but the guard keeps this function
// safe under retries.
func (c *Coordinator) initiateTCPConnection() {
	if c.cfg.Passive || c.connecting || c.flow != nil {
		return
	}
	c.connecting = true
	gen := c.connGen
	dialer := &net.Dialer{Timeout: openTimeout}
	addr := c.cfg.remoteAddr()
	go func() {
		nc, err := dialer.Dial("tcp", addr)
		c.send(ceEvent{kind: evOutboundResult, nc: nc, err: err, gen: gen})
	}()
}

func (c *Coordinator) dropTCPConnection() {
	c.connGen++
	c.connecting = false
	c.flowGen++
	if c.flow != nil {
		c.flow.Close()
		c.flow = nil
	}
}

func (c *Coordinator) installFlow(nc net.Conn) {
	if c.flow != nil {
		c.flow.Close()
	}
	c.flow = nc
	c.flowGen++
	gen := c.flowGen
	go c.readLoop(nc, gen)
}

func (c *Coordinator) readLoop(nc net.Conn, gen uint64) {
	fr := wire.NewFramedReader(nc)
	for {
		m, err := fr.Read()
		c.send(ceEvent{kind: evReadResult, msg: m, err: err, gen: gen})
		if err != nil {
			return
		}
	}
}

func (c *Coordinator) handleReadResult(e ceEvent) {
	if e.gen != c.flowGen {
		return // stale reader from a flow we already dropped
	}
	if e.err != nil {
		if me, ok := wire.AsMessageError(e.err); ok {
			notif := fsm.NotifCode{Code: me.TypeCode, Subcode: me.SubTypeCode}
			ne := &notificationError{notif: notif, out: false}
			c.log.Warn(ne.Error())
			if !ne.dampPeer() {
				// A CEASE is typically operator initiated on the remote end; don't
				// let it inflate our own reconnect backoff.
				c.backoff.Reset()
			}
			c.deliver(fsm.Event{Kind: fsm.NotifMsgReceived, Notif: notif})
			return
		}
		c.deliver(fsm.Event{Kind: fsm.TCPConnectionFail})
		return
	}
	c.deliver(eventForMessage(e.msg))
}

func (c *Coordinator) sendOpen() {
	m := wire.NewOpen(c.cfg.LocalASN, uint16(c.fsmVal.HoldTime), c.cfg.LocalID.String())
	c.sendMessage(m, openTimeout)
}

func (c *Coordinator) sendMessage(m *wire.Message, timeout time.Duration) {
	if c.flow == nil {
		return
	}
	fw := wire.NewFramedWriter(c.flow)
	if err := fw.Write(m, timeout); err != nil {
		c.log.WithError(err).Warn("failed to send message")
	}
}

func (c *Coordinator) processUpdateMsg(msg any) {
	if c.inRib == nil {
		panic("peer: ProcessUpdateMsg without an Adj-RIB-In: coordinator/FSM are out of sync")
	}
	u, ok := msg.(rib.Update)
	if !ok {
		return
	}
	c.inRib.HandleUpdate(u)
}

func (c *Coordinator) initiateRib() {
	c.inRib = rib.NewAdjRibIn(c.cfg.RemoteID, c.loc)
	c.outRib = rib.NewAdjRibOut(c.cfg.RemoteID, c.loc)
	c.loc.HandleSignal(rib.SubscribeSignal{Out: c.outRib})
}

func (c *Coordinator) releaseRib() {
	if c.inRib != nil {
		c.inRib.Close()
		c.inRib = nil
	}
	if c.outRib != nil {
		c.loc.HandleSignal(rib.UnsubscribeSignal{Out: c.outRib})
		c.outRib = nil
	}
}

// exportRoutes pulls the pending announcements and withdrawals for this peer
// out of its Adj-RIB-Out and sends them as UPDATE messages, riding the same
// keepalive cadence that drives fsm.SendKeepaliveMsg.
func (c *Coordinator) exportRoutes() {
	if c.outRib == nil {
		return
	}
	for _, ann := range c.outRib.Sync(c.peerASN) {
		var (
			m   *wire.Message
			err error
		)
		if ann.Withdraw {
			m, err = wire.EncodeWithdraw(ann.Prefix)
		} else {
			var communities []uint32
			for _, cty := range ann.Attributes.Communities {
				communities = append(communities, cty.Uint32())
			}
			m, err = wire.EncodeUpdate(c.cfg.LocalASN, wire.UpdateAnnouncement{
				Prefix:       ann.Prefix,
				Nexthop:      ann.Attributes.Nexthop,
				ASPath:       ann.Attributes.ASPath,
				LocalPref:    ann.Attributes.LocalPref,
				HasLocalPref: ann.Attributes.HasLocalPref,
				MED:          ann.Attributes.MED,
				HasMED:       ann.Attributes.HasMED,
				Communities:  communities,
			})
		}
		if err != nil {
			c.log.WithError(err).Warn("failed to encode route for export")
			continue
		}
		c.sendMessage(m, messageTimeout)
	}
}
