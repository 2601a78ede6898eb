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

// Package peer implements the connection coordinator that binds one
// configured neighbor's pure fsm.Value to real sockets, timers and RIBs: it
// is the only place in this module where the state machine, transport I/O
// and connection-collision resolution meet.
package peer

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/nprintz/bgpd/internal/fsm"
	"github.com/nprintz/bgpd/internal/rib"
	"github.com/nprintz/bgpd/internal/timer"
	"github.com/nprintz/bgpd/internal/wire"
)

// Config holds the static, operator supplied configuration for one neighbor.
type Config struct {
	LocalID    netip.Addr
	LocalASN   uint32
	RemoteID   netip.Addr
	RemotePort uint16
	LocalPort  uint16
	// Passive suppresses active outbound connection attempts; the session
	// only comes up if the peer dials us.
	Passive bool

	ConnRetryTime time.Duration
	HoldTime      time.Duration
	KeepaliveTime time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnRetryTime == 0 {
		c.ConnRetryTime = timer.DefaultConnRetryTime
	}
	if c.HoldTime == 0 {
		c.HoldTime = timer.DefaultHoldTime
	}
	if c.KeepaliveTime == 0 {
		c.KeepaliveTime = timer.DefaultKeepaliveTime
	}
	if c.RemotePort == 0 {
		c.RemotePort = 179
	}
	if c.LocalPort == 0 {
		c.LocalPort = 179
	}
	return c
}

func (c Config) remoteAddr() string {
	return net.JoinHostPort(c.RemoteID.String(), fmt.Sprintf("%d", c.RemotePort))
}

// eventKind identifies the category of a coordinator-level event, a superset
// of fsm.EventKind that also covers raw transport occurrences the
// coordinator must interpret (an inbound connection, a completed outbound
// dial, or a message arriving off the flow reader) before it knows which, if
// any, fsm.Event results.
type eventKind int

const (
	evFSM eventKind = iota
	evInboundConn
	evOutboundResult
	evReadResult
)

type ceEvent struct {
	kind eventKind

	fsmEvent fsm.Event // evFSM

	nc  net.Conn      // evInboundConn, evOutboundResult
	err error         // evOutboundResult, evReadResult
	msg *wire.Message // evReadResult

	gen uint64 // generation the originating goroutine was started with
}

// Coordinator owns one peer's mutable runtime state and serializes every
// event that can affect it (timer fires, transport completions, inbound
// connections) onto a single goroutine, which is what makes collision
// resolution and the FSM's action ordering race free.
type Coordinator struct {
	cfg Config
	log *logrus.Entry
	loc *rib.LocRib

	events chan ceEvent

	// fsmMu guards fsmVal, which is written only from Run's goroutine but
	// read from State() by arbitrary callers (e.g. the operator CLI).
	fsmMu  sync.Mutex
	fsmVal fsm.Value

	flow    net.Conn
	flowGen uint64

	connecting bool
	connGen    uint64

	connRetryTimer, holdTimer, keepaliveTimer *timer.Timer

	inRib  *rib.AdjRibIn
	outRib *rib.AdjRibOut
	// peerASN is passed to Adj-RIB-Out Sync for export loop suppression.
	// Nothing assigns it from the peer's OPEN message, so it stays zero.
	// Neither peerASN nor peerID takes part in collision resolution, which
	// compares the configured LocalID and RemoteID.
	peerASN uint32
	peerID  uint32

	backoff backoff.Backoff

	stopC chan struct{}
	doneC chan struct{}
}

// New creates a Coordinator for cfg. Call Run in its own goroutine, then
// Start to bring the session up.
func New(cfg Config, loc *rib.LocRib, log *logrus.Entry) *Coordinator {
	cfg = cfg.withDefaults()
	return &Coordinator{
		cfg:    cfg,
		log:    log.WithField("peer", cfg.RemoteID),
		loc:    loc,
		events: make(chan ceEvent, 16),
		fsmVal: fsm.New(
			uint16(cfg.ConnRetryTime/time.Second),
			uint16(cfg.HoldTime/time.Second),
			uint16(cfg.KeepaliveTime/time.Second),
		),
		backoff: backoff.Backoff{Factor: 1.5, Jitter: true, Min: time.Second, Max: 90 * time.Second},
		stopC:   make(chan struct{}),
		doneC:   make(chan struct{}),
	}
}

// Start requests that the session be established.
func (c *Coordinator) Start() {
	c.send(ceEvent{kind: evFSM, fsmEvent: fsm.Event{Kind: fsm.ManualStart}})
}

// Stop requests that the session be torn down administratively.
func (c *Coordinator) Stop() {
	c.send(ceEvent{kind: evFSM, fsmEvent: fsm.Event{Kind: fsm.ManualStop}})
}

// HandleInbound offers an inbound connection accepted by the listener
// dispatcher to this peer. The Coordinator decides, based on its current
// state, whether to accept it, reject it, or use it to resolve a collision.
func (c *Coordinator) HandleInbound(nc net.Conn) {
	c.send(ceEvent{kind: evInboundConn, nc: nc})
}

// State returns a snapshot of the session's current FSM value. Safe to call
// from any goroutine.
func (c *Coordinator) State() fsm.Value {
	c.fsmMu.Lock()
	defer c.fsmMu.Unlock()
	return c.fsmVal
}

// Config returns the peer's static configuration.
func (c *Coordinator) Config() Config { return c.cfg }

// RIBs returns the peer's Adj-RIB-In and Adj-RIB-Out. Both are nil until the
// peer's OPEN is accepted (entering OpenConfirm) and again after the session
// tears down.
func (c *Coordinator) RIBs() (*rib.AdjRibIn, *rib.AdjRibOut) {
	c.fsmMu.Lock()
	defer c.fsmMu.Unlock()
	return c.inRib, c.outRib
}

func (c *Coordinator) send(e ceEvent) {
	select {
	case c.events <- e:
	case <-c.doneC:
	}
}

// Run processes events until Shutdown is called. It must run in its own
// goroutine and is the only goroutine that ever mutates the Coordinator's
// session state.
func (c *Coordinator) Run() {
	defer close(c.doneC)
	for {
		select {
		case e := <-c.events:
			c.handle(e)
		case <-c.stopC:
			c.teardownTransport()
			c.releaseRib()
			return
		}
	}
}

// Shutdown stops Run and releases any held connection or RIB state.
func (c *Coordinator) Shutdown() {
	close(c.stopC)
	<-c.doneC
}

func (c *Coordinator) teardownTransport() {
	c.connRetryTimer.Cancel()
	c.holdTimer.Cancel()
	c.keepaliveTimer.Cancel()
	c.flowGen++
	if c.flow != nil {
		c.flow.Close()
		c.flow = nil
	}
	c.connGen++
}

func (c *Coordinator) handle(e ceEvent) {
	switch e.kind {
	case evFSM:
		c.deliver(e.fsmEvent)
	case evInboundConn:
		c.handleInbound(e.nc)
	case evOutboundResult:
		c.handleOutboundResult(e)
	case evReadResult:
		c.handleReadResult(e)
	}
}

// setState overrides the FSM's current state outside of Handle, used only to
// re-enter Connect after a collision dump lands the FSM in Idle without
// disturbing conn_retry_counter or any other Value field.
func (c *Coordinator) setState(s fsm.State) {
	c.fsmMu.Lock()
	c.fsmVal.State = s
	c.fsmMu.Unlock()
}

// deliver runs the pure FSM and then executes the resulting actions in
// order.
func (c *Coordinator) deliver(e fsm.Event) {
	c.fsmMu.Lock()
	before := c.fsmVal
	next, actions := fsm.Handle(before, e)
	c.fsmVal = next
	c.fsmMu.Unlock()
	if before.State != next.State {
		c.log.Infof("%v -> %v (on %v)", before.State, next.State, e.Kind)
		if next.State == fsm.Established {
			c.backoff.Reset()
		}
	}
	c.execute(actions)
}

// eventForMessage translates a decoded wire message into the fsm.Event it
// represents.
func eventForMessage(m *wire.Message) fsm.Event {
	if version, holdTime, bgpID, ok := wire.OpenFields(m); ok {
		return fsm.Event{Kind: fsm.BGPOpenReceived, Open: fsm.Open{Version: version, HoldTime: holdTime, BGPID: bgpID}}
	}
	if code, subcode, ok := wire.NotificationFields(m); ok {
		return fsm.Event{Kind: fsm.NotifMsgReceived, Notif: fsm.NotifCode{Code: code, Subcode: subcode}}
	}
	if wire.IsKeepalive(m) {
		return fsm.Event{Kind: fsm.KeepaliveMsgReceived}
	}
	if body, ok := wire.DecodeUpdate(m); ok {
		return fsm.Event{Kind: fsm.UpdateMsgReceived, Msg: toRibUpdate(body)}
	}
	return fsm.Event{Kind: fsm.BGPHeaderErr}
}

// toRibUpdate converts a decoded wire update into this module's RIB
// representation. Attributes.Peer is left unset; the AdjRibIn fills it in
// with its own peer address.
func toRibUpdate(body wire.UpdateBody) rib.Update {
	u := rib.Update{Withdrawn: body.Withdrawn}
	for _, a := range body.Announced {
		var communities []rib.Community
		for _, c := range a.Communities {
			communities = append(communities, rib.NewCommunity(c))
		}
		u.Announced = append(u.Announced, struct {
			Prefix     netip.Prefix
			Attributes rib.Attributes
		}{
			Prefix: a.Prefix,
			Attributes: rib.Attributes{
				Nexthop:      a.Nexthop,
				ASPath:       a.ASPath,
				LocalPref:    a.LocalPref,
				HasLocalPref: a.HasLocalPref,
				MED:          a.MED,
				HasMED:       a.HasMED,
				Communities:  communities,
			},
		})
	}
	return u
}
