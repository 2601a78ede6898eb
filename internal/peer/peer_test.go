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
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"

	"github.com/nprintz/bgpd/internal/fsm"
	"github.com/nprintz/bgpd/internal/rib"
	"github.com/nprintz/bgpd/internal/wire"
)

func testCoordinator(t *testing.T, localWins bool) *Coordinator {
	t.Helper()
	local := netip.MustParseAddr("192.0.2.1")
	remote := netip.MustParseAddr("192.0.2.2")
	if localWins {
		local, remote = remote, local // 192.0.2.2 > 192.0.2.1
	}
	log := logrus.New()
	log.SetOutput(io.Discard)
	c := &Coordinator{
		cfg:     Config{LocalID: local, RemoteID: remote, LocalASN: 65001}.withDefaults(),
		log:     logrus.NewEntry(log),
		events:  make(chan ceEvent, 16),
		fsmVal:  fsm.Value{State: fsm.OpenSent, HoldTime: 90, LargeHoldTime: 240},
		backoff: backoff.Backoff{Min: time.Second, Max: time.Minute},
		stopC:   make(chan struct{}),
		doneC:   make(chan struct{}),
	}
	return c
}

// drain discards everything written to conn so FramedWriter.Write never
// blocks on the deadline waiting for a reader.
func drain(conn net.Conn) {
	go io.Copy(io.Discard, conn)
}

func TestCollisionInboundLocalWins(t *testing.T) {
	c := testCoordinator(t, true)
	server, client := net.Pipe()
	drain(client)
	defer client.Close()

	c.handleInbound(server)

	if c.flow != nil {
		t.Errorf("flow = %v, want nil: local router ID should have won, rejecting the inbound connection", c.flow)
	}
	if c.fsmVal.State != fsm.OpenSent {
		t.Errorf("State = %v, want OpenSent unchanged", c.fsmVal.State)
	}
	if _, err := server.Write([]byte("x")); err == nil {
		t.Error("expected the rejected inbound connection to be closed")
	}
}

func TestCollisionInboundRemoteWins(t *testing.T) {
	c := testCoordinator(t, false)
	c.fsmVal.ConnRetryCount = 3
	server, client := net.Pipe()
	drain(client)
	defer client.Close()
	defer server.Close()

	c.handleInbound(server)

	if c.flow != server {
		t.Errorf("flow = %v, want the winning inbound connection installed", c.flow)
	}
	if c.fsmVal.State != fsm.OpenSent {
		t.Errorf("State = %v, want OpenSent (re-handshake after the dump)", c.fsmVal.State)
	}
	if c.fsmVal.ConnRetryCount != 3 {
		t.Errorf("ConnRetryCount = %v, want 3 preserved across the collision dump", c.fsmVal.ConnRetryCount)
	}
}

func TestCollisionOutboundLocalWins(t *testing.T) {
	c := testCoordinator(t, true)
	c.fsmVal.ConnRetryCount = 3
	server, client := net.Pipe()
	drain(client)
	defer server.Close()
	defer client.Close()

	c.handleOutboundResult(ceEvent{kind: evOutboundResult, nc: server, gen: c.connGen})

	if c.flow != server {
		t.Errorf("flow = %v, want the winning outbound connection installed", c.flow)
	}
	if c.fsmVal.State != fsm.OpenSent {
		t.Errorf("State = %v, want OpenSent (re-handshake after the dump)", c.fsmVal.State)
	}
	if c.fsmVal.ConnRetryCount != 3 {
		t.Errorf("ConnRetryCount = %v, want 3 preserved across the collision dump", c.fsmVal.ConnRetryCount)
	}
}

func TestCollisionOutboundRemoteWins(t *testing.T) {
	c := testCoordinator(t, false)
	server, client := net.Pipe()
	drain(client)
	defer client.Close()

	c.handleOutboundResult(ceEvent{kind: evOutboundResult, nc: server, gen: c.connGen})

	if c.flow != nil {
		t.Errorf("flow = %v, want nil: remote router ID should have won, rejecting the outbound connection", c.flow)
	}
	if c.fsmVal.State != fsm.OpenSent {
		t.Errorf("State = %v, want OpenSent unchanged", c.fsmVal.State)
	}
	if _, err := server.Write([]byte("x")); err == nil {
		t.Error("expected the rejected outbound connection to be closed")
	}
}

func TestStaleOutboundResultDiscarded(t *testing.T) {
	c := testCoordinator(t, false)
	c.fsmVal.State = fsm.Connect
	c.connGen = 5 // simulate a DropTCPConnection having happened since the dial started

	server, client := net.Pipe()
	defer client.Close()

	c.handleOutboundResult(ceEvent{kind: evOutboundResult, nc: server, gen: 1})

	if c.flow != nil {
		t.Errorf("flow = %v, want nil: a stale dial result must not install a flow", c.flow)
	}
	if _, err := server.Write([]byte("x")); err == nil {
		t.Error("expected the stale connection to have been closed")
	}
}

func TestStaleReadResultDiscarded(t *testing.T) {
	c := testCoordinator(t, false)
	c.flowGen = 3
	before := c.fsmVal

	c.handleReadResult(ceEvent{kind: evReadResult, gen: 1, err: io.EOF})

	if c.fsmVal != before {
		t.Errorf("fsmVal changed on a stale read result: got %+v, want %+v", c.fsmVal, before)
	}
}

func TestInboundRejectedWhenIdleOrEstablished(t *testing.T) {
	for _, state := range []fsm.State{fsm.Idle, fsm.Established} {
		c := testCoordinator(t, true)
		c.fsmVal.State = state
		server, client := net.Pipe()
		drain(client)
		defer client.Close()

		c.handleInbound(server)

		if c.flow != nil {
			t.Errorf("state %v: flow = %v, want nil", state, c.flow)
		}
	}
}

func TestInitiateReleaseRibSubscribes(t *testing.T) {
	c := testCoordinator(t, false)
	c.loc = rib.NewLocRib(nil)

	c.initiateRib()
	if got := c.loc.Subscribers(); got != 1 {
		t.Fatalf("Subscribers() = %d, want 1 after initiateRib", got)
	}

	c.releaseRib()
	if got := c.loc.Subscribers(); got != 0 {
		t.Fatalf("Subscribers() = %d, want 0 after releaseRib", got)
	}
}

func TestExportRoutesSendsUpdate(t *testing.T) {
	c := testCoordinator(t, false)
	c.loc = rib.NewLocRib(nil)
	c.initiateRib()

	prefix := netip.MustParsePrefix("203.0.113.0/24")
	c.loc.HandleSignal(rib.UpdateSignal{
		Prefix: prefix,
		Attrs:  rib.Attributes{ASPath: []uint32{65099}, Nexthop: netip.MustParseAddr("192.0.2.9")},
	})

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	c.flow = server

	read := make(chan *wire.Message, 1)
	go func() {
		fr := wire.NewFramedReader(client)
		m, err := fr.Read()
		if err != nil {
			read <- nil
			return
		}
		read <- m
	}()

	c.exportRoutes()

	select {
	case m := <-read:
		if m == nil {
			t.Fatal("failed to read the exported UPDATE")
		}
		body, ok := wire.DecodeUpdate(m)
		if !ok || len(body.Announced) != 1 || body.Announced[0].Prefix != prefix {
			t.Fatalf("decoded update = %+v, ok=%v, want one announcement of %v", body, ok, prefix)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the exported UPDATE")
	}
}

func TestManualStopIdempotentThroughCoordinator(t *testing.T) {
	c := testCoordinator(t, true)
	c.fsmVal.State = fsm.Idle
	go c.Run()
	defer c.Shutdown()

	c.Stop()
	c.Stop()

	// Give Run a chance to drain both events; State must settle back on Idle.
	time.Sleep(50 * time.Millisecond)
	if got := c.State().State; got != fsm.Idle {
		t.Errorf("State = %v, want Idle", got)
	}
}
