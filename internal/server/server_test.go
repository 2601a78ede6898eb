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

package server

import (
	"io"
	"net"
	"net/netip"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/nprintz/bgpd/internal/peer"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// fakeConn wraps a real net.Conn (for I/O) but reports an arbitrary
// RemoteAddr, so matchPeer can be exercised without a real TCP dial.
type fakeConn struct {
	net.Conn
	remote net.Addr
}

func (f *fakeConn) RemoteAddr() net.Addr { return f.remote }

func tcpAddr(ip string, port int) net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: port}
}

func TestMatchPeerKnownAndUnknownSource(t *testing.T) {
	srv := New(Config{RouterID: netip.MustParseAddr("10.0.0.1"), ASN: 65001}, testLog())
	remote := netip.MustParseAddr("192.0.2.5")
	c, err := srv.AddPeer(peer.Config{RemoteID: remote})
	if err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	defer c.Shutdown()

	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	known := &fakeConn{Conn: server, remote: tcpAddr("192.0.2.5", 54321)}
	if got := srv.matchPeer(known); got != c {
		t.Errorf("matchPeer(known source) = %v, want %v", got, c)
	}

	unknown := &fakeConn{Conn: server, remote: tcpAddr("192.0.2.9", 54321)}
	if got := srv.matchPeer(unknown); got != nil {
		t.Errorf("matchPeer(unconfigured source) = %v, want nil", got)
	}
}

func TestMatchPeerRejectsUnparsableAddress(t *testing.T) {
	srv := New(Config{RouterID: netip.MustParseAddr("10.0.0.1"), ASN: 65001}, testLog())
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	// net.Pipe's own RemoteAddr is not an IP:port, so it can never match a
	// configured neighbor.
	if got := srv.matchPeer(server); got != nil {
		t.Errorf("matchPeer(pipe conn) = %v, want nil", got)
	}
}

func TestAddPeerRejectsDuplicateAndInvalid(t *testing.T) {
	srv := New(Config{RouterID: netip.MustParseAddr("10.0.0.1"), ASN: 65001}, testLog())
	remote := netip.MustParseAddr("192.0.2.5")

	c, err := srv.AddPeer(peer.Config{RemoteID: remote})
	if err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	defer c.Shutdown()

	if _, err := srv.AddPeer(peer.Config{RemoteID: remote}); err == nil {
		t.Error("AddPeer with a duplicate address succeeded, want error")
	}
	if _, err := srv.AddPeer(peer.Config{}); err == nil {
		t.Error("AddPeer with an invalid address succeeded, want error")
	}
}

func TestRemovePeerThenReAdd(t *testing.T) {
	srv := New(Config{RouterID: netip.MustParseAddr("10.0.0.1"), ASN: 65001}, testLog())
	remote := netip.MustParseAddr("192.0.2.5")

	if _, err := srv.AddPeer(peer.Config{RemoteID: remote}); err != nil {
		t.Fatalf("AddPeer: %v", err)
	}
	if err := srv.RemovePeer(remote); err != nil {
		t.Fatalf("RemovePeer: %v", err)
	}
	if err := srv.RemovePeer(remote); err == nil {
		t.Error("RemovePeer of an already-removed peer succeeded, want error")
	}
	c, err := srv.AddPeer(peer.Config{RemoteID: remote})
	if err != nil {
		t.Fatalf("re-AddPeer after RemovePeer: %v", err)
	}
	defer c.Shutdown()
}

func TestPeersOrderedByAddress(t *testing.T) {
	srv := New(Config{RouterID: netip.MustParseAddr("10.0.0.1"), ASN: 65001}, testLog())
	for _, s := range []string{"192.0.2.9", "192.0.2.1", "192.0.2.5"} {
		c, err := srv.AddPeer(peer.Config{RemoteID: netip.MustParseAddr(s)})
		if err != nil {
			t.Fatalf("AddPeer(%s): %v", s, err)
		}
		defer c.Shutdown()
	}
	got := srv.Peers()
	if len(got) != 3 {
		t.Fatalf("len(Peers()) = %d, want 3", len(got))
	}
	want := []string{"192.0.2.1", "192.0.2.5", "192.0.2.9"}
	for i, c := range got {
		if s := c.Config().RemoteID.String(); s != want[i] {
			t.Errorf("Peers()[%d] = %s, want %s", i, s, want[i])
		}
	}
}

func TestServeRejectsUnconfiguredSource(t *testing.T) {
	srv := New(Config{RouterID: netip.MustParseAddr("10.0.0.1"), ASN: 65001}, testLog())
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(l)
	defer srv.Close()

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// No peer is configured for 127.0.0.1, so the server must close the
	// connection immediately rather than hand it to a Coordinator.
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Error("read from a connection to an unconfigured peer succeeded, want it closed")
	}
}
