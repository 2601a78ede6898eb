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

// Package server ties a configured set of neighbors together behind one
// listener: it resolves inbound connections to the right peer.Coordinator and
// owns the LocRib every peer shares.
package server

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nprintz/bgpd/internal/peer"
	"github.com/nprintz/bgpd/internal/rib"
)

// Config is the process-wide identity announced to every neighbor.
type Config struct {
	RouterID netip.Addr
	ASN      uint32
	// Hostname, if set, is included in "show device" output only; it carries
	// no protocol behavior in this module (FQDN capability is a Non-goal).
	Hostname string
}

// Server owns the peer table, the shared Loc-RIB, and the listener that feeds
// inbound connections to the matching peer.
type Server struct {
	cfg Config
	log *logrus.Entry
	loc *rib.LocRib

	mu       sync.Mutex
	peers    map[netip.Addr]*peer.Coordinator
	listener net.Listener
	closed   bool
}

// New creates a Server. Call AddPeer for each configured neighbor before
// Serve.
func New(cfg Config, log *logrus.Entry) *Server {
	return &Server{
		cfg:   cfg,
		log:   log,
		loc:   rib.NewLocRib(nil),
		peers: map[netip.Addr]*peer.Coordinator{},
	}
}

// LocRib returns the server's shared best-path table.
func (s *Server) LocRib() *rib.LocRib { return s.loc }

// AddPeer configures a neighbor and starts its Coordinator. cfg.LocalID is
// overwritten with the server's RouterID: a speaker has exactly one identity
// regardless of how many neighbors it has.
func (s *Server) AddPeer(cfg peer.Config) (*peer.Coordinator, error) {
	if !cfg.RemoteID.IsValid() {
		return nil, fmt.Errorf("server: invalid peer address: %v", cfg.RemoteID)
	}
	cfg.LocalID = s.cfg.RouterID
	cfg.LocalASN = s.cfg.ASN

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("server: cannot add peer to a closed server")
	}
	if _, ok := s.peers[cfg.RemoteID]; ok {
		return nil, fmt.Errorf("server: duplicate peer: %v", cfg.RemoteID)
	}
	c := peer.New(cfg, s.loc, s.log)
	s.peers[cfg.RemoteID] = c
	go c.Run()
	return c, nil
}

// RemovePeer tears down and forgets a configured neighbor.
func (s *Server) RemovePeer(remote netip.Addr) error {
	s.mu.Lock()
	c, ok := s.peers[remote]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("server: peer not found: %v", remote)
	}
	delete(s.peers, remote)
	s.mu.Unlock()
	c.Shutdown()
	return nil
}

// Peers returns every configured neighbor's Coordinator, ordered by address
// so that "show" output is stable.
func (s *Server) Peers() []*peer.Coordinator {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peer.Coordinator, 0, len(s.peers))
	for _, c := range s.peers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Config().RemoteID.Less(out[j].Config().RemoteID)
	})
	return out
}

// matchPeer resolves an accepted connection's source address against the
// configured peer table.
func (s *Server) matchPeer(conn net.Conn) *peer.Coordinator {
	addrPort, err := netip.ParseAddrPort(conn.RemoteAddr().String())
	if err != nil {
		return nil
	}
	addr := addrPort.Addr().Unmap()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers[addr]
}

// Serve accepts connections on l until it fails, dispatching each one to the
// peer whose configured address matches the connection's source. Connections
// from unconfigured sources are closed immediately.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("server: already closed")
	}
	s.listener = l
	s.mu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		c := s.matchPeer(conn)
		if c == nil {
			s.log.WithField("remote", conn.RemoteAddr()).Info("rejecting connection from unconfigured peer")
			conn.Close()
			continue
		}
		c.HandleInbound(conn)
	}
}

// Close stops the listener and every peer's Coordinator. It does not wait for
// peers to finish tearing down.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("server: already closed")
	}
	s.closed = true
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for _, c := range s.peers {
		go c.Shutdown()
	}
	return err
}
