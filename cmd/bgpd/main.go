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

// Command bgpd runs a minimal BGP-4 speaker: one process, one router ID, any
// number of configured neighbors given on the command line, and an operator
// command loop on stdin.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nprintz/bgpd/internal/peer"
	"github.com/nprintz/bgpd/internal/server"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <as-number> <router-id> <peer-address>[,<peer-address>...]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	listenAddr := flag.String("listen", ":179", "local address to accept connections on")
	hostname := flag.String("hostname", "", "hostname reported by \"show device\"")
	passive := flag.Bool("passive", false, "do not dial peers; wait for them to connect")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if flag.NArg() != 3 {
		flag.Usage()
		os.Exit(2)
	}

	asn, err := strconv.ParseUint(flag.Arg(0), 10, 32)
	if err != nil {
		log.Fatalf("invalid AS number %q: %v", flag.Arg(0), err)
	}
	routerID, err := netip.ParseAddr(flag.Arg(1))
	if err != nil {
		log.Fatalf("invalid router ID %q: %v", flag.Arg(1), err)
	}

	logger := logrus.New()
	if *debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	srv := server.New(server.Config{
		RouterID: routerID,
		ASN:      uint32(asn),
		Hostname: *hostname,
	}, logrus.NewEntry(logger))

	for _, addr := range strings.Split(flag.Arg(2), ",") {
		remoteID, err := netip.ParseAddr(addr)
		if err != nil {
			log.Fatalf("invalid peer address %q: %v", addr, err)
		}
		if _, err := srv.AddPeer(peer.Config{
			RemoteID:      remoteID,
			Passive:       *passive,
			ConnRetryTime: 30 * time.Second,
			HoldTime:      45 * time.Second,
			KeepaliveTime: 15 * time.Second,
		}); err != nil {
			log.Fatalf("adding peer %v: %v", remoteID, err)
		}
	}

	l, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Fatalf("listen on %v: %v", *listenAddr, err)
	}
	go func() {
		if err := srv.Serve(l); err != nil {
			logger.WithError(err).Info("listener stopped")
		}
	}()

	for _, p := range srv.Peers() {
		p.Start()
	}

	if err := server.NewCLI(srv, os.Stdin, os.Stdout).Run(); err != nil {
		logger.WithError(err).Error("command loop terminated")
	}

	srv.Close()
}
