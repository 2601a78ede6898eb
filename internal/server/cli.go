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

package server

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// CLI is the operator's line-oriented interface: one command per line, read
// from an arbitrary io.Reader (in practice os.Stdin). No CLI framework is
// warranted for a handful of fixed verbs, so this reads the way the corpus's
// own flag-parsing entrypoints do: plain stdlib, no third-party parser.
type CLI struct {
	srv *Server
	in  *bufio.Scanner
	out io.Writer
}

// NewCLI wraps srv with a command loop reading from in and writing to out.
func NewCLI(srv *Server, in io.Reader, out io.Writer) *CLI {
	return &CLI{srv: srv, in: bufio.NewScanner(in), out: out}
}

// Run processes commands until input is exhausted or "exit" is entered.
func (c *CLI) Run() error {
	for c.in.Scan() {
		line := strings.TrimSpace(c.in.Text())
		if line == "" {
			continue
		}
		if !c.dispatch(line) {
			return nil
		}
	}
	return c.in.Err()
}

// dispatch runs one command line and reports whether the session continues.
func (c *CLI) dispatch(line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "start":
		for _, p := range c.srv.Peers() {
			p.Start()
		}
	case "stop":
		for _, p := range c.srv.Peers() {
			p.Stop()
		}
	case "exit":
		return false
	case "show":
		c.show(fields[1:])
	default:
		// Unknown input is silently ignored.
	}
	return true
}

func (c *CLI) show(args []string) {
	if len(args) == 0 {
		return
	}
	switch args[0] {
	case "fsm":
		c.showFSM()
	case "device":
		c.showDevice()
	case "rib":
		c.showRIB(len(args) > 1 && args[1] == "detail")
	}
}

func (c *CLI) showDevice() {
	fmt.Fprintf(c.out, "router-id %v asn %d", c.srv.cfg.RouterID, c.srv.cfg.ASN)
	if c.srv.cfg.Hostname != "" {
		fmt.Fprintf(c.out, " hostname %s", c.srv.cfg.Hostname)
	}
	fmt.Fprintln(c.out)
}

func (c *CLI) showFSM() {
	for _, p := range c.srv.Peers() {
		v := p.State()
		fmt.Fprintf(c.out, "%-15v %-12s conn-retry-count=%d\n", p.Config().RemoteID, v.State, v.ConnRetryCount)
	}
}

func (c *CLI) showRIB(detail bool) {
	for prefix, a := range c.srv.LocRib().AllRoutes() {
		if !detail {
			fmt.Fprintf(c.out, "%-20v via %-15v as-path %v\n", prefix, a.Nexthop, a.ASPath)
			continue
		}
		localPref := uint32(100)
		if a.HasLocalPref {
			localPref = a.LocalPref
		}
		med := uint32(0)
		if a.HasMED {
			med = a.MED
		}
		fmt.Fprintf(c.out, "%-20v via %-15v as-path %v local-pref %d med %d peer %v communities %v\n",
			prefix, a.Nexthop, a.ASPath, localPref, med, a.Peer, a.Communities)
	}
}
