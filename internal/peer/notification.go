// Copyright 2021 Jeremy White
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
	"fmt"

	"github.com/nprintz/bgpd/internal/fsm"
)

// notifCodesMap gives a short human-readable name to the NOTIFICATION error
// codes this speaker can send or receive, per RFC 4271 section 4.5.
var notifCodesMap = map[uint8]string{
	1: "message header error",
	2: "open message error",
	3: "update message error",
	4: "hold timer expired",
	5: "finite state machine error",
	6: "cease",
}

const ceaseCode = 6

// notificationError wraps a NOTIFICATION exchanged with a peer, either sent
// (out=true) or received (out=false), so it can be logged and classified in
// one place.
type notificationError struct {
	notif fsm.NotifCode
	out   bool
}

func (e *notificationError) Error() string {
	dir := "received"
	if e.out {
		dir = "sent"
	}
	name := notifCodesMap[e.notif.Code]
	if name == "" {
		name = "unknown"
	}
	return fmt.Sprintf("%s NOTIFICATION: %s (code=%d subcode=%d)", dir, name, e.notif.Code, e.notif.Subcode)
}

// dampPeer reports whether this NOTIFICATION should count against the peer's
// connect-retry damping. A CEASE is typically operator initiated and does not
// indicate a misbehaving peer, so it is excluded.
func (e *notificationError) dampPeer() bool {
	return e.notif.Code != ceaseCode
}
